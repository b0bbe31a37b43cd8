package sequence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

// ErrInvalidValue indicates a sequence blob that is not a decimal integer.
var ErrInvalidValue = errors.New("sequence: invalid value")

// IntBlob is the decimal value stored at a ref together with its blob id.
type IntBlob struct {
	ID    git.ObjectID
	Value int
}

// ParseIntBlob reads the value at refName. found is false when the ref does
// not exist. Surrounding whitespace in the blob is ignored.
func ParseIntBlob(repo git.Repository, refName string) (blob IntBlob, found bool, err error) {
	id, found, err := repo.ExactRef(refName)
	if err != nil {
		return IntBlob{}, false, &git.StorageError{Op: "read ref", Ref: refName, Err: err}
	}
	if !found {
		return IntBlob{}, false, nil
	}
	body, err := git.ReadTyped(repo, id, git.ObjectTypeBlob)
	if err != nil {
		return IntBlob{}, false, &git.StorageError{Op: "read sequence", Ref: refName, Err: err}
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return IntBlob{}, false, &git.StorageError{Op: "read sequence", Ref: refName, Err: fmt.Errorf("%w: %q", ErrInvalidValue, body)}
	}
	return IntBlob{ID: id, Value: value}, true, nil
}

// TryStore writes value to refName if the ref still points at oldID (zero
// means absent). A lock failure is reported through the result, not an error.
func TryStore(repo git.Repository, refName string, oldID git.ObjectID, value int) (git.RefUpdateResult, error) {
	newID, err := git.InsertBlob(repo, []byte(strconv.Itoa(value)))
	if err != nil {
		return 0, &git.StorageError{Op: "write sequence", Ref: refName, Err: err}
	}
	if newID == oldID {
		return git.ResultForced, nil
	}
	result, err := repo.Update(git.RefCommand{Name: refName, OldID: oldID, NewID: newID})
	if err != nil {
		return 0, &git.StorageError{Op: "update ref", Ref: refName, Err: err}
	}
	return result, nil
}

// Store is TryStore that fails, naming the ref, unless the ref moved.
func Store(repo git.Repository, refName string, oldID git.ObjectID, value int) error {
	result, err := TryStore(repo, refName, oldID, value)
	if err != nil {
		return err
	}
	return git.CheckResult(refName, result)
}
