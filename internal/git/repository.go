package git

import (
	"errors"
	"fmt"
)

var (
	// ErrObjectNotFound indicates a missing object id.
	ErrObjectNotFound = errors.New("git: object not found")
	// ErrWrongObjectType indicates an object of an unexpected type.
	ErrWrongObjectType = errors.New("git: wrong object type")
	// ErrLockFailure indicates that a ref's current value did not match the expected old value.
	ErrLockFailure = errors.New("git: lock failure")
	// ErrInvalidRefCommand indicates a command that neither creates, updates nor deletes.
	ErrInvalidRefCommand = errors.New("git: invalid ref command")
)

// StorageError names the ref and operation behind a storage failure.
type StorageError struct {
	Op  string
	Ref string
	Err error
}

func (e *StorageError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// RefUpdateResult is the outcome of a single CAS ref update.
type RefUpdateResult int

const (
	// ResultNew means the ref did not exist and was created.
	ResultNew RefUpdateResult = iota + 1
	// ResultForced means an existing ref was moved or deleted.
	ResultForced
	// ResultLockFailure means the expected old value did not match.
	ResultLockFailure
)

func (r RefUpdateResult) String() string {
	switch r {
	case ResultNew:
		return "NEW"
	case ResultForced:
		return "FORCED"
	case ResultLockFailure:
		return "LOCK_FAILURE"
	default:
		return fmt.Sprintf("RefUpdateResult(%d)", int(r))
	}
}

// Ref is a named pointer to an object.
type Ref struct {
	Name string
	ID   ObjectID
}

// RefCommand moves Name from OldID to NewID. A zero OldID requires the ref
// to be absent; a zero NewID deletes it.
type RefCommand struct {
	Name  string
	OldID ObjectID
	NewID ObjectID
}

// Validate rejects commands that cannot change anything.
func (c RefCommand) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty ref name", ErrInvalidRefCommand)
	}
	if c.OldID.IsZero() && c.NewID.IsZero() {
		return fmt.Errorf("%w: %s has zero old and new ids", ErrInvalidRefCommand, c.Name)
	}
	return nil
}

// ObjectStore inserts and reads content-addressed objects.
type ObjectStore interface {
	Insert(objectType ObjectType, body []byte) (ObjectID, error)
	Read(id ObjectID) (ObjectType, []byte, error)
}

// RefDatabase resolves refs and moves them with compare-and-swap semantics.
// BatchUpdate applies each command independently; results align with cmds.
type RefDatabase interface {
	ExactRef(name string) (ObjectID, bool, error)
	RefsByPrefix(prefix string) ([]Ref, error)
	Update(cmd RefCommand) (RefUpdateResult, error)
	BatchUpdate(cmds []RefCommand) ([]RefUpdateResult, error)
}

// Repository is the primitive NoteDb is built on.
type Repository interface {
	ObjectStore
	RefDatabase
}

// ReadTyped reads an object and checks its type.
func ReadTyped(store ObjectStore, id ObjectID, want ObjectType) ([]byte, error) {
	objectType, body, err := store.Read(id)
	if err != nil {
		return nil, err
	}
	if objectType != want {
		return nil, fmt.Errorf("%w: %s is a %s, expected %s", ErrWrongObjectType, id, objectType, want)
	}
	return body, nil
}

// ParseCommit reads and decodes a commit.
func ParseCommit(store ObjectStore, id ObjectID) (*Commit, error) {
	body, err := ReadTyped(store, id, ObjectTypeCommit)
	if err != nil {
		return nil, err
	}
	return DecodeCommit(body)
}

// ReadTree reads and decodes a tree.
func ReadTree(store ObjectStore, id ObjectID) (*Tree, error) {
	body, err := ReadTyped(store, id, ObjectTypeTree)
	if err != nil {
		return nil, err
	}
	return DecodeTree(body)
}

// InsertCommit encodes and stores a commit.
func InsertCommit(store ObjectStore, commit *Commit) (ObjectID, error) {
	return store.Insert(ObjectTypeCommit, commit.Encode())
}

// InsertTree encodes and stores a tree.
func InsertTree(store ObjectStore, tree *Tree) (ObjectID, error) {
	return store.Insert(ObjectTypeTree, tree.Encode())
}

// InsertBlob stores a blob.
func InsertBlob(store ObjectStore, body []byte) (ObjectID, error) {
	return store.Insert(ObjectTypeBlob, body)
}

// CheckResult converts a ref update result into an error naming the ref on
// anything other than NEW or FORCED.
func CheckResult(name string, result RefUpdateResult) error {
	switch result {
	case ResultNew, ResultForced:
		return nil
	case ResultLockFailure:
		return &StorageError{Op: "update ref", Ref: name, Err: ErrLockFailure}
	default:
		return &StorageError{Op: "update ref", Ref: name, Err: fmt.Errorf("unexpected result %s", result)}
	}
}
