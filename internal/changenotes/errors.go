package changenotes

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

var (
	// ErrInvalidNote marks every validation failure of a change log.
	ErrInvalidNote = errors.New("changenotes: invalid change notes")
	// ErrChangeNotFound indicates that a change has no meta ref.
	ErrChangeNotFound = errors.New("changenotes: change not found")
)

// ParseError describes a rejected commit in a change log. It is never
// retryable: the stored data is corrupt or was written by a broken client.
type ParseError struct {
	ChangeID ChangeID
	Commit   git.ObjectID
	Footer   string
	Reason   string
	Err      error
}

func (e *ParseError) Error() string {
	message := fmt.Sprintf("change %d", e.ChangeID)
	if !e.Commit.IsZero() {
		message += " commit " + e.Commit.String()
	}
	if e.Footer != "" {
		message += " footer " + e.Footer
	}
	message += ": " + e.Reason
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidNote}
	}
	return []error{ErrInvalidNote, e.Err}
}
