package updates

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/notedb/internal/changenotes"
)

var (
	// ErrLimitExceeded marks a batch rejected by the max-updates policy. It is
	// not retryable: the change already carries too many updates.
	ErrLimitExceeded = errors.New("updates: too many updates for change")
	// ErrInvalidBatch indicates an update that cannot be queued.
	ErrInvalidBatch = errors.New("updates: invalid batch")
	// ErrBatchExecuted indicates reuse of a batch after Execute.
	ErrBatchExecuted = errors.New("updates: batch already executed")

	errMissingRepository = errors.New("repository is required")
	errMissingServerID   = errors.New("server id is required")
	errMissingSequence   = errors.New("changes sequence is required")
)

// LimitExceededError names the change that would exceed MaxUpdates.
type LimitExceededError struct {
	ChangeID changenotes.ChangeID
	Existing int
	Added    int
	Max      int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("change %d: %d updates plus %d new exceed the limit of %d", e.ChangeID, e.Existing, e.Added, e.Max)
}

func (e *LimitExceededError) Unwrap() error {
	return ErrLimitExceeded
}
