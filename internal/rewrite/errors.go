package rewrite

import (
	"errors"
	"fmt"
)

// Error carries a stable "operation.reason" code next to its cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the error code.
func (e *Error) Code() string {
	return e.code
}

const (
	opBackfillerNew   = "rewrite.backfiller.new"
	opBackfillProject = "rewrite.backfill_project"
	opMigratorNew     = "rewrite.migrator.new"
	opMigrateChanges  = "rewrite.migrate_changes"
	opMigrateDrafts   = "rewrite.migrate_drafts"
)

var (
	// ErrNotFixable marks a ref whose history cannot be repaired automatically.
	ErrNotFixable = errors.New("rewrite: ref not fixable")
	// ErrStateMismatch marks a rewrite whose re-parsed state differs from the original.
	ErrStateMismatch = errors.New("rewrite: rewritten state differs")

	errMissingRepository = errors.New("repository is required")
	errMissingServerID   = errors.New("server id is required")
)

func newError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
