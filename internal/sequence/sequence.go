// Package sequence hands out integers from a counter stored as a decimal
// blob under refs/sequences/<name>. Ids are reserved in batches with a CAS
// ref update, so any number of processes may share one sequence.
package sequence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/refnames"
)

// Well known sequence names.
const (
	NameChanges  = "changes"
	NameAccounts = "accounts"
	NameGroups   = "groups"
)

var (
	// ErrRetriesExhausted indicates that every CAS attempt lost to a concurrent writer.
	ErrRetriesExhausted = errors.New("sequence: retries exhausted")
	// ErrNotForward indicates a StoreNew value below the stored value.
	ErrNotForward = errors.New("sequence: value would move backwards")

	errMissingRepository = errors.New("repository is required")
	errMissingName       = errors.New("sequence name is required")
	errInvalidBatchSize  = errors.New("batch size must be positive")
	errInvalidCount      = errors.New("count must not be negative")
	noOpLogger           = zap.NewNop()
)

const (
	defaultMaxAttempts    = 10
	defaultInitialBackoff = 20 * time.Millisecond
	defaultMaxBackoff     = time.Second
)

// RetryPolicy bounds the CAS retry loop. Timer is the blocking strategy
// between attempts; tests install one that fires immediately.
type RetryPolicy struct {
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
	Timer       backoff.Timer
}

// DefaultRetryPolicy retries with exponential backoff bounded by attempt count.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		NewBackOff: func() backoff.BackOff {
			exponential := backoff.NewExponentialBackOff()
			exponential.InitialInterval = defaultInitialBackoff
			exponential.MaxInterval = defaultMaxBackoff
			exponential.MaxElapsedTime = 0
			return exponential
		},
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	newBackOff := p.NewBackOff
	if newBackOff == nil {
		newBackOff = DefaultRetryPolicy().NewBackOff
	}
	return backoff.WithMaxRetries(newBackOff(), uint64(attempts-1))
}

// Config configures a RepoSequence.
type Config struct {
	Repository git.Repository
	Name       string
	// Start seeds the sequence when its ref does not exist yet.
	Start     int
	BatchSize int
	// Floor, when set, is a lower bound applied to the stored value.
	Floor  func() (int, error)
	Retry  RetryPolicy
	Logger *zap.Logger
	// AfterReadRef runs between reading the ref and the CAS write.
	AfterReadRef func()
}

// RepoSequence is a batch-reserving, CAS-protected counter. The mutex
// serializes callers of one instance; across instances and processes only
// the ref CAS is relied upon.
type RepoSequence struct {
	repo         git.Repository
	name         string
	refName      string
	start        int
	batchSize    int
	floor        func() (int, error)
	retry        RetryPolicy
	logger       *zap.Logger
	afterReadRef func()

	mu           sync.Mutex
	counter      int
	limit        int
	acquireCount int
	attemptCount int
}

// New validates cfg and returns a sequence with an empty local reservation.
func New(cfg Config) (*RepoSequence, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Name == "" {
		return nil, errMissingName
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", errInvalidBatchSize, cfg.BatchSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	afterReadRef := cfg.AfterReadRef
	if afterReadRef == nil {
		afterReadRef = func() {}
	}
	return &RepoSequence{
		repo:         cfg.Repository,
		name:         cfg.Name,
		refName:      refnames.Sequence(cfg.Name),
		start:        cfg.Start,
		batchSize:    cfg.BatchSize,
		floor:        cfg.Floor,
		retry:        cfg.Retry,
		logger:       logger,
		afterReadRef: afterReadRef,
	}, nil
}

// RefName returns the ref backing the sequence.
func (s *RepoSequence) RefName() string {
	return s.refName
}

// Next returns the next id.
func (s *RepoSequence) Next() (int, error) {
	ids, err := s.NextN(1)
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// NextN returns count contiguous ids. When the local reservation cannot cover
// them, a block of max(count, batch size) is acquired; the remainder of the
// old reservation is kept only if the new block directly follows it.
func (s *RepoSequence) NextN(count int) ([]int, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: %d", errInvalidCount, count)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if count == 0 {
		return []int{}, nil
	}
	if s.limit-s.counter < count {
		size := count
		if size < s.batchSize {
			size = s.batchSize
		}
		blockStart, err := s.acquire(size)
		if err != nil {
			return nil, err
		}
		if blockStart != s.limit || s.limit == s.counter {
			s.counter = blockStart
		}
		s.limit = blockStart + size
	}
	ids := make([]int, count)
	for i := range ids {
		ids[i] = s.counter + i
	}
	s.counter += count
	return ids, nil
}

// AcquireCount returns the number of successful block reservations.
func (s *RepoSequence) AcquireCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquireCount
}

// AttemptCount returns the number of CAS attempts, including lost ones.
func (s *RepoSequence) AttemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptCount
}

// Current returns the stored value: the next id that has not been reserved
// by any process.
func (s *RepoSequence) Current() (int, error) {
	blob, found, err := ParseIntBlob(s.repo, s.refName)
	if err != nil {
		return 0, err
	}
	value := s.start
	if found {
		value = blob.Value
	}
	return s.applyFloor(value)
}

// StoreNew moves the stored value forward to value and drops the local
// reservation.
func (s *RepoSequence) StoreNew(value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, found, err := ParseIntBlob(s.repo, s.refName)
	if err != nil {
		return err
	}
	s.afterReadRef()
	if found && value < blob.Value {
		return &git.StorageError{Op: "store sequence", Ref: s.refName, Err: fmt.Errorf("%w: %d < %d", ErrNotForward, value, blob.Value)}
	}
	if err := Store(s.repo, s.refName, blob.ID, value); err != nil {
		s.logError("store_failed", err)
		return err
	}
	s.counter, s.limit = 0, 0
	return nil
}

func (s *RepoSequence) applyFloor(value int) (int, error) {
	if s.floor == nil {
		return value, nil
	}
	floor, err := s.floor()
	if err != nil {
		return 0, err
	}
	if floor > value {
		return floor, nil
	}
	return value, nil
}

var errLostRace = fmt.Errorf("sequence: %w", git.ErrLockFailure)

// acquire reserves size ids and returns the first one.
func (s *RepoSequence) acquire(size int) (int, error) {
	var blockStart int
	attempts := 0
	operation := func() error {
		attempts++
		s.attemptCount++
		blob, found, err := ParseIntBlob(s.repo, s.refName)
		if err != nil {
			return backoff.Permanent(err)
		}
		current := s.start
		if found {
			current = blob.Value
		}
		if current, err = s.applyFloor(current); err != nil {
			return backoff.Permanent(err)
		}
		s.afterReadRef()
		result, err := TryStore(s.repo, s.refName, blob.ID, current+size)
		if err != nil {
			return backoff.Permanent(err)
		}
		if result == git.ResultLockFailure {
			sequenceLockFailures.WithLabelValues(s.name).Inc()
			return errLostRace
		}
		blockStart = current
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("sequence ref moved, retrying",
			zap.String("ref", s.refName),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait))
	}

	err := backoff.RetryNotifyWithTimer(operation, s.retry.backOff(), notify, s.retry.Timer)
	if errors.Is(err, errLostRace) {
		err = &git.StorageError{Op: "acquire sequence", Ref: s.refName, Err: fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, git.ErrLockFailure)}
	}
	if err != nil {
		s.logError("acquire_failed", err, zap.Int("attempts", attempts))
		return 0, err
	}
	s.acquireCount++
	sequenceAcquires.WithLabelValues(s.name).Inc()
	return blockStart, nil
}

func (s *RepoSequence) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "sequence."+s.name),
		zap.String("reason", reason),
		zap.String("ref", s.refName),
		zap.Error(err),
	}
	s.logger.Error("sequence error", append(attrs, fields...)...)
}
