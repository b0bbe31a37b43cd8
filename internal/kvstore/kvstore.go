// Package kvstore stores git objects and refs in an embedded BadgerDB.
//
// Objects live under "obj/<hex id>" as "<type>\x00<body>"; refs live under
// "ref/<name>" as the raw 20 byte target. Ref updates read and write inside
// one badger transaction, so a concurrent writer surfaces as a commit
// conflict and is reported as a lock failure.
package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

const (
	objectPrefix = "obj/"
	refPrefix    = "ref/"
)

var (
	errMissingPath   = errors.New("path is required for persistent database")
	errCorruptObject = errors.New("kvstore: corrupt object")
	errCorruptRef    = errors.New("kvstore: corrupt ref")
)

// Config holds configuration for a badger-backed repository.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	Logger     *zap.Logger
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Repository implements git.Repository on top of badger.
type Repository struct {
	db     *badger.DB
	logger *zap.Logger

	// beforeCommit runs inside the batch transaction after every command was
	// applied.
	beforeCommit func()
}

// Open opens the database described by cfg. The caller must Close it.
func Open(cfg Config) (*Repository, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errMissingPath
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Repository{db: db, logger: logger}, nil
}

// Close releases the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

func objectKey(id git.ObjectID) []byte {
	return []byte(objectPrefix + id.String())
}

func refKey(name string) []byte {
	return []byte(refPrefix + name)
}

// Insert stores the object; inserting an existing id is a no-op.
func (r *Repository) Insert(objectType git.ObjectType, body []byte) (git.ObjectID, error) {
	id := git.HashObject(objectType, body)
	value := make([]byte, 0, len(objectType)+1+len(body))
	value = append(value, objectType...)
	value = append(value, 0)
	value = append(value, body...)
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(objectKey(id), value)
	})
	if err != nil && !errors.Is(err, badger.ErrConflict) {
		r.logError("insert_object", err, zap.String("object", id.String()))
		return git.ZeroID, &git.StorageError{Op: "insert object", Err: err}
	}
	return id, nil
}

// Read returns the object type and body.
func (r *Repository) Read(id git.ObjectID) (git.ObjectType, []byte, error) {
	var value []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil, fmt.Errorf("%w: %s", git.ErrObjectNotFound, id)
	}
	if err != nil {
		return "", nil, &git.StorageError{Op: "read object", Err: err}
	}
	separator := bytes.IndexByte(value, 0)
	if separator < 0 {
		return "", nil, fmt.Errorf("%w: %s: missing type", errCorruptObject, id)
	}
	objectType, err := git.ParseObjectType(string(value[:separator]))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", errCorruptObject, id, err)
	}
	return objectType, value[separator+1:], nil
}

// ExactRef resolves a ref by full name.
func (r *Repository) ExactRef(name string) (git.ObjectID, bool, error) {
	var id git.ObjectID
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		current, exists, err := readRef(txn, name)
		id, found = current, exists
		return err
	})
	if err != nil {
		return git.ZeroID, false, &git.StorageError{Op: "read ref", Ref: name, Err: err}
	}
	return id, found, nil
}

// RefsByPrefix lists refs under prefix sorted by name.
func (r *Repository) RefsByPrefix(prefix string) ([]git.Ref, error) {
	refs := make([]git.Ref, 0)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = refKey(prefix)
		iterator := txn.NewIterator(opts)
		defer iterator.Close()
		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			item := iterator.Item()
			name := strings.TrimPrefix(string(item.Key()), refPrefix)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id, err := decodeRef(name, value)
			if err != nil {
				return err
			}
			refs = append(refs, git.Ref{Name: name, ID: id})
		}
		return nil
	})
	if err != nil {
		return nil, &git.StorageError{Op: "list refs", Ref: prefix, Err: err}
	}
	return refs, nil
}

// Update applies one CAS command.
func (r *Repository) Update(cmd git.RefCommand) (git.RefUpdateResult, error) {
	results, err := r.BatchUpdate([]git.RefCommand{cmd})
	if err != nil {
		return 0, err
	}
	return results[0], nil
}

// BatchUpdate checks every command against the transaction's snapshot and
// applies the ones that match in one commit. When the commit conflicts with
// another writer, each command is retried in its own transaction so only the
// refs that actually moved report a lock failure.
func (r *Repository) BatchUpdate(cmds []git.RefCommand) ([]git.RefUpdateResult, error) {
	for _, cmd := range cmds {
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
	}
	results := make([]git.RefUpdateResult, len(cmds))
	err := r.db.Update(func(txn *badger.Txn) error {
		for i, cmd := range cmds {
			result, err := applyCommand(txn, cmd)
			if err != nil {
				return &git.StorageError{Op: "update ref", Ref: cmd.Name, Err: err}
			}
			results[i] = result
		}
		if r.beforeCommit != nil {
			r.beforeCommit()
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		r.logger.Debug("ref transaction conflict, updating refs one by one", zap.Int("commands", len(cmds)))
		return r.updateEach(cmds)
	}
	if err != nil {
		r.logError("batch_update_refs", err, zap.Int("commands", len(cmds)))
		return nil, err
	}
	return results, nil
}

func (r *Repository) updateEach(cmds []git.RefCommand) ([]git.RefUpdateResult, error) {
	results := make([]git.RefUpdateResult, len(cmds))
	for i, cmd := range cmds {
		err := r.db.Update(func(txn *badger.Txn) error {
			result, err := applyCommand(txn, cmd)
			if err != nil {
				return &git.StorageError{Op: "update ref", Ref: cmd.Name, Err: err}
			}
			results[i] = result
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			results[i] = git.ResultLockFailure
			continue
		}
		if err != nil {
			r.logError("update_ref", err, zap.String("ref", cmd.Name))
			return nil, err
		}
	}
	return results, nil
}

func applyCommand(txn *badger.Txn, cmd git.RefCommand) (git.RefUpdateResult, error) {
	current, exists, err := readRef(txn, cmd.Name)
	if err != nil {
		return 0, err
	}
	if cmd.OldID.IsZero() {
		if exists {
			return git.ResultLockFailure, nil
		}
		return git.ResultNew, txn.Set(refKey(cmd.Name), cmd.NewID[:])
	}
	if !exists || current != cmd.OldID {
		return git.ResultLockFailure, nil
	}
	if cmd.NewID.IsZero() {
		return git.ResultForced, txn.Delete(refKey(cmd.Name))
	}
	return git.ResultForced, txn.Set(refKey(cmd.Name), cmd.NewID[:])
}

func readRef(txn *badger.Txn, name string) (git.ObjectID, bool, error) {
	item, err := txn.Get(refKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return git.ZeroID, false, nil
	}
	if err != nil {
		return git.ZeroID, false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return git.ZeroID, false, err
	}
	id, err := decodeRef(name, value)
	if err != nil {
		return git.ZeroID, false, err
	}
	return id, true, nil
}

func decodeRef(name string, value []byte) (git.ObjectID, error) {
	var id git.ObjectID
	if len(value) != git.ObjectIDLength {
		return id, fmt.Errorf("%w: %s has %d bytes", errCorruptRef, name, len(value))
	}
	copy(id[:], value)
	return id, nil
}

func (r *Repository) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "kvstore.repository"),
		zap.String("reason", reason),
		zap.Error(err),
	}
	r.logger.Error("repository error", append(attrs, fields...)...)
}
