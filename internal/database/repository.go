package database

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errCorruptObject   = errors.New("database: corrupt object")
)

type objectRecord struct {
	ID         string `gorm:"column:id;primaryKey;size:40;not null"`
	Type       string `gorm:"column:type;size:16;not null"`
	Size       int    `gorm:"column:size;not null"`
	Compressed bool   `gorm:"column:compressed;not null;default:false"`
	Payload    []byte `gorm:"column:payload"`
}

func (objectRecord) TableName() string {
	return "git_objects"
}

type refRecord struct {
	Name   string `gorm:"column:name;primaryKey;size:255;not null"`
	Target string `gorm:"column:target;size:40;not null"`
}

func (refRecord) TableName() string {
	return "git_refs"
}

// Repository stores git objects and refs in SQLite. Object payloads are
// zlib-compressed like loose git objects; ref updates are conditional
// UPDATE/DELETE statements so a stale old id affects no rows.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository wraps an opened and migrated database.
func NewRepository(db *gorm.DB, logger *zap.Logger) (*Repository, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert stores the object; inserting an existing id is a no-op.
func (r *Repository) Insert(objectType git.ObjectType, body []byte) (git.ObjectID, error) {
	id := git.HashObject(objectType, body)
	payload, err := compress(body)
	if err != nil {
		return git.ZeroID, err
	}
	record := objectRecord{ID: id.String(), Type: string(objectType), Size: len(body), Compressed: true, Payload: payload}
	if err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		r.logError("insert_object", err, zap.String("object", id.String()))
		return git.ZeroID, &git.StorageError{Op: "insert object", Err: err}
	}
	return id, nil
}

// Read returns the object type and its inflated body.
func (r *Repository) Read(id git.ObjectID) (git.ObjectType, []byte, error) {
	var record objectRecord
	err := r.db.Where("id = ?", id.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, fmt.Errorf("%w: %s", git.ErrObjectNotFound, id)
	}
	if err != nil {
		return "", nil, &git.StorageError{Op: "read object", Err: err}
	}
	objectType, err := git.ParseObjectType(record.Type)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", errCorruptObject, id, err)
	}
	body := record.Payload
	if record.Compressed {
		if body, err = decompress(record.Payload); err != nil {
			return "", nil, fmt.Errorf("%w: %s: %v", errCorruptObject, id, err)
		}
	}
	if len(body) != record.Size {
		return "", nil, fmt.Errorf("%w: %s: size %d, expected %d", errCorruptObject, id, len(body), record.Size)
	}
	return objectType, body, nil
}

// ExactRef resolves a ref by full name.
func (r *Repository) ExactRef(name string) (git.ObjectID, bool, error) {
	var record refRecord
	err := r.db.Where("name = ?", name).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return git.ZeroID, false, nil
	}
	if err != nil {
		return git.ZeroID, false, &git.StorageError{Op: "read ref", Ref: name, Err: err}
	}
	id, err := git.ParseObjectID(record.Target)
	if err != nil {
		return git.ZeroID, false, &git.StorageError{Op: "read ref", Ref: name, Err: err}
	}
	return id, true, nil
}

// RefsByPrefix lists refs under prefix sorted by name.
func (r *Repository) RefsByPrefix(prefix string) ([]git.Ref, error) {
	var records []refRecord
	err := r.db.Where("substr(name, 1, ?) = ?", len(prefix), prefix).Order("name").Find(&records).Error
	if err != nil {
		return nil, &git.StorageError{Op: "list refs", Ref: prefix, Err: err}
	}
	refs := make([]git.Ref, 0, len(records))
	for _, record := range records {
		id, err := git.ParseObjectID(record.Target)
		if err != nil {
			return nil, &git.StorageError{Op: "list refs", Ref: record.Name, Err: err}
		}
		refs = append(refs, git.Ref{Name: record.Name, ID: id})
	}
	return refs, nil
}

// Update applies one CAS command.
func (r *Repository) Update(cmd git.RefCommand) (git.RefUpdateResult, error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	result, err := applyCommand(r.db, cmd)
	if err != nil {
		r.logError("update_ref", err, zap.String("ref", cmd.Name))
		return 0, &git.StorageError{Op: "update ref", Ref: cmd.Name, Err: err}
	}
	return result, nil
}

// BatchUpdate applies each command independently inside one transaction. A
// lock failure on one command does not roll back the others.
func (r *Repository) BatchUpdate(cmds []git.RefCommand) ([]git.RefUpdateResult, error) {
	for _, cmd := range cmds {
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
	}
	results := make([]git.RefUpdateResult, len(cmds))
	err := r.db.Transaction(func(tx *gorm.DB) error {
		for i, cmd := range cmds {
			result, err := applyCommand(tx, cmd)
			if err != nil {
				return &git.StorageError{Op: "update ref", Ref: cmd.Name, Err: err}
			}
			results[i] = result
		}
		return nil
	})
	if err != nil {
		r.logError("batch_update_refs", err, zap.Int("commands", len(cmds)))
		return nil, err
	}
	return results, nil
}

func applyCommand(db *gorm.DB, cmd git.RefCommand) (git.RefUpdateResult, error) {
	if cmd.OldID.IsZero() {
		created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&refRecord{Name: cmd.Name, Target: cmd.NewID.String()})
		if created.Error != nil {
			return 0, created.Error
		}
		if created.RowsAffected == 0 {
			return git.ResultLockFailure, nil
		}
		return git.ResultNew, nil
	}

	var changed *gorm.DB
	if cmd.NewID.IsZero() {
		changed = db.Where("name = ? AND target = ?", cmd.Name, cmd.OldID.String()).Delete(&refRecord{})
	} else {
		changed = db.Model(&refRecord{}).
			Where("name = ? AND target = ?", cmd.Name, cmd.OldID.String()).
			Update("target", cmd.NewID.String())
	}
	if changed.Error != nil {
		return 0, changed.Error
	}
	if changed.RowsAffected == 0 {
		return git.ResultLockFailure, nil
	}
	return git.ResultForced, nil
}

func (r *Repository) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "database.repository"),
		zap.String("reason", reason),
		zap.Error(err),
	}
	r.logger.Error("repository error", append(attrs, fields...)...)
}

func compress(body []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := zlib.NewWriter(&buffer)
	if _, err := writer.Write(body); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func decompress(payload []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
