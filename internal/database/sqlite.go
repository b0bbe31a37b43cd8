package database

import (
	"errors"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var errMissingPath = errors.New("database path is required")

// schemaModels are the tables every NoteDb database carries.
var schemaModels = []any{&objectRecord{}, &refRecord{}, &migrationRecord{}}

// OpenSQLite opens the object and ref store at path, creates its tables and
// runs pending data migrations. A single connection serializes ref updates.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, errMissingPath
	}
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(schemaModels...); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	applied, err := applyMigrations(db, zapLogger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	zapLogger.Info("notedb store opened",
		zap.String("path", path),
		zap.Int("migrations_applied", applied))
	return db, nil
}

// OpenRepository opens the SQLite database at path and wraps it as a repository.
func OpenRepository(path string, zapLogger *zap.Logger) (*Repository, error) {
	db, err := OpenSQLite(path, zapLogger)
	if err != nil {
		return nil, err
	}
	return NewRepository(db, zapLogger)
}
