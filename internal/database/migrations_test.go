package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

func openBareDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "migration.db")), &gorm.Config{})
	require.NoError(testContext, err)
	require.NoError(testContext, database.AutoMigrate(schemaModels...))
	return database
}

func TestApplyMigrationsRewritesLegacyRows(testContext *testing.T) {
	database := openBareDatabase(testContext)

	body := []byte("legacy payload\n")
	id := git.HashObject(git.ObjectTypeBlob, body)
	legacy := objectRecord{ID: id.String(), Type: string(git.ObjectTypeBlob), Size: len(body), Payload: body}
	require.NoError(testContext, database.Create(&legacy).Error)
	shouted := refRecord{Name: "refs/changes/01/1/meta", Target: "ABCDEF0123456789ABCDEF0123456789ABCDEF01"}
	require.NoError(testContext, database.Create(&shouted).Error)

	applied, err := applyMigrations(database, zap.NewNop())
	require.NoError(testContext, err)
	require.Equal(testContext, len(dataMigrations), applied)

	repository, err := NewRepository(database, zap.NewNop())
	require.NoError(testContext, err)
	objectType, readBack, err := repository.Read(id)
	require.NoError(testContext, err)
	require.Equal(testContext, git.ObjectTypeBlob, objectType)
	require.Equal(testContext, body, readBack)

	var storedRef refRecord
	require.NoError(testContext, database.Where("name = ?", shouted.Name).Take(&storedRef).Error)
	require.Equal(testContext, "abcdef0123456789abcdef0123456789abcdef01", storedRef.Target)

	var records []migrationRecord
	require.NoError(testContext, database.Order("name").Find(&records).Error)
	require.Len(testContext, records, len(dataMigrations))
	for _, record := range records {
		require.NotZero(testContext, record.AppliedAtSeconds, record.Name)
	}

	applied, err = applyMigrations(database, zap.NewNop())
	require.NoError(testContext, err)
	require.Zero(testContext, applied)
}
