package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

func openTestRepository(testContext *testing.T) *Repository {
	testContext.Helper()
	repository, err := OpenRepository(filepath.Join(testContext.TempDir(), "notedb.db"), zap.NewNop())
	require.NoError(testContext, err)
	return repository
}

func TestRepositoryObjectsRoundTrip(testContext *testing.T) {
	repository := openTestRepository(testContext)

	body := []byte("hello notedb\n")
	id, err := git.InsertBlob(repository, body)
	require.NoError(testContext, err)
	require.Equal(testContext, git.HashObject(git.ObjectTypeBlob, body), id)

	again, err := git.InsertBlob(repository, body)
	require.NoError(testContext, err)
	require.Equal(testContext, id, again)

	readBack, err := git.ReadTyped(repository, id, git.ObjectTypeBlob)
	require.NoError(testContext, err)
	require.Equal(testContext, body, readBack)

	emptyTree, err := repository.Insert(git.ObjectTypeTree, nil)
	require.NoError(testContext, err)
	require.Equal(testContext, git.EmptyTreeID, emptyTree)
	_, err = git.ReadTree(repository, emptyTree)
	require.NoError(testContext, err)

	_, _, err = repository.Read(git.HashObject(git.ObjectTypeBlob, []byte("absent")))
	require.ErrorIs(testContext, err, git.ErrObjectNotFound)
}

func TestRepositoryRefCompareAndSwap(testContext *testing.T) {
	repository := openTestRepository(testContext)
	first, err := git.InsertBlob(repository, []byte("1"))
	require.NoError(testContext, err)
	second, err := git.InsertBlob(repository, []byte("2"))
	require.NoError(testContext, err)
	const refName = "refs/sequences/changes"

	result, err := repository.Update(git.RefCommand{Name: refName, NewID: first})
	require.NoError(testContext, err)
	require.Equal(testContext, git.ResultNew, result)

	result, err = repository.Update(git.RefCommand{Name: refName, NewID: second})
	require.NoError(testContext, err)
	require.Equal(testContext, git.ResultLockFailure, result)

	result, err = repository.Update(git.RefCommand{Name: refName, OldID: second, NewID: first})
	require.NoError(testContext, err)
	require.Equal(testContext, git.ResultLockFailure, result)

	result, err = repository.Update(git.RefCommand{Name: refName, OldID: first, NewID: second})
	require.NoError(testContext, err)
	require.Equal(testContext, git.ResultForced, result)

	id, found, err := repository.ExactRef(refName)
	require.NoError(testContext, err)
	require.True(testContext, found)
	require.Equal(testContext, second, id)

	result, err = repository.Update(git.RefCommand{Name: refName, OldID: second})
	require.NoError(testContext, err)
	require.Equal(testContext, git.ResultForced, result)
	_, found, err = repository.ExactRef(refName)
	require.NoError(testContext, err)
	require.False(testContext, found)

	_, err = repository.Update(git.RefCommand{Name: refName})
	require.ErrorIs(testContext, err, git.ErrInvalidRefCommand)
}

func TestRepositoryBatchUpdateIsPerCommand(testContext *testing.T) {
	repository := openTestRepository(testContext)
	blob, err := git.InsertBlob(repository, []byte("x"))
	require.NoError(testContext, err)
	other, err := git.InsertBlob(repository, []byte("y"))
	require.NoError(testContext, err)

	_, err = repository.Update(git.RefCommand{Name: "refs/changes/01/1/meta", NewID: blob})
	require.NoError(testContext, err)

	results, err := repository.BatchUpdate([]git.RefCommand{
		{Name: "refs/changes/01/1/meta", OldID: other, NewID: blob},
		{Name: "refs/changes/02/2/meta", NewID: other},
		{Name: "refs/changes/01/1/meta_", NewID: blob},
	})
	require.NoError(testContext, err)
	require.Equal(testContext, []git.RefUpdateResult{git.ResultLockFailure, git.ResultNew, git.ResultNew}, results)

	refs, err := repository.RefsByPrefix("refs/changes/01/")
	require.NoError(testContext, err)
	require.Equal(testContext, []git.Ref{
		{Name: "refs/changes/01/1/meta", ID: blob},
		{Name: "refs/changes/01/1/meta_", ID: blob},
	}, refs)

	refs, err = repository.RefsByPrefix("refs/changes/%")
	require.NoError(testContext, err)
	require.Empty(testContext, refs)
}

func TestRepositoryBacksNoteMaps(testContext *testing.T) {
	repository := openTestRepository(testContext)
	target := git.HashObject(git.ObjectTypeCommit, []byte("tree 4b825dc642cb6eb9a060e54bf8d69288fbee4904\n"))
	note, err := git.InsertBlob(repository, []byte(`{"comments":[]}`))
	require.NoError(testContext, err)

	notes := git.NoteMap{target: note}
	treeID, err := notes.Write(repository)
	require.NoError(testContext, err)

	loaded, err := git.LoadNoteMap(repository, treeID)
	require.NoError(testContext, err)
	require.Equal(testContext, notes, loaded)
}

func TestNewRepositoryRequiresDatabase(testContext *testing.T) {
	_, err := NewRepository(nil, nil)
	require.Error(testContext, err)

	_, err = OpenRepository("", nil)
	require.Error(testContext, err)
}
