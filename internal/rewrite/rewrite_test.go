package rewrite

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/notedb/internal/changenotes"
	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/refnames"
)

var (
	testServerIdent = git.PersonIdent{Name: "Gerrit Server", Email: "noreply@gerrit.example"}
	testOptions     = changenotes.Options{ServerID: "gerrit", ServerIdent: testServerIdent}
	testRevision    = git.HashObject(git.ObjectTypeCommit, []byte("revision 1"))
)

type history struct {
	t      *testing.T
	repo   *git.MemoryRepository
	writer changenotes.Writer
	clock  time.Time
}

func newHistory(t *testing.T) *history {
	return &history{
		t:      t,
		repo:   git.NewMemoryRepository(),
		writer: changenotes.NewWriter(testOptions),
		clock:  time.Unix(1700000000, 0).UTC(),
	}
}

func (h *history) tick() time.Time {
	h.clock = h.clock.Add(time.Minute)
	return h.clock
}

func (h *history) create(changeID changenotes.ChangeID, owner footer.AccountID) git.ObjectID {
	h.t.Helper()
	id, err := h.writer.WriteChange(h.repo, git.ZeroID, &changenotes.ChangeUpdate{
		ChangeID:   changeID,
		PatchSetID: 1,
		Account:    owner,
		When:       h.tick(),
		ChangeKey:  "I" + strings.Repeat("b", 40),
		Branch:     "refs/heads/main",
		Subject:    "Fix the frobnicator",
		Commit:     testRevision,
	})
	require.NoError(h.t, err)
	return id
}

func (h *history) update(parent git.ObjectID, update *changenotes.ChangeUpdate) git.ObjectID {
	h.t.Helper()
	update.When = h.tick()
	if update.PatchSetID == 0 {
		update.PatchSetID = 1
	}
	id, err := h.writer.WriteChange(h.repo, parent, update)
	require.NoError(h.t, err)
	return id
}

// raw appends a commit written by hand, reusing the parent's tree unless
// tree is set.
func (h *history) raw(parent git.ObjectID, author git.PersonIdent, tree git.ObjectID, message string) git.ObjectID {
	h.t.Helper()
	when := h.tick()
	if tree.IsZero() {
		parentCommit, err := git.ParseCommit(h.repo, parent)
		require.NoError(h.t, err)
		tree = parentCommit.Tree
	}
	author.When = when
	id, err := git.InsertCommit(h.repo, &git.Commit{
		Tree:      tree,
		Parents:   []git.ObjectID{parent},
		Author:    author,
		Committer: git.PersonIdent{Name: testServerIdent.Name, Email: testServerIdent.Email, When: when},
		Message:   message,
	})
	require.NoError(h.t, err)
	return id
}

func (h *history) setRef(name string, id git.ObjectID) {
	h.t.Helper()
	_, err := h.repo.Update(git.RefCommand{Name: name, NewID: id})
	require.NoError(h.t, err)
}

func (h *history) ref(name string) git.ObjectID {
	h.t.Helper()
	id, found, err := h.repo.ExactRef(name)
	require.NoError(h.t, err)
	require.True(h.t, found)
	return id
}

func (h *history) chain(tip git.ObjectID) []*git.RevCommit {
	h.t.Helper()
	commits, err := git.WalkOldestFirst(h.repo, tip)
	require.NoError(h.t, err)
	return commits
}

func newTestBackfiller(t *testing.T, repo git.Repository) *Backfiller {
	t.Helper()
	backfiller, err := NewBackfiller(BackfillerConfig{Repository: repo, Options: testOptions})
	require.NoError(t, err)
	return backfiller
}

func TestBackfillRewritesFromFirstAffectedCommit(t *testing.T) {
	h := newHistory(t)
	first := h.create(1, 5)
	legacy := h.raw(first, git.PersonIdent{Name: "Jane Legacy", Email: "5@gerrit"}, git.ZeroID,
		"Update patch set 1\n\nPatch-set: 1\nReviewer: Someone Else <7@gerrit>\nLabel: Code-Review=+1\n")
	tip := h.update(legacy, &changenotes.ChangeUpdate{ChangeID: 1, Account: 7, Labels: []changenotes.LabelChange{{Vote: footer.LabelVote{Label: "Verified", Value: 1}}}})
	metaRef := refnames.ChangeMeta(1)
	h.setRef(metaRef, tip)

	_, err := changenotes.Parse(h.repo, 1, tip, testOptions)
	require.ErrorIs(t, err, changenotes.ErrInvalidNote)
	lenient := testOptions
	lenient.LenientIdentities = true
	original, err := changenotes.Parse(h.repo, 1, tip, lenient)
	require.NoError(t, err)

	backfiller := newTestBackfiller(t, h.repo)
	dryRun, err := backfiller.BackfillProject(BackfillOptions{DryRun: true})
	require.NoError(t, err)
	require.True(t, dryRun.DryRun)
	require.Equal(t, []string{metaRef}, dryRun.RefsUpdated)
	require.Equal(t, tip, h.ref(metaRef))

	result, err := backfiller.BackfillProject(BackfillOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.RefsScanned)
	require.Equal(t, []string{metaRef}, result.RefsUpdated)
	require.Empty(t, result.RefsFailed)
	require.Empty(t, result.RefsNotFixable)
	require.Equal(t, 2, result.CommitsRewritten)

	newTip := h.ref(metaRef)
	require.NotEqual(t, tip, newTip)
	commits := h.chain(newTip)
	require.Len(t, commits, 3)
	require.Equal(t, first, commits[0].ID)
	require.NotEqual(t, legacy, commits[1].ID)
	require.Equal(t, "Gerrit User 5", commits[1].Author.Name)
	require.Contains(t, commits[1].Message, "Reviewer: Gerrit User 7 <7@gerrit>\n")
	require.Contains(t, commits[1].Message, "Label: Code-Review=+1\n")
	require.Equal(t, commits[1].ID, commits[2].FirstParent())

	rewritten, err := changenotes.Parse(h.repo, 1, newTip, testOptions)
	require.NoError(t, err)
	require.Empty(t, changenotes.Diff(original, rewritten, changenotes.FieldMetaID))

	again, err := backfiller.BackfillProject(BackfillOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, again.RefsScanned)
	require.Empty(t, again.RefsUpdated)
	require.Equal(t, newTip, h.ref(metaRef))
}

func TestBackfillFixesIdentitiesInsideStructuredFooters(t *testing.T) {
	h := newHistory(t)
	first := h.create(3, 5)
	attention := `{"person_ident":"Old Name <7@gerrit>","operation":"ADD","reason":"reviewer added"}`
	legacy := h.raw(first, footer.NewIdent(5, "gerrit", time.Time{}), git.ZeroID,
		"Update patch set 1\n\nPatch-set: 1\nLabel: Code-Review=+2 Old Name <7@gerrit>\nAttention: "+attention+"\nAssignee: Old Name <7@gerrit>\n")
	metaRef := refnames.ChangeMeta(3)
	h.setRef(metaRef, legacy)

	result, err := newTestBackfiller(t, h.repo).BackfillProject(BackfillOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{metaRef}, result.RefsUpdated)
	require.Equal(t, 1, result.CommitsRewritten)

	commits := h.chain(h.ref(metaRef))
	require.Equal(t, first, commits[0].ID)
	message := commits[1].Message
	require.Contains(t, message, "Label: Code-Review=+2 Gerrit User 7 <7@gerrit>\n")
	require.Contains(t, message, `"person_ident":"Gerrit User 7 <7@gerrit>"`)
	require.Contains(t, message, "Assignee: Gerrit User 7 <7@gerrit>\n")

	state, err := changenotes.Parse(h.repo, 3, h.ref(metaRef), testOptions)
	require.NoError(t, err)
	require.Equal(t, footer.AccountID(7), state.Assignee)
	require.Contains(t, state.AttentionSet, footer.AccountID(7))
}

func TestBackfillReportsUnfixableRefs(t *testing.T) {
	h := newHistory(t)
	good := h.create(1, 5)
	h.setRef(refnames.ChangeMeta(1), good)

	first := h.create(2, 5)
	foreign := h.raw(first, git.PersonIdent{Name: "Visitor", Email: "visitor@elsewhere.example"}, git.ZeroID,
		"Update patch set 1\n\nPatch-set: 1\nLabel: Code-Review=+1\n")
	h.setRef(refnames.ChangeMeta(2), foreign)

	result, err := newTestBackfiller(t, h.repo).BackfillProject(BackfillOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, result.RefsScanned)
	require.Empty(t, result.RefsUpdated)
	require.Len(t, result.RefsNotFixable, 1)
	require.ErrorIs(t, result.RefsNotFixable[refnames.ChangeMeta(2)], ErrNotFixable)
	require.Equal(t, foreign, h.ref(refnames.ChangeMeta(2)))
	require.Equal(t, good, h.ref(refnames.ChangeMeta(1)))
}

type racingRepository struct {
	*git.MemoryRepository
	beforeBatch func()
}

func (r *racingRepository) BatchUpdate(cmds []git.RefCommand) ([]git.RefUpdateResult, error) {
	r.beforeBatch()
	return r.MemoryRepository.BatchUpdate(cmds)
}

func TestBackfillRejectsRefMovedConcurrently(t *testing.T) {
	h := newHistory(t)
	metaRef := refnames.ChangeMeta(1)
	first := h.create(1, 5)
	legacy := h.raw(first, git.PersonIdent{Name: "Jane Legacy", Email: "5@gerrit"}, git.ZeroID,
		"Update patch set 1\n\nPatch-set: 1\nLabel: Code-Review=+1\n")
	h.setRef(metaRef, legacy)
	concurrent := h.update(legacy, &changenotes.ChangeUpdate{ChangeID: 1, Account: 9, Message: "Looks fine"})

	repo := &racingRepository{MemoryRepository: h.repo, beforeBatch: func() {
		_, err := h.repo.Update(git.RefCommand{Name: metaRef, OldID: legacy, NewID: concurrent})
		require.NoError(t, err)
	}}
	result, err := newTestBackfiller(t, repo).BackfillProject(BackfillOptions{})
	require.NoError(t, err)
	require.Empty(t, result.RefsUpdated)
	require.ErrorIs(t, result.RefsFailed[metaRef], git.ErrLockFailure)
	require.Equal(t, concurrent, h.ref(metaRef))
}

func TestNewBackfillerValidatesConfig(t *testing.T) {
	_, err := NewBackfiller(BackfillerConfig{Options: testOptions})
	var rewriteErr *Error
	require.ErrorAs(t, err, &rewriteErr)
	require.Equal(t, "rewrite.backfiller.new.missing_repository", rewriteErr.Code())

	_, err = NewCommentJSONMigrator(MigratorConfig{Repository: git.NewMemoryRepository()})
	require.ErrorAs(t, err, &rewriteErr)
	require.Equal(t, "rewrite.migrator.new.missing_server_id", rewriteErr.Code())
}

func legacyNoteTree(t *testing.T, repo git.ObjectStore, comments []changenotes.Comment) git.ObjectID {
	t.Helper()
	data, err := changenotes.EncodeCommentsLegacy(testRevision, comments, testOptions.ServerID)
	require.NoError(t, err)
	blob, err := git.InsertBlob(repo, data)
	require.NoError(t, err)
	tree, err := git.NoteMap{testRevision: blob}.Write(repo)
	require.NoError(t, err)
	return tree
}

func testComment(uuid string, line int, when time.Time) changenotes.Comment {
	return changenotes.Comment{
		Key:        changenotes.CommentKey{UUID: uuid, Filename: "src/frob.go", PatchSetID: 1},
		LineNbr:    line,
		Author:     changenotes.CommentIdentity{ID: 5},
		WrittenOn:  when,
		Side:       1,
		Message:    "Please rename this.\nIt shadows a package.",
		RevID:      testRevision.String(),
		ServerID:   testOptions.ServerID,
		Unresolved: true,
	}
}

func newTestMigrator(t *testing.T, repo git.Repository) *CommentJSONMigrator {
	t.Helper()
	migrator, err := NewCommentJSONMigrator(MigratorConfig{Repository: repo, Options: testOptions})
	require.NoError(t, err)
	return migrator
}

func TestMigrateChangesReencodesLegacyNotes(t *testing.T) {
	h := newHistory(t)
	first := h.create(1, 5)
	tree := legacyNoteTree(t, h.repo, []changenotes.Comment{testComment("c1", 3, h.clock), testComment("c2", 9, h.clock)})
	withComments := h.raw(first, footer.NewIdent(5, "gerrit", time.Time{}), tree, "Update patch set 1\n\nPatch-set: 1\n")
	tip := h.update(withComments, &changenotes.ChangeUpdate{ChangeID: 1, Account: 7, Labels: []changenotes.LabelChange{{Vote: footer.LabelVote{Label: "Code-Review", Value: 1}}}})
	metaRef := refnames.ChangeMeta(1)
	h.setRef(metaRef, tip)

	jsonOnly := h.create(2, 5)
	jsonOnly = h.update(jsonOnly, &changenotes.ChangeUpdate{ChangeID: 2, Account: 5, Comments: []changenotes.Comment{testComment("j1", 1, h.clock)}})
	h.setRef(refnames.ChangeMeta(2), jsonOnly)

	before, err := changenotes.Parse(h.repo, 1, tip, testOptions)
	require.NoError(t, err)
	require.True(t, before.Comments[testRevision][0].LegacyFormat)

	migrator := newTestMigrator(t, h.repo)
	dryRun, err := migrator.MigrateChanges(true)
	require.NoError(t, err)
	require.Equal(t, []string{metaRef}, dryRun.RefsUpdated)
	require.Equal(t, tip, h.ref(metaRef))

	result, err := migrator.MigrateChanges(false)
	require.NoError(t, err)
	require.Equal(t, 2, result.RefsScanned)
	require.Equal(t, []string{metaRef}, result.RefsUpdated)
	require.Equal(t, 2, result.CommitsRewritten)
	require.Equal(t, 1, result.NotesMigrated)
	require.Equal(t, jsonOnly, h.ref(refnames.ChangeMeta(2)))

	oldCommits := h.chain(tip)
	newCommits := h.chain(h.ref(metaRef))
	require.Len(t, newCommits, len(oldCommits))
	require.Equal(t, oldCommits[0].ID, newCommits[0].ID)
	for i := 1; i < len(oldCommits); i++ {
		require.NotEqual(t, oldCommits[i].ID, newCommits[i].ID)
		require.Equal(t, oldCommits[i].Message, newCommits[i].Message)
		require.True(t, oldCommits[i].Author.Equal(newCommits[i].Author))
		require.True(t, oldCommits[i].Committer.Equal(newCommits[i].Committer))
	}

	notes, err := git.LoadNoteMap(h.repo, newCommits[2].Tree)
	require.NoError(t, err)
	data, err := git.ReadTyped(h.repo, notes[testRevision], git.ObjectTypeBlob)
	require.NoError(t, err)
	require.True(t, changenotes.IsJSONNote(data))

	after, err := changenotes.Parse(h.repo, 1, h.ref(metaRef), testOptions)
	require.NoError(t, err)
	require.Empty(t, changenotes.Diff(before, after, changenotes.FieldMetaID))
	require.False(t, after.Comments[testRevision][0].LegacyFormat)

	again, err := migrator.MigrateChanges(false)
	require.NoError(t, err)
	require.Empty(t, again.RefsUpdated)
	require.Zero(t, again.NotesMigrated)
}

func TestMigrateDraftsReencodesLegacyNotes(t *testing.T) {
	h := newHistory(t)
	tree := legacyNoteTree(t, h.repo, []changenotes.Comment{testComment("d1", 4, h.tick())})
	when := h.tick()
	draft, err := git.InsertCommit(h.repo, &git.Commit{
		Tree:      tree,
		Author:    footer.NewIdent(5, "gerrit", when),
		Committer: git.PersonIdent{Name: testServerIdent.Name, Email: testServerIdent.Email, When: when},
		Message:   "Update draft comments\n",
	})
	require.NoError(t, err)
	draftRef := refnames.DraftComments(1, 5)
	h.setRef(draftRef, draft)

	before, err := changenotes.ParseDrafts(h.repo, draft, testOptions)
	require.NoError(t, err)

	migrator := newTestMigrator(t, h.repo)
	changes, err := migrator.MigrateChanges(false)
	require.NoError(t, err)
	require.Zero(t, changes.RefsScanned)

	result, err := migrator.MigrateDrafts(false)
	require.NoError(t, err)
	require.Equal(t, []string{draftRef}, result.RefsUpdated)
	require.Equal(t, 1, result.CommitsRewritten)

	after, err := changenotes.ParseDrafts(h.repo, h.ref(draftRef), testOptions)
	require.NoError(t, err)
	require.Empty(t, changenotes.Diff(&changenotes.State{Comments: before}, &changenotes.State{Comments: after}))
	require.False(t, after[testRevision][0].LegacyFormat)
}
