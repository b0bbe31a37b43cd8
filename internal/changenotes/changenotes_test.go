package changenotes

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/refnames"
)

const testChangeID ChangeID = 1

var (
	testServerIdent = git.PersonIdent{Name: "Gerrit Server", Email: "noreply@gerrit.example"}
	testOptions     = Options{ServerID: "gerrit", ServerIdent: testServerIdent}
	testChangeKey   = "I" + strings.Repeat("a", 40)
	revision1       = git.HashObject(git.ObjectTypeCommit, []byte("revision 1"))
	revision2       = git.HashObject(git.ObjectTypeCommit, []byte("revision 2"))
)

type logFixture struct {
	t      *testing.T
	repo   *git.MemoryRepository
	writer Writer
	tip    git.ObjectID
	clock  time.Time
}

func newLogFixture(t *testing.T) *logFixture {
	t.Helper()
	return &logFixture{
		t:      t,
		repo:   git.NewMemoryRepository(),
		writer: NewWriter(testOptions),
		clock:  time.Unix(1700000000, 0).UTC(),
	}
}

func (f *logFixture) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *logFixture) update(update *ChangeUpdate) git.ObjectID {
	f.t.Helper()
	update.ChangeID = testChangeID
	update.When = f.tick()
	next, err := f.writer.WriteChange(f.repo, f.tip, update)
	require.NoError(f.t, err)
	f.tip = next
	return next
}

func (f *logFixture) raw(author footer.AccountID, message string) git.ObjectID {
	f.t.Helper()
	when := f.tick()
	commit := &git.Commit{
		Tree:      git.EmptyTreeID,
		Author:    footer.NewIdent(author, testOptions.ServerID, when),
		Committer: git.PersonIdent{Name: testServerIdent.Name, Email: testServerIdent.Email, When: when},
		Message:   message,
	}
	if !f.tip.IsZero() {
		commit.Parents = []git.ObjectID{f.tip}
	}
	_, err := git.InsertTree(f.repo, &git.Tree{})
	require.NoError(f.t, err)
	id, err := git.InsertCommit(f.repo, commit)
	require.NoError(f.t, err)
	f.tip = id
	return id
}

func (f *logFixture) parse() (*State, error) {
	return Parse(f.repo, testChangeID, f.tip, testOptions)
}

func (f *logFixture) createChange() {
	topic := "feature"
	f.update(&ChangeUpdate{
		PatchSetID: 1,
		Account:    1,
		ChangeKey:  testChangeKey,
		Branch:     "refs/heads/master",
		Subject:    "Initial",
		Status:     StatusNew,
		Commit:     revision1,
		Groups:     []string{"g1"},
		Topic:      &topic,
		Message:    "Uploaded patch set 1.",
	})
}

func minimalMessage(extra ...string) string {
	lines := []string{
		"Update patch set 1",
		"",
		"Branch: refs/heads/master",
		"Change-id: " + testChangeKey,
		"Patch-set: 1",
		"Subject: Change subject",
	}
	return strings.Join(append(lines, extra...), "\n") + "\n"
}

func TestParseMinimalChangeWithOneVote(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.raw(1, minimalMessage("Label: Label1=+1"))

	state, err := fixture.parse()
	require.NoError(t, err)
	require.Equal(t, "refs/heads/master", state.Branch)
	require.Equal(t, testChangeKey, state.ChangeKey)
	require.Equal(t, "Change subject", state.Subject)
	require.Equal(t, StatusNew, state.Status)
	require.Equal(t, footer.AccountID(1), state.Owner)
	require.Equal(t, 1, state.CurrentPatchSetID)
	require.Equal(t, 1, state.UpdateCount)
	require.Len(t, state.Approvals, 1)
	approval := state.Approvals[0]
	require.Equal(t, 1, approval.PatchSetID)
	require.Equal(t, footer.AccountID(1), approval.AccountID)
	require.Equal(t, "Label1", approval.Label)
	require.Equal(t, int16(1), approval.Value)
	require.False(t, approval.PostSubmit)
}

func TestParseRejectsEverySingleValuedFooterTwice(t *testing.T) {
	for _, key := range footer.KnownKeys() {
		if !key.IsSingleValued() {
			continue
		}
		t.Run(key.String(), func(t *testing.T) {
			fixture := newLogFixture(t)
			fixture.raw(1, minimalMessage(key.String()+": x", key.String()+": y"))
			_, err := fixture.parse()
			require.ErrorIs(t, err, ErrInvalidNote)
		})
	}
}

func TestParseRejectsMalformedFooters(t *testing.T) {
	testCases := map[string]string{
		"duplicate patch set": minimalMessage("Patch-set: 1"),
		"bad status":          minimalMessage("Status: pending"),
		"current not true":    minimalMessage("Current: false"),
		"short commit":        minimalMessage("Commit: abc123"),
		"bad label":           minimalMessage("Label: Code-Review=++1"),
		"bad reviewer":        minimalMessage("Reviewer: Jane <jane@example.com>"),
		"bad change key":      strings.Replace(minimalMessage(), testChangeKey, "Ideadbeef", 1),
		"missing patch set":   strings.Replace(minimalMessage(), "Patch-set: 1\n", "", 1),
		"missing branch":      strings.Replace(minimalMessage(), "Branch: refs/heads/master\n", "", 1),
		"bad attention":       minimalMessage(`Attention: {"person_ident":"Gerrit User 2 <2@gerrit>","operation":"TOGGLE","reason":"x"}`),
		"submit label first":  minimalMessage("Submitted-with: OK: Code-Review"),
	}
	for name, message := range testCases {
		t.Run(name, func(t *testing.T) {
			fixture := newLogFixture(t)
			fixture.raw(1, message)
			_, err := fixture.parse()
			require.ErrorIs(t, err, ErrInvalidNote)
			var parseError *ParseError
			require.ErrorAs(t, err, &parseError)
			require.Equal(t, testChangeID, parseError.ChangeID)
		})
	}
}

func TestParseRejectsChangedChangeKey(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.raw(1, minimalMessage())
	fixture.raw(1, "Update patch set 1\n\nPatch-set: 1\nChange-id: I"+strings.Repeat("b", 40)+"\n")
	_, err := fixture.parse()
	require.ErrorIs(t, err, ErrInvalidNote)
	require.Contains(t, err.Error(), "change key changed")
}

func TestParseRejectsPatchSetRevisionConflicts(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.createChange()
	fixture.update(&ChangeUpdate{PatchSetID: 1, Account: 1, Commit: revision2})
	_, err := fixture.parse()
	require.ErrorIs(t, err, ErrInvalidNote)

	fixture = newLogFixture(t)
	fixture.createChange()
	fixture.update(&ChangeUpdate{PatchSetID: 2, Account: 1, Commit: revision1})
	_, err = fixture.parse()
	require.ErrorIs(t, err, ErrInvalidNote)
}

func TestWrittenFooterValuesCannotInjectFooters(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.createChange()

	topic := "release\nStatus: merged"
	fixture.update(&ChangeUpdate{PatchSetID: 1, Account: 1, Topic: &topic})
	state, err := fixture.parse()
	require.NoError(t, err)
	require.Equal(t, "release Status: merged", state.Topic)
	require.Equal(t, StatusNew, state.Status)

	fixture.update(&ChangeUpdate{PatchSetID: 1, Account: 1, Subject: "Fix\n\nnot a footer"})
	state, err = fixture.parse()
	require.NoError(t, err)
	require.Equal(t, "Fix  not a footer", state.Subject)
	require.Equal(t, StatusNew, state.Status)
	require.Equal(t, 1, state.CurrentPatchSetID)
	require.Equal(t, 3, state.UpdateCount)
}

func TestParseFullLifecycle(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.createChange()
	fixture.update(&ChangeUpdate{
		PatchSetID: 1,
		Account:    2,
		Labels:     []LabelChange{{Vote: footer.LabelVote{Label: "Code-Review", Value: 2}}},
		Reviewers:  []ReviewerChange{{Account: 2, State: ReviewerStateReviewer}, {Account: 3, State: ReviewerStateCC}},
		Message:    "Patch Set 1: Code-Review+2",
	})
	fixture.update(&ChangeUpdate{PatchSetID: 2, Account: 1, Commit: revision2, Subject: "Reworded"})
	emptyTopic := ""
	fixture.update(&ChangeUpdate{
		PatchSetID: 2,
		Account:    3,
		Labels:     []LabelChange{{Vote: footer.LabelVote{Label: "Verified", Value: 1}, Tag: "autogenerated:ci"}},
		Reviewers:  []ReviewerChange{{Account: 3, State: ReviewerStateRemoved}},
		Topic:      &emptyTopic,
	})
	submissionID := NewSubmissionID(testChangeID)
	records := []SubmitRecord{{Status: "OK", RuleName: "gerrit~DefaultSubmitRule", Labels: []SubmitLabel{{Label: "Code-Review", Status: "OK", AppliedBy: 2}}}}
	fixture.update(&ChangeUpdate{PatchSetID: 2, Status: StatusMerged, SubmissionID: submissionID, SubmitRecords: records, Message: "Change has been successfully merged"})
	fixture.update(&ChangeUpdate{PatchSetID: 2, Account: 2, Labels: []LabelChange{{Vote: footer.LabelVote{Label: "Code-Review", Value: 1}}}})

	state, err := fixture.parse()
	require.NoError(t, err)
	require.Equal(t, fixture.tip, state.MetaID)
	require.Equal(t, "Reworded", state.Subject)
	require.Equal(t, "Initial", state.OriginalSubject)
	require.Equal(t, "", state.Topic)
	require.Equal(t, StatusMerged, state.Status)
	require.Equal(t, submissionID, state.SubmissionID)
	require.Equal(t, records, state.SubmitRecords)
	require.Equal(t, 2, state.CurrentPatchSetID)
	require.Equal(t, footer.AccountID(1), state.Owner)
	require.Equal(t, 6, state.UpdateCount)

	require.Len(t, state.PatchSets, 2)
	require.Equal(t, revision1, state.PatchSets[0].Commit)
	require.Equal(t, []string{"g1"}, state.PatchSets[0].Groups)
	require.Equal(t, revision2, state.PatchSets[1].Commit)

	require.Len(t, state.Approvals, 3)
	require.Equal(t, "Code-Review", state.Approvals[0].Label)
	require.Equal(t, int16(2), state.Approvals[0].Value)
	require.False(t, state.Approvals[0].PostSubmit)
	require.Equal(t, footer.AccountID(2), state.Approvals[1].AccountID)
	require.Equal(t, int16(1), state.Approvals[1].Value)
	require.True(t, state.Approvals[1].PostSubmit)
	require.Equal(t, "Verified", state.Approvals[2].Label)
	require.Equal(t, "autogenerated:ci", state.Approvals[2].Tag)
	require.False(t, state.Approvals[2].PostSubmit)

	require.Len(t, state.Reviewers, 1)
	require.Equal(t, ReviewerStateReviewer, state.Reviewers[2].State)
	require.Len(t, state.ReviewerUpdates, 3)
	require.Equal(t, ReviewerStateRemoved, state.ReviewerUpdates[2].State)

	require.Len(t, state.ChangeMessages, 3)
	require.Equal(t, "Uploaded patch set 1.", state.ChangeMessages[0].Message)
	require.Equal(t, footer.AccountID(0), state.ChangeMessages[2].Author)
}

func TestParseDropsDeletedPatchSetsAndRemovedVotes(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.createChange()
	fixture.update(&ChangeUpdate{PatchSetID: 2, Account: 1, Commit: revision2})
	fixture.update(&ChangeUpdate{PatchSetID: 2, Account: 2, Labels: []LabelChange{{Vote: footer.LabelVote{Label: "Code-Review", Value: 1}}}})
	fixture.update(&ChangeUpdate{PatchSetID: 1, Account: 2, Labels: []LabelChange{{Vote: footer.LabelVote{Label: "Code-Review", Value: -1}}}})
	fixture.update(&ChangeUpdate{PatchSetID: 1, Account: 2, Labels: []LabelChange{{Vote: footer.LabelVote{Label: "Code-Review", Removed: true}}}})
	fixture.update(&ChangeUpdate{PatchSetID: 2, PatchSetState: footer.PatchSetStateDeleted, Account: 1})

	state, err := fixture.parse()
	require.NoError(t, err)
	require.Len(t, state.PatchSets, 1)
	require.Equal(t, 1, state.CurrentPatchSetID)
	require.Empty(t, state.Approvals)
}

func TestParseOnBehalfOfVote(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.createChange()
	fixture.update(&ChangeUpdate{PatchSetID: 1, Account: 5, Labels: []LabelChange{{Vote: footer.LabelVote{Label: "Verified", Value: 1}, OnBehalfOf: 6}}})
	fixture.update(&ChangeUpdate{PatchSetID: 1, Account: 7, RealAccount: 8, Labels: []LabelChange{{Vote: footer.LabelVote{Label: "Code-Review", Value: 1}}}})

	state, err := fixture.parse()
	require.NoError(t, err)
	require.Len(t, state.Approvals, 2)
	require.Equal(t, footer.AccountID(6), state.Approvals[0].AccountID)
	require.Equal(t, footer.AccountID(5), state.Approvals[0].RealAccountID)
	require.Equal(t, footer.AccountID(7), state.Approvals[1].AccountID)
	require.Equal(t, footer.AccountID(8), state.Approvals[1].RealAccountID)
}

func TestAttentionSetOnlyCommitsAreNotCounted(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.createChange()
	attention := &ChangeUpdate{PatchSetID: 1, Account: 1, Attention: []AttentionSetUpdate{{Account: 2, Operation: AttentionAdd, Reason: "reviewer added"}}}
	require.True(t, attention.IsAttentionSetOnly(testOptions.ServerID))
	fixture.update(attention)

	twoUsers := &ChangeUpdate{PatchSetID: 1, Account: 1, Attention: []AttentionSetUpdate{
		{Account: 2, Operation: AttentionRemove, Reason: "replied"},
		{Account: 3, Operation: AttentionAdd, Reason: "owner"},
	}}
	require.False(t, twoUsers.IsAttentionSetOnly(testOptions.ServerID))
	fixture.update(twoUsers)

	withMessage := &ChangeUpdate{PatchSetID: 1, Account: 1, Message: "ping", Attention: []AttentionSetUpdate{{Account: 2, Operation: AttentionAdd, Reason: "ping"}}}
	require.False(t, withMessage.IsAttentionSetOnly(testOptions.ServerID))

	state, err := fixture.parse()
	require.NoError(t, err)
	require.Equal(t, 2, state.UpdateCount)
	require.Len(t, state.AttentionUpdates, 3)
	require.Equal(t, AttentionRemove, state.AttentionSet[2].Operation)
	require.Equal(t, "replied", state.AttentionSet[2].Reason)
	require.Equal(t, AttentionAdd, state.AttentionSet[3].Operation)
}

func testComment(uuid string, line int) Comment {
	return Comment{
		Key:        CommentKey{UUID: uuid, Filename: "src/main.go", PatchSetID: 1},
		LineNbr:    line,
		Author:     CommentIdentity{ID: 2},
		WrittenOn:  time.Unix(1700000100, 0).UTC(),
		Side:       1,
		Message:    "needs a test\nsecond line",
		RevID:      revision1.String(),
		ServerID:   testOptions.ServerID,
		Unresolved: true,
	}
}

func TestPublishedCommentsRoundTrip(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.createChange()
	ranged := testComment("c2", 7)
	ranged.Range = &CommentRange{StartLine: 5, StartChar: 1, EndLine: 7, EndChar: 3}
	ranged.RealAuthor = &CommentIdentity{ID: 9}
	ranged.ParentUUID = "c1"
	fixture.update(&ChangeUpdate{PatchSetID: 1, Account: 2, Comments: []Comment{testComment("c1", 3), ranged}})

	state, err := fixture.parse()
	require.NoError(t, err)
	comments := state.Comments[revision1]
	require.Len(t, comments, 2)
	require.Equal(t, renderComment(testComment("c1", 3)), renderComment(comments[0]))
	require.Equal(t, renderComment(ranged), renderComment(comments[1]))
	require.False(t, comments[0].LegacyFormat)
}

func TestLegacyCommentNoteRoundTrip(t *testing.T) {
	base := testComment("b1", 0)
	base.Side = 0
	ranged := testComment("c2", 7)
	ranged.Range = &CommentRange{StartLine: 5, StartChar: 1, EndLine: 7, EndChar: 3}
	ranged.ParentUUID = "c1"
	ranged.Unresolved = false
	comments := []Comment{testComment("c1", 3), ranged, base}

	data, err := EncodeCommentsLegacy(revision1, comments, testOptions.ServerID)
	require.NoError(t, err)
	require.False(t, IsJSONNote(data))
	require.True(t, strings.HasPrefix(string(data), "Revision: "+revision1.String()+"\nBase-for-patch-set: 1\nFile: src/main.go\n\n0\n"))

	parsed, err := ParseCommentNote(data, revision1, testOptions.IdentParser())
	require.NoError(t, err)
	require.Len(t, parsed, 3)
	SortComments(comments)
	for i := range comments {
		require.True(t, parsed[i].LegacyFormat)
		require.Equal(t, renderComment(comments[i]), renderComment(parsed[i]))
	}

	jsonData, err := EncodeCommentsJSON(parsed)
	require.NoError(t, err)
	require.True(t, IsJSONNote(jsonData))
	fromJSON, err := ParseCommentNote(jsonData, revision1, testOptions.IdentParser())
	require.NoError(t, err)
	for i := range parsed {
		require.Equal(t, renderComment(parsed[i]), renderComment(fromJSON[i]))
	}
}

func TestLegacyCommentNoteRejectsTruncatedMessage(t *testing.T) {
	data, err := EncodeCommentsLegacy(revision1, []Comment{testComment("c1", 3)}, testOptions.ServerID)
	require.NoError(t, err)
	_, err = ParseCommentNote(data[:len(data)-8], revision1, testOptions.IdentParser())
	require.ErrorIs(t, err, ErrInvalidCommentNote)
}

func TestDraftUpdatesAndLoad(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.createChange()
	_, err := fixture.repo.Update(git.RefCommand{Name: refnames.ChangeMeta(int(testChangeID)), NewID: fixture.tip})
	require.NoError(t, err)

	draft := testComment("d1", 4)
	draftTip, err := fixture.writer.WriteDraft(fixture.repo, git.ZeroID, &DraftUpdate{ChangeID: testChangeID, Account: 2, When: fixture.tick(), Put: []Comment{draft}})
	require.NoError(t, err)
	require.False(t, draftTip.IsZero())
	draftRef := refnames.DraftComments(int(testChangeID), 2)
	_, err = fixture.repo.Update(git.RefCommand{Name: draftRef, NewID: draftTip})
	require.NoError(t, err)

	state, err := Load(fixture.repo, testChangeID, testOptions)
	require.NoError(t, err)
	require.Len(t, state.DraftComments, 1)
	require.Len(t, state.DraftComments[2][revision1], 1)
	require.Equal(t, "d1", state.DraftComments[2][revision1][0].Key.UUID)

	emptied, err := fixture.writer.WriteDraft(fixture.repo, draftTip, &DraftUpdate{ChangeID: testChangeID, Account: 2, When: fixture.tick(), Delete: []CommentKey{draft.Key}})
	require.NoError(t, err)
	require.True(t, emptied.IsZero())

	_, err = Load(fixture.repo, 99, testOptions)
	require.ErrorIs(t, err, ErrChangeNotFound)
}

func TestDiffReportsChangedFields(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.createChange()
	before, err := fixture.parse()
	require.NoError(t, err)
	fixture.update(&ChangeUpdate{PatchSetID: 1, Account: 2, Labels: []LabelChange{{Vote: footer.LabelVote{Label: "Code-Review", Value: 1}}}})
	after, err := fixture.parse()
	require.NoError(t, err)

	require.Empty(t, Diff(before, before))
	fields := make(map[Field]bool)
	for _, difference := range Diff(before, after, FieldMetaID) {
		fields[difference.Field] = true
	}
	require.Equal(t, map[Field]bool{FieldApprovals: true, FieldLastUpdatedOn: true, FieldUpdateCount: true}, fields)
}

func TestReencodedLogParsesToSameState(t *testing.T) {
	fixture := newLogFixture(t)
	fixture.createChange()
	fixture.update(&ChangeUpdate{
		PatchSetID: 1,
		Account:    2,
		Labels:     []LabelChange{{Vote: footer.LabelVote{Label: "Code-Review", Value: 2}}},
		Reviewers:  []ReviewerChange{{Account: 2, State: ReviewerStateReviewer}},
		Attention:  []AttentionSetUpdate{{Account: 1, Operation: AttentionAdd, Reason: "voted"}},
		Message:    "Patch Set 1: Code-Review+2",
	})
	original, err := fixture.parse()
	require.NoError(t, err)

	commits, err := git.WalkOldestFirst(fixture.repo, fixture.tip)
	require.NoError(t, err)
	var parent git.ObjectID
	for _, commit := range commits {
		message := footer.ParseMessage(commit.Message)
		builder := footer.NewBuilder(message.Summary).Body(message.Body)
		for _, line := range message.Footers {
			key, known := footer.Canonical(line.Key)
			require.True(t, known)
			builder.Add(footer.Key(strings.ToLower(key.String())), line.Value)
		}
		rewritten := *commit.Commit
		rewritten.Message = builder.String()
		rewritten.Parents = nil
		if !parent.IsZero() {
			rewritten.Parents = []git.ObjectID{parent}
		}
		parent, err = git.InsertCommit(fixture.repo, &rewritten)
		require.NoError(t, err)
	}

	reparsed, err := Parse(fixture.repo, testChangeID, parent, testOptions)
	require.NoError(t, err)
	require.Empty(t, Diff(original, reparsed, FieldMetaID))
}
