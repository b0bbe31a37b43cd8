package footer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

func TestParseMessageSplitsSummaryBodyAndFooters(t *testing.T) {
	raw := "Update patch set 1\n\nLooks good to me.\n\nSecond paragraph.\n\nPatch-set: 1\nlabel: Code-Review=+2\n"
	message := ParseMessage(raw)

	require.Equal(t, "Update patch set 1", message.Summary)
	require.Equal(t, "Looks good to me.\n\nSecond paragraph.", message.Body)
	require.True(t, message.HasBody())
	require.Equal(t, []string{"1"}, message.Footers.Values(KeyPatchSet))
	require.Equal(t, []string{"Code-Review=+2"}, message.Footers.Values(KeyLabel))
}

func TestParseMessageWithoutFooterBlock(t *testing.T) {
	message := ParseMessage("Update draft comments\n")
	require.Equal(t, "Update draft comments", message.Summary)
	require.Empty(t, message.Footers)
	require.False(t, message.HasBody())

	message = ParseMessage("Summary\n\nnot a footer line\nPatch-set: 1\n")
	require.Empty(t, message.Footers)
	require.Equal(t, "not a footer line\nPatch-set: 1", message.Body)
}

func TestBuilderRoundTrip(t *testing.T) {
	raw := NewBuilder("Update patch set 2").
		Body("Patch Set 2: Code-Review+1").
		Add(KeyPatchSet, "2").
		Add(KeyTopic, "").
		Add(KeyLabel, "Code-Review=+1").
		String()
	require.Equal(t, "Update patch set 2\n\nPatch Set 2: Code-Review+1\n\nPatch-set: 2\nTopic:\nLabel: Code-Review=+1\n", raw)

	message := ParseMessage(raw)
	require.Equal(t, "Patch Set 2: Code-Review+1", message.Body)
	require.Equal(t, []string{""}, message.Footers.Values(KeyTopic))
	require.Len(t, message.Footers, 3)

	bare := NewBuilder("Update draft comments").String()
	require.Equal(t, "Update draft comments\n", bare)
}

func TestBuilderKeepsValuesOnOneLine(t *testing.T) {
	raw := NewBuilder("Update patch set 1").
		Add(KeyPatchSet, "1").
		Add(KeyTopic, "release\nStatus: merged").
		Add(KeySubject, "Fix\r\n\nnot\x00a footer").
		String()
	require.Equal(t, "Update patch set 1\n\nPatch-set: 1\nTopic: release Status: merged\nSubject: Fix   not a footer\n", raw)

	message := ParseMessage(raw)
	require.Len(t, message.Footers, 3)
	require.Equal(t, []string{"release Status: merged"}, message.Footers.Values(KeyTopic))
	require.False(t, message.Footers.Has(KeyStatus))
}

func TestCanonicalKeys(t *testing.T) {
	key, ok := Canonical("CHANGE-ID")
	require.True(t, ok)
	require.Equal(t, KeyChangeID, key)

	_, ok = Canonical("X-Unknown")
	require.False(t, ok)

	for _, single := range []Key{KeyBranch, KeyChangeID, KeyPatchSet, KeySubject, KeyStatus, KeyCurrent, KeyTopic, KeyTag, KeyGroups, KeyCommit, KeySubmissionID} {
		require.True(t, single.IsSingleValued(), single)
	}
	for _, multi := range []Key{KeyLabel, KeyCopiedLabel, KeyReviewer, KeyCC, KeyReviewerEmail, KeyCCEmail, KeySubmittedWith, KeyAttention} {
		require.False(t, multi.IsSingleValued(), multi)
	}
}

func TestParseLabelGrammar(t *testing.T) {
	uuid := "1234567890123456789012345678901234567890"
	testCases := []struct {
		name     string
		input    string
		expected LabelFooter
	}{
		{name: "vote", input: "Label1=+1", expected: LabelFooter{Vote: LabelVote{Label: "Label1", Value: 1}}},
		{name: "zero", input: "Verified=0", expected: LabelFooter{Vote: LabelVote{Label: "Verified"}}},
		{name: "negative", input: "Code-Review=-2", expected: LabelFooter{Vote: LabelVote{Label: "Code-Review", Value: -2}}},
		{name: "removal", input: "-Code-Review", expected: LabelFooter{Vote: LabelVote{Label: "Code-Review", Removed: true}}},
		{name: "removal with ident", input: "-Code-Review Gerrit User 2 <2@gerrit>", expected: LabelFooter{Vote: LabelVote{Label: "Code-Review", Removed: true}, Ident: "Gerrit User 2 <2@gerrit>"}},
		{name: "uuid", input: "Code-Review=+2, " + uuid, expected: LabelFooter{Vote: LabelVote{Label: "Code-Review", Value: 2}, UUID: uuid}},
		{name: "uuid ident tag", input: "Code-Review=+2, " + uuid + ` Gerrit User 3 <3@gerrit> :"autogenerated:ci"`, expected: LabelFooter{Vote: LabelVote{Label: "Code-Review", Value: 2}, UUID: uuid, Ident: "Gerrit User 3 <3@gerrit>", Tag: "autogenerated:ci"}},
		{name: "ident without uuid", input: "Verified=+1 Gerrit User 3 <3@gerrit>", expected: LabelFooter{Vote: LabelVote{Label: "Verified", Value: 1}, Ident: "Gerrit User 3 <3@gerrit>"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			parsed, err := ParseLabel(testCase.input)
			require.NoError(t, err)
			require.Equal(t, testCase.expected, parsed)
			require.Equal(t, testCase.input, parsed.String())
		})
	}
}

func TestParseLabelRejectsMalformedValues(t *testing.T) {
	for _, input := range []string{"", "Code Review=+1", "Code-Review", "Code-Review=", "Code-Review=++1", "Code-Review=+-1", "Code-Review=x", "-Code-Review=1", "Code-Review=+1, nothex", `Code-Review=+1 :"open`, "Code-Review=+1 not an ident", "Code-Review=99999"} {
		_, err := ParseLabel(input)
		require.ErrorIs(t, err, ErrInvalidLabel, input)
	}
}

func TestIdentParser(t *testing.T) {
	serverIdent := git.PersonIdent{Name: "Gerrit Server", Email: "noreply@gerrit.example"}
	parser := IdentParser{ServerID: "gerrit", ServerIdent: serverIdent}
	when := time.Unix(1700000000, 0).UTC()

	account, err := parser.ParseAuthor(NewIdent(42, "gerrit", when))
	require.NoError(t, err)
	require.Equal(t, AccountID(42), account)

	account, err = parser.ParseAuthor(serverIdent)
	require.NoError(t, err)
	require.Equal(t, AccountID(0), account)

	_, err = parser.ParseAuthor(git.PersonIdent{Name: "Jane Doe", Email: "42@gerrit"})
	require.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = parser.ParseAuthor(git.PersonIdent{Name: "Gerrit User 42", Email: "42@other"})
	require.ErrorIs(t, err, ErrInvalidIdentity)

	lenient := parser
	lenient.Lenient = true
	account, err = lenient.ParseAuthor(git.PersonIdent{Name: "Jane Doe", Email: "42@gerrit"})
	require.NoError(t, err)
	require.Equal(t, AccountID(42), account)

	account, err = parser.ParseFooterIdent(FormatIdent(7, "gerrit"))
	require.NoError(t, err)
	require.Equal(t, AccountID(7), account)
}

func TestParsePatchSetFooter(t *testing.T) {
	id, state, err := ParsePatchSetFooter("3")
	require.NoError(t, err)
	require.Equal(t, 3, id)
	require.Equal(t, PatchSetStateNone, state)

	id, state, err = ParsePatchSetFooter("2 (DELETED)")
	require.NoError(t, err)
	require.Equal(t, 2, id)
	require.Equal(t, PatchSetStateDeleted, state)

	_, _, err = ParsePatchSetFooter("1 (PUBLISHED)")
	require.NoError(t, err)

	for _, input := range []string{"", "0", "x", "1 (DRAFT)", "1 DELETED"} {
		_, _, err := ParsePatchSetFooter(input)
		require.ErrorIs(t, err, ErrInvalidPatchSet, input)
	}
	require.Equal(t, "2 (DELETED)", FormatPatchSetFooter(2, PatchSetStateDeleted))
}
