package changenotes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

// Field names a State attribute compared by Diff.
type Field string

const (
	FieldChangeID          Field = "ChangeID"
	FieldMetaID            Field = "MetaID"
	FieldChangeKey         Field = "ChangeKey"
	FieldBranch            Field = "Branch"
	FieldSubject           Field = "Subject"
	FieldOriginalSubject   Field = "OriginalSubject"
	FieldTopic             Field = "Topic"
	FieldStatus            Field = "Status"
	FieldOwner             Field = "Owner"
	FieldPrivate           Field = "Private"
	FieldWorkInProgress    Field = "WorkInProgress"
	FieldCurrentPatchSetID Field = "CurrentPatchSetID"
	FieldAssignee          Field = "Assignee"
	FieldSubmissionID      Field = "SubmissionID"
	FieldRevertOf          Field = "RevertOf"
	FieldCherryPickOf      Field = "CherryPickOf"
	FieldCreatedOn         Field = "CreatedOn"
	FieldLastUpdatedOn     Field = "LastUpdatedOn"
	FieldHashtags          Field = "Hashtags"
	FieldPatchSets         Field = "PatchSets"
	FieldApprovals         Field = "Approvals"
	FieldReviewers         Field = "Reviewers"
	FieldReviewersByEmail  Field = "ReviewersByEmail"
	FieldReviewerUpdates   Field = "ReviewerUpdates"
	FieldSubmitRecords     Field = "SubmitRecords"
	FieldChangeMessages    Field = "ChangeMessages"
	FieldComments          Field = "Comments"
	FieldAttentionSet      Field = "AttentionSet"
	FieldAttentionUpdates  Field = "AttentionUpdates"
	FieldUpdateCount       Field = "UpdateCount"
	FieldDraftComments     Field = "DraftComments"
)

// Difference is one field whose rendering differs between two states.
type Difference struct {
	Field Field
	A     string
	B     string
}

func (d Difference) String() string {
	return fmt.Sprintf("%s differs: %s != %s", d.Field, d.A, d.B)
}

// Diff compares two states field by field. Timestamps are compared as
// instants and collections independently of order, so a state read from a
// rewritten log compares equal to the original when only encodings changed.
// MetaID always differs across a rewrite and must be ignored explicitly.
func Diff(a, b *State, ignore ...Field) []Difference {
	ignored := make(map[Field]bool, len(ignore))
	for _, field := range ignore {
		ignored[field] = true
	}
	var differences []Difference
	for _, field := range stateFields {
		if ignored[field.name] {
			continue
		}
		left, right := field.render(a), field.render(b)
		if left != right {
			differences = append(differences, Difference{Field: field.name, A: left, B: right})
		}
	}
	return differences
}

type stateField struct {
	name   Field
	render func(*State) string
}

var stateFields = []stateField{
	{FieldChangeID, func(s *State) string { return s.ChangeID.String() }},
	{FieldMetaID, func(s *State) string { return s.MetaID.String() }},
	{FieldChangeKey, func(s *State) string { return s.ChangeKey }},
	{FieldBranch, func(s *State) string { return s.Branch }},
	{FieldSubject, func(s *State) string { return s.Subject }},
	{FieldOriginalSubject, func(s *State) string { return s.OriginalSubject }},
	{FieldTopic, func(s *State) string { return s.Topic }},
	{FieldStatus, func(s *State) string { return string(s.Status) }},
	{FieldOwner, func(s *State) string { return s.Owner.String() }},
	{FieldPrivate, func(s *State) string { return fmt.Sprint(s.Private) }},
	{FieldWorkInProgress, func(s *State) string { return fmt.Sprint(s.WorkInProgress) }},
	{FieldCurrentPatchSetID, func(s *State) string { return fmt.Sprint(s.CurrentPatchSetID) }},
	{FieldAssignee, func(s *State) string { return s.Assignee.String() }},
	{FieldSubmissionID, func(s *State) string { return s.SubmissionID }},
	{FieldRevertOf, func(s *State) string { return s.RevertOf.String() }},
	{FieldCherryPickOf, func(s *State) string { return s.CherryPickOf }},
	{FieldCreatedOn, func(s *State) string { return instant(s.CreatedOn) }},
	{FieldLastUpdatedOn, func(s *State) string { return instant(s.LastUpdatedOn) }},
	{FieldHashtags, func(s *State) string { return sortedJoin(s.Hashtags) }},
	{FieldPatchSets, renderPatchSets},
	{FieldApprovals, renderApprovals},
	{FieldReviewers, renderReviewers},
	{FieldReviewersByEmail, renderReviewersByEmail},
	{FieldReviewerUpdates, renderReviewerUpdates},
	{FieldSubmitRecords, renderSubmitRecords},
	{FieldChangeMessages, renderChangeMessages},
	{FieldComments, func(s *State) string { return renderCommentMap(s.Comments) }},
	{FieldAttentionSet, renderAttentionSet},
	{FieldAttentionUpdates, renderAttentionUpdates},
	{FieldUpdateCount, func(s *State) string { return fmt.Sprint(s.UpdateCount) }},
	{FieldDraftComments, renderDraftComments},
}

func instant(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func sortedJoin(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return "[" + strings.Join(sorted, " ") + "]"
}

func renderPatchSets(s *State) string {
	items := make([]string, 0, len(s.PatchSets))
	for _, patchSet := range s.PatchSets {
		items = append(items, fmt.Sprintf("{%d %s %d/%d %s %v}", patchSet.ID, patchSet.Commit, patchSet.Uploader, patchSet.RealUploader, instant(patchSet.CreatedOn), patchSet.Groups))
	}
	return sortedJoin(items)
}

func renderApprovals(s *State) string {
	items := make([]string, 0, len(s.Approvals))
	for _, approval := range s.Approvals {
		items = append(items, fmt.Sprintf("{ps%d %d/%d %s=%d %s tag=%q uuid=%q copied=%v postSubmit=%v}",
			approval.PatchSetID, approval.AccountID, approval.RealAccountID, approval.Label, approval.Value,
			instant(approval.Granted), approval.Tag, approval.UUID, approval.Copied, approval.PostSubmit))
	}
	return sortedJoin(items)
}

func renderReviewers(s *State) string {
	items := make([]string, 0, len(s.Reviewers))
	for account, entry := range s.Reviewers {
		items = append(items, fmt.Sprintf("{%d %s %s}", account, entry.State, instant(entry.Updated)))
	}
	return sortedJoin(items)
}

func renderReviewersByEmail(s *State) string {
	items := make([]string, 0, len(s.ReviewersByEmail))
	for address, entry := range s.ReviewersByEmail {
		items = append(items, fmt.Sprintf("{%q %s %s}", address, entry.State, instant(entry.Updated)))
	}
	return sortedJoin(items)
}

func renderReviewerUpdates(s *State) string {
	items := make([]string, 0, len(s.ReviewerUpdates))
	for _, update := range s.ReviewerUpdates {
		items = append(items, fmt.Sprintf("{%s %d %d %q %s}", instant(update.When), update.Actor, update.Reviewer, update.Address, update.State))
	}
	return "[" + strings.Join(items, " ") + "]"
}

func renderSubmitRecords(s *State) string {
	items := make([]string, 0, len(s.SubmitRecords))
	for _, record := range s.SubmitRecords {
		items = append(items, fmt.Sprintf("%+v", record))
	}
	return "[" + strings.Join(items, " ") + "]"
}

func renderChangeMessages(s *State) string {
	items := make([]string, 0, len(s.ChangeMessages))
	for _, message := range s.ChangeMessages {
		items = append(items, fmt.Sprintf("{ps%d %d/%d %s tag=%q %q}", message.PatchSetID, message.Author, message.RealAuthor, instant(message.WrittenOn), message.Tag, message.Message))
	}
	return "[" + strings.Join(items, " ") + "]"
}

func renderAttentionSet(s *State) string {
	items := make([]string, 0, len(s.AttentionSet))
	for _, update := range s.AttentionSet {
		items = append(items, renderAttention(update))
	}
	return sortedJoin(items)
}

func renderAttentionUpdates(s *State) string {
	items := make([]string, 0, len(s.AttentionUpdates))
	for _, update := range s.AttentionUpdates {
		items = append(items, renderAttention(update))
	}
	return "[" + strings.Join(items, " ") + "]"
}

func renderAttention(update AttentionSetUpdate) string {
	return fmt.Sprintf("{%d %s %q %s}", update.Account, update.Operation, update.Reason, instant(update.Timestamp))
}

func renderCommentMap(comments map[git.ObjectID][]Comment) string {
	items := make([]string, 0, len(comments))
	for revision, list := range comments {
		for _, comment := range list {
			items = append(items, revision.String()+":"+renderComment(comment))
		}
	}
	return sortedJoin(items)
}

func renderComment(comment Comment) string {
	realAuthor := footer.AccountID(0)
	if comment.RealAuthor != nil {
		realAuthor = comment.RealAuthor.ID
	}
	commentRange := "-"
	if comment.Range != nil {
		commentRange = fmt.Sprintf("%d:%d-%d:%d", comment.Range.StartLine, comment.Range.StartChar, comment.Range.EndLine, comment.Range.EndChar)
	}
	return fmt.Sprintf("{%q %q ps%d line%d %s side%d %d/%d %s parent=%q tag=%q rev=%s server=%q unresolved=%v %q}",
		comment.Key.UUID, comment.Key.Filename, comment.Key.PatchSetID, comment.LineNbr, commentRange, comment.Side,
		comment.Author.ID, realAuthor, instant(comment.WrittenOn), comment.ParentUUID, comment.Tag, comment.RevID,
		comment.ServerID, comment.Unresolved, comment.Message)
}

func renderDraftComments(s *State) string {
	items := make([]string, 0, len(s.DraftComments))
	for account, comments := range s.DraftComments {
		items = append(items, account.String()+"="+renderCommentMap(comments))
	}
	return sortedJoin(items)
}
