package changenotes

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

// ErrInvalidUpdate indicates an update that cannot be encoded.
var ErrInvalidUpdate = errors.New("changenotes: invalid update")

// ReviewerChange moves an account to a reviewer state.
type ReviewerChange struct {
	Account footer.AccountID
	State   ReviewerState
}

// ReviewerEmailChange moves an address-only reviewer to a state.
type ReviewerEmailChange struct {
	Address string
	State   ReviewerState
}

// LabelChange sets or removes a vote. A non-zero OnBehalfOf records the vote
// for that account while the update's account is the real voter.
type LabelChange struct {
	Vote       footer.LabelVote
	UUID       string
	OnBehalfOf footer.AccountID
	Tag        string
}

// ChangeUpdate is one typed mutation of a change, encoded as one commit on
// the change meta ref. Nil pointer fields are left unchanged.
type ChangeUpdate struct {
	ChangeID      ChangeID
	PatchSetID    int
	PatchSetState footer.PatchSetState
	// Account is the commit author; zero writes the server identity.
	Account footer.AccountID
	// RealAccount is the impersonating caller, when it differs from Account.
	RealAccount footer.AccountID
	When        time.Time

	ChangeKey      string
	Branch         string
	Subject        string
	Status         Status
	Topic          *string
	Tag            string
	Groups         []string
	Commit         git.ObjectID
	Current        bool
	SubmissionID   string
	Assignee       *footer.AccountID
	Hashtags       *[]string
	WorkInProgress *bool
	Private        *bool
	RevertOf       ChangeID
	CherryPickOf   string
	Message        string
	Labels         []LabelChange
	CopiedLabels   []LabelChange
	Reviewers      []ReviewerChange
	ReviewerEmails []ReviewerEmailChange
	SubmitRecords  []SubmitRecord
	Attention      []AttentionSetUpdate
	Comments       []Comment
}

// NewSubmissionID returns a fresh submission id for a change.
func NewSubmissionID(changeID ChangeID) string {
	return changeID.String() + "-" + uuid.NewString()
}

func (u *ChangeUpdate) summary() string {
	switch {
	case !u.Commit.IsZero() && u.ChangeKey != "":
		return "Create change"
	case !u.Commit.IsZero():
		return "Create patch set " + strconv.Itoa(u.PatchSetID)
	default:
		return "Update patch set " + strconv.Itoa(u.PatchSetID)
	}
}

// Encode renders the commit message of the update.
func (u *ChangeUpdate) Encode(serverID string) (string, error) {
	if u.PatchSetID <= 0 {
		return "", fmt.Errorf("%w: patch set id %d", ErrInvalidUpdate, u.PatchSetID)
	}
	builder := footer.NewBuilder(u.summary()).Body(u.Message)
	builder.Add(footer.KeyPatchSet, footer.FormatPatchSetFooter(u.PatchSetID, u.PatchSetState))
	if u.ChangeKey != "" {
		if !changeKeyPattern.MatchString(u.ChangeKey) {
			return "", fmt.Errorf("%w: change key %q", ErrInvalidUpdate, u.ChangeKey)
		}
		builder.Add(footer.KeyChangeID, u.ChangeKey)
	}
	if u.Subject != "" {
		builder.Add(footer.KeySubject, u.Subject)
	}
	if u.Branch != "" {
		builder.Add(footer.KeyBranch, u.Branch)
	}
	if !u.Commit.IsZero() {
		builder.Add(footer.KeyCommit, u.Commit.String())
	}
	if u.Status != "" {
		builder.Add(footer.KeyStatus, u.Status.FooterValue())
	}
	if u.Topic != nil {
		builder.Add(footer.KeyTopic, *u.Topic)
	}
	if len(u.Groups) > 0 {
		builder.Add(footer.KeyGroups, strings.Join(u.Groups, ","))
	}
	if u.Hashtags != nil {
		builder.Add(footer.KeyHashtags, strings.Join(*u.Hashtags, ","))
	}
	for _, labels := range []struct {
		key     footer.Key
		changes []LabelChange
	}{{footer.KeyLabel, u.Labels}, {footer.KeyCopiedLabel, u.CopiedLabels}} {
		for _, change := range labels.changes {
			value, err := u.labelValue(change, serverID)
			if err != nil {
				return "", err
			}
			builder.Add(labels.key, value)
		}
	}
	for _, reviewer := range u.Reviewers {
		builder.Add(reviewer.State.accountKey(), footer.FormatIdent(reviewer.Account, serverID))
	}
	for _, reviewer := range u.ReviewerEmails {
		builder.Add(reviewer.State.emailKey(), reviewer.Address)
	}
	if u.SubmissionID != "" {
		builder.Add(footer.KeySubmissionID, u.SubmissionID)
	}
	for _, value := range formatSubmitRecords(u.SubmitRecords, serverID) {
		builder.Add(footer.KeySubmittedWith, value)
	}
	if u.Tag != "" {
		builder.Add(footer.KeyTag, u.Tag)
	}
	if u.RealAccount != 0 && u.RealAccount != u.Account {
		builder.Add(footer.KeyRealUser, footer.FormatIdent(u.RealAccount, serverID))
	}
	if u.Assignee != nil {
		value := ""
		if *u.Assignee != 0 {
			value = footer.FormatIdent(*u.Assignee, serverID)
		}
		builder.Add(footer.KeyAssignee, value)
	}
	if u.WorkInProgress != nil {
		builder.Add(footer.KeyWorkInProgress, strconv.FormatBool(*u.WorkInProgress))
	}
	if u.Private != nil {
		builder.Add(footer.KeyPrivate, strconv.FormatBool(*u.Private))
	}
	if u.Current {
		builder.Add(footer.KeyCurrent, "true")
	}
	if u.RevertOf != 0 {
		builder.Add(footer.KeyRevertOf, u.RevertOf.String())
	}
	if u.CherryPickOf != "" {
		builder.Add(footer.KeyCherryPickOf, u.CherryPickOf)
	}
	for _, attention := range u.Attention {
		value, err := formatAttentionFooter(attention, serverID)
		if err != nil {
			return "", err
		}
		builder.Add(footer.KeyAttention, value)
	}
	return builder.String(), nil
}

func (u *ChangeUpdate) labelValue(change LabelChange, serverID string) (string, error) {
	if !footer.ValidLabelName(change.Vote.Label) {
		return "", fmt.Errorf("%w: label %q", ErrInvalidUpdate, change.Vote.Label)
	}
	value := footer.LabelFooter{Vote: change.Vote, UUID: change.UUID, Tag: change.Tag}
	if change.OnBehalfOf != 0 {
		value.Ident = footer.FormatIdent(change.OnBehalfOf, serverID)
	}
	rendered := value.String()
	if _, err := footer.ParseLabel(rendered); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return rendered, nil
}

// IsAttentionSetOnly reports whether the update only touches the attention set.
func (u *ChangeUpdate) IsAttentionSetOnly(serverID string) bool {
	raw, err := u.Encode(serverID)
	if err != nil {
		return false
	}
	message := footer.ParseMessage(raw)
	return IsAttentionSetOnly(message.Footers, message.HasBody())
}

// Writer turns updates into commits.
type Writer struct {
	ServerID    string
	ServerIdent git.PersonIdent
}

// NewWriter returns a writer for the identities in options.
func NewWriter(options Options) Writer {
	return Writer{ServerID: options.ServerID, ServerIdent: options.ServerIdent}
}

func (w Writer) author(account footer.AccountID, when time.Time) git.PersonIdent {
	if account == 0 {
		return git.PersonIdent{Name: w.ServerIdent.Name, Email: w.ServerIdent.Email, When: when}
	}
	return footer.NewIdent(account, w.ServerID, when)
}

// WriteChange stores the commit for update on top of parent and returns its id.
func (w Writer) WriteChange(store git.ObjectStore, parent git.ObjectID, update *ChangeUpdate) (git.ObjectID, error) {
	message, err := update.Encode(w.ServerID)
	if err != nil {
		return git.ZeroID, err
	}
	notes, err := w.parentNotes(store, parent)
	if err != nil {
		return git.ZeroID, err
	}
	if err := w.putComments(store, notes, update.Comments, nil); err != nil {
		return git.ZeroID, err
	}
	return w.commit(store, parent, notes, update.Account, update.When, message)
}

// DraftUpdate puts and deletes draft comments of one account on one change.
type DraftUpdate struct {
	ChangeID ChangeID
	Account  footer.AccountID
	When     time.Time
	Put      []Comment
	Delete   []CommentKey
}

// WriteDraft stores the next draft commit. It returns ZeroID when no draft
// remains, meaning the draft ref should be deleted.
func (w Writer) WriteDraft(store git.ObjectStore, parent git.ObjectID, update *DraftUpdate) (git.ObjectID, error) {
	notes, err := w.parentNotes(store, parent)
	if err != nil {
		return git.ZeroID, err
	}
	if err := w.putComments(store, notes, update.Put, update.Delete); err != nil {
		return git.ZeroID, err
	}
	if len(notes) == 0 {
		return git.ZeroID, nil
	}
	return w.commit(store, parent, notes, update.Account, update.When, footer.NewBuilder("Update draft comments").String())
}

func (w Writer) parentNotes(store git.ObjectStore, parent git.ObjectID) (git.NoteMap, error) {
	if parent.IsZero() {
		return make(git.NoteMap), nil
	}
	commit, err := git.ParseCommit(store, parent)
	if err != nil {
		return nil, err
	}
	return git.LoadNoteMap(store, commit.Tree)
}

func (w Writer) putComments(store git.ObjectStore, notes git.NoteMap, put []Comment, remove []CommentKey) error {
	if len(put) == 0 && len(remove) == 0 {
		return nil
	}
	identities := footer.IdentParser{ServerID: w.ServerID, ServerIdent: w.ServerIdent}
	byRevision := make(map[git.ObjectID][]Comment)
	for _, revision := range notes.Targets() {
		data, err := git.ReadTyped(store, notes[revision], git.ObjectTypeBlob)
		if err != nil {
			return err
		}
		comments, err := ParseCommentNote(data, revision, identities)
		if err != nil {
			return err
		}
		byRevision[revision] = comments
	}

	removed := make(map[CommentKey]bool, len(remove))
	for _, key := range remove {
		removed[key] = true
	}
	for _, comment := range put {
		removed[comment.Key] = true
	}
	touched := make(map[git.ObjectID]bool)
	for revision, comments := range byRevision {
		kept := comments[:0]
		for _, comment := range comments {
			if removed[comment.Key] {
				touched[revision] = true
				continue
			}
			kept = append(kept, comment)
		}
		byRevision[revision] = kept
	}
	for _, comment := range put {
		revision, err := git.ParseObjectID(comment.RevID)
		if err != nil {
			return fmt.Errorf("%w: comment %s has revision %q", ErrInvalidUpdate, comment.Key.UUID, comment.RevID)
		}
		if comment.ServerID == "" {
			comment.ServerID = w.ServerID
		}
		comment.LegacyFormat = false
		byRevision[revision] = append(byRevision[revision], comment)
		touched[revision] = true
	}

	for revision := range touched {
		comments := byRevision[revision]
		if len(comments) == 0 {
			delete(notes, revision)
			continue
		}
		data, err := EncodeCommentsJSON(comments)
		if err != nil {
			return err
		}
		blob, err := git.InsertBlob(store, data)
		if err != nil {
			return err
		}
		notes[revision] = blob
	}
	return nil
}

func (w Writer) commit(store git.ObjectStore, parent git.ObjectID, notes git.NoteMap, account footer.AccountID, when time.Time, message string) (git.ObjectID, error) {
	tree, err := notes.Write(store)
	if err != nil {
		return git.ZeroID, err
	}
	commit := &git.Commit{
		Tree:      tree,
		Author:    w.author(account, when),
		Committer: git.PersonIdent{Name: w.ServerIdent.Name, Email: w.ServerIdent.Email, When: when},
		Message:   message,
	}
	if !parent.IsZero() {
		commit.Parents = []git.ObjectID{parent}
	}
	return git.InsertCommit(store, commit)
}
