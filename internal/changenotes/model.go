// Package changenotes folds the commit log of a change meta ref into an
// aggregate State, and encodes typed updates back into commits.
package changenotes

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

// ChangeID is the numeric id of a change.
type ChangeID int

func (id ChangeID) String() string {
	return strconv.Itoa(int(id))
}

// ErrInvalidStatus indicates a Status footer outside the known enum.
var ErrInvalidStatus = errors.New("changenotes: invalid status")

// Status is the lifecycle state of a change.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusMerged    Status = "MERGED"
	StatusAbandoned Status = "ABANDONED"
)

// ParseStatus parses a Status footer value, case-insensitively.
func ParseStatus(rawInput string) (Status, error) {
	switch status := Status(strings.ToUpper(strings.TrimSpace(rawInput))); status {
	case StatusNew, StatusMerged, StatusAbandoned:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// FooterValue renders the status as written in footers.
func (s Status) FooterValue() string {
	return strings.ToLower(string(s))
}

// PatchSet is one uploaded revision.
type PatchSet struct {
	ID           int
	Commit       git.ObjectID
	Uploader     footer.AccountID
	RealUploader footer.AccountID
	CreatedOn    time.Time
	Groups       []string
}

// Approval is a vote on a label for a patch set.
type Approval struct {
	PatchSetID    int
	AccountID     footer.AccountID
	RealAccountID footer.AccountID
	Label         string
	Value         int16
	Granted       time.Time
	Tag           string
	UUID          string
	Copied        bool
	PostSubmit    bool
}

// ReviewerState partitions reviewers.
type ReviewerState string

const (
	ReviewerStateReviewer ReviewerState = "REVIEWER"
	ReviewerStateCC       ReviewerState = "CC"
	ReviewerStateRemoved  ReviewerState = "REMOVED"
)

func (s ReviewerState) accountKey() footer.Key {
	switch s {
	case ReviewerStateReviewer:
		return footer.KeyReviewer
	case ReviewerStateCC:
		return footer.KeyCC
	default:
		return footer.KeyRemoved
	}
}

func (s ReviewerState) emailKey() footer.Key {
	switch s {
	case ReviewerStateReviewer:
		return footer.KeyReviewerEmail
	case ReviewerStateCC:
		return footer.KeyCCEmail
	default:
		return footer.KeyRemovedEmail
	}
}

// ReviewerEntry is the latest state of a reviewer with its timestamp.
type ReviewerEntry struct {
	State   ReviewerState
	Updated time.Time
}

// ReviewerUpdate records one reviewer state transition.
type ReviewerUpdate struct {
	When     time.Time
	Actor    footer.AccountID
	Reviewer footer.AccountID
	Address  string
	State    ReviewerState
}

// SubmitLabel is one label line of a submit record.
type SubmitLabel struct {
	Label     string
	Status    string
	AppliedBy footer.AccountID
}

// SubmitRecord is the evaluated submit rule result stored at submission.
type SubmitRecord struct {
	Status   string
	RuleName string
	Labels   []SubmitLabel
}

// ChangeMessage is the free-text message of a commit. Key is the commit id.
type ChangeMessage struct {
	Key        string
	PatchSetID int
	Author     footer.AccountID
	RealAuthor footer.AccountID
	WrittenOn  time.Time
	Message    string
	Tag        string
}

// AttentionOperation adds or removes a user from the attention set.
type AttentionOperation string

const (
	AttentionAdd    AttentionOperation = "ADD"
	AttentionRemove AttentionOperation = "REMOVE"
)

// AttentionSetUpdate is one Attention footer.
type AttentionSetUpdate struct {
	Account   footer.AccountID
	Operation AttentionOperation
	Reason    string
	Timestamp time.Time
}

// State is the aggregate projection of a change meta ref.
type State struct {
	ChangeID          ChangeID
	MetaID            git.ObjectID
	ChangeKey         string
	Branch            string
	Subject           string
	OriginalSubject   string
	Topic             string
	Status            Status
	Owner             footer.AccountID
	Private           bool
	WorkInProgress    bool
	CurrentPatchSetID int
	Assignee          footer.AccountID
	SubmissionID      string
	RevertOf          ChangeID
	CherryPickOf      string
	CreatedOn         time.Time
	LastUpdatedOn     time.Time
	Hashtags          []string
	PatchSets         []PatchSet
	Approvals         []Approval
	Reviewers         map[footer.AccountID]ReviewerEntry
	ReviewersByEmail  map[string]ReviewerEntry
	ReviewerUpdates   []ReviewerUpdate
	SubmitRecords     []SubmitRecord
	ChangeMessages    []ChangeMessage
	Comments          map[git.ObjectID][]Comment
	AttentionSet      map[footer.AccountID]AttentionSetUpdate
	AttentionUpdates  []AttentionSetUpdate
	UpdateCount       int
	DraftComments     map[footer.AccountID]map[git.ObjectID][]Comment
}

// PatchSet returns the patch set with the given id.
func (s *State) PatchSet(id int) (PatchSet, bool) {
	for _, patchSet := range s.PatchSets {
		if patchSet.ID == id {
			return patchSet, true
		}
	}
	return PatchSet{}, false
}

// ApprovalsFor returns the approvals on one patch set.
func (s *State) ApprovalsFor(patchSetID int) []Approval {
	var approvals []Approval
	for _, approval := range s.Approvals {
		if approval.PatchSetID == patchSetID {
			approvals = append(approvals, approval)
		}
	}
	return approvals
}

func sortApprovals(approvals []Approval) {
	sort.Slice(approvals, func(i, j int) bool {
		a, b := approvals[i], approvals[j]
		if a.PatchSetID != b.PatchSetID {
			return a.PatchSetID < b.PatchSetID
		}
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return !a.Copied && b.Copied
	})
}
