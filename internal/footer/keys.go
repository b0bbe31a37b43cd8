// Package footer encodes and decodes the "Key: value" trailer lines that
// carry structured fields in NoteDb commit messages.
package footer

import "strings"

// Key is a canonical footer key.
type Key string

// Footer keys in their canonical spelling.
const (
	KeyPatchSet       Key = "Patch-set"
	KeyChangeID       Key = "Change-id"
	KeyBranch         Key = "Branch"
	KeySubject        Key = "Subject"
	KeyStatus         Key = "Status"
	KeyCurrent        Key = "Current"
	KeyTopic          Key = "Topic"
	KeyTag            Key = "Tag"
	KeyGroups         Key = "Groups"
	KeyCommit         Key = "Commit"
	KeySubmissionID   Key = "Submission-id"
	KeyLabel          Key = "Label"
	KeyCopiedLabel    Key = "Copied-Label"
	KeyReviewer       Key = "Reviewer"
	KeyCC             Key = "CC"
	KeyRemoved        Key = "Removed"
	KeyReviewerEmail  Key = "Reviewer-email"
	KeyCCEmail        Key = "CC-email"
	KeyRemovedEmail   Key = "Removed-email"
	KeyAssignee       Key = "Assignee"
	KeySubmittedWith  Key = "Submitted-with"
	KeyRealUser       Key = "Real-user"
	KeyAttention      Key = "Attention"
	KeyHashtags       Key = "Hashtags"
	KeyWorkInProgress Key = "Work-in-progress"
	KeyPrivate        Key = "Private"
	KeyRevertOf       Key = "Revert-of"
	KeyCherryPickOf   Key = "Cherry-pick-of"
)

var knownKeys = []Key{
	KeyPatchSet, KeyChangeID, KeyBranch, KeySubject, KeyStatus, KeyCurrent,
	KeyTopic, KeyTag, KeyGroups, KeyCommit, KeySubmissionID, KeyLabel,
	KeyCopiedLabel, KeyReviewer, KeyCC, KeyRemoved, KeyReviewerEmail,
	KeyCCEmail, KeyRemovedEmail, KeyAssignee, KeySubmittedWith, KeyRealUser,
	KeyAttention, KeyHashtags, KeyWorkInProgress, KeyPrivate, KeyRevertOf,
	KeyCherryPickOf,
}

var multiValued = map[Key]bool{
	KeyLabel:         true,
	KeyCopiedLabel:   true,
	KeyReviewer:      true,
	KeyCC:            true,
	KeyRemoved:       true,
	KeyReviewerEmail: true,
	KeyCCEmail:       true,
	KeyRemovedEmail:  true,
	KeySubmittedWith: true,
	KeyAttention:     true,
}

var canonicalByLower = func() map[string]Key {
	keys := make(map[string]Key, len(knownKeys))
	for _, key := range knownKeys {
		keys[strings.ToLower(string(key))] = key
	}
	return keys
}()

// KnownKeys returns every key of the footer vocabulary.
func KnownKeys() []Key {
	return append([]Key(nil), knownKeys...)
}

// Canonical maps a key read from a message to its canonical spelling.
func Canonical(raw string) (Key, bool) {
	key, ok := canonicalByLower[strings.ToLower(strings.TrimSpace(raw))]
	return key, ok
}

// IsSingleValued reports whether a commit may carry the key at most once.
func (k Key) IsSingleValued() bool {
	_, known := canonicalByLower[strings.ToLower(string(k))]
	return known && !multiValued[k]
}

// Matches compares keys case-insensitively.
func (k Key) Matches(raw string) bool {
	return strings.EqualFold(string(k), strings.TrimSpace(raw))
}

func (k Key) String() string {
	return string(k)
}
