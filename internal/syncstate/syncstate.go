// Package syncstate encodes the compact marker that records which ref tips a
// cached copy of a change was built from.
package syncstate

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notedb/internal/changenotes"
	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/refnames"
)

// ErrInvalidSyncState indicates a marker string outside the grammar.
var ErrInvalidSyncState = errors.New("syncstate: invalid sync state")

// PrimaryStorage names the authoritative store of a change.
type PrimaryStorage int

const (
	// ReviewDBPrimary means the relational copy is authoritative and refs
	// must be checked against RefState.
	ReviewDBPrimary PrimaryStorage = iota
	// NoteDBPrimary means the refs themselves are authoritative.
	NoteDBPrimary
)

func (p PrimaryStorage) code() string {
	if p == NoteDBPrimary {
		return "N"
	}
	return "R"
}

// RefState is the set of ref tips a cached change was derived from.
type RefState struct {
	ChangeMetaID git.ObjectID
	DraftIDs     map[footer.AccountID]git.ObjectID
}

// State is a parsed sync-state marker. A ReviewDB-primary state needs a
// RefState and a NoteDb-primary state must not carry one; Validate checks
// both.
type State struct {
	ChangeID       changenotes.ChangeID
	PrimaryStorage PrimaryStorage
	RefState       *RefState
	ReadOnlyUntil  *time.Time
}

// Parse decodes raw. An empty string is the absent state and yields nil.
func Parse(changeID changenotes.ChangeID, raw string) (*State, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	state := &State{ChangeID: changeID}

	head := parts[0]
	if head == "N" || strings.HasPrefix(head, "N=") {
		if len(parts) != 1 {
			return nil, fmt.Errorf("%w: change %d: NoteDb state carries ref state %q", ErrInvalidSyncState, changeID, raw)
		}
		state.PrimaryStorage = NoteDBPrimary
		readOnlyUntil, err := parseTimestamp(strings.TrimPrefix(head, "N"))
		if err != nil {
			return nil, fmt.Errorf("%w: change %d: %v", ErrInvalidSyncState, changeID, err)
		}
		state.ReadOnlyUntil = readOnlyUntil
		return state, nil
	}

	state.PrimaryStorage = ReviewDBPrimary
	if head == "R" || strings.HasPrefix(head, "R=") {
		readOnlyUntil, err := parseTimestamp(strings.TrimPrefix(head, "R"))
		if err != nil {
			return nil, fmt.Errorf("%w: change %d: %v", ErrInvalidSyncState, changeID, err)
		}
		state.ReadOnlyUntil = readOnlyUntil
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: change %d: missing meta id in %q", ErrInvalidSyncState, changeID, raw)
	}
	metaID, err := git.ParseObjectID(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: change %d: bad meta id in %q", ErrInvalidSyncState, changeID, raw)
	}
	refState := &RefState{ChangeMetaID: metaID, DraftIDs: make(map[footer.AccountID]git.ObjectID)}
	for _, part := range parts[1:] {
		rawAccount, rawID, found := strings.Cut(part, "=")
		account, err := strconv.Atoi(rawAccount)
		if !found || err != nil || account <= 0 {
			return nil, fmt.Errorf("%w: change %d: bad draft entry %q", ErrInvalidSyncState, changeID, part)
		}
		draftID, err := git.ParseObjectID(rawID)
		if err != nil {
			return nil, fmt.Errorf("%w: change %d: bad draft id in %q", ErrInvalidSyncState, changeID, part)
		}
		refState.DraftIDs[footer.AccountID(account)] = draftID
	}
	state.RefState = refState
	return state, nil
}

func parseTimestamp(suffix string) (*time.Time, error) {
	if suffix == "" {
		return nil, nil
	}
	millis, err := strconv.ParseInt(strings.TrimPrefix(suffix, "="), 10, 64)
	if err != nil || !strings.HasPrefix(suffix, "=") {
		return nil, fmt.Errorf("bad read-only timestamp %q", suffix)
	}
	until := time.UnixMilli(millis).UTC()
	return &until, nil
}

// Validate reports whether the state is representable in the marker grammar.
func (s *State) Validate() error {
	if s == nil {
		return nil
	}
	switch {
	case s.PrimaryStorage == ReviewDBPrimary && s.RefState == nil:
		return fmt.Errorf("%w: change %d: ReviewDB state without ref state", ErrInvalidSyncState, s.ChangeID)
	case s.PrimaryStorage == NoteDBPrimary && s.RefState != nil:
		return fmt.Errorf("%w: change %d: NoteDb state carries ref state", ErrInvalidSyncState, s.ChangeID)
	}
	return nil
}

// Encode validates the state and serializes it.
func (s *State) Encode() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s.String(), nil
}

// String serializes the state without validating it; use Encode for states
// not produced by Parse or ApplyDelta. Draft entries are sorted by account id, so
// equal states always produce equal strings. A nil state renders as "".
func (s *State) String() string {
	if s == nil {
		return ""
	}
	var out strings.Builder
	if s.PrimaryStorage == NoteDBPrimary || s.ReadOnlyUntil != nil {
		out.WriteString(s.PrimaryStorage.code())
		if s.ReadOnlyUntil != nil {
			out.WriteString("=" + strconv.FormatInt(s.ReadOnlyUntil.UnixMilli(), 10))
		}
		if s.PrimaryStorage == NoteDBPrimary {
			return out.String()
		}
		out.WriteString(",")
	}
	if s.RefState != nil {
		out.WriteString(s.RefState.String())
	}
	return out.String()
}

// String renders "<meta>[,<account>=<draft>]*".
func (r *RefState) String() string {
	var out strings.Builder
	out.WriteString(r.ChangeMetaID.String())
	for _, account := range r.accounts() {
		fmt.Fprintf(&out, ",%d=%s", account, r.DraftIDs[account])
	}
	return out.String()
}

func (r *RefState) accounts() []footer.AccountID {
	accounts := make([]footer.AccountID, 0, len(r.DraftIDs))
	for account := range r.DraftIDs {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	return accounts
}

// IsReadOnly reports whether the change is read-only at now.
func (s *State) IsReadOnly(now time.Time) bool {
	return s != nil && s.ReadOnlyUntil != nil && now.Before(*s.ReadOnlyUntil)
}

// Delta describes ref tips moved by one write. A nil NewChangeMetaID leaves
// the meta id unchanged; a zero draft id removes that account's entry.
type Delta struct {
	ChangeID        changenotes.ChangeID
	NewChangeMetaID *git.ObjectID
	NewDraftIDs     map[footer.AccountID]git.ObjectID
}

// IsEmpty reports whether the delta moves nothing.
func (d Delta) IsEmpty() bool {
	return d.NewChangeMetaID == nil && len(d.NewDraftIDs) == 0
}

// ApplyDelta returns the state after delta. The input is not modified.
// NoteDb-primary states and empty deltas are returned unchanged; a zero
// meta id clears the state to absent (nil).
func ApplyDelta(state *State, delta Delta) *State {
	if delta.IsEmpty() {
		return state
	}
	if state == nil && delta.NewChangeMetaID == nil {
		return nil
	}
	if state != nil && state.PrimaryStorage == NoteDBPrimary {
		return state
	}

	var metaID git.ObjectID
	switch {
	case delta.NewChangeMetaID != nil:
		metaID = *delta.NewChangeMetaID
		if metaID.IsZero() {
			return nil
		}
	case state.RefState != nil:
		metaID = state.RefState.ChangeMetaID
	default:
		return state
	}

	next := &State{ChangeID: delta.ChangeID, PrimaryStorage: ReviewDBPrimary}
	drafts := make(map[footer.AccountID]git.ObjectID)
	if state != nil {
		next.ChangeID = state.ChangeID
		next.ReadOnlyUntil = state.ReadOnlyUntil
		if state.RefState != nil {
			for account, id := range state.RefState.DraftIDs {
				drafts[account] = id
			}
		}
	}
	for account, id := range delta.NewDraftIDs {
		if id.IsZero() {
			delete(drafts, account)
			continue
		}
		drafts[account] = id
	}
	next.RefState = &RefState{ChangeMetaID: metaID, DraftIDs: drafts}
	return next
}

// IsUpToDate compares the recorded tips against the live refs of a change.
func (r *RefState) IsUpToDate(refs git.RefDatabase, changeID changenotes.ChangeID) (bool, error) {
	metaRef := refnames.ChangeMeta(int(changeID))
	metaID, found, err := refs.ExactRef(metaRef)
	if err != nil {
		return false, &git.StorageError{Op: "read ref", Ref: metaRef, Err: err}
	}
	if !found || metaID != r.ChangeMetaID {
		return false, nil
	}
	draftRefs, err := refs.RefsByPrefix(refnames.DraftCommentsPrefix)
	if err != nil {
		return false, &git.StorageError{Op: "list refs", Ref: refnames.DraftCommentsPrefix, Err: err}
	}
	live := 0
	for _, ref := range draftRefs {
		draftChange, account, ok := refnames.ParseDraftComments(ref.Name)
		if !ok || changenotes.ChangeID(draftChange) != changeID {
			continue
		}
		live++
		if r.DraftIDs[footer.AccountID(account)] != ref.ID {
			return false, nil
		}
	}
	return live == len(r.DraftIDs), nil
}
