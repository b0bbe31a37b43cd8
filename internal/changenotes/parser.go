package changenotes

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

var changeKeyPattern = regexp.MustCompile(`^I[0-9a-f]{40}$`)

// Options configures how identities in a change log are interpreted.
type Options struct {
	ServerID    string
	ServerIdent git.PersonIdent
	// LenientIdentities accepts any display name as long as the address is
	// a synthesized account address. History rewrites read with it set.
	LenientIdentities bool
}

// IdentParser returns the identity parser for these options.
func (o Options) IdentParser() footer.IdentParser {
	return footer.IdentParser{ServerID: o.ServerID, ServerIdent: o.ServerIdent, Lenient: o.LenientIdentities}
}

// scalar holds the newest value seen for a single-valued field.
type scalar[T any] struct {
	value T
	seen  bool
}

func (s *scalar[T]) offer(value T) {
	if !s.seen {
		s.value, s.seen = value, true
	}
}

type approvalKey struct {
	patchSetID int
	account    footer.AccountID
	label      string
	copied     bool
}

type parsedApproval struct {
	Approval
	commitIndex int
}

type parser struct {
	changeID   ChangeID
	tip        git.ObjectID
	store      git.ObjectStore
	identities footer.IdentParser

	changeKey      scalar[string]
	branch         scalar[string]
	subject        scalar[string]
	topic          scalar[string]
	status         scalar[Status]
	currentPatch   scalar[int]
	submissionID   scalar[string]
	assignee       scalar[footer.AccountID]
	hashtags       scalar[[]string]
	workInProgress scalar[bool]
	private        scalar[bool]
	revertOf       scalar[ChangeID]
	cherryPickOf   scalar[string]
	submitRecords  scalar[[]SubmitRecord]

	originalSubject string
	owner           footer.AccountID
	createdOn       time.Time
	lastUpdatedOn   time.Time
	mergedAt        int
	maxPatchSet     int
	updateCount     int

	patchSets        map[int]*PatchSet
	commitToPatchSet map[git.ObjectID]int
	groups           map[int]scalar[[]string]
	patchSetStates   map[int]footer.PatchSetState
	approvals        map[approvalKey]*parsedApproval
	reviewers        map[footer.AccountID]ReviewerEntry
	reviewersByEmail map[string]ReviewerEntry
	reviewerUpdates  []ReviewerUpdate
	messages         []ChangeMessage
	attentionLatest  map[footer.AccountID]AttentionSetUpdate
	attentionUpdates []AttentionSetUpdate
}

// Parse folds the log ending at tip into a State. Commits are walked newest
// first; the first value seen for a single-valued field wins.
func Parse(store git.ObjectStore, changeID ChangeID, tip git.ObjectID, options Options) (*State, error) {
	if tip.IsZero() {
		return nil, &ParseError{ChangeID: changeID, Reason: "empty change log"}
	}
	p := &parser{
		changeID:         changeID,
		tip:              tip,
		store:            store,
		identities:       options.IdentParser(),
		mergedAt:         -1,
		patchSets:        make(map[int]*PatchSet),
		commitToPatchSet: make(map[git.ObjectID]int),
		groups:           make(map[int]scalar[[]string]),
		patchSetStates:   make(map[int]footer.PatchSetState),
		approvals:        make(map[approvalKey]*parsedApproval),
		reviewers:        make(map[footer.AccountID]ReviewerEntry),
		reviewersByEmail: make(map[string]ReviewerEntry),
		attentionLatest:  make(map[footer.AccountID]AttentionSetUpdate),
	}

	walk := git.NewRevWalk(store, tip)
	var tipCommit *git.RevCommit
	for index := 0; ; index++ {
		commit, err := walk.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{ChangeID: changeID, Reason: "reading log", Err: err}
		}
		if tipCommit == nil {
			tipCommit = commit
		}
		if err := p.parseCommit(commit, index); err != nil {
			return nil, err
		}
	}
	return p.build(tipCommit)
}

func (p *parser) fail(commit git.ObjectID, key footer.Key, reason string, err error) error {
	return &ParseError{ChangeID: p.changeID, Commit: commit, Footer: key.String(), Reason: reason, Err: err}
}

func (p *parser) single(commit git.ObjectID, message footer.Message, key footer.Key) (string, bool, error) {
	values := message.Footers.Values(key)
	switch len(values) {
	case 0:
		return "", false, nil
	case 1:
		return strings.TrimSpace(values[0]), true, nil
	default:
		return "", false, p.fail(commit, key, fmt.Sprintf("multiple values %q", values), nil)
	}
}

func (p *parser) parseCommit(commit *git.RevCommit, index int) error {
	id := commit.ID
	message := footer.ParseMessage(commit.Message)
	for _, key := range footer.KnownKeys() {
		if key.IsSingleValued() {
			if _, _, err := p.single(id, message, key); err != nil {
				return err
			}
		}
	}

	rawPatchSet, ok, _ := p.single(id, message, footer.KeyPatchSet)
	if !ok {
		return p.fail(id, footer.KeyPatchSet, "missing footer", nil)
	}
	patchSetID, patchSetState, err := footer.ParsePatchSetFooter(rawPatchSet)
	if err != nil {
		return p.fail(id, footer.KeyPatchSet, "invalid value", err)
	}
	if patchSetID > p.maxPatchSet {
		p.maxPatchSet = patchSetID
	}
	if _, seen := p.patchSetStates[patchSetID]; !seen {
		p.patchSetStates[patchSetID] = patchSetState
	}

	author, err := p.identities.ParseAuthor(commit.Author)
	if err != nil {
		return p.fail(id, "", "invalid author", err)
	}
	realAuthor := author
	if rawRealUser, ok, _ := p.single(id, message, footer.KeyRealUser); ok {
		if realAuthor, err = p.identities.ParseFooterIdent(rawRealUser); err != nil {
			return p.fail(id, footer.KeyRealUser, "invalid identity", err)
		}
	}
	when := commit.Committer.When
	if index == 0 {
		p.lastUpdatedOn = when
	}
	p.owner, p.createdOn = author, when
	if CountsTowardsMaxUpdates(message.Footers, message.HasBody()) {
		p.updateCount++
	}

	if err := p.parseScalars(id, message, index); err != nil {
		return err
	}
	if err := p.parsePatchSet(id, message, patchSetID, author, realAuthor, when); err != nil {
		return err
	}

	tag, _, _ := p.single(id, message, footer.KeyTag)
	if err := p.parseLabels(id, message, patchSetID, author, realAuthor, when, tag, index); err != nil {
		return err
	}
	if err := p.parseReviewers(id, message, author, when); err != nil {
		return err
	}
	if err := p.parseAttention(id, message, when); err != nil {
		return err
	}
	if message.HasBody() {
		p.messages = append(p.messages, ChangeMessage{
			Key:        id.String(),
			PatchSetID: patchSetID,
			Author:     author,
			RealAuthor: realAuthor,
			WrittenOn:  when,
			Message:    message.Body,
			Tag:        tag,
		})
	}
	return nil
}

func (p *parser) parseScalars(id git.ObjectID, message footer.Message, index int) error {
	if value, ok, _ := p.single(id, message, footer.KeyChangeID); ok {
		if !changeKeyPattern.MatchString(value) {
			return p.fail(id, footer.KeyChangeID, fmt.Sprintf("invalid change key %q", value), nil)
		}
		if p.changeKey.seen && p.changeKey.value != value {
			return p.fail(id, footer.KeyChangeID, fmt.Sprintf("change key changed from %q to %q", value, p.changeKey.value), nil)
		}
		p.changeKey.offer(value)
	}
	if value, ok, _ := p.single(id, message, footer.KeyBranch); ok {
		p.branch.offer(value)
	}
	if value, ok, _ := p.single(id, message, footer.KeySubject); ok {
		p.subject.offer(value)
		p.originalSubject = value
	}
	if value, ok, _ := p.single(id, message, footer.KeyTopic); ok {
		p.topic.offer(value)
	}
	if value, ok, _ := p.single(id, message, footer.KeyStatus); ok {
		status, err := ParseStatus(value)
		if err != nil {
			return p.fail(id, footer.KeyStatus, "invalid value", err)
		}
		p.status.offer(status)
		if status == StatusMerged {
			p.mergedAt = index
		}
	}
	if value, ok, _ := p.single(id, message, footer.KeySubmissionID); ok {
		p.submissionID.offer(value)
	}
	if value, ok, _ := p.single(id, message, footer.KeyAssignee); ok {
		var assignee footer.AccountID
		if value != "" {
			account, err := p.identities.ParseFooterIdent(value)
			if err != nil {
				return p.fail(id, footer.KeyAssignee, "invalid identity", err)
			}
			assignee = account
		}
		p.assignee.offer(assignee)
	}
	if value, ok, _ := p.single(id, message, footer.KeyHashtags); ok {
		p.hashtags.offer(splitList(value))
	}
	for _, flag := range []struct {
		key    footer.Key
		target *scalar[bool]
	}{{footer.KeyWorkInProgress, &p.workInProgress}, {footer.KeyPrivate, &p.private}} {
		value, ok, _ := p.single(id, message, flag.key)
		if !ok {
			continue
		}
		parsed, err := parseBoolFooter(value)
		if err != nil {
			return p.fail(id, flag.key, "invalid value", err)
		}
		flag.target.offer(parsed)
	}
	if value, ok, _ := p.single(id, message, footer.KeyRevertOf); ok {
		revertOf, err := strconv.Atoi(value)
		if err != nil || revertOf <= 0 {
			return p.fail(id, footer.KeyRevertOf, fmt.Sprintf("invalid change id %q", value), nil)
		}
		p.revertOf.offer(ChangeID(revertOf))
	}
	if value, ok, _ := p.single(id, message, footer.KeyCherryPickOf); ok {
		p.cherryPickOf.offer(value)
	}
	if values := message.Footers.Values(footer.KeySubmittedWith); len(values) > 0 && !p.submitRecords.seen {
		records, err := parseSubmitRecords(values, p.identities)
		if err != nil {
			return p.fail(id, footer.KeySubmittedWith, "invalid value", err)
		}
		p.submitRecords.offer(records)
	}
	return nil
}

func (p *parser) parsePatchSet(id git.ObjectID, message footer.Message, patchSetID int, author, realAuthor footer.AccountID, when time.Time) error {
	if value, ok, _ := p.single(id, message, footer.KeyCurrent); ok {
		if !strings.EqualFold(value, "true") {
			return p.fail(id, footer.KeyCurrent, fmt.Sprintf("invalid value %q", value), nil)
		}
		p.currentPatch.offer(patchSetID)
	}
	if value, ok, _ := p.single(id, message, footer.KeyGroups); ok {
		groups := p.groups[patchSetID]
		groups.offer(splitList(value))
		p.groups[patchSetID] = groups
	}
	value, ok, _ := p.single(id, message, footer.KeyCommit)
	if !ok {
		return nil
	}
	revision, err := git.ParseObjectID(value)
	if err != nil {
		return p.fail(id, footer.KeyCommit, "invalid value", err)
	}
	if existing, seen := p.patchSets[patchSetID]; seen && existing.Commit != revision {
		return p.fail(id, footer.KeyCommit, fmt.Sprintf("patch set %d has revisions %s and %s", patchSetID, revision, existing.Commit), nil)
	}
	if other, seen := p.commitToPatchSet[revision]; seen && other != patchSetID {
		return p.fail(id, footer.KeyCommit, fmt.Sprintf("revision %s is patch sets %d and %d", revision, other, patchSetID), nil)
	}
	p.commitToPatchSet[revision] = patchSetID
	p.patchSets[patchSetID] = &PatchSet{ID: patchSetID, Commit: revision, Uploader: author, RealUploader: realAuthor, CreatedOn: when}
	return nil
}

func (p *parser) parseLabels(id git.ObjectID, message footer.Message, patchSetID int, author, realAuthor footer.AccountID, when time.Time, tag string, index int) error {
	for _, key := range []footer.Key{footer.KeyLabel, footer.KeyCopiedLabel} {
		for _, value := range message.Footers.Values(key) {
			label, err := footer.ParseLabel(value)
			if err != nil {
				return p.fail(id, key, "invalid value", err)
			}
			account, realAccount := author, realAuthor
			if label.Ident != "" {
				if account, err = p.identities.ParseFooterIdent(label.Ident); err != nil {
					return p.fail(id, key, "invalid identity", err)
				}
				realAccount = author
			}
			approvalKey := approvalKey{patchSetID: patchSetID, account: account, label: label.Vote.Label, copied: key == footer.KeyCopiedLabel}
			if _, seen := p.approvals[approvalKey]; seen {
				continue
			}
			if label.Vote.Removed {
				p.approvals[approvalKey] = nil
				continue
			}
			approvalTag := tag
			if label.Tag != "" {
				approvalTag = label.Tag
			}
			p.approvals[approvalKey] = &parsedApproval{
				Approval: Approval{
					PatchSetID:    patchSetID,
					AccountID:     account,
					RealAccountID: realAccount,
					Label:         label.Vote.Label,
					Value:         label.Vote.Value,
					Granted:       when,
					Tag:           approvalTag,
					UUID:          label.UUID,
					Copied:        approvalKey.copied,
				},
				commitIndex: index,
			}
		}
	}
	return nil
}

func (p *parser) parseReviewers(id git.ObjectID, message footer.Message, actor footer.AccountID, when time.Time) error {
	for _, state := range []ReviewerState{ReviewerStateReviewer, ReviewerStateCC, ReviewerStateRemoved} {
		for _, value := range message.Footers.Values(state.accountKey()) {
			account, err := p.identities.ParseFooterIdent(value)
			if err != nil {
				return p.fail(id, state.accountKey(), "invalid identity", err)
			}
			p.reviewerUpdates = append(p.reviewerUpdates, ReviewerUpdate{When: when, Actor: actor, Reviewer: account, State: state})
			if _, seen := p.reviewers[account]; !seen {
				p.reviewers[account] = ReviewerEntry{State: state, Updated: when}
			}
		}
		for _, value := range message.Footers.Values(state.emailKey()) {
			address := strings.TrimSpace(value)
			if address == "" {
				return p.fail(id, state.emailKey(), "empty address", nil)
			}
			p.reviewerUpdates = append(p.reviewerUpdates, ReviewerUpdate{When: when, Actor: actor, Address: address, State: state})
			if _, seen := p.reviewersByEmail[address]; !seen {
				p.reviewersByEmail[address] = ReviewerEntry{State: state, Updated: when}
			}
		}
	}
	return nil
}

func (p *parser) parseAttention(id git.ObjectID, message footer.Message, when time.Time) error {
	for _, value := range message.Footers.Values(footer.KeyAttention) {
		update, err := parseAttentionFooter(value, p.identities, when)
		if err != nil {
			return p.fail(id, footer.KeyAttention, "invalid value", err)
		}
		p.attentionUpdates = append(p.attentionUpdates, update)
		if _, seen := p.attentionLatest[update.Account]; !seen {
			p.attentionLatest[update.Account] = update
		}
	}
	return nil
}

func (p *parser) build(tip *git.RevCommit) (*State, error) {
	var missing []string
	if !p.branch.seen {
		missing = append(missing, footer.KeyBranch.String())
	}
	if !p.changeKey.seen {
		missing = append(missing, footer.KeyChangeID.String())
	}
	if !p.subject.seen {
		missing = append(missing, footer.KeySubject.String())
	}
	if len(missing) > 0 {
		return nil, &ParseError{ChangeID: p.changeID, Reason: "missing footers " + strings.Join(missing, ", ")}
	}

	state := &State{
		ChangeID:         p.changeID,
		MetaID:           p.tip,
		ChangeKey:        p.changeKey.value,
		Branch:           p.branch.value,
		Subject:          p.subject.value,
		OriginalSubject:  p.originalSubject,
		Topic:            p.topic.value,
		Status:           StatusNew,
		Owner:            p.owner,
		Private:          p.private.value,
		WorkInProgress:   p.workInProgress.value,
		Assignee:         p.assignee.value,
		SubmissionID:     p.submissionID.value,
		RevertOf:         p.revertOf.value,
		CherryPickOf:     p.cherryPickOf.value,
		CreatedOn:        p.createdOn,
		LastUpdatedOn:    p.lastUpdatedOn,
		Hashtags:         p.hashtags.value,
		SubmitRecords:    p.submitRecords.value,
		Reviewers:        make(map[footer.AccountID]ReviewerEntry),
		ReviewersByEmail: make(map[string]ReviewerEntry),
		AttentionSet:     p.attentionLatest,
		UpdateCount:      p.updateCount,
	}
	if p.status.seen {
		state.Status = p.status.value
	}
	sort.Strings(state.Hashtags)

	deleted := func(patchSetID int) bool {
		return p.patchSetStates[patchSetID] == footer.PatchSetStateDeleted
	}
	for id, patchSet := range p.patchSets {
		if deleted(id) {
			continue
		}
		patchSet.Groups = p.groups[id].value
		state.PatchSets = append(state.PatchSets, *patchSet)
	}
	sort.Slice(state.PatchSets, func(i, j int) bool { return state.PatchSets[i].ID < state.PatchSets[j].ID })

	switch {
	case p.currentPatch.seen && !deleted(p.currentPatch.value):
		state.CurrentPatchSetID = p.currentPatch.value
	case len(state.PatchSets) > 0:
		state.CurrentPatchSetID = state.PatchSets[len(state.PatchSets)-1].ID
	default:
		state.CurrentPatchSetID = p.maxPatchSet
	}

	for _, approval := range p.approvals {
		if approval == nil || approval.Value == 0 || deleted(approval.PatchSetID) {
			continue
		}
		if state.Status == StatusMerged && approval.commitIndex < p.mergedAt {
			approval.PostSubmit = true
		}
		state.Approvals = append(state.Approvals, approval.Approval)
	}
	sortApprovals(state.Approvals)

	for account, entry := range p.reviewers {
		if entry.State != ReviewerStateRemoved {
			state.Reviewers[account] = entry
		}
	}
	for address, entry := range p.reviewersByEmail {
		if entry.State != ReviewerStateRemoved {
			state.ReviewersByEmail[address] = entry
		}
	}
	state.ReviewerUpdates = reversed(p.reviewerUpdates)
	state.ChangeMessages = reversed(p.messages)
	state.AttentionUpdates = reversed(p.attentionUpdates)

	comments, err := readNotes(p.store, tip.Tree, p.identities)
	if err != nil {
		return nil, &ParseError{ChangeID: p.changeID, Commit: tip.ID, Reason: "reading comments", Err: err}
	}
	state.Comments = comments
	return state, nil
}

// ParseDrafts reads the draft comments stored at a draft ref tip.
func ParseDrafts(store git.ObjectStore, tip git.ObjectID, options Options) (map[git.ObjectID][]Comment, error) {
	if tip.IsZero() {
		return map[git.ObjectID][]Comment{}, nil
	}
	commit, err := git.ParseCommit(store, tip)
	if err != nil {
		return nil, err
	}
	return readNotes(store, commit.Tree, options.IdentParser())
}

func readNotes(store git.ObjectStore, treeID git.ObjectID, identities footer.IdentParser) (map[git.ObjectID][]Comment, error) {
	notes, err := git.LoadNoteMap(store, treeID)
	if err != nil {
		return nil, err
	}
	comments := make(map[git.ObjectID][]Comment, len(notes))
	for _, revision := range notes.Targets() {
		data, err := git.ReadTyped(store, notes[revision], git.ObjectTypeBlob)
		if err != nil {
			return nil, err
		}
		parsed, err := ParseCommentNote(data, revision, identities)
		if err != nil {
			return nil, err
		}
		comments[revision] = parsed
	}
	return comments, nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseBoolFooter(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("expected true or false, got %q", value)
	}
}

func reversed[T any](items []T) []T {
	out := make([]T, len(items))
	for i, item := range items {
		out[len(items)-1-i] = item
	}
	return out
}
