// Package updates writes batches of change and draft updates. A batch is
// checked against the max-updates policy before any object is written and
// all of its refs move with one batched CAS.
package updates

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/notedb/internal/changenotes"
	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/refnames"
	"github.com/MarcoPoloResearchLab/notedb/internal/sequence"
	"github.com/MarcoPoloResearchLab/notedb/internal/syncstate"
)

const (
	outcomeApplied       = "applied"
	outcomePartial       = "partial"
	outcomeLimitExceeded = "limit_exceeded"
	outcomeFailed        = "failed"
)

var noOpLogger = zap.NewNop()

// Config configures a Manager.
type Config struct {
	Repository git.Repository
	Options    changenotes.Options
	// MaxUpdates caps the counted updates of one change; zero disables the check.
	MaxUpdates int
	// Horizon limits counting to commits newer than now minus Horizon; zero
	// counts the whole log.
	Horizon time.Duration
	// Changes allocates numbers for CreateChange.
	Changes *sequence.RepoSequence
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Manager creates batches against one repository.
type Manager struct {
	repo       git.Repository
	options    changenotes.Options
	writer     changenotes.Writer
	maxUpdates int
	horizon    time.Duration
	changes    *sequence.RepoSequence
	clock      func() time.Time
	logger     *zap.Logger
}

// NewManager validates cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Options.ServerID == "" {
		return nil, errMissingServerID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		repo:       cfg.Repository,
		options:    cfg.Options,
		writer:     changenotes.NewWriter(cfg.Options),
		maxUpdates: cfg.MaxUpdates,
		horizon:    cfg.Horizon,
		changes:    cfg.Changes,
		clock:      clock,
		logger:     logger,
	}, nil
}

type draftKey struct {
	changeID changenotes.ChangeID
	account  footer.AccountID
}

// Batch collects updates for any number of changes. It is not safe for
// concurrent use and can be executed once.
type Batch struct {
	manager    *Manager
	changes    map[changenotes.ChangeID][]*changenotes.ChangeUpdate
	changeList []changenotes.ChangeID
	created    map[changenotes.ChangeID]bool
	drafts     map[draftKey][]*changenotes.DraftUpdate
	draftList  []draftKey
	executed   bool
}

// NewBatch returns an empty batch.
func (m *Manager) NewBatch() *Batch {
	return &Batch{
		manager: m,
		changes: make(map[changenotes.ChangeID][]*changenotes.ChangeUpdate),
		created: make(map[changenotes.ChangeID]bool),
		drafts:  make(map[draftKey][]*changenotes.DraftUpdate),
	}
}

// Add queues update behind the updates already queued for its change.
func (b *Batch) Add(update *changenotes.ChangeUpdate) error {
	if b.executed {
		return ErrBatchExecuted
	}
	if update == nil || update.ChangeID <= 0 {
		return fmt.Errorf("%w: change update without change id", ErrInvalidBatch)
	}
	if _, queued := b.changes[update.ChangeID]; !queued {
		b.changeList = append(b.changeList, update.ChangeID)
	}
	b.changes[update.ChangeID] = append(b.changes[update.ChangeID], update)
	return nil
}

// CreateChange assigns the next number of the changes sequence to update and
// queues it as the first commit of a new change.
func (b *Batch) CreateChange(update *changenotes.ChangeUpdate) (changenotes.ChangeID, error) {
	if b.executed {
		return 0, ErrBatchExecuted
	}
	if update == nil {
		return 0, fmt.Errorf("%w: nil change update", ErrInvalidBatch)
	}
	if b.manager.changes == nil {
		return 0, errMissingSequence
	}
	number, err := b.manager.changes.Next()
	if err != nil {
		return 0, err
	}
	update.ChangeID = changenotes.ChangeID(number)
	b.created[update.ChangeID] = true
	return update.ChangeID, b.Add(update)
}

// AddDraft queues a draft update of one account on one change.
func (b *Batch) AddDraft(update *changenotes.DraftUpdate) error {
	if b.executed {
		return ErrBatchExecuted
	}
	if update == nil || update.ChangeID <= 0 || update.Account <= 0 {
		return fmt.Errorf("%w: draft update needs a change and an account", ErrInvalidBatch)
	}
	key := draftKey{changeID: update.ChangeID, account: update.Account}
	if _, queued := b.drafts[key]; !queued {
		b.draftList = append(b.draftList, key)
	}
	b.drafts[key] = append(b.drafts[key], update)
	return nil
}

// Result reports an executed batch. Refs maps every moved ref to its new tip
// (zero for a deleted draft ref); Deltas holds one sync-state delta per
// change, ordered by change id, covering only refs that moved.
type Result struct {
	Refs   map[string]git.ObjectID
	Deltas []syncstate.Delta
	Failed map[string]error
}

type refWrite struct {
	command  git.RefCommand
	changeID changenotes.ChangeID
	account  footer.AccountID
}

// Execute checks the max-updates policy for every change, writes the new
// commits and moves all refs with one batched CAS. A policy violation
// rejects the whole batch before anything is written. Refs that lost to a
// concurrent writer are reported in Result.Failed and in the returned error,
// which then matches git.ErrLockFailure.
func (b *Batch) Execute() (Result, error) {
	if b.executed {
		return Result{}, ErrBatchExecuted
	}
	b.executed = true
	m := b.manager
	now := m.clock()
	result := Result{Refs: make(map[string]git.ObjectID), Failed: make(map[string]error)}

	tips := make(map[changenotes.ChangeID]git.ObjectID, len(b.changeList))
	for _, changeID := range b.changeList {
		tip := git.ZeroID
		if !b.created[changeID] {
			current, _, err := m.readRef(refnames.ChangeMeta(int(changeID)))
			if err != nil {
				batchOutcomes.WithLabelValues(outcomeFailed).Inc()
				return result, err
			}
			tip = current
		}
		if err := m.checkLimit(changeID, tip, b.changes[changeID], now); err != nil {
			batchOutcomes.WithLabelValues(outcomeLimitExceeded).Inc()
			m.logError("limit_exceeded", err, zap.Int("change_id", int(changeID)))
			return result, err
		}
		tips[changeID] = tip
	}

	writes, err := b.writeObjects(tips, now)
	if err != nil {
		batchOutcomes.WithLabelValues(outcomeFailed).Inc()
		m.logError("object_write_failed", err)
		return result, err
	}
	if len(writes) == 0 {
		return result, nil
	}

	commands := make([]git.RefCommand, len(writes))
	for i, write := range writes {
		commands[i] = write.command
	}
	results, err := m.repo.BatchUpdate(commands)
	if err != nil {
		batchOutcomes.WithLabelValues(outcomeFailed).Inc()
		m.logError("ref_update_failed", err, zap.Int("refs", len(commands)))
		return result, &git.StorageError{Op: "batch update", Err: err}
	}

	deltas := make(map[changenotes.ChangeID]*syncstate.Delta)
	var failures []error
	for i, write := range writes {
		name := write.command.Name
		if err := git.CheckResult(name, results[i]); err != nil {
			result.Failed[name] = err
			failures = append(failures, err)
			refLockFailures.Inc()
			m.logger.Warn("ref moved during batch",
				zap.String("ref", name),
				zap.String("expected", write.command.OldID.String()))
			continue
		}
		result.Refs[name] = write.command.NewID
		delta, ok := deltas[write.changeID]
		if !ok {
			delta = &syncstate.Delta{ChangeID: write.changeID}
			deltas[write.changeID] = delta
		}
		if write.account == 0 {
			newMetaID := write.command.NewID
			delta.NewChangeMetaID = &newMetaID
			continue
		}
		if delta.NewDraftIDs == nil {
			delta.NewDraftIDs = make(map[footer.AccountID]git.ObjectID)
		}
		delta.NewDraftIDs[write.account] = write.command.NewID
	}
	for _, delta := range deltas {
		result.Deltas = append(result.Deltas, *delta)
	}
	sort.Slice(result.Deltas, func(i, j int) bool { return result.Deltas[i].ChangeID < result.Deltas[j].ChangeID })

	if len(failures) > 0 {
		batchOutcomes.WithLabelValues(outcomePartial).Inc()
		return result, errors.Join(failures...)
	}
	batchOutcomes.WithLabelValues(outcomeApplied).Inc()
	m.logger.Debug("batch executed",
		zap.Int("changes", len(b.changeList)),
		zap.Int("drafts", len(b.draftList)),
		zap.Int("refs", len(writes)))
	return result, nil
}

func (b *Batch) writeObjects(tips map[changenotes.ChangeID]git.ObjectID, now time.Time) ([]refWrite, error) {
	m := b.manager
	var writes []refWrite
	for _, changeID := range b.changeList {
		oldTip := tips[changeID]
		tip := oldTip
		for _, update := range b.changes[changeID] {
			if update.When.IsZero() {
				update.When = now
			}
			next, err := m.writer.WriteChange(m.repo, tip, update)
			if err != nil {
				return nil, fmt.Errorf("change %d: %w", changeID, err)
			}
			tip = next
		}
		writes = append(writes, refWrite{
			command:  git.RefCommand{Name: refnames.ChangeMeta(int(changeID)), OldID: oldTip, NewID: tip},
			changeID: changeID,
		})
	}

	for _, key := range b.draftList {
		name := refnames.DraftComments(int(key.changeID), int(key.account))
		oldTip, _, err := m.readRef(name)
		if err != nil {
			return nil, err
		}
		tip := oldTip
		for _, update := range b.drafts[key] {
			if update.When.IsZero() {
				update.When = now
			}
			if tip, err = m.writer.WriteDraft(m.repo, tip, update); err != nil {
				return nil, fmt.Errorf("drafts of account %d on change %d: %w", key.account, key.changeID, err)
			}
		}
		if tip == oldTip {
			continue
		}
		writes = append(writes, refWrite{
			command:  git.RefCommand{Name: name, OldID: oldTip, NewID: tip},
			changeID: key.changeID,
			account:  key.account,
		})
	}
	return writes, nil
}

// checkLimit rejects updates that would push a change past MaxUpdates,
// unless every new commit only touches the attention set.
func (m *Manager) checkLimit(changeID changenotes.ChangeID, tip git.ObjectID, updates []*changenotes.ChangeUpdate, now time.Time) error {
	if m.maxUpdates <= 0 {
		return nil
	}
	added := 0
	for _, update := range updates {
		if !update.IsAttentionSetOnly(m.options.ServerID) {
			added++
		}
	}
	if added == 0 {
		return nil
	}
	existing, err := m.countUpdates(tip, now)
	if err != nil {
		return err
	}
	if existing+added > m.maxUpdates {
		return &LimitExceededError{ChangeID: changeID, Existing: existing, Added: added, Max: m.maxUpdates}
	}
	return nil
}

// countUpdates counts the commits of a log that count towards the limit,
// walking back from tip until the horizon.
func (m *Manager) countUpdates(tip git.ObjectID, now time.Time) (int, error) {
	if tip.IsZero() {
		return 0, nil
	}
	var cutoff time.Time
	if m.horizon > 0 {
		cutoff = now.Add(-m.horizon)
	}
	count := 0
	walk := git.NewRevWalk(m.repo, tip)
	for {
		commit, err := walk.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return 0, &git.StorageError{Op: "walk", Err: err}
		}
		if !cutoff.IsZero() && commit.Committer.When.Before(cutoff) {
			return count, nil
		}
		message := footer.ParseMessage(commit.Message)
		if changenotes.CountsTowardsMaxUpdates(message.Footers, message.HasBody()) {
			count++
		}
	}
}

func (m *Manager) readRef(name string) (git.ObjectID, bool, error) {
	id, found, err := m.repo.ExactRef(name)
	if err != nil {
		return git.ZeroID, false, &git.StorageError{Op: "read ref", Ref: name, Err: err}
	}
	return id, found, nil
}

func (m *Manager) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "updates.execute"),
		zap.String("reason", reason),
		zap.Error(err),
	}
	m.logger.Error("update batch error", append(attrs, fields...)...)
}
