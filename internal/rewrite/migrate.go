package rewrite

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/notedb/internal/changenotes"
	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/refnames"
)

// MigratorConfig configures a CommentJSONMigrator.
type MigratorConfig struct {
	Repository git.Repository
	Options    changenotes.Options
	Logger     *zap.Logger
}

// CommentJSONMigrator re-encodes legacy text comment notes as JSON. Only note
// blobs change; commits whose trees hold no legacy note keep their ids, and
// rewritten commits keep author, committer and message.
type CommentJSONMigrator struct {
	repo    git.Repository
	options changenotes.Options
	logger  *zap.Logger
}

// NewCommentJSONMigrator validates cfg. Legacy notes are read with lenient
// identities.
func NewCommentJSONMigrator(cfg MigratorConfig) (*CommentJSONMigrator, error) {
	if cfg.Repository == nil {
		return nil, newError(opMigratorNew, "missing_repository", errMissingRepository)
	}
	if cfg.Options.ServerID == "" {
		return nil, newError(opMigratorNew, "missing_server_id", errMissingServerID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	options := cfg.Options
	options.LenientIdentities = true
	return &CommentJSONMigrator{repo: cfg.Repository, options: options, logger: logger}, nil
}

// MigrateChanges migrates published comments on every change meta ref.
func (m *CommentJSONMigrator) MigrateChanges(dryRun bool) (Result, error) {
	return m.migrate(opMigrateChanges, refnames.ChangesPrefix, dryRun, func(ref git.Ref) (stateLoader, bool) {
		changeID, ok := refnames.ParseChangeMeta(ref.Name)
		if !ok {
			return nil, false
		}
		return func(store git.ObjectStore, tip git.ObjectID) (*changenotes.State, error) {
			return changenotes.Parse(store, changenotes.ChangeID(changeID), tip, m.options)
		}, true
	})
}

// MigrateDrafts migrates every draft comment ref.
func (m *CommentJSONMigrator) MigrateDrafts(dryRun bool) (Result, error) {
	return m.migrate(opMigrateDrafts, refnames.DraftCommentsPrefix, dryRun, func(ref git.Ref) (stateLoader, bool) {
		if _, _, ok := refnames.ParseDraftComments(ref.Name); !ok {
			return nil, false
		}
		return func(store git.ObjectStore, tip git.ObjectID) (*changenotes.State, error) {
			comments, err := changenotes.ParseDrafts(store, tip, m.options)
			if err != nil {
				return nil, err
			}
			return &changenotes.State{Comments: comments}, nil
		}, true
	})
}

// stateLoader parses the logical content of a ref for the equivalence check.
type stateLoader func(git.ObjectStore, git.ObjectID) (*changenotes.State, error)

func (m *CommentJSONMigrator) migrate(operation, prefix string, dryRun bool, loaderFor func(git.Ref) (stateLoader, bool)) (Result, error) {
	result := newResult(dryRun)
	refs, err := m.repo.RefsByPrefix(prefix)
	if err != nil {
		m.logError(operation, "list_refs_failed", err)
		return result, newError(operation, "list_refs_failed", err)
	}

	staged := newStagedStore(m.repo)
	var rewrites []refRewrite
	for _, ref := range refs {
		load, ok := loaderFor(ref)
		if !ok {
			continue
		}
		result.RefsScanned++
		rewrite, notes, err := m.migrateRef(staged, ref, load)
		if err != nil {
			result.RefsNotFixable[ref.Name] = err
			rewrittenRefs.WithLabelValues(operation, outcomeNotFixable).Inc()
			m.logError(operation, "ref_not_migratable", err, zap.String("ref", ref.Name))
			continue
		}
		if rewrite != nil {
			rewrites = append(rewrites, *rewrite)
			result.NotesMigrated += notes
		}
	}

	if err := applyRewrites(m.repo, staged, rewrites, operation, &result, m.logger); err != nil {
		m.logError(operation, "apply_failed", err)
		return result, err
	}
	m.logger.Info("comment migration finished",
		zap.String("operation", operation),
		zap.Bool("dry_run", dryRun),
		zap.Int("refs_scanned", result.RefsScanned),
		zap.Int("refs_updated", len(result.RefsUpdated)),
		zap.Int("notes_migrated", result.NotesMigrated))
	return result, nil
}

// chainMigration holds the old to new maps of one ref. Note blobs are keyed
// by annotated revision too, since legacy notes take their revision from it.
type chainMigration struct {
	store   *stagedStore
	parser  footer.IdentParser
	commits map[git.ObjectID]git.ObjectID
	trees   map[git.ObjectID]git.ObjectID
	notes   map[[2]git.ObjectID]git.ObjectID
	count   int
}

func (m *CommentJSONMigrator) migrateRef(staged *stagedStore, ref git.Ref, load stateLoader) (*refRewrite, int, error) {
	commits, err := git.WalkOldestFirst(m.repo, ref.ID)
	if err != nil {
		return nil, 0, err
	}
	chain := &chainMigration{
		store:   staged,
		parser:  m.options.IdentParser(),
		commits: make(map[git.ObjectID]git.ObjectID, len(commits)),
		trees:   make(map[git.ObjectID]git.ObjectID),
		notes:   make(map[[2]git.ObjectID]git.ObjectID),
	}

	rewritten := 0
	for _, commit := range commits {
		tree, err := chain.migrateTree(commit.Tree)
		if err != nil {
			return nil, 0, fmt.Errorf("commit %s: %w", commit.ID, err)
		}
		parents := make([]git.ObjectID, len(commit.Parents))
		parentsChanged := false
		for i, parent := range commit.Parents {
			parents[i] = parent
			if mapped, ok := chain.commits[parent]; ok && mapped != parent {
				parents[i], parentsChanged = mapped, true
			}
		}
		if tree == commit.Tree && !parentsChanged {
			chain.commits[commit.ID] = commit.ID
			continue
		}
		id, err := git.InsertCommit(staged, &git.Commit{
			Tree:      tree,
			Parents:   parents,
			Author:    commit.Author,
			Committer: commit.Committer,
			Message:   commit.Message,
		})
		if err != nil {
			return nil, 0, err
		}
		chain.commits[commit.ID] = id
		rewritten++
	}
	newTip := chain.commits[ref.ID]
	if newTip == ref.ID {
		return nil, 0, nil
	}

	before, err := load(m.repo, ref.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("original history: %w", err)
	}
	after, err := load(staged, newTip)
	if err != nil {
		return nil, 0, fmt.Errorf("migrated history: %w", err)
	}
	if differences := changenotes.Diff(before, after, changenotes.FieldMetaID); len(differences) > 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrStateMismatch, differences[0])
	}
	return &refRewrite{name: ref.Name, oldTip: ref.ID, newTip: newTip, commits: rewritten}, chain.count, nil
}

func (c *chainMigration) migrateTree(treeID git.ObjectID) (git.ObjectID, error) {
	if migrated, ok := c.trees[treeID]; ok {
		return migrated, nil
	}
	notes, err := git.LoadNoteMap(c.store, treeID)
	if err != nil {
		return git.ZeroID, err
	}
	changed := false
	for _, revision := range notes.Targets() {
		blob := notes[revision]
		migrated, err := c.migrateNote(revision, blob)
		if err != nil {
			return git.ZeroID, fmt.Errorf("note for %s: %w", revision, err)
		}
		if migrated != blob {
			notes[revision] = migrated
			changed = true
		}
	}
	migrated := treeID
	if changed {
		if migrated, err = notes.Write(c.store); err != nil {
			return git.ZeroID, err
		}
	}
	c.trees[treeID] = migrated
	return migrated, nil
}

func (c *chainMigration) migrateNote(revision, blob git.ObjectID) (git.ObjectID, error) {
	key := [2]git.ObjectID{revision, blob}
	if migrated, ok := c.notes[key]; ok {
		return migrated, nil
	}
	data, err := git.ReadTyped(c.store, blob, git.ObjectTypeBlob)
	if err != nil {
		return git.ZeroID, err
	}
	migrated := blob
	if !changenotes.IsJSONNote(data) {
		comments, err := changenotes.ParseCommentNote(data, revision, c.parser)
		if err != nil {
			return git.ZeroID, err
		}
		encoded, err := changenotes.EncodeCommentsJSON(comments)
		if err != nil {
			return git.ZeroID, err
		}
		if migrated, err = git.InsertBlob(c.store, encoded); err != nil {
			return git.ZeroID, err
		}
		c.count++
	}
	c.notes[key] = migrated
	return migrated, nil
}

func (m *CommentJSONMigrator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	m.logger.Error("comment migration error", append(attrs, fields...)...)
}
