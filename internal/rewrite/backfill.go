// Package rewrite repairs and migrates NoteDb histories in place. Every pass
// classifies commits oldest first, rebuilds the affected suffix of each chain
// with an old to new id map, and moves all refs with one batched CAS.
package rewrite

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/notedb/internal/changenotes"
	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/refnames"
)

var noOpLogger = zap.NewNop()

// BackfillOptions controls one backfill pass.
type BackfillOptions struct {
	DryRun bool
}

// BackfillerConfig configures a Backfiller.
type BackfillerConfig struct {
	Repository git.Repository
	Options    changenotes.Options
	Logger     *zap.Logger
}

// Backfiller resynthesizes account identities that do not have the canonical
// "Gerrit User <id> <id@server>" form, in commit authors and inside footers.
type Backfiller struct {
	repo    git.Repository
	strict  changenotes.Options
	lenient changenotes.Options
	logger  *zap.Logger
}

// NewBackfiller validates cfg.
func NewBackfiller(cfg BackfillerConfig) (*Backfiller, error) {
	if cfg.Repository == nil {
		return nil, newError(opBackfillerNew, "missing_repository", errMissingRepository)
	}
	if cfg.Options.ServerID == "" {
		return nil, newError(opBackfillerNew, "missing_server_id", errMissingServerID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	strict := cfg.Options
	strict.LenientIdentities = false
	lenient := cfg.Options
	lenient.LenientIdentities = true
	return &Backfiller{repo: cfg.Repository, strict: strict, lenient: lenient, logger: logger}, nil
}

// BackfillProject repairs every change meta ref. Refs whose rewritten state
// would differ from the original, or whose identities cannot be mapped to an
// account, are reported in RefsNotFixable and left alone.
func (b *Backfiller) BackfillProject(options BackfillOptions) (Result, error) {
	result := newResult(options.DryRun)
	refs, err := b.repo.RefsByPrefix(refnames.ChangesPrefix)
	if err != nil {
		b.logError(opBackfillProject, "list_refs_failed", err)
		return result, newError(opBackfillProject, "list_refs_failed", err)
	}

	staged := newStagedStore(b.repo)
	var rewrites []refRewrite
	for _, ref := range refs {
		changeID, ok := refnames.ParseChangeMeta(ref.Name)
		if !ok {
			continue
		}
		result.RefsScanned++
		rewrite, err := b.backfillRef(staged, changenotes.ChangeID(changeID), ref)
		if err != nil {
			result.RefsNotFixable[ref.Name] = err
			rewrittenRefs.WithLabelValues(opBackfillProject, outcomeNotFixable).Inc()
			b.logError(opBackfillProject, "ref_not_fixable", err, zap.String("ref", ref.Name))
			continue
		}
		if rewrite != nil {
			rewrites = append(rewrites, *rewrite)
		}
	}

	if err := applyRewrites(b.repo, staged, rewrites, opBackfillProject, &result, b.logger); err != nil {
		b.logError(opBackfillProject, "apply_failed", err)
		return result, err
	}
	b.logger.Info("backfill finished",
		zap.Bool("dry_run", options.DryRun),
		zap.Int("refs_scanned", result.RefsScanned),
		zap.Int("refs_updated", len(result.RefsUpdated)),
		zap.Int("refs_failed", len(result.RefsFailed)),
		zap.Int("refs_not_fixable", len(result.RefsNotFixable)))
	return result, nil
}

// backfillRef returns nil when the chain needs no fix.
func (b *Backfiller) backfillRef(staged *stagedStore, changeID changenotes.ChangeID, ref git.Ref) (*refRewrite, error) {
	commits, err := git.WalkOldestFirst(b.repo, ref.ID)
	if err != nil {
		return nil, err
	}

	type fix struct {
		author  git.PersonIdent
		message string
	}
	fixes := make([]*fix, len(commits))
	firstAffected := -1
	for i, commit := range commits {
		author, authorChanged, err := b.fixAuthor(commit.Author)
		if err != nil {
			return nil, fmt.Errorf("%w: commit %s: %v", ErrNotFixable, commit.ID, err)
		}
		message, messageChanged, err := b.fixMessage(commit.Message)
		if err != nil {
			return nil, fmt.Errorf("%w: commit %s: %v", ErrNotFixable, commit.ID, err)
		}
		if authorChanged || messageChanged {
			fixes[i] = &fix{author: author, message: message}
			if firstAffected < 0 {
				firstAffected = i
			}
		}
	}
	if firstAffected < 0 {
		return nil, nil
	}

	remap := make(map[git.ObjectID]git.ObjectID, len(commits))
	for _, commit := range commits[:firstAffected] {
		remap[commit.ID] = commit.ID
	}
	for i := firstAffected; i < len(commits); i++ {
		commit := commits[i]
		rewritten := &git.Commit{
			Tree:      commit.Tree,
			Author:    commit.Author,
			Committer: commit.Committer,
			Message:   commit.Message,
		}
		for _, parent := range commit.Parents {
			if mapped, ok := remap[parent]; ok {
				parent = mapped
			}
			rewritten.Parents = append(rewritten.Parents, parent)
		}
		if fixes[i] != nil {
			rewritten.Author, rewritten.Message = fixes[i].author, fixes[i].message
		}
		id, err := git.InsertCommit(staged, rewritten)
		if err != nil {
			return nil, err
		}
		remap[commit.ID] = id
	}
	newTip := remap[ref.ID]

	before, err := changenotes.Parse(b.repo, changeID, ref.ID, b.lenient)
	if err != nil {
		return nil, fmt.Errorf("%w: original history: %w", ErrNotFixable, err)
	}
	after, err := changenotes.Parse(staged, changeID, newTip, b.strict)
	if err != nil {
		return nil, fmt.Errorf("%w: rewritten history: %w", ErrNotFixable, err)
	}
	if differences := changenotes.Diff(before, after, changenotes.FieldMetaID); len(differences) > 0 {
		return nil, fmt.Errorf("%w: %w: %s", ErrNotFixable, ErrStateMismatch, differences[0])
	}

	b.logger.Debug("change history rewritten",
		zap.String("ref", ref.Name),
		zap.String("old_tip", ref.ID.String()),
		zap.String("new_tip", newTip.String()),
		zap.Int("first_affected", firstAffected))
	return &refRewrite{name: ref.Name, oldTip: ref.ID, newTip: newTip, commits: len(commits) - firstAffected}, nil
}

func (b *Backfiller) fixAuthor(author git.PersonIdent) (git.PersonIdent, bool, error) {
	strict := b.strict.IdentParser()
	if _, err := strict.ParseAuthor(author); err == nil {
		return author, false, nil
	}
	account, err := b.lenient.IdentParser().ParseAuthor(author)
	if err != nil {
		return git.PersonIdent{}, false, err
	}
	return footer.NewIdent(account, b.strict.ServerID, author.When), true, nil
}

// fixIdent returns the canonical form of a "Name <email>" footer identity.
func (b *Backfiller) fixIdent(ident string) (string, error) {
	name, email, err := git.ParseIdentity(ident)
	if err != nil {
		return "", err
	}
	if b.strict.IdentParser().IsServerIdent(name, email) {
		return ident, nil
	}
	account, err := b.lenient.IdentParser().ParseAccount(name, email)
	if err != nil {
		return "", err
	}
	return footer.FormatIdent(account, b.strict.ServerID), nil
}

// fixMessage rewrites identities in the footer block. Footer lines that need
// no fix are kept byte for byte.
func (b *Backfiller) fixMessage(raw string) (string, bool, error) {
	message := footer.ParseMessage(raw)
	if len(message.Footers) == 0 {
		return raw, false, nil
	}
	trimmed := strings.TrimRight(raw, "\n")
	suffix := raw[len(trimmed):]
	lines := strings.Split(trimmed, "\n")
	offset := len(lines) - len(message.Footers)

	changed := false
	for i, line := range message.Footers {
		key, known := footer.Canonical(line.Key)
		if !known {
			continue
		}
		value, err := b.fixFooterValue(key, line.Value)
		if err != nil {
			return "", false, fmt.Errorf("footer %s: %w", key, err)
		}
		if value != line.Value {
			lines[offset+i] = line.Key + ": " + value
			changed = true
		}
	}
	if !changed {
		return raw, false, nil
	}
	return strings.Join(lines, "\n") + suffix, true, nil
}

func (b *Backfiller) fixFooterValue(key footer.Key, value string) (string, error) {
	identChanged := false
	rewrite := func(ident string) (string, error) {
		fixed, err := b.fixIdent(ident)
		if err != nil {
			return "", err
		}
		if fixed != ident {
			identChanged = true
		}
		return fixed, nil
	}

	var fixed string
	var err error
	switch key {
	case footer.KeyReviewer, footer.KeyCC, footer.KeyRemoved, footer.KeyRealUser:
		fixed, err = rewrite(value)
	case footer.KeyAssignee:
		if value == "" {
			return value, nil
		}
		fixed, err = rewrite(value)
	case footer.KeyLabel, footer.KeyCopiedLabel:
		label, parseErr := footer.ParseLabel(value)
		if parseErr != nil || label.Ident == "" {
			return value, nil
		}
		if label.Ident, err = rewrite(label.Ident); err == nil {
			fixed = label.String()
		}
	case footer.KeyAttention:
		fixed, err = changenotes.RewriteAttentionIdent(value, rewrite)
	case footer.KeySubmittedWith:
		fixed, err = changenotes.RewriteSubmittedWithIdent(value, rewrite)
	default:
		return value, nil
	}
	if err != nil {
		return "", err
	}
	if !identChanged {
		return value, nil
	}
	return fixed, nil
}

func (b *Backfiller) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	b.logger.Error("backfill error", append(attrs, fields...)...)
}
