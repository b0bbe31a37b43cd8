package rewrite

import (
	"sort"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

// Result reports a rewrite pass. In a dry run RefsUpdated lists the refs that
// would have been updated and nothing is written.
type Result struct {
	DryRun           bool
	RefsScanned      int
	RefsUpdated      []string
	RefsFailed       map[string]error
	RefsNotFixable   map[string]error
	CommitsRewritten int
	NotesMigrated    int
}

func newResult(dryRun bool) Result {
	return Result{
		DryRun:         dryRun,
		RefsUpdated:    []string{},
		RefsFailed:     make(map[string]error),
		RefsNotFixable: make(map[string]error),
	}
}

// refRewrite is one staged ref move.
type refRewrite struct {
	name    string
	oldTip  git.ObjectID
	newTip  git.ObjectID
	commits int
}

// applyRewrites writes the staged objects and moves every ref with one
// batched CAS. Each ref succeeds or fails on its own; a ref that moved since
// it was read keeps its current history.
func applyRewrites(repo git.Repository, staged *stagedStore, rewrites []refRewrite, operation string, result *Result, logger *zap.Logger) error {
	if len(rewrites) == 0 {
		return nil
	}
	if result.DryRun {
		for _, rewrite := range rewrites {
			result.RefsUpdated = append(result.RefsUpdated, rewrite.name)
			result.CommitsRewritten += rewrite.commits
		}
		sort.Strings(result.RefsUpdated)
		return nil
	}

	logger.Debug("writing rewritten objects",
		zap.String("operation", operation),
		zap.Int("objects", staged.staged()),
		zap.Int("refs", len(rewrites)))
	if err := staged.flush(); err != nil {
		return newError(operation, "object_write_failed", err)
	}
	commands := make([]git.RefCommand, len(rewrites))
	for i, rewrite := range rewrites {
		commands[i] = git.RefCommand{Name: rewrite.name, OldID: rewrite.oldTip, NewID: rewrite.newTip}
	}
	results, err := repo.BatchUpdate(commands)
	if err != nil {
		return newError(operation, "ref_update_failed", err)
	}
	for i, rewrite := range rewrites {
		if err := git.CheckResult(rewrite.name, results[i]); err != nil {
			result.RefsFailed[rewrite.name] = err
			rewrittenRefs.WithLabelValues(operation, outcomeFailed).Inc()
			logger.Warn("ref moved during rewrite",
				zap.String("operation", operation),
				zap.String("ref", rewrite.name),
				zap.String("expected", rewrite.oldTip.String()))
			continue
		}
		result.RefsUpdated = append(result.RefsUpdated, rewrite.name)
		result.CommitsRewritten += rewrite.commits
		rewrittenRefs.WithLabelValues(operation, outcomeUpdated).Inc()
		rewrittenCommits.WithLabelValues(operation).Add(float64(rewrite.commits))
	}
	sort.Strings(result.RefsUpdated)
	return nil
}
