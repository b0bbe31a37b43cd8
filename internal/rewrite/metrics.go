package rewrite

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeUpdated    = "updated"
	outcomeFailed     = "lock_failure"
	outcomeNotFixable = "not_fixable"
)

var (
	// rewrittenRefs counts refs handled by a rewrite pass by outcome.
	rewrittenRefs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notedb_rewrite_refs_total",
		Help: "Refs handled by history rewrites and comment migrations by outcome",
	}, []string{"operation", "outcome"})

	rewrittenCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notedb_rewrite_commits_total",
		Help: "Commits recreated by history rewrites and comment migrations",
	}, []string{"operation"})
)
