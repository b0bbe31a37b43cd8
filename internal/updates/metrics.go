package updates

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notedb_update_batches_total",
		Help: "Executed update batches by outcome",
	}, []string{"outcome"})

	refLockFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notedb_update_ref_lock_failures_total",
		Help: "Ref updates of a batch that lost to a concurrent writer",
	})
)
