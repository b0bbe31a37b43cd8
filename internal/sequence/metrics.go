package sequence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sequenceAcquires counts block reservations by sequence
	sequenceAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notedb_sequence_acquire_total",
		Help: "Successful sequence block reservations by sequence name",
	}, []string{"sequence"})

	// sequenceLockFailures counts CAS attempts lost to a concurrent writer
	sequenceLockFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notedb_sequence_lock_failure_total",
		Help: "Sequence CAS attempts that lost to a concurrent writer",
	}, []string{"sequence"})
)
