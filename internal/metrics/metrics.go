// Package metrics holds the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every collector the engine emits.
type Set struct {
	JournalReplays  prometheus.Counter
	TxnCommits      prometheus.Counter
	TxnRollbacks    prometheus.Counter
	QueueDepth      prometheus.Gauge
	OpsEnqueued     prometheus.Counter
	OpsFailed       prometheus.Counter
	StallRecoveries prometheus.Counter
	RotationsDone   prometheus.Counter
	RepairRuns      *prometheus.CounterVec
}

// New builds the collector set and registers it when reg is non-nil.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		JournalReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carestore_journal_replays_total",
			Help: "Incomplete transactions rolled back at startup.",
		}),
		TxnCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carestore_txn_commits_total",
			Help: "Atomic transactions committed.",
		}),
		TxnRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carestore_txn_rollbacks_total",
			Help: "Atomic transactions rolled back.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carestore_queue_depth",
			Help: "Pending operations currently queued.",
		}),
		OpsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carestore_ops_enqueued_total",
			Help: "Operations admitted to the pending queue.",
		}),
		OpsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carestore_ops_failed_total",
			Help: "Operations moved to the failed store.",
		}),
		StallRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carestore_stall_recoveries_total",
			Help: "Stall detector recovery passes.",
		}),
		RotationsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carestore_key_rotations_total",
			Help: "Key rotations completed.",
		}),
		RepairRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carestore_repair_runs_total",
			Help: "Repair actions executed.",
		}, []string{"action", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			s.JournalReplays, s.TxnCommits, s.TxnRollbacks,
			s.QueueDepth, s.OpsEnqueued, s.OpsFailed,
			s.StallRecoveries, s.RotationsDone, s.RepairRuns,
		)
	}
	return s
}

// Nop returns an unregistered set for tests and optional wiring.
func Nop() *Set {
	return New(nil)
}
