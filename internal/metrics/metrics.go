// Package metrics holds the Prometheus collectors of the local data layer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values shared by collectors.
const (
	Fail    = "fail"
	Ok      = "ok"
	Busy    = "busy"
	Offline = "offline"
)

// Collectors for the local store, transaction manager, watcher and reconciler.
var (
	TxTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "platemate_store_tx_total",
		Help: "Cumulative number of local store transactions, by mode and outcome.",
	}, []string{"mode", "outcome"})
	TxBusyRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "platemate_store_tx_busy_retries_total",
		Help: "Cumulative number of transactions retried after a busy timeout.",
	})
	TxDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "platemate_store_tx_duration_seconds",
		Help:    "Duration of local store transactions, including lock wait.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"mode"})
	BatchRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "platemate_ingest_batch_rows_total",
		Help: "Cumulative number of food log rows submitted in batches, by outcome.",
	}, []string{"outcome"})
	DerivedStatFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "platemate_derived_stat_failures_total",
		Help: "Cumulative number of failed streak recomputations.",
	})
	WatcherNotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "platemate_watcher_notifications_total",
		Help: "Cumulative number of change notifications fanned out, by source.",
	}, []string{"source"})
	PostCommitDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "platemate_post_commit_dropped_total",
		Help: "Cumulative number of post-commit jobs dropped because the queue was full.",
	})
	SyncRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "platemate_sync_rows_total",
		Help: "Cumulative number of rows handled by the reconciler, by direction and outcome.",
	}, []string{"direction", "outcome"})
	SyncConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "platemate_sync_conflicts_resolved_total",
		Help: "Cumulative number of pulled rows discarded in favour of a local row.",
	})
	SyncPassesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "platemate_sync_passes_total",
		Help: "Cumulative number of push and pull passes, by direction and outcome.",
	}, []string{"direction", "outcome"})
	InboxFilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "platemate_inbox_files_total",
		Help: "Cumulative number of inbox batch files processed, by outcome.",
	}, []string{"outcome"})
)

// Collectors returns all collectors, for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TxTotal,
		TxBusyRetriesTotal,
		TxDurationSeconds,
		BatchRowsTotal,
		DerivedStatFailuresTotal,
		WatcherNotificationsTotal,
		PostCommitDroppedTotal,
		SyncRowsTotal,
		SyncConflictsTotal,
		SyncPassesTotal,
		InboxFilesTotal,
	}
}

// Register registers all collectors with reg, ignoring ones already present.
func Register(reg prometheus.Registerer) {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
}
