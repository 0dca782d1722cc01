// Package metrics defines the Prometheus collectors exported by the
// daemon and observer processes, and a small periodic collector for
// metrics backed by store queries rather than in-process counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Daemon: frame ingest.
var (
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_frames_total",
			Help: "Total number of frames accepted, by kind",
		},
		[]string{"kind"},
	)

	FrameDecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_frame_decode_errors_total",
			Help: "Total number of frame decode failures, by cause",
		},
		[]string{"cause"},
	)

	AckFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bouncer_ack_failures_total",
			Help: "Total number of frames whose ACK was not observed",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bouncer_daemon_connections_current",
			Help: "Current number of open daemon connections",
		},
	)
)

// Spool: worker pool and disk state machine.
var (
	SpoolDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bouncer_spool_depth",
			Help: "Number of objects currently in each spool directory",
		},
		[]string{"state"}, // incoming, processing, done, failed
	)

	SpoolDurabilityErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bouncer_spool_durability_errors_total",
			Help: "Total number of write/fsync/rename failures in the spool (operator alert)",
		},
	)

	WorkerOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_worker_outcomes_total",
			Help: "Total spool objects processed by outcome",
		},
		[]string{"outcome"}, // upserted, parse_error, db_transient_retry, db_permanent_failed
	)

	WorkerProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bouncer_worker_process_duration_seconds",
			Help:    "Time to process one spool object from processing/ to a terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Observer: correlation and publishing.
var (
	SyslogLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_observer_syslog_lines_total",
			Help: "Total UDP syslog lines received, by classification",
		},
		[]string{"kind"}, // cleanup, smtp, unrecognized
	)

	CorrelationResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_observer_correlation_results_total",
			Help: "Total queue-id correlation lookups, by result",
		},
		[]string{"result"}, // hit, miss_expired, miss_absent
	)

	QueueMapSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bouncer_observer_queue_map_size",
			Help: "Current number of entries in the queue-id correlation map",
		},
	)

	PublisherReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bouncer_observer_publisher_reconnects_total",
			Help: "Total daemon reconnect attempts made by the publisher",
		},
	)

	PublisherEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bouncer_observer_events_dropped_total",
			Help: "Total delivery events dropped because the publish queue was full",
		},
	)

	HeartbeatsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bouncer_observer_heartbeats_sent_total",
			Help: "Total heartbeat frames sent to the daemon",
		},
	)
)

// Store and IMAP fallback poller.
var (
	DBOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_db_operations_total",
			Help: "Total store operations, by operation and outcome",
		},
		[]string{"operation", "outcome"}, // outcome: ok, transient, permanent
	)

	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bouncer_db_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)

	IMAPPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_imap_polls_total",
			Help: "Total IMAP fallback poll cycles, by outcome",
		},
		[]string{"outcome"}, // ok, connect_error, fetch_error
	)

	IMAPMessagesFetchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bouncer_imap_messages_fetched_total",
			Help: "Total messages fetched from the IMAP fallback mailbox",
		},
	)
)
