// Package metrics holds the process-wide Prometheus collectors shared by
// every endpoint and background worker. Components register their own
// labels at init time and increment/observe through the exported vectors
// rather than rolling private counters per package, so /metrics always
// reflects the whole process.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "coremail"

var (
	SMTPTransactionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "transactions_started_total",
			Help:      "SMTP transactions started (MAIL FROM accepted).",
		},
		[]string{"listener"},
	)
	SMTPTransactionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "transactions_completed_total",
			Help:      "SMTP transactions accepted through DATA.",
		},
		[]string{"listener"},
	)
	SMTPAuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "auth_failures_total",
			Help:      "AUTH command failures.",
		},
		[]string{"listener"},
	)
	SMTPRcptRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "rcpt_rejected_total",
			Help:      "RCPT TO commands rejected, by reason.",
		},
		[]string{"listener", "reason"},
	)

	HookRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hook",
			Name:      "runs_total",
			Help:      "Hook chain executions, by checkpoint and resulting verdict.",
		},
		[]string{"checkpoint", "verdict"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Queue entries currently in a given state.",
		},
		[]string{"state"},
	)
	QueueDeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts, by outcome (delivered, tempfail, bounced).",
		},
		[]string{"outcome"},
	)
	QueueDeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "delivery_latency_seconds",
			Help:      "Time spent attempting a single delivery, local or remote.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	POP3Sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pop3",
			Name:      "sessions_total",
			Help:      "POP3 sessions, by outcome.",
		},
		[]string{"outcome"},
	)
	IMAPSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "sessions_total",
			Help:      "IMAP sessions, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		SMTPTransactionsStarted,
		SMTPTransactionsCompleted,
		SMTPAuthFailures,
		SMTPRcptRejected,
		HookRuns,
		QueueDepth,
		QueueDeliveryAttempts,
		QueueDeliveryLatency,
		POP3Sessions,
		IMAPSessions,
	)
}
