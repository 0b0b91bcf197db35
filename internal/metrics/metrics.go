package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages pushed counter
	MessagesPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqbus_messages_pushed_total",
			Help: "Total number of messages pushed",
		},
		[]string{"queue"},
	)

	// Messages claimed counter
	MessagesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqbus_messages_claimed_total",
			Help: "Total number of messages claimed by consumers",
		},
		[]string{"queue"},
	)

	// Messages acknowledged counter
	MessagesAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pqbus_messages_acked_total",
			Help: "Total number of messages acknowledged",
		},
	)

	// Messages released by consumers
	MessagesReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pqbus_messages_released_total",
			Help: "Total number of messages released back to their queue",
		},
	)

	// Stale claims returned to available
	MessagesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pqbus_messages_reclaimed_total",
			Help: "Total number of stale claims reclaimed",
		},
	)

	// Failed pg_notify calls
	NotifyErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pqbus_notify_errors_total",
			Help: "Total number of notifications that could not be sent",
		},
	)

	// Claim statement latency
	ClaimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pqbus_claim_duration_seconds",
			Help:    "Time taken by a single claim attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sweeper run duration
	SweeperDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pqbus_sweeper_duration_seconds",
			Help:    "Time taken for sweeper to reclaim messages",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sweeper errors counter
	SweeperErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pqbus_sweeper_errors_total",
			Help: "Total number of sweeper errors",
		},
	)

	// Listener reconnects
	ListenerReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pqbus_listener_reconnects_total",
			Help: "Total number of times the notification listener reconnected",
		},
	)
)
