package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhub_outbox_events_recorded_total",
			Help: "Domain events written to the outbox, by event type",
		},
		[]string{"event_type"},
	)

	OutboxClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowhub_outbox_claimed_total",
			Help: "Outbox records leased by dispatchers",
		},
	)

	OutboxDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhub_outbox_dispatched_total",
			Help: "Outbox records delivered to the bus",
		},
		[]string{"event_type"},
	)

	OutboxFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhub_outbox_failed_total",
			Help: "Transient delivery failures scheduled for retry",
		},
		[]string{"event_type"},
	)

	OutboxDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhub_outbox_dead_lettered_total",
			Help: "Outbox records moved to dead_letter",
		},
		[]string{"event_type", "reason"}, // decode|permanent|exhausted
	)

	OutboxPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowhub_outbox_publish_duration_seconds",
			Help:    "Latency of bus publish calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	OutboxReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowhub_outbox_reaped_total",
			Help: "Dispatched outbox records deleted by the reaper",
		},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowhub_runs_total",
			Help: "Workflow runs by outcome",
		},
		[]string{"status"}, // succeeded|failed|duplicate
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EventsRecordedTotal,
		OutboxClaimedTotal,
		OutboxDispatchedTotal,
		OutboxFailedTotal,
		OutboxDeadLetteredTotal,
		OutboxPublishDuration,
		OutboxReapedTotal,
		RunsTotal,
	)
}
