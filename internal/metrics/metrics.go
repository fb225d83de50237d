package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"slotworker/internal/slots"
)

var (
	// Counters
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotworker_offers_total",
			Help: "Task instances offered to the runtime, by outcome",
		},
		[]string{"task", "outcome"}, // completed, failed, cancelled
	)

	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotworker_failures_total",
			Help: "Failed or cancelled instances by reason",
		},
		[]string{"task", "reason"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotworker_retries_total",
			Help: "Local retries scheduled after a retryable failure",
		},
		[]string{"task"},
	)

	RateLimitDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slotworker_rate_limit_denials_total",
			Help: "Rate limit acquisitions denied, by bucket key",
		},
		[]string{"key"},
	)

	CheckpointEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slotworker_checkpoint_evictions_total",
			Help: "Live runs whose durable checkpoints were evicted from memory without a store",
		},
	)

	// Gauges
	SlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotworker_slots_in_use",
			Help: "Execution slots currently held",
		},
	)

	SlotsWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotworker_slots_waiting",
			Help: "Instances waiting for an execution slot",
		},
	)

	SlotsCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slotworker_slots_capacity",
			Help: "Size of the execution slot pool",
		},
	)

	// Buckets: 5ms .. ~82s
	AttemptDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slotworker_attempt_duration_seconds",
			Help:    "Duration of one task body invocation in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		},
		[]string{"task"},
	)
)

// ObserveSlots is a slots.Manager observer.
func ObserveSlots(s slots.Stats) {
	SlotsCapacity.Set(float64(s.Capacity))
	SlotsInUse.Set(float64(s.InUse))
	SlotsWaiting.Set(float64(s.Waiting))
}
