// Package metrics defines Alice's Prometheus collectors. They register
// with the default registry and are served on /metrics by the API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Turns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alice_turns_total",
			Help: "Dialog turns by outcome (ok, error, timeout)",
		},
		[]string{"outcome"},
	)

	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alice_inference_latency_seconds",
			Help:    "Language model call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alice_context_provider_latency_seconds",
			Help:    "Context provider query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"field"},
	)

	ProviderTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alice_context_provider_timeouts_total",
			Help: "Context provider queries abandoned at the deadline",
		},
		[]string{"field"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alice_context_provider_errors_total",
			Help: "Context provider queries that returned an error",
		},
		[]string{"field"},
	)

	Suggestions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alice_suggestions_total",
			Help: "Suggestions produced by the pattern analyzer",
		},
		[]string{"kind"},
	)

	HabitEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alice_habit_entries_total",
			Help: "Habit entries recorded",
		},
		[]string{"completed"},
	)

	StorageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alice_storage_failures_total",
			Help: "Persistence failures that switched a store to in-memory mode",
		},
		[]string{"store"},
	)

	AudioErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alice_audio_errors_total",
			Help: "Voice turns skipped because of audio I/O failure",
		},
		[]string{"stage"},
	)

	HistoryMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alice_history_messages",
			Help: "Messages held in conversation memory",
		},
	)

	ServiceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alice_service_up",
			Help: "Whether a backing service answered its latest probe (1) or not (0)",
		},
		[]string{"service"},
	)
)
