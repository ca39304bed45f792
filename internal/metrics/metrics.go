// Package metrics registers the bridge's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Call lifecycle
	ActiveCalls    prometheus.Gauge
	CallsStarted   prometheus.Counter
	CallsEnded     prometheus.Counter
	SessionLimited prometheus.Counter

	// Audio ingest
	TurnsCommitted prometheus.Counter
	TurnsPadded    prometheus.Counter
	TurnsCleared   prometheus.Counter
	AudioBytesIn   prometheus.Counter
	AudioBytesOut  prometheus.Counter

	// Transport
	Reconnects     prometheus.Counter
	TransportFatal prometheus.Counter

	// Task queue
	TasksEnqueued prometheus.Counter
	TasksDropped  prometheus.Counter
	TaskFailures  prometheus.Counter
}

// New registers all bridge metrics in the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers into an explicit registerer; tests use throwaway registries.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_calls",
			Help: "Current number of live call sessions",
		}),
		CallsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_calls_started_total",
			Help: "Total call sessions created",
		}),
		CallsEnded: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_calls_ended_total",
			Help: "Total call sessions torn down",
		}),
		SessionLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_calls_limited_total",
			Help: "Calls ended because a usage limit was reached",
		}),
		TurnsCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_turns_committed_total",
			Help: "Audio turns committed to the remote service",
		}),
		TurnsPadded: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_turns_padded_total",
			Help: "Turns padded with silence to the protocol minimum",
		}),
		TurnsCleared: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_turns_cleared_total",
			Help: "Open turns discarded without commit (barge-in)",
		}),
		AudioBytesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_audio_bytes_in_total",
			Help: "PCM bytes captured from the call after resampling",
		}),
		AudioBytesOut: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_audio_bytes_out_total",
			Help: "PCM bytes played back into the call after resampling",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_transport_reconnects_total",
			Help: "Transport reconnection cycles observed",
		}),
		TransportFatal: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_transport_fatal_total",
			Help: "Transport failures that exhausted all reconnect attempts",
		}),
		TasksEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_tasks_enqueued_total",
			Help: "Audio tasks accepted into per-call queues",
		}),
		TasksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_tasks_dropped_total",
			Help: "Audio tasks dropped due to a full per-call queue",
		}),
		TaskFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_task_failures_total",
			Help: "Audio tasks that returned an error",
		}),
	}
}
