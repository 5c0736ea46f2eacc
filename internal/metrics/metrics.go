// Package metrics holds the Prometheus instruments for tutoring sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the tutor.
type Metrics struct {
	reg prometheus.Gatherer

	// Capture metrics
	ChunksSent    prometheus.Counter
	ChunksDropped prometheus.Counter
	BytesSent     prometheus.Counter

	// Playback metrics
	PayloadErrors    prometheus.Counter
	BuffersScheduled prometheus.Counter
	PlaybackSeconds  prometheus.Counter
	PlaybackResets   prometheus.Counter

	// Session metrics
	SessionsStarted  prometheus.Counter
	StateTransitions *prometheus.CounterVec
	TurnsCompleted   prometheus.Counter
	Teardowns        *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	HistoryErrors    prometheus.Counter

	// Dictation metrics
	DictationRuns *prometheus.CounterVec
}

// New registers every metric on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_capture_chunks_sent_total",
			Help: "Total number of microphone chunks sent to the model",
		}),
		ChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_capture_chunks_dropped_total",
			Help: "Total number of microphone chunks dropped because no session was active",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_capture_bytes_sent_total",
			Help: "Total PCM bytes sent to the model",
		}),

		PayloadErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_playback_payload_errors_total",
			Help: "Total number of inbound audio payloads that could not be decoded",
		}),
		BuffersScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_playback_buffers_scheduled_total",
			Help: "Total number of audio buffers scheduled for playback",
		}),
		PlaybackSeconds: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_playback_seconds_total",
			Help: "Total seconds of model audio scheduled",
		}),
		PlaybackResets: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_playback_interruptions_total",
			Help: "Total number of times queued playback was cut off by an interruption",
		}),

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_session_state_transitions_total",
			Help: "Session state transitions by destination state",
		}, []string{"state"}),
		TurnsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_turns_completed_total",
			Help: "Total number of completed conversation turns",
		}),
		Teardowns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_session_teardowns_total",
			Help: "Session teardowns by reason",
		}, []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tutor_session_duration_seconds",
			Help:    "Duration of sessions from start to teardown",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		HistoryErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tutor_history_save_errors_total",
			Help: "Total number of session records that failed to persist",
		}),

		DictationRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_dictation_runs_total",
			Help: "Dictation runs by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
