package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice bridge.
type Metrics struct {
	// Inbound media metrics
	FramesReceived prometheus.Counter
	BytesReceived  prometheus.Counter
	FrameErrors    prometheus.Counter

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsRemoved prometheus.Counter
	SessionDuration prometheus.Histogram

	// Turn-taking metrics
	TranscriptEvents     prometheus.Counter
	UtterancesFlushed    prometheus.Counter
	ResponsesGenerated   prometheus.Counter
	TurnFailures         prometheus.Counter
	DuplicatesSuppressed prometheus.Counter

	// Stage latency metrics
	GenerationDuration prometheus.Histogram
	SynthesisDuration  prometheus.Histogram
	TurnDuration       prometheus.Histogram

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on the default registry.
func New() *Metrics {
	return newWith(prometheus.DefaultRegisterer)
}

// NewForTesting creates the metric bundle on a private registry so tests can
// construct coordinators without double-registration panics.
func NewForTesting() *Metrics {
	return newWith(prometheus.NewRegistry())
}

func newWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_received_total",
			Help: "Total number of inbound audio frames received",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_bytes_received_total",
			Help: "Total number of inbound audio bytes received",
		}),
		FrameErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frame_errors_total",
			Help: "Total number of malformed or undeliverable inbound frames",
		}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_sessions",
			Help: "Current number of active call sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_created_total",
			Help: "Total number of call sessions created",
		}),
		SessionsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sessions_removed_total",
			Help: "Total number of call sessions removed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_session_duration_seconds",
			Help:    "Call session lifetime",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		TranscriptEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_transcript_events_total",
			Help: "Total number of transcript events received from the STT engine",
		}),
		UtterancesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_utterances_flushed_total",
			Help: "Total number of consolidated utterances flushed for processing",
		}),
		ResponsesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_responses_generated_total",
			Help: "Total number of responses generated and delivered",
		}),
		TurnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_turn_failures_total",
			Help: "Total number of response turns aborted by an engine failure",
		}),
		DuplicatesSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_duplicates_suppressed_total",
			Help: "Total number of duplicate or overlapping response triggers suppressed",
		}),

		GenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_generation_duration_seconds",
			Help:    "Response generation engine latency",
			Buckets: prometheus.DefBuckets,
		}),
		SynthesisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_synthesis_duration_seconds",
			Help:    "Speech synthesis engine latency",
			Buckets: prometheus.DefBuckets,
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_turn_duration_seconds",
			Help:    "Complete turn latency from utterance flush to playback start",
			Buckets: prometheus.DefBuckets,
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "HTTP requests by path and status",
		}, []string{"path", "status"}),
	}
}
