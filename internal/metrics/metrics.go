// Package metrics exposes session and pipeline counters to prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"video-transformer/internal/pipeline"
	"video-transformer/internal/session"
)

const namespace = "video_transformer"

type Metrics struct {
	ActiveSessions prometheus.Gauge
	Transitions    *prometheus.CounterVec
	Frames         *prometheus.CounterVec
	Fallbacks      *prometheus.CounterVec
	Dropped        prometheus.Counter
	StageDuration  *prometheus.HistogramVec
	StageErrors    *prometheus.CounterVec
}

// New registers the collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions that have not reached a terminal state.",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_processed_total",
			Help:      "Frames passed through a pipeline.",
		}, []string{"mode"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_fallback_total",
			Help:      "Frames published unmodified after a stage failure.",
		}, []string{"mode"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Decoded frames replaced by a newer frame before processing.",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in one pipeline stage.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}, []string{"mode", "stage"}),
		StageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Pipeline stage failures.",
		}, []string{"mode", "stage", "reason"}),
	}
}

func (m *Metrics) ObserveStage(mode pipeline.Mode, stage string, took time.Duration, err error) {
	m.StageDuration.WithLabelValues(string(mode), stage).Observe(took.Seconds())
	if err != nil {
		m.StageErrors.WithLabelValues(string(mode), stage, reason(err)).Inc()
	}
}

func (m *Metrics) ObservePass(mode pipeline.Mode, fallback bool) {
	m.Frames.WithLabelValues(string(mode)).Inc()
	if fallback {
		m.Fallbacks.WithLabelValues(string(mode)).Inc()
	}
}

// ObserveTransition is a session.StateFunc.
func (m *Metrics) ObserveTransition(_ *session.Session, from, to session.State) {
	m.Transitions.WithLabelValues(to.String()).Inc()
	if from == session.StateNew && !to.Terminal() {
		m.ActiveSessions.Inc()
	}
	if to.Terminal() && from != session.StateNew {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) ObserveDrop() {
	m.Dropped.Inc()
}

func reason(err error) string {
	var se *pipeline.StageError
	if errors.As(err, &se) && se.Panic {
		return "panic"
	}
	if errors.Is(err, pipeline.ErrModelOutput) {
		return "model_output"
	}
	return "error"
}
