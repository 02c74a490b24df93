// Package metrics exposes Prometheus collectors for the entry pipeline.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/garyjia/erp-autoentry/internal/domain/event"
	"github.com/garyjia/erp-autoentry/internal/domain/screen"
	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
)

const namespace = "autoentry"

// Collectors holds every metric of the process
type Collectors struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	detections    *prometheus.CounterVec
	confidence    *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	retries       prometheus.Counter
	uploads       prometheus.Counter
	currentState  *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collectors{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Total number of state machine transitions",
		}, []string{"from", "to", "trigger"}),
		detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Total number of screen detections by detected state",
		}, []string{"state"}),
		confidence: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_confidence",
			Help:      "Confidence of screen detections",
			Buckets:   []float64{0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 0.99},
		}, []string{"state"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished runs by outcome",
		}, []string{"outcome"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of finished runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 8),
		}, []string{"outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage of completed runs",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
		}, []string{"stage"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of stage retries",
		}),
		uploads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of artifacts uploaded",
		}),
		currentState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_state",
			Help:      "1 for the state the machine is in, 0 otherwise",
		}, []string{"state"}),
	}
}

// Registry returns the underlying registry
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveDetection records one screen detection
func (c *Collectors) ObserveDetection(r screen.DetectionResult) {
	c.detections.WithLabelValues(r.State.String()).Inc()
	if !r.State.IsSentinel() {
		c.confidence.WithLabelValues(r.State.String()).Observe(r.Confidence)
	}
}

// HandleEvent is a dispatcher handler feeding the run collectors
func (c *Collectors) HandleEvent(_ context.Context, evt *event.Event) error {
	switch evt.Type {
	case event.TypeStateChanged:
		from := evt.GetPayloadString(event.KeyFromState)
		to := evt.GetPayloadString(event.KeyToState)
		trigger := evt.GetPayloadString(event.KeyTrigger)
		c.transitions.WithLabelValues(from, to, trigger).Inc()
		if trigger == workflow.TriggerRetry.String() {
			c.retries.Inc()
		}
		if from != "" {
			c.currentState.WithLabelValues(from).Set(0)
		}
		c.currentState.WithLabelValues(to).Set(1)

	case event.TypeRunCompleted, event.TypeRunFailed, event.TypeRunAbandoned:
		outcome := outcomeLabel(evt.Type)
		c.runs.WithLabelValues(outcome).Inc()
		c.runDuration.WithLabelValues(outcome).Observe(evt.GetPayloadFloat(event.KeyDuration))
		c.uploads.Add(float64(evt.GetPayloadInt(event.KeyUploaded)))
		if evt.Type == event.TypeRunCompleted {
			if stages, ok := evt.Payload[event.KeyStages].(map[string]float64); ok {
				for stage, sec := range stages {
					c.stageDuration.WithLabelValues(stage).Observe(sec)
				}
			}
		}
	}
	return nil
}

func outcomeLabel(t event.Type) string {
	switch t {
	case event.TypeRunCompleted:
		return "completed"
	case event.TypeRunFailed:
		return "failed"
	default:
		return "abandoned"
	}
}
