// Package observability holds the Prometheus instruments deckctl reports into.
//
// Instruments live on a private registry so tests and separate controllers never collide on
// the global default one. Every method is safe on a nil *Metrics.
package observability

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Frame kinds used as the "kind" label on FramesReceived.
const (
	FrameTask      = "task"
	FrameLifecycle = "lifecycle"
	FrameIgnored   = "ignored"
	FrameMalformed = "malformed"
)

// Aggregator outcomes used as the "result" label on EventsApplied.
const (
	EventApplied   = "applied"
	EventDiscarded = "discarded"
	EventDuplicate = "duplicate"
)

// Metrics groups the instruments used by the stream manager, aggregator and controller.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived    *prometheus.CounterVec
	EventsApplied     *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	StreamConnections *prometheus.CounterVec
	TasksCreated      prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Push-channel frames received by kind.",
		}, []string{"kind"}),
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Progress events folded by the aggregator, by result.",
		}, []string{"result"}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after unexpected closures.",
		}),
		StreamConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connections_total",
			Help:      "Push-channel dials by outcome.",
		}, []string{"outcome"}),
		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Generation tasks created by this client.",
		}),
	}
}

func (m *Metrics) ObserveFrame(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveEvent(result string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// ObserveDial records a dial outcome: "open" or "error".
func (m *Metrics) ObserveDial(err error) {
	if m == nil {
		return
	}
	outcome := "open"
	if err != nil {
		outcome = "error"
	}
	m.StreamConnections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTaskCreated() {
	if m == nil {
		return
	}
	m.TasksCreated.Inc()
}

// Registry exposes the private registry, mostly for testutil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteText dumps every gathered family in the text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
