// Package metrics exposes the engine's own health as prometheus collectors.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tracehook"

// Hook phases used as label values.
const (
	PhaseBefore = "before"
	PhaseAfter  = "after"
)

// Metrics holds the engine collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	hookInvocations  *prometheus.CounterVec
	hookErrors       *prometheus.CounterVec
	spansOpened      prometheus.Counter
	spansClosed      *prometheus.CounterVec
	openInvocations  prometheus.Gauge
	fatalClosedSpans prometheus.Counter
	invocationTime   prometheus.Histogram
	integrationState *prometheus.GaugeVec
	contextDecode    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses a fresh
// prometheus.Registry that also carries the Go runtime and process collectors.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		gatherer: gatherer,
		hookInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_invocations_total",
			Help:      "Number of hook callbacks run, by phase.",
		}, []string{"phase"}),
		hookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_errors_total",
			Help:      "Number of hook callbacks that returned an error or panicked.",
		}, []string{"phase", "integration"}),
		spansOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_opened_total",
			Help:      "Number of spans opened by hooks.",
		}),
		spansClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_closed_total",
			Help:      "Number of hook spans closed, by invocation outcome.",
		}, []string{"outcome"}),
		openInvocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_invocations",
			Help:      "Number of intercepted calls currently in flight.",
		}),
		fatalClosedSpans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_closed_spans_total",
			Help:      "Number of spans closed because the process was exiting.",
		}),
		invocationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of intercepted calls including hooks.",
			Buckets:   prometheus.DefBuckets,
		}),
		integrationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integration_state",
			Help:      "1 for the current lifecycle state of each integration, 0 otherwise.",
		}, []string{"integration", "state"}),
		contextDecode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_decode_total",
			Help:      "Number of carrier decodes, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.hookInvocations,
		m.hookErrors,
		m.spansOpened,
		m.spansClosed,
		m.openInvocations,
		m.fatalClosedSpans,
		m.invocationTime,
		m.integrationState,
		m.contextDecode,
	)
	m.contextDecode.WithLabelValues("found").Add(0)
	m.contextDecode.WithLabelValues("absent").Add(0)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the gatherer backing Handler.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.gatherer
}

func (m *Metrics) HookInvoked(phase string) {
	if m == nil {
		return
	}
	m.hookInvocations.WithLabelValues(phase).Inc()
}

func (m *Metrics) HookFailed(phase, integration string) {
	if m == nil {
		return
	}
	m.hookErrors.WithLabelValues(phase, integration).Inc()
}

func (m *Metrics) SpanOpened() {
	if m == nil {
		return
	}
	m.spansOpened.Inc()
}

func (m *Metrics) SpanClosed(outcome string) {
	if m == nil {
		return
	}
	m.spansClosed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InvocationStarted() {
	if m == nil {
		return
	}
	m.openInvocations.Inc()
}

func (m *Metrics) InvocationFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.openInvocations.Dec()
	m.invocationTime.Observe(d.Seconds())
}

func (m *Metrics) FatalClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fatalClosedSpans.Add(float64(n))
}

// IntegrationState sets the gauge of the given state to 1 and the other states to 0.
func (m *Metrics) IntegrationState(integration, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.integrationState.WithLabelValues(integration, s).Set(v)
	}
}

// ContextDecoded counts a carrier decode.
func (m *Metrics) ContextDecoded(found bool) {
	if m == nil {
		return
	}
	if found {
		m.contextDecode.WithLabelValues("found").Inc()
		return
	}
	m.contextDecode.WithLabelValues("absent").Inc()
}
