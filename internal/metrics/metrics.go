// Package metrics holds the prometheus collectors for verifyd. Collectors live
// on a private registry so several instances can coexist in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/errs"
	"github.com/benaskins/verifyd/internal/task"
)

// Metrics is the set of verifyd collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Verifications counts finished runs by outcome: success, failure, error or aborted.
	Verifications *prometheus.CounterVec
	// VerificationDuration tracks how long the engine took per completed run.
	VerificationDuration prometheus.Histogram
	// Requests counts handled protocol messages by method and error code.
	Requests *prometheus.CounterVec
	// EngineTransitions counts supervisor lifecycle changes by target state.
	EngineTransitions *prometheus.CounterVec
	OpenDocuments     prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifyd_verifications_total",
			Help: "Verification runs by outcome",
		}, []string{"outcome"}),
		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "verifyd_verification_duration_seconds",
			Help:    "Engine time per completed verification",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifyd_requests_total",
			Help: "Protocol messages handled, by method and result code",
		}, []string{"method", "code"}),
		EngineTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifyd_engine_transitions_total",
			Help: "Engine lifecycle transitions by target state",
		}, []string{"to"}),
		OpenDocuments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "verifyd_open_documents",
			Help: "Source documents currently open in the editor",
		}),
	}
	m.registry.MustRegister(
		m.Verifications,
		m.VerificationDuration,
		m.Requests,
		m.EngineTransitions,
		m.OpenDocuments,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpdate records finished and aborted runs.
func (m *Metrics) ObserveUpdate(u task.Update) {
	if m == nil {
		return
	}
	switch {
	case u.Aborted:
		m.Verifications.WithLabelValues("aborted").Inc()
	case !u.Completed:
	case u.Err != nil:
		m.Verifications.WithLabelValues("error").Inc()
	case u.Success:
		m.Verifications.WithLabelValues("success").Inc()
		m.VerificationDuration.Observe(u.Duration.Seconds())
	default:
		m.Verifications.WithLabelValues("failure").Inc()
		m.VerificationDuration.Observe(u.Duration.Seconds())
	}
}

// ObserveRequest records one handled protocol message.
func (m *Metrics) ObserveRequest(method string, err error) {
	if m == nil {
		return
	}
	code := "ok"
	if err != nil {
		code = string(errs.CodeOf(err))
	}
	m.Requests.WithLabelValues(method, code).Inc()
}

// ObserveTransition records a supervisor lifecycle change.
func (m *Metrics) ObserveTransition(tr engine.Transition) {
	if m == nil {
		return
	}
	m.EngineTransitions.WithLabelValues(string(tr.To)).Inc()
}

// SetOpenDocuments sets the open document gauge.
func (m *Metrics) SetOpenDocuments(n int) {
	if m == nil {
		return
	}
	m.OpenDocuments.Set(float64(n))
}
