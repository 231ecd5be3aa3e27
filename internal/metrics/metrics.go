// ABOUTME: Prometheus counters and histograms for dispatch, workflows, intents, and HTTP
// ABOUTME: Nil-safe recording methods so components work without metrics wired

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	messages       *prometheus.CounterVec
	sendDuration   *prometheus.HistogramVec
	executions     *prometheus.CounterVec
	steps          *prometheus.CounterVec
	classification *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

// New creates collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "a2a_messages_total",
			Help:      "A2A messages sent, by target agent and outcome.",
		}, []string{"agent", "outcome"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "a2a_send_seconds",
			Help:      "Round-trip time of A2A sends.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Workflow executions reaching a terminal status.",
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Workflow steps finished, by status.",
		}, []string{"status"}),
		classification: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intent_classifications_total",
			Help:      "Queries classified, by intent.",
		}, []string{"intent"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Gateway HTTP requests, by route pattern and status code.",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(m.messages, m.sendDuration, m.executions, m.steps, m.classification, m.httpRequests)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSend records one A2A send.
func (m *Metrics) ObserveSend(agent string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.messages.WithLabelValues(agent, outcome).Inc()
	m.sendDuration.WithLabelValues(agent).Observe(elapsed.Seconds())
}

// ExecutionFinished records a terminal execution status.
func (m *Metrics) ExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

// StepFinished records a step reaching status.
func (m *Metrics) StepFinished(status string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(status).Inc()
}

// Classified records a classification result.
func (m *Metrics) Classified(intent string) {
	if m == nil {
		return
	}
	m.classification.WithLabelValues(intent).Inc()
}

// HTTPRequest records a served request.
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
