// Package metrics exposes the engine's Prometheus collectors on a private
// registry.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/parleyhq/parley/internal/fsm"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Collector holds every engine metric.
type Collector struct {
	registry *prometheus.Registry

	Transitions        *prometheus.CounterVec
	InvalidTransitions *prometheus.CounterVec
	Escalations        *prometheus.CounterVec
	QueueOperations    *prometheus.CounterVec
	RuleLoads          *prometheus.CounterVec
	Fallbacks          *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates a Collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Applied conversation state transitions",
		}, []string{"from", "action", "to"}),
		InvalidTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_transitions_total",
			Help:      "Actions rejected by the transition table",
		}, []string{"from", "action"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation decisions by priority and reason",
		}, []string{"priority", "reason", "created"}),
		QueueOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_operations_total",
			Help:      "Human queue operations by outcome",
		}, []string{"operation", "outcome"}),
		RuleLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_loads_total",
			Help:      "Rule set compilations; failures fall back to the empty set",
		}, []string{"status"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_replies_total",
			Help:      "Messages answered with the fallback reply, by failed step",
		}, []string{"step"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status_code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		c.Transitions, c.InvalidTransitions, c.Escalations, c.QueueOperations,
		c.RuleLoads, c.Fallbacks, c.HTTPRequests, c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveTransition is an fsm.Observer.
func (c *Collector) ObserveTransition(from models.State, action models.Action, to models.State, err error) {
	if errors.Is(err, fsm.ErrInvalidTransition) {
		c.InvalidTransitions.WithLabelValues(string(from), string(action)).Inc()
		return
	}
	if err == nil {
		c.Transitions.WithLabelValues(string(from), string(action), string(to)).Inc()
	}
}

// ObserveQueue is a queue.Observer.
func (c *Collector) ObserveQueue(op string, err error) {
	c.QueueOperations.WithLabelValues(op, queueOutcome(err)).Inc()
}

func queueOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, queue.ErrAlreadyLocked):
		return "already_locked"
	case errors.Is(err, queue.ErrNotFound):
		return "not_found"
	case errors.Is(err, queue.ErrLockExpired):
		return "lock_expired"
	}
	return "error"
}

// ObserveRuleLoad is a rules.LoadObserver.
func (c *Collector) ObserveRuleLoad(_ string, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	c.RuleLoads.WithLabelValues(status).Inc()
}

// Escalated implements orchestrator.Observer.
func (c *Collector) Escalated(_ string, p models.Priority, reason string, created bool) {
	c.Escalations.WithLabelValues(string(p), reason, strconv.FormatBool(created)).Inc()
}

// Fallback implements orchestrator.Observer.
func (c *Collector) Fallback(_ string, step string) {
	c.Fallbacks.WithLabelValues(step).Inc()
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
