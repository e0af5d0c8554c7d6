package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/frostline/frostline/internal/jobs"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	permissionDecisions *prometheus.CounterVec
	authEvents          *prometheus.CounterVec
	subscriptions       *prometheus.GaugeVec
	changesDelivered    *prometheus.CounterVec
	channelFailures     *prometheus.CounterVec

	jobs *jobmetrics.Metrics
}

// NewMetrics initialises the registry and every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frostline_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "frostline_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frostline_permission_decisions_total",
		Help: "Permission checks by mode and outcome.",
	}, []string{"mode", "outcome"})
	authEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frostline_auth_events_total",
		Help: "Session state transitions by type.",
	}, []string{"event"})
	subscriptions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "frostline_realtime_subscriptions",
		Help: "Open realtime subscriptions per table.",
	}, []string{"table"})
	delivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frostline_realtime_changes_delivered_total",
		Help: "Change events delivered to subscribers per table.",
	}, []string{"table"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "frostline_realtime_channel_failures_total",
		Help: "Realtime channel errors per table.",
	}, []string{"table"})
	registry.MustRegister(
		requests, duration, decisions, authEvents, subscriptions, delivered, failures,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:       requests,
		requestDuration:     duration,
		permissionDecisions: decisions,
		authEvents:          authEvents,
		subscriptions:       subscriptions,
		changesDelivered:    delivered,
		channelFailures:     failures,
		jobs:                jobmetrics.NewMetrics(registry),
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Jobs returns the background job collectors.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// RecordPermissionDecision counts one permission check.
func (m *Metrics) RecordPermissionDecision(mode string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.permissionDecisions.WithLabelValues(mode, outcome).Inc()
}

// RecordAuthEvent counts one session state transition.
func (m *Metrics) RecordAuthEvent(event string) {
	if m == nil {
		return
	}
	m.authEvents.WithLabelValues(event).Inc()
}

// SubscriptionOpened tracks a new realtime handle.
func (m *Metrics) SubscriptionOpened(table string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(table).Inc()
}

// SubscriptionClosed tracks a released realtime handle.
func (m *Metrics) SubscriptionClosed(table string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(table).Dec()
}

// ChangeDelivered counts a change handed to a subscriber.
func (m *Metrics) ChangeDelivered(table string) {
	if m == nil {
		return
	}
	m.changesDelivered.WithLabelValues(table).Inc()
}

// SubscriptionFailed counts a channel error.
func (m *Metrics) SubscriptionFailed(table string) {
	if m == nil {
		return
	}
	m.channelFailures.WithLabelValues(table).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
