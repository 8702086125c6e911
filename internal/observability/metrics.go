package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectionPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Subsystem: "coordinator",
			Name:      "connection_phase",
			Help:      "Current connection phase (1 for the active phase).",
		},
		[]string{"phase"},
	)
	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "coordinator",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after an unexpected connection loss.",
		},
	)
	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "coordinator",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by path and outcome.",
		},
		[]string{"path", "outcome"},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Correlated requests by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Time from send to resolution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)
	rpcPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlement",
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		},
	)
	rpcLateResponses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "rpc",
			Name:      "late_responses_total",
			Help:      "Responses discarded because their request already timed out or was cancelled.",
		},
	)
	notificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "coordinator",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a subscriber was full.",
		},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "App session state transitions by target state.",
		},
		[]string{"state"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

var phases = []string{"disconnected", "connecting", "connected", "authenticating", "authenticated", "closing"}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionPhase,
			reconnectAttempts,
			authAttempts,
			rpcRequests,
			rpcDuration,
			rpcPending,
			rpcLateResponses,
			notificationsDropped,
			sessionTransitions,
			httpRequests,
			httpDuration,
		)
	})
}

func SetConnectionPhase(phase string) {
	RegisterMetrics()
	for _, p := range phases {
		value := 0.0
		if p == phase {
			value = 1
		}
		connectionPhase.WithLabelValues(p).Set(value)
	}
}

func RecordReconnectAttempt() {
	RegisterMetrics()
	reconnectAttempts.Inc()
}

func RecordAuthAttempt(path string, success bool) {
	RegisterMetrics()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	authAttempts.WithLabelValues(path, outcome).Inc()
}

func RecordRequest(method, outcome string, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(method, outcome).Inc()
	rpcDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

func SetPendingRequests(n int) {
	RegisterMetrics()
	rpcPending.Set(float64(n))
}

func RecordLateResponse() {
	RegisterMetrics()
	rpcLateResponses.Inc()
}

func RecordNotificationDropped() {
	RegisterMetrics()
	notificationsDropped.Inc()
}

func RecordSessionTransition(state string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(state).Inc()
}

// RequestMetricsMiddleware records per-route request counts and latency.
func RequestMetricsMiddleware(next http.Handler) http.Handler {
	RegisterMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		path := routePattern(r)
		status := strconv.Itoa(code)
		httpRequests.WithLabelValues(r.Method, path, status).Inc()
		httpDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
