// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskboard_connections",
		Help: "Open realtime connections.",
	})

	AuthenticatedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskboard_authenticated_connections",
		Help: "Realtime connections bound to an identity.",
	})

	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_operations_total",
		Help: "Realtime requests by event and outcome code.",
	}, []string{"event", "outcome"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskboard_operation_duration_seconds",
		Help:    "Time spent handling a realtime request.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.3, 1, 3},
	}, []string{"event"})

	FanOuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_fanout_total",
		Help: "syncUpdate broadcasts by update type.",
	}, []string{"type"})

	DroppedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskboard_slow_consumer_disconnects_total",
		Help: "Connections closed because their outbound queue was full.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskboard_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskboard_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.3, 1, 3},
	}, []string{"method", "route"})
)

// ObserveOperation records one handled realtime request.
func ObserveOperation(event, outcome string, started time.Time) {
	Operations.WithLabelValues(event, outcome).Inc()
	OperationDuration.WithLabelValues(event).Observe(time.Since(started).Seconds())
}

// Middleware counts HTTP requests by their chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
