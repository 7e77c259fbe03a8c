// Package metrics provides Prometheus instrumentation for the engine server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operations counts engine operations by name and result (ok, error).
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionperps_operations_total",
		Help: "Total engine operations",
	}, []string{"op", "result"})

	// OperationLatency tracks committed operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optionperps_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionperps_open_positions",
		Help: "Number of open perpetual positions",
	})

	PendingWithdrawals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionperps_pending_withdrawals",
		Help: "Number of queued LP withdrawal requests",
	})

	Epoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionperps_epoch",
		Help: "Current option epoch",
	})

	// PoolTotalDeposits is in whole units of the pool asset.
	PoolTotalDeposits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optionperps_pool_total_deposits",
		Help: "Pool total deposits in whole asset units",
	}, []string{"side"})

	PoolActiveDeposits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optionperps_pool_active_deposits",
		Help: "Pool deposits reserved by open positions in whole asset units",
	}, []string{"side"})

	// PoolOpenInterest is in USD.
	PoolOpenInterest = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optionperps_pool_open_interest",
		Help: "Open interest per pool in USD",
	}, []string{"side"})

	// KeeperActions counts liquidations and withdrawal completions attempted
	// by the keeper.
	KeeperActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionperps_keeper_actions_total",
		Help: "Keeper actions by kind and result",
	}, []string{"kind", "result"})

	// PriceUpdates counts mark prices received from the stream.
	PriceUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optionperps_price_updates_total",
		Help: "Mark price updates received",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optionperps_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optionperps_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optionperps_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not the raw path, to keep ids out of the labels.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
