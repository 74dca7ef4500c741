// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BalanceAdjustments counts balance mutations by op and result.
	BalanceAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_balance_adjustments_total",
		Help: "Balance adjustments by operation and result",
	}, []string{"op", "result"})

	// SettlementLatency tracks the duration of one locked settlement
	// transaction, partitioned by the operation that ran it.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_settlement_latency_seconds",
		Help:    "Locked settlement transaction latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// PositionsOpened counts opened positions by side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_positions_opened_total",
		Help: "Leveraged positions opened",
	}, []string{"side"})

	// PositionsClosed counts closed positions by side and outcome (profit|loss).
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_positions_closed_total",
		Help: "Leveraged positions closed",
	}, []string{"side", "outcome"})

	// LiquidationBreaches counts active positions seen past their
	// liquidation price by the risk monitor.
	LiquidationBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_liquidation_breaches_total",
		Help: "Active positions observed beyond their liquidation price",
	}, []string{"pair"})

	// ExposureRejections counts opens rejected by the exposure limiter.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_exposure_limit_rejections_total",
		Help: "Position opens rejected by the exposure limiter",
	})

	// PayoutsTotal counts payout records by kind (interest|principal).
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payouts_total",
		Help: "Payout records appended",
	}, []string{"kind"})

	// PayoutFailures counts contracts whose payout failed during a sweep.
	PayoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_payout_failures_total",
		Help: "Per-contract payout failures during sweeps",
	})

	// DueContracts is the number of due contracts seen by the last sweep.
	DueContracts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_due_contracts",
		Help: "Contracts due for payout at the last sweep",
	})

	// TransfersTotal counts peer transfers by result.
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Peer transfers by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
// The wrapped writer keeps http.Hijacker and http.Flusher so WebSocket
// upgrades pass through.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()

		status := ww.Status()
		if status == 0 {
			// Nothing written through the wrapper, e.g. a hijacked connection.
			status = http.StatusOK
		}

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
