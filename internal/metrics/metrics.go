// Package metrics provides Prometheus instrumentation for the settlement
// engine.
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
	// OrdersReceived counts wholesale orders by outcome (accepted or the
	// rejection reason).
	OrdersReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powermarket_orders_received_total",
		Help: "Wholesale orders received, by result",
	}, []string{"result"})

	// ClearedVolume tracks cumulative traded energy.
	ClearedVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powermarket_cleared_volume_mwh_total",
		Help: "Cumulative cleared wholesale volume in MWh",
	})

	// ClearingPrice is the most recent clearing price of any timeslot.
	ClearingPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powermarket_clearing_price",
		Help: "Most recent wholesale clearing price",
	})

	// TransactionsSettled counts transactions processed by the ledger.
	TransactionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powermarket_transactions_settled_total",
		Help: "Transactions settled by the ledger, by kind",
	}, []string{"kind"})

	// TariffMessages counts inbound tariff messages by kind and status.
	TariffMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powermarket_tariff_messages_total",
		Help: "Tariff messages processed, by kind and status",
	}, []string{"kind", "status"})

	// TariffsPublished counts tariffs moved to OFFERED.
	TariffsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "powermarket_tariffs_published_total",
		Help: "Tariffs published to customers",
	})

	// BalancingSolve tracks the balancing optimizer's runtime.
	BalancingSolve = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "powermarket_balancing_solve_seconds",
		Help:    "Balancing allocation solve time in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	// PhaseDuration tracks time spent in each scheduler phase.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powermarket_phase_duration_seconds",
		Help:    "Time spent per timeslot phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	// CurrentTimeslot is the timeslot being delivered.
	CurrentTimeslot = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powermarket_current_timeslot",
		Help: "Index of the current timeslot",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powermarket_ws_clients",
		Help: "Number of connected WebSocket clients",
	})

	// OutboundDropped counts messages dropped because a delivery buffer
	// was full.
	OutboundDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powermarket_outbound_dropped_total",
		Help: "Outbound broker messages dropped, by channel",
	}, []string{"channel"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powermarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "powermarket_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// routePattern labels requests by their chi route pattern so path
// parameters do not inflate cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
