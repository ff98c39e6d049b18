// Package metrics provides Prometheus instrumentation for the venue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tradewire/venue/pkg/venue"
)

// Metrics implements venue.Metrics on a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry
	log      *zap.SugaredLogger

	ordersSubmitted prometheus.Counter
	ordersRejected  prometheus.Counter
	tradesExecuted  prometheus.Counter
	matchingLatency prometheus.Histogram
	bookDepth       *prometheus.GaugeVec
	activeVWAP      prometheus.Gauge
}

// New creates a registry-scoped metrics set under the given namespace.
func New(namespace string, logger *zap.SugaredLogger) *Metrics {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		log:      logger,

		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Total number of accepted order submissions",
		}),
		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Total number of rejected order submissions",
		}),
		tradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Total number of executed trades",
		}),
		matchingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "matching_latency_seconds",
			Help:      "Duration of one matching pass",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		bookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_depth_levels",
			Help:      "Number of populated price levels by symbol and side",
		}, []string{"symbol", "side"}),
		activeVWAP: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vwap_orders_active",
			Help:      "Number of live VWAP parent orders",
		}),
	}

	registry.MustRegister(
		m.ordersSubmitted,
		m.ordersRejected,
		m.tradesExecuted,
		m.matchingLatency,
		m.bookDepth,
		m.activeVWAP,
	)
	return m
}

// OrderSubmitted implements venue.Metrics.
func (m *Metrics) OrderSubmitted() { m.ordersSubmitted.Inc() }

// OrderRejected implements venue.Metrics.
func (m *Metrics) OrderRejected() { m.ordersRejected.Inc() }

// TradeExecuted implements venue.Metrics.
func (m *Metrics) TradeExecuted() { m.tradesExecuted.Inc() }

// ObserveMatchingLatency implements venue.Metrics.
func (m *Metrics) ObserveMatchingLatency(d time.Duration) {
	m.matchingLatency.Observe(d.Seconds())
}

// SetBookDepth implements venue.Metrics.
func (m *Metrics) SetBookDepth(symbol string, side venue.Side, levels int) {
	m.bookDepth.WithLabelValues(symbol, side.String()).Set(float64(levels))
}

// SetActiveVWAPOrders implements venue.Metrics.
func (m *Metrics) SetActiveVWAPOrders(n int) { m.activeVWAP.Set(float64(n)) }

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr in a background goroutine.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.log.Errorw("metrics server failed", "error", err)
		}
	}()
	m.log.Infow("metrics server started", "addr", addr)
}
