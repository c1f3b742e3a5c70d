package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics wraps the collectors tracking ledger operation health
// for every served market.
type MarketMetrics struct {
	requests    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	poolAssets  *prometheus.GaugeVec
	sharePrice  *prometheus.GaugeVec
	utilization *prometheus.GaugeVec
	fixedOwed   *prometheus.GaugeVec
	paused      *prometheus.GaugeVec
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// Markets returns the lazily initialised market metrics registry.
func Markets() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termlend",
				Subsystem: "market",
				Name:      "requests_total",
				Help:      "Total ledger operations segmented by market, operation and outcome.",
			}, []string{"market", "op", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "termlend",
				Subsystem: "market",
				Name:      "errors_total",
				Help:      "Total failed ledger operations segmented by market, operation and reason.",
			}, []string{"market", "op", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "termlend",
				Subsystem: "market",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"market", "op"}),
			poolAssets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "termlend",
				Subsystem: "market",
				Name:      "smart_pool_assets_wei",
				Help:      "Smart pool assets per market in wei.",
			}, []string{"market"}),
			sharePrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "termlend",
				Subsystem: "market",
				Name:      "share_price_wad",
				Help:      "Value of one smart pool share, WAD scaled.",
			}, []string{"market"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "termlend",
				Subsystem: "market",
				Name:      "flexible_utilization_wad",
				Help:      "Flexible debt over smart pool assets, WAD scaled.",
			}, []string{"market"}),
			fixedOwed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "termlend",
				Subsystem: "market",
				Name:      "fixed_borrowed_wei",
				Help:      "Outstanding fixed borrows per market, principal plus fees, in wei.",
			}, []string{"market"}),
			paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "termlend",
				Subsystem: "market",
				Name:      "paused",
				Help:      "Whether the operator pause is engaged for the market (1) or not (0).",
			}, []string{"market"}),
		}
		prometheus.MustRegister(
			marketRegistry.requests,
			marketRegistry.errors,
			marketRegistry.latency,
			marketRegistry.poolAssets,
			marketRegistry.sharePrice,
			marketRegistry.utilization,
			marketRegistry.fixedOwed,
			marketRegistry.paused,
		)
	})
	return marketRegistry
}

// Observe records the execution of one ledger operation.
func (m *MarketMetrics) Observe(marketSymbol, op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	symbol := normalizeLabel(marketSymbol)
	operation := strings.TrimSpace(op)
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		reason := strings.TrimSpace(err.Error())
		if reason == "" {
			reason = "unknown"
		}
		m.errors.WithLabelValues(symbol, operation, reason).Inc()
	}
	m.requests.WithLabelValues(symbol, operation, outcome).Inc()
	m.latency.WithLabelValues(symbol, operation).Observe(duration.Seconds())
}

// SetPoolGauges publishes the accrued market level figures.
func (m *MarketMetrics) SetPoolGauges(marketSymbol string, assets, sharePrice, utilization, fixedOwed *big.Int) {
	if m == nil {
		return
	}
	symbol := normalizeLabel(marketSymbol)
	m.poolAssets.WithLabelValues(symbol).Set(bigToFloat(assets))
	m.sharePrice.WithLabelValues(symbol).Set(bigToFloat(sharePrice))
	m.utilization.WithLabelValues(symbol).Set(bigToFloat(utilization))
	m.fixedOwed.WithLabelValues(symbol).Set(bigToFloat(fixedOwed))
}

// SetPaused publishes the pause flag for the market.
func (m *MarketMetrics) SetPaused(marketSymbol string, paused bool) {
	if m == nil {
		return
	}
	value := 0.0
	if paused {
		value = 1.0
	}
	m.paused.WithLabelValues(normalizeLabel(marketSymbol)).Set(value)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
