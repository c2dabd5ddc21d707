package observability

import (
	"context"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "treasuryvault/observability"

var (
	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// VaultMetrics bundles collectors tracking settlement engine health. It
// satisfies vault.Metrics. Settlement outcomes are also exported through the
// OpenTelemetry meter so they reach the OTLP collector.
type VaultMetrics struct {
	settlements *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	balance     *prometheus.GaugeVec
	withdrawn   *prometheus.CounterVec
	credited    *prometheus.CounterVec

	meters vaultMeters
}

type vaultMeters struct {
	settlements metric.Int64Counter
	latency     metric.Float64Histogram
}

func newVaultMeters(meter metric.Meter) (vaultMeters, error) {
	settlements, err := meter.Int64Counter("treasury.vault.settlements",
		metric.WithDescription("Settlement attempts segmented by asset and outcome."))
	if err != nil {
		return vaultMeters{}, err
	}
	latency, err := meter.Float64Histogram("treasury.vault.settlement.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Latency of committed settlements including the transfer step."))
	if err != nil {
		return vaultMeters{}, err
	}
	return vaultMeters{settlements: settlements, latency: latency}, nil
}

func (m vaultMeters) observe(asset, outcome string, elapsed time.Duration) {
	if m.settlements == nil {
		return
	}
	ctx := context.Background()
	m.settlements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("asset", asset),
		attribute.String("outcome", outcome),
	))
	if outcome == "ok" {
		m.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("asset", asset)))
	}
}

// Vault exposes the lazily-initialised metrics registry for the settlement vault.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "vault",
				Name:      "settlements_total",
				Help:      "Settlement attempts segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "treasury",
				Subsystem: "vault",
				Name:      "settlement_duration_seconds",
				Help:      "Latency distribution for settlement calls including the transfer step.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"asset"}),
			balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "treasury",
				Subsystem: "vault",
				Name:      "balance",
				Help:      "Spendable vault balance in the smallest asset unit.",
			}, []string{"asset"}),
			withdrawn: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "vault",
				Name:      "withdrawn_total",
				Help:      "Amount reclaimed by the admin in the smallest asset unit.",
			}, []string{"asset"}),
			credited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "vault",
				Name:      "credited_total",
				Help:      "Amount funded into the vault in the smallest asset unit.",
			}, []string{"asset"}),
		}
		// The global meter delegates to whichever provider telemetry installs.
		if meters, err := newVaultMeters(otel.Meter(meterName)); err == nil {
			vaultRegistry.meters = meters
		}
		prometheus.MustRegister(
			vaultRegistry.settlements,
			vaultRegistry.latency,
			vaultRegistry.balance,
			vaultRegistry.withdrawn,
			vaultRegistry.credited,
		)
	})
	return vaultRegistry
}

// ObserveSettlement counts a settlement attempt and, for committed ones, records its latency.
func (m *VaultMetrics) ObserveSettlement(asset, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unspecified"
	}
	label := labelAsset(asset)
	m.settlements.WithLabelValues(label, outcome).Inc()
	if outcome == "ok" {
		m.latency.WithLabelValues(label).Observe(elapsed.Seconds())
	}
	m.meters.observe(label, outcome, elapsed)
}

// RecordBalance updates the balance gauge.
func (m *VaultMetrics) RecordBalance(asset string, balance *uint256.Int) {
	if m == nil {
		return
	}
	m.balance.WithLabelValues(labelAsset(asset)).Set(amountToFloat(balance))
}

// RecordWithdrawal adds amount to the withdrawn counter.
func (m *VaultMetrics) RecordWithdrawal(asset string, amount *uint256.Int) {
	if m == nil {
		return
	}
	m.withdrawn.WithLabelValues(labelAsset(asset)).Add(amountToFloat(amount))
}

// RecordCredit adds amount to the credited counter.
func (m *VaultMetrics) RecordCredit(asset string, amount *uint256.Int) {
	if m == nil {
		return
	}
	m.credited.WithLabelValues(labelAsset(asset)).Add(amountToFloat(amount))
}

// GatewayMetrics tracks the HTTP surface of vaultd.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
	streams   prometheus.Gauge
}

// Gateway returns the lazily-initialised HTTP metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "vaultd",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "treasury",
				Subsystem: "vaultd",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "treasury",
				Subsystem: "vaultd",
				Name:      "throttles_total",
				Help:      "Requests rejected by the per-caller rate limiter.",
			}, []string{"route"}),
			streams: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "treasury",
				Subsystem: "vaultd",
				Name:      "record_streams",
				Help:      "Open settlement record websocket streams.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
			gatewayRegistry.streams,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of one HTTP request.
func (m *GatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelRoute(route)
	if status == 0 {
		status = 200
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle counts a rate limited request.
func (m *GatewayMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelRoute(route)).Inc()
}

// StreamOpened increments the open stream gauge; the returned func decrements it.
func (m *GatewayMetrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.streams.Inc()
	var once sync.Once
	return func() { once.Do(m.streams.Dec) }
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func labelRoute(route string) string {
	if trimmed := strings.TrimSpace(route); trimmed != "" {
		return trimmed
	}
	return "unmatched"
}

func amountToFloat(value *uint256.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value.ToBig()).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
