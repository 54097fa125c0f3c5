package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	stakeProxyOnce sync.Once
	stakeProxyReg  *StakeProxyMetrics

	poolSimOnce sync.Once
	poolSimReg  *PoolSimMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// handler activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeproxy",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by service, route, and outcome.",
			}, []string{"service", "route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeproxy",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by service, route, and status code.",
			}, []string{"service", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stakeproxy",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"service", "route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeproxy",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"service", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(service, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	service = labelOr(service, "unknown")
	route = labelOr(route, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(service, route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(service, route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(service, route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied service and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(service, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(service, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// StakeProxyMetrics wraps collectors tracking the proxy engine and its pool
// calls.
type StakeProxyMetrics struct {
	operations   *prometheus.CounterVec
	callbacks    *prometheus.CounterVec
	rollbacks    *prometheus.CounterVec
	transfers    *prometheus.CounterVec
	callLatency  *prometheus.HistogramVec
	inflight     prometheus.Gauge
	guardsHeld   prometheus.Gauge
	totalShares  prometheus.Gauge
	sharePrice   prometheus.Gauge
	feeBps       prometheus.Gauge
	pauseEngaged prometheus.Gauge
}

// StakeProxy exposes the metrics registry for the proxy engine.
func StakeProxy() *StakeProxyMetrics {
	stakeProxyOnce.Do(func() {
		stakeProxyReg = &StakeProxyMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeproxy",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of user operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeproxy",
				Subsystem: "engine",
				Name:      "callbacks_total",
				Help:      "Count of pool callbacks segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeproxy",
				Subsystem: "engine",
				Name:      "rollbacks_total",
				Help:      "Count of ledger rollbacks after failed pool calls.",
			}, []string{"operation"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeproxy",
				Subsystem: "engine",
				Name:      "transfer_failures_total",
				Help:      "Count of payouts that failed and were re-credited.",
			}, []string{"operation"}),
			callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stakeproxy",
				Subsystem: "pool",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for pool calls from scheduling to settlement.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "outcome"}),
			inflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeproxy",
				Subsystem: "pool",
				Name:      "calls_in_flight",
				Help:      "Number of pool calls awaiting settlement.",
			}),
			guardsHeld: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeproxy",
				Subsystem: "engine",
				Name:      "guards_held",
				Help:      "Number of busy guards currently held.",
			}),
			totalShares: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeproxy",
				Subsystem: "engine",
				Name:      "total_stake_shares",
				Help:      "Pool shares attributed to all accounts.",
			}),
			sharePrice: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeproxy",
				Subsystem: "engine",
				Name:      "share_price",
				Help:      "Cached share price as a ratio (1.0 at initialisation).",
			}),
			feeBps: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeproxy",
				Subsystem: "engine",
				Name:      "fee_basis_points",
				Help:      "Cached pool fee in basis points.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakeproxy",
				Subsystem: "engine",
				Name:      "pause_engaged",
				Help:      "Indicates whether staking is paused (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			stakeProxyReg.operations,
			stakeProxyReg.callbacks,
			stakeProxyReg.rollbacks,
			stakeProxyReg.transfers,
			stakeProxyReg.callLatency,
			stakeProxyReg.inflight,
			stakeProxyReg.guardsHeld,
			stakeProxyReg.totalShares,
			stakeProxyReg.sharePrice,
			stakeProxyReg.feeBps,
			stakeProxyReg.pauseEngaged,
		)
	})
	return stakeProxyReg
}

// RecordOperation counts a user operation.
func (m *StakeProxyMetrics) RecordOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(labelOr(op, "unknown"), labelOr(outcome, "unknown")).Inc()
}

// RecordCallback counts a settled pool callback.
func (m *StakeProxyMetrics) RecordCallback(method, outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(labelOr(method, "unknown"), labelOr(outcome, "unknown")).Inc()
}

// RecordRollback counts a ledger rollback.
func (m *StakeProxyMetrics) RecordRollback(op string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(labelOr(op, "unknown")).Inc()
}

// RecordTransferFailure counts a payout that bounced.
func (m *StakeProxyMetrics) RecordTransferFailure(op string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(labelOr(op, "unknown")).Inc()
}

// SetGuardsHeld updates the busy guard gauge.
func (m *StakeProxyMetrics) SetGuardsHeld(n int) {
	if m == nil {
		return
	}
	m.guardsHeld.Set(float64(n))
}

// SetContract publishes the contract-wide totals. The share price is reported
// as a ratio against the 10^24 denominator.
func (m *StakeProxyMetrics) SetContract(totalShares, sharePrice *uint256.Int, feeBps uint16) {
	if m == nil {
		return
	}
	m.totalShares.Set(uintToFloat(totalShares))
	m.sharePrice.Set(uintToFloat(sharePrice) / 1e24)
	m.feeBps.Set(float64(feeBps))
}

// SetPause toggles the pause_engaged gauge.
func (m *StakeProxyMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// CallStarted increments the in-flight gauge.
func (m *StakeProxyMetrics) CallStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// CallSettled decrements the in-flight gauge and observes the call latency
// under outcome ("success", "error" or "unknown").
func (m *StakeProxyMetrics) CallSettled(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.callLatency.WithLabelValues(labelOr(method, "unknown"), outcome).Observe(d.Seconds())
}

// PoolSimMetrics tracks the simulated pool daemon.
type PoolSimMetrics struct {
	calls    *prometheus.CounterVec
	injected *prometheus.CounterVec
}

// PoolSim exposes the metrics registry for the pool simulator.
func PoolSim() *PoolSimMetrics {
	poolSimOnce.Do(func() {
		poolSimReg = &PoolSimMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeproxy",
				Subsystem: "poolsim",
				Name:      "calls_total",
				Help:      "Count of JSON-RPC calls served segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			injected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakeproxy",
				Subsystem: "poolsim",
				Name:      "faults_injected_total",
				Help:      "Count of faults scheduled through the admin API.",
			}, []string{"method", "kind"}),
		}
		prometheus.MustRegister(poolSimReg.calls, poolSimReg.injected)
	})
	return poolSimReg
}

// RecordCall counts a served call.
func (m *PoolSimMetrics) RecordCall(method string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(labelOr(method, "unknown"), outcome).Inc()
}

// RecordFault counts an injected fault.
func (m *PoolSimMetrics) RecordFault(method, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.injected.WithLabelValues(labelOr(method, "unknown"), labelOr(kind, "unknown")).Add(float64(n))
}

func labelOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func uintToFloat(value *uint256.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value.ToBig()).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
