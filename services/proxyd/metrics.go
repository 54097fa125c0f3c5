package proxyd

import (
	"sync"
	"time"

	"stakeproxy/native/stakeproxy/promise"
	"stakeproxy/observability"
)

// Metrics exposes Prometheus collectors for proxyd instrumentation.
type Metrics = observability.StakeProxyMetrics

// NewMetrics returns a lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.StakeProxy() }

// callObserver feeds dispatcher lifecycle transitions into the metrics.
type callObserver struct {
	metrics *Metrics
	mu      sync.Mutex
	started map[string]time.Time
}

func newCallObserver(m *Metrics) *callObserver {
	return &callObserver{metrics: m, started: make(map[string]time.Time)}
}

func (o *callObserver) CallScheduled(id string, _ promise.Call, at time.Time) {
	o.mu.Lock()
	o.started[id] = at
	o.mu.Unlock()
	o.metrics.CallStarted()
}

func (o *callObserver) CallSettled(id string, call promise.Call, result promise.Result) {
	o.mu.Lock()
	start, ok := o.started[id]
	delete(o.started, id)
	o.mu.Unlock()
	var elapsed time.Duration
	if ok {
		elapsed = result.SettledAt.Sub(start)
	}
	outcome := "success"
	switch {
	case result.Unknown():
		outcome = "unknown"
	case result.Err != nil:
		outcome = "error"
	}
	o.metrics.CallSettled(string(call.Method), outcome, elapsed)
}

// observers fans dispatcher notifications out to several observers.
type observers []promise.Observer

func (o observers) CallScheduled(id string, call promise.Call, at time.Time) {
	for _, obs := range o {
		obs.CallScheduled(id, call, at)
	}
}

func (o observers) CallSettled(id string, call promise.Call, result promise.Result) {
	for _, obs := range o {
		obs.CallSettled(id, call, result)
	}
}
