package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks decision-core performance: latency histograms for the hot
// paths and atomic counters fed by the event bus.
type Metrics struct {
	SubmitLatency    *LatencyHistogram
	ExecutionLatency *LatencyHistogram
	StoreLatency     *LatencyHistogram

	signalsEvaluated uint64
	signalsAccepted  uint64
	ordersSubmitted  uint64
	ordersFilled     uint64
	ordersRejected   uint64
	ticksProcessed   uint64
	driftCorrections uint64
	errorsCount      uint64
}

// LatencyHistogram keeps a sliding window of samples with lazily computed
// percentile stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// NewMetrics creates a metrics instance with default window sizes.
func NewMetrics() *Metrics {
	return &Metrics{
		SubmitLatency:    NewLatencyHistogram(1000),
		ExecutionLatency: NewLatencyHistogram(1000),
		StoreLatency:     NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts d to milliseconds and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputes only when samples
// changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[min(int(float64(n)*0.95), n-1)],
		P99:   sorted[min(int(float64(n)*0.99), n-1)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

func (m *Metrics) IncrementSignalsEvaluated() { atomic.AddUint64(&m.signalsEvaluated, 1) }
func (m *Metrics) IncrementSignalsAccepted()  { atomic.AddUint64(&m.signalsAccepted, 1) }
func (m *Metrics) IncrementOrdersSubmitted()  { atomic.AddUint64(&m.ordersSubmitted, 1) }
func (m *Metrics) IncrementOrdersFilled()     { atomic.AddUint64(&m.ordersFilled, 1) }
func (m *Metrics) IncrementOrdersRejected()   { atomic.AddUint64(&m.ordersRejected, 1) }
func (m *Metrics) IncrementTicks()            { atomic.AddUint64(&m.ticksProcessed, 1) }
func (m *Metrics) IncrementDriftCorrections() { atomic.AddUint64(&m.driftCorrections, 1) }
func (m *Metrics) IncrementErrors()           { atomic.AddUint64(&m.errorsCount, 1) }

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	SubmitLatency    LatencyStats `json:"submit_latency"`
	ExecutionLatency LatencyStats `json:"execution_latency"`
	StoreLatency     LatencyStats `json:"store_latency"`
	SignalsEvaluated uint64       `json:"signals_evaluated"`
	SignalsAccepted  uint64       `json:"signals_accepted"`
	OrdersSubmitted  uint64       `json:"orders_submitted"`
	OrdersFilled     uint64       `json:"orders_filled"`
	OrdersRejected   uint64       `json:"orders_rejected"`
	TicksProcessed   uint64       `json:"ticks_processed"`
	DriftCorrections uint64       `json:"drift_corrections"`
	ErrorsCount      uint64       `json:"errors_count"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	HeapSys          uint64       `json:"heap_sys_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		SubmitLatency:    m.SubmitLatency.Stats(),
		ExecutionLatency: m.ExecutionLatency.Stats(),
		StoreLatency:     m.StoreLatency.Stats(),
		SignalsEvaluated: atomic.LoadUint64(&m.signalsEvaluated),
		SignalsAccepted:  atomic.LoadUint64(&m.signalsAccepted),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		OrdersFilled:     atomic.LoadUint64(&m.ordersFilled),
		OrdersRejected:   atomic.LoadUint64(&m.ordersRejected),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		DriftCorrections: atomic.LoadUint64(&m.driftCorrections),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Timestamp:        time.Now(),
	}
}
