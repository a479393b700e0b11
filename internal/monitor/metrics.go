// Package monitor tracks relay throughput and latency for the metrics
// endpoint.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trade-relay/internal/gateway"
)

// SystemMetrics tracks overall relay performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	WebhookLatency *LatencyHistogram
	BrokerLatency  *LatencyHistogram
	DBLatency      *LatencyHistogram
	APILatency     *LatencyHistogram

	// Counters
	webhooksReceived uint64
	ordersPlaced     uint64
	ordersFailed     uint64
	errorsCount      uint64
	apiRequests      uint64
	apiErrors        uint64

	// Broker pool stats, refreshed periodically from main.
	poolStats gateway.PoolStats

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples over a sliding window. Stats
// are recomputed lazily, only when samples changed.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		WebhookLatency: NewLatencyHistogram(1000),
		BrokerLatency:  NewLatencyHistogram(1000),
		DBLatency:      NewLatencyHistogram(1000),
		APILatency:     NewLatencyHistogram(1000),
		lastUpdate:     time.Now(),
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

// RecordDuration converts a duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
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
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementWebhooks counts an incoming alert.
func (m *SystemMetrics) IncrementWebhooks() {
	atomic.AddUint64(&m.webhooksReceived, 1)
}

// IncrementOrdersPlaced counts a broker-accepted order.
func (m *SystemMetrics) IncrementOrdersPlaced() {
	atomic.AddUint64(&m.ordersPlaced, 1)
}

// IncrementOrdersFailed counts a broker-rejected order.
func (m *SystemMetrics) IncrementOrdersFailed() {
	atomic.AddUint64(&m.ordersFailed, 1)
}

// IncrementErrors counts an internal error.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// IncrementAPI counts an HTTP request.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors counts an HTTP 4xx/5xx response.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// MetricsSnapshot is a point-in-time view for the metrics endpoint.
type MetricsSnapshot struct {
	WebhookLatency   LatencyStats      `json:"webhook_latency"`
	BrokerLatency    LatencyStats      `json:"broker_latency"`
	DBLatency        LatencyStats      `json:"db_latency"`
	APILatency       LatencyStats      `json:"api_latency"`
	WebhooksReceived uint64            `json:"webhooks_received"`
	OrdersPlaced     uint64            `json:"orders_placed"`
	OrdersFailed     uint64            `json:"orders_failed"`
	ErrorsCount      uint64            `json:"errors_count"`
	APIRequests      uint64            `json:"api_requests"`
	APIErrors        uint64            `json:"api_errors"`
	BrokerPool       gateway.PoolStats `json:"broker_pool"`
	GoroutineCount   int               `json:"goroutine_count"`
	HeapAlloc        uint64            `json:"heap_alloc_bytes"`
	HeapSys          uint64            `json:"heap_sys_bytes"`
	Timestamp        time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	pool := m.poolStats
	m.mu.RUnlock()

	return MetricsSnapshot{
		WebhookLatency:   m.WebhookLatency.Stats(),
		BrokerLatency:    m.BrokerLatency.Stats(),
		DBLatency:        m.DBLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		WebhooksReceived: atomic.LoadUint64(&m.webhooksReceived),
		OrdersPlaced:     atomic.LoadUint64(&m.ordersPlaced),
		OrdersFailed:     atomic.LoadUint64(&m.ordersFailed),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		BrokerPool:       pool,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Timestamp:        time.Now(),
	}
}

// SetPoolStats updates broker pool statistics.
func (m *SystemMetrics) SetPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolStats = stats
}

// Timer measures an operation's duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
