package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are non-cumulative in storage; cumulative counts are computed at
// export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Above every boundary: only the +Inf bucket counts it.
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// ---------------------------------------------------------------------------
// Metric stores
// ---------------------------------------------------------------------------

// defaultDurationBuckets are request duration boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

type metrics struct {
	mu        sync.RWMutex
	durations map[string]*histogram // key: LabelsKey
	counters  map[string]*int64     // key: name|label
	gauges    map[string]*int64
}

func newMetrics() *metrics {
	return &metrics{
		durations: make(map[string]*histogram),
		counters:  make(map[string]*int64),
		gauges:    make(map[string]*int64),
	}
}

// LabelsKey builds the key of a labeled request duration histogram.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

func (m *metrics) duration(key string) *histogram {
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.durations[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.durations[key] = h
	}
	return h
}

func (m *metrics) cell(store map[string]*int64, key string) *int64 {
	m.mu.RLock()
	p, ok := store[key]
	m.mu.RUnlock()
	if ok {
		return p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok = store[key]; !ok {
		p = new(int64)
		store[key] = p
	}
	return p
}

func snapshot(mu *sync.RWMutex, store map[string]*int64) map[string]int64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]int64, len(store))
	for k, p := range store {
		out[k] = atomic.LoadInt64(p)
	}
	return out
}

// ---------------------------------------------------------------------------
// Recorders
// ---------------------------------------------------------------------------

const (
	outcomeCounter      = "administration_outcomes_total"
	activeRequestsGauge = "http_server_active_requests"
	poolActiveGauge     = "db_pool_active_connections"
	poolIdleGauge       = "db_pool_idle_connections"
)

// RecordOutcome counts one administration outcome.
func (p *Provider) RecordOutcome(outcome string) {
	if !p.cfg.metricsOn() {
		return
	}
	atomic.AddInt64(p.metrics.cell(p.metrics.counters, outcomeCounter+"|"+outcome), 1)
}

// OutcomeCount returns how many times outcome was recorded.
func (p *Provider) OutcomeCount(outcome string) int64 {
	return atomic.LoadInt64(p.metrics.cell(p.metrics.counters, outcomeCounter+"|"+outcome))
}

// SetDBPool publishes pool connection gauges.
func (p *Provider) SetDBPool(active, idle int64) {
	atomic.StoreInt64(p.metrics.cell(p.metrics.gauges, poolActiveGauge), active)
	atomic.StoreInt64(p.metrics.cell(p.metrics.gauges, poolIdleGauge), idle)
}

// Gauge returns the current value of the named gauge.
func (p *Provider) Gauge(name string) int64 {
	return atomic.LoadInt64(p.metrics.cell(p.metrics.gauges, name))
}

// RequestDurations returns the histogram for one method/route/status, or nil.
func (p *Provider) RequestDurations(method, route string, status int) *histogram {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return p.metrics.durations[LabelsKey(method, route, strconv.Itoa(status))]
}

// MetricsMiddleware records request duration by method, route pattern and
// status, plus the number of in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}

			active := p.metrics.cell(p.metrics.gauges, activeRequestsGauge)
			atomic.AddInt64(active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(active, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := strconv.Itoa(responseStatus(c, err))
			p.metrics.duration(LabelsKey(c.Request().Method, route, status)).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Prometheus exposition
// ---------------------------------------------------------------------------

// PrometheusHandler serves metrics in Prometheus text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		p.metrics.mu.RLock()
		keys := make([]string, 0, len(p.metrics.durations))
		for k := range p.metrics.durations {
			keys = append(keys, k)
		}
		durations := make(map[string]*histogram, len(keys))
		for _, k := range keys {
			durations[k] = p.metrics.durations[k]
		}
		p.metrics.mu.RUnlock()
		sort.Strings(keys)

		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		for _, k := range keys {
			parts := strings.SplitN(k, "|", 3)
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_server_request_duration_seconds", labels, durations[k])
		}
		b.WriteByte('\n')

		counters := snapshot(&p.metrics.mu, p.metrics.counters)
		names := make([]string, 0, len(counters))
		for k := range counters {
			names = append(names, k)
		}
		sort.Strings(names)
		b.WriteString("# HELP administration_outcomes_total Administration attempts by outcome.\n")
		b.WriteString("# TYPE administration_outcomes_total counter\n")
		for _, k := range names {
			parts := strings.SplitN(k, "|", 2)
			if len(parts) == 2 && parts[0] == outcomeCounter {
				fmt.Fprintf(&b, "%s{outcome=%q} %d\n", outcomeCounter, parts[1], counters[k])
			}
		}
		b.WriteByte('\n')

		gauges := snapshot(&p.metrics.mu, p.metrics.gauges)
		for _, g := range []struct{ name, help string }{
			{activeRequestsGauge, "Number of active HTTP requests."},
			{poolActiveGauge, "Number of acquired database pool connections."},
			{poolIdleGauge, "Number of idle database pool connections."},
		} {
			fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", g.name, g.help, g.name, g.name, gauges[g.name])
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
}
