package telemetry

import (
	"errors"
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

// Default bucket boundaries for request durations (seconds).
var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// Seed runs write thousands of rows, so their buckets start higher.
var seedDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
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
	atomicAddFloat64(&h.sum, v)

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

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics collects HTTP and seed-run metrics for the dashboard and renders
// them in the Prometheus text exposition format.
type Metrics struct {
	mu       sync.RWMutex
	requests map[string]*histogram // method|route|status

	active atomic.Int64

	seedRuns      atomic.Int64
	seedInserted  atomic.Int64
	lastSeedSize  atomic.Int64
	lastSeedEpoch atomic.Int64
	seedDuration  *histogram
}

func New() *Metrics {
	return &Metrics{
		requests:     make(map[string]*histogram),
		seedDuration: newHistogram(seedDurationBuckets),
	}
}

// LabelsKey builds the map key for a request histogram.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

func (m *Metrics) requestHistogram(key string) *histogram {
	m.mu.RLock()
	h, ok := m.requests[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.requests[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.requests[key] = h
	}
	return h
}

// RequestCount returns how many requests were observed for a label set.
func (m *Metrics) RequestCount(method, route, statusCode string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.requests[LabelsKey(method, route, statusCode)]; ok {
		return h.Count()
	}
	return 0
}

func (m *Metrics) ActiveRequests() int64 { return m.active.Load() }

// RecordSeed records one successful seed run.
func (m *Metrics) RecordSeed(inserted int64, took time.Duration, at time.Time) {
	m.seedRuns.Add(1)
	m.seedInserted.Add(inserted)
	m.lastSeedSize.Store(inserted)
	m.lastSeedEpoch.Store(at.Unix())
	m.seedDuration.Observe(took.Seconds())
}

func (m *Metrics) SeedRuns() int64 { return m.seedRuns.Load() }

// Middleware records request duration per method, route and status code.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.active.Add(1)
			start := time.Now()

			err := next(c)

			m.active.Add(-1)
			status := c.Response().Status
			if err != nil {
				// Echo writes the error response after the middleware chain.
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := LabelsKey(c.Request().Method, route, strconv.Itoa(status))
			m.requestHistogram(key).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves all metrics at /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		m.mu.RLock()
		keys := make([]string, 0, len(m.requests))
		for k := range m.requests {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts := strings.SplitN(k, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_server_request_duration_seconds", labels, m.requests[k])
		}
		m.mu.RUnlock()
		b.WriteByte('\n')

		writeGauge(&b, "http_server_active_requests", "Number of active HTTP requests.", m.active.Load())

		writeCounter(&b, "visit_seed_runs_total", "Successful seed runs.", m.seedRuns.Load())
		writeCounter(&b, "visit_seed_inserted_total", "Visits inserted across all seed runs.", m.seedInserted.Load())
		writeGauge(&b, "visit_seed_last_inserted", "Visits inserted by the most recent seed run.", m.lastSeedSize.Load())
		writeGauge(&b, "visit_seed_last_timestamp_seconds", "Unix time of the most recent seed run.", m.lastSeedEpoch.Load())

		b.WriteString("# HELP visit_seed_duration_seconds Duration of seed runs in seconds.\n")
		b.WriteString("# TYPE visit_seed_duration_seconds histogram\n")
		writeHistogram(&b, "visit_seed_duration_seconds", "", m.seedDuration)

		return c.String(http.StatusOK, b.String())
	}
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

func writeCounter(b *strings.Builder, name, help string, v int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, v)
}

func writeGauge(b *strings.Builder, name, help string, v int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", name, help, name, name, v)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
