// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for the WeCom gateway, rendered in text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// Handler serves the exposition text. Series are sorted so scrapes diff
// cleanly.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.Render(w)
	}
}

// Render writes every metric in Prometheus text format.
func (c *MetricsCollector) Render(w io.Writer) {
	fmt.Fprintf(w, "# HELP wecombot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(w, "# TYPE wecombot_uptime_seconds gauge\n")
	fmt.Fprintf(w, "wecombot_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	var header string
	for _, ctr := range sortedSeries[*Counter](&c.counters) {
		header = writeHeader(w, header, ctr.name, ctr.help, "counter")
		fmt.Fprintf(w, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}
	for _, g := range sortedSeries[*Gauge](&c.gauges) {
		header = writeHeader(w, header, g.name, g.help, "gauge")
		fmt.Fprintf(w, "%s %d\n", series(g.name, g.labels), g.Value())
	}
	for _, h := range sortedSeries[*Histogram](&c.histograms) {
		header = writeHeader(w, header, h.name, h.help, "histogram")
		h.mu.Lock()
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(w, "%s %d\n", series(h.name+"_bucket", joinLabels(h.labels, `le="`+le+`"`)), b.count)
		}
		fmt.Fprintf(w, "%s %d\n", series(h.name+"_bucket", joinLabels(h.labels, `le="+Inf"`)), h.count)
		fmt.Fprintf(w, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(w, "%s %g\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}
}

func writeHeader(w io.Writer, last, name, help, kind string) string {
	if name != last {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	}
	return name
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func joinLabels(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

// sortedSeries returns the values of m ordered by their name{labels} key.
func sortedSeries[T any](m *sync.Map) []T {
	var keys []string
	vals := make(map[string]T)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v.(T)
		return true
	})
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, vals[k])
	}
	return out
}

// --- Pre-defined metrics used across the gateway ---

var (
	CallbacksTotal    = Collector.Counter("wecombot_callbacks_total", "Total verified WeCom callbacks", "")
	CallbacksRejected = Collector.Counter("wecombot_callbacks_rejected_total", "Callbacks failing signature or decryption", "")
	InboundDuplicates = Collector.Counter("wecombot_inbound_duplicates_total", "Callbacks dropped as redeliveries", "")
	InboundFiltered   = Collector.Counter("wecombot_inbound_filtered_total", "Inbound messages dropped by allow-list or mention policy", "")
	RepliesSent       = Collector.Counter("wecombot_replies_sent_total", "Replies delivered through response_url", "")
	ReplyNoChannel    = Collector.Counter("wecombot_reply_failures_total", "Failed reply attempts", `reason="no_reply_channel"`)
	ReplyTransport    = Collector.Counter("wecombot_reply_failures_total", "Failed reply attempts", `reason="transport"`)
	RunningAccounts   = Collector.Gauge("wecombot_running_accounts", "Accounts with a registered webhook", "")

	ReplyLatency = Collector.Histogram("wecombot_reply_latency_seconds", "response_url POST latency in seconds", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15})
)
