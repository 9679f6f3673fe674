// Package metrics exposes tracker and peer counters in the Prometheus
// text format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds every counter the tracker and peer processes report.
// A process only moves the subset it owns; the rest stay zero.
type Metrics struct {
	// Tracker side.
	RequestsTotal   *CounterVec // label: action
	RequestFailures *CounterVec // label: action
	RegisteredUsers *Gauge
	ActivePeers     *Gauge
	TrackedFiles    *Gauge
	ChatRooms       *Gauge
	SnapshotsTotal  *Counter
	SnapshotErrors  *Counter

	// Peer side.
	ChunksServed    *Counter
	ChunksFetched   *Counter
	ChunkRetries    *Counter
	BytesUploaded   *Counter
	BytesDownloaded *Counter
	DownloadsTotal  *CounterVec // label: result
	ActiveUploads   *Gauge
	ActiveDownloads *Gauge

	RequestDuration *HistogramVec // label: action
	ChunkFetchTime  *Histogram
	DownloadTime    *Histogram
}

// Counter is a monotonically increasing metric.
type Counter struct {
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds v to the counter.
func (c *Counter) Add(v int64) {
	c.value.Add(v)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// CounterVec is a counter split by a single label.
type CounterVec struct {
	mu       sync.RWMutex
	counters map[string]*Counter
}

// NewCounterVec creates an empty labeled counter.
func NewCounterVec() *CounterVec {
	return &CounterVec{counters: make(map[string]*Counter)}
}

// WithLabel returns the counter for label, creating it if needed.
func (cv *CounterVec) WithLabel(label string) *Counter {
	cv.mu.RLock()
	c, ok := cv.counters[label]
	cv.mu.RUnlock()
	if ok {
		return c
	}

	cv.mu.Lock()
	defer cv.mu.Unlock()
	if c, ok := cv.counters[label]; ok {
		return c
	}
	c = &Counter{}
	cv.counters[label] = c
	return c
}

// Values returns a snapshot of every label's value.
func (cv *CounterVec) Values() map[string]int64 {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	out := make(map[string]int64, len(cv.counters))
	for label, c := range cv.counters {
		out[label] = c.Value()
	}
	return out
}

// Gauge is an integer metric that can go up and down. Everything the
// tracker and peers gauge is a count, so int64 is enough.
type Gauge struct {
	value atomic.Int64
}

// Set sets the gauge.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Histogram tracks a distribution across fixed bucket boundaries.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// NewHistogram creates a histogram with the given upper bounds.
func NewHistogram(buckets []float64) *Histogram {
	return &Histogram{
		buckets: buckets,
		counts:  make([]int64, len(buckets)+1),
	}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

// Stats returns the observation count, sum, and per-bucket counts.
func (h *Histogram) Stats() (count int64, sum float64, buckets []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.counts))
	copy(out, h.counts)
	return h.count, h.sum, out
}

// HistogramVec is a histogram split by a single label.
type HistogramVec struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
	buckets    []float64
}

// NewHistogramVec creates an empty labeled histogram.
func NewHistogramVec(buckets []float64) *HistogramVec {
	return &HistogramVec{
		histograms: make(map[string]*Histogram),
		buckets:    buckets,
	}
}

// WithLabel returns the histogram for label, creating it if needed.
func (hv *HistogramVec) WithLabel(label string) *Histogram {
	hv.mu.RLock()
	h, ok := hv.histograms[label]
	hv.mu.RUnlock()
	if ok {
		return h
	}

	hv.mu.Lock()
	defer hv.mu.Unlock()
	if h, ok := hv.histograms[label]; ok {
		return h
	}
	h = NewHistogram(hv.buckets)
	hv.histograms[label] = h
	return h
}

func (hv *HistogramVec) snapshot() map[string]*Histogram {
	hv.mu.RLock()
	defer hv.mu.RUnlock()
	out := make(map[string]*Histogram, len(hv.histograms))
	for label, h := range hv.histograms {
		out[label] = h
	}
	return out
}

// Bucket boundaries in seconds. Chunk fetches are capped by the 20s
// attempt timeout; whole downloads can run much longer.
var (
	ChunkTimeBuckets    = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20}
	DownloadTimeBuckets = []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300}
)

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{
		RequestsTotal:   NewCounterVec(),
		RequestFailures: NewCounterVec(),
		RegisteredUsers: &Gauge{},
		ActivePeers:     &Gauge{},
		TrackedFiles:    &Gauge{},
		ChatRooms:       &Gauge{},
		SnapshotsTotal:  &Counter{},
		SnapshotErrors:  &Counter{},

		ChunksServed:    &Counter{},
		ChunksFetched:   &Counter{},
		ChunkRetries:    &Counter{},
		BytesUploaded:   &Counter{},
		BytesDownloaded: &Counter{},
		DownloadsTotal:  NewCounterVec(),
		ActiveUploads:   &Gauge{},
		ActiveDownloads: &Gauge{},

		RequestDuration: NewHistogramVec(ChunkTimeBuckets),
		ChunkFetchTime:  NewHistogram(ChunkTimeBuckets),
		DownloadTime:    NewHistogram(DownloadTimeBuckets),
	}
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		writeCounterVec(w, "chunkswarm_requests_total", "action", m.RequestsTotal)
		writeCounterVec(w, "chunkswarm_request_failures_total", "action", m.RequestFailures)
		writeGauge(w, "chunkswarm_registered_users", m.RegisteredUsers.Value())
		writeGauge(w, "chunkswarm_active_peers", m.ActivePeers.Value())
		writeGauge(w, "chunkswarm_tracked_files", m.TrackedFiles.Value())
		writeGauge(w, "chunkswarm_chat_rooms", m.ChatRooms.Value())
		writeCounter(w, "chunkswarm_snapshots_total", m.SnapshotsTotal.Value())
		writeCounter(w, "chunkswarm_snapshot_errors_total", m.SnapshotErrors.Value())

		writeCounter(w, "chunkswarm_chunks_served_total", m.ChunksServed.Value())
		writeCounter(w, "chunkswarm_chunks_fetched_total", m.ChunksFetched.Value())
		writeCounter(w, "chunkswarm_chunk_retries_total", m.ChunkRetries.Value())
		writeCounter(w, "chunkswarm_bytes_uploaded_total", m.BytesUploaded.Value())
		writeCounter(w, "chunkswarm_bytes_downloaded_total", m.BytesDownloaded.Value())
		writeCounterVec(w, "chunkswarm_downloads_total", "result", m.DownloadsTotal)
		writeGauge(w, "chunkswarm_active_uploads", m.ActiveUploads.Value())
		writeGauge(w, "chunkswarm_active_downloads", m.ActiveDownloads.Value())

		writeHistogramVec(w, "chunkswarm_request_seconds", "action", m.RequestDuration)
		writeHistogram(w, "chunkswarm_chunk_fetch_seconds", "", "", m.ChunkFetchTime)
		writeHistogram(w, "chunkswarm_download_seconds", "", "", m.DownloadTime)
	})
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sortedLabels(values map[string]int64) []string {
	labels := make([]string, 0, len(values))
	for label := range values {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func writeCounter(w http.ResponseWriter, name string, value int64) {
	fmt.Fprintf(w, "# TYPE %s counter\n%s %s\n", name, name, itoa(value))
}

func writeCounterVec(w http.ResponseWriter, name, label string, cv *CounterVec) {
	values := cv.Values()
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, l := range sortedLabels(values) {
		fmt.Fprintf(w, "%s{%s=%q} %s\n", name, label, l, itoa(values[l]))
	}
}

func writeGauge(w http.ResponseWriter, name string, value int64) {
	fmt.Fprintf(w, "# TYPE %s gauge\n%s %s\n", name, name, itoa(value))
}

func writeHistogram(w http.ResponseWriter, name, label, labelValue string, h *Histogram) {
	count, sum, counts := h.Stats()

	extra := ""
	if label != "" {
		extra = fmt.Sprintf("%s=%q,", label, labelValue)
	}
	if label == "" {
		fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	}

	cumulative := int64(0)
	for i, b := range h.buckets {
		cumulative += counts[i]
		fmt.Fprintf(w, "%s_bucket{%sle=%q} %s\n", name, extra, ftoa(b), itoa(cumulative))
	}
	cumulative += counts[len(counts)-1]
	fmt.Fprintf(w, "%s_bucket{%sle=\"+Inf\"} %s\n", name, extra, itoa(cumulative))

	if label == "" {
		fmt.Fprintf(w, "%s_sum %s\n%s_count %s\n", name, ftoa(sum), name, itoa(count))
	} else {
		fmt.Fprintf(w, "%s_sum{%s=%q} %s\n", name, label, labelValue, ftoa(sum))
		fmt.Fprintf(w, "%s_count{%s=%q} %s\n", name, label, labelValue, itoa(count))
	}
}

func writeHistogramVec(w http.ResponseWriter, name, label string, hv *HistogramVec) {
	histograms := hv.snapshot()
	if len(histograms) == 0 {
		return
	}

	labels := make([]string, 0, len(histograms))
	for l := range histograms {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for _, l := range labels {
		writeHistogram(w, name, label, l, histograms[l])
	}
}

// Timer measures an operation and reports it to a histogram.
type Timer struct {
	start time.Time
	h     *Histogram
}

// NewTimer starts timing against h.
func NewTimer(h *Histogram) *Timer {
	return &Timer{start: time.Now(), h: h}
}

// ObserveDuration records the elapsed seconds and returns the duration.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	if t.h != nil {
		t.h.Observe(d.Seconds())
	}
	return d
}
