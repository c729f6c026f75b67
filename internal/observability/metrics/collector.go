package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const namespace = "market_research"

var (
	httpBuckets     = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	pipelineBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600}
)

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe records value; values above the last bucket only count towards +Inf.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// labels is an ordered list of name/value pairs used as a map key.
type labels string

func makeLabels(pairs ...string) labels {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", pairs[i], escape(pairs[i+1])))
	}
	return labels(strings.Join(parts, ","))
}

func (l labels) with(extra string) string {
	if l == "" {
		return extra
	}
	if extra == "" {
		return string(l)
	}
	return string(l) + "," + extra
}

type counterVec struct {
	name   string
	help   string
	values map[labels]uint64
}

type histogramVec struct {
	name    string
	help    string
	buckets []float64
	values  map[labels]*histogram
}

type registry struct {
	mu         sync.Mutex
	counters   []*counterVec
	histograms []*histogramVec
}

func (r *registry) counter(name, help string) *counterVec {
	c := &counterVec{name: namespace + "_" + name, help: help, values: make(map[labels]uint64)}
	r.counters = append(r.counters, c)
	return c
}

func (r *registry) histogram(name, help string, buckets []float64) *histogramVec {
	h := &histogramVec{name: namespace + "_" + name, help: help, buckets: buckets, values: make(map[labels]*histogram)}
	r.histograms = append(r.histograms, h)
	return h
}

func (r *registry) inc(c *counterVec, l labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.values[l]++
}

func (r *registry) observe(h *histogramVec, l labels, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := h.values[l]
	if hist == nil {
		hist = newHistogram(h.buckets)
		h.values[l] = hist
	}
	hist.observe(value)
}

func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.counters {
		c.values = make(map[labels]uint64)
	}
	for _, h := range r.histograms {
		h.values = make(map[labels]*histogram)
	}
}

// render writes every metric in Prometheus text exposition format.
func (r *registry) render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)

	for _, c := range r.counters {
		builder.WriteString(fmt.Sprintf("# HELP %s %s\n", c.name, c.help))
		builder.WriteString(fmt.Sprintf("# TYPE %s counter\n", c.name))
		for _, key := range sortedKeys(c.values) {
			builder.WriteString(fmt.Sprintf("%s{%s} %d\n", c.name, key, c.values[key]))
		}
	}

	for _, h := range r.histograms {
		builder.WriteString(fmt.Sprintf("# HELP %s %s\n", h.name, h.help))
		builder.WriteString(fmt.Sprintf("# TYPE %s histogram\n", h.name))
		for _, key := range sortedKeys(h.values) {
			hist := h.values[key]
			for idx, bound := range hist.buckets {
				builder.WriteString(fmt.Sprintf("%s_bucket{%s} %d\n", h.name, key.with(fmt.Sprintf("le=\"%s\"", formatFloat(bound))), hist.counts[idx]))
			}
			builder.WriteString(fmt.Sprintf("%s_bucket{%s} %d\n", h.name, key.with(`le="+Inf"`), hist.count))
			builder.WriteString(fmt.Sprintf("%s_sum{%s} %s\n", h.name, key, formatFloat(hist.sum)))
			builder.WriteString(fmt.Sprintf("%s_count{%s} %d\n", h.name, key, hist.count))
		}
	}
	return builder.String()
}

func sortedKeys[V any](m map[labels]V) []labels {
	keys := make([]labels, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

var defaultRegistry = &registry{}

var (
	httpRequests = defaultRegistry.counter("http_requests_total", "Total number of HTTP requests processed.")
	httpErrors   = defaultRegistry.counter("http_request_errors_total", "Total number of HTTP requests that resulted in a server error.")
	httpLatency  = defaultRegistry.histogram("http_request_duration_seconds", "HTTP request duration in seconds.", httpBuckets)

	pipelineRuns     = defaultRegistry.counter("pipeline_runs_total", "Report pipeline runs by outcome.")
	pipelineDuration = defaultRegistry.histogram("pipeline_run_duration_seconds", "Report pipeline run duration in seconds.", pipelineBuckets)
	taskRuns         = defaultRegistry.counter("pipeline_tasks_total", "Pipeline task executions by task and result.")
	taskDuration     = defaultRegistry.histogram("pipeline_task_duration_seconds", "Pipeline task duration in seconds.", pipelineBuckets)

	jobsFinished = defaultRegistry.counter("jobs_finished_total", "Report jobs that reached a terminal status.")
	jobDuration  = defaultRegistry.histogram("job_duration_seconds", "Time from claim to terminal status in seconds.", pipelineBuckets)
)

// Render returns the current metrics snapshot in Prometheus text format.
func Render() string {
	return defaultRegistry.render()
}

// Reset clears every recorded value. Intended for tests.
func Reset() {
	defaultRegistry.reset()
}
