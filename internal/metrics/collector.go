// Package metrics aggregates per-fit service measurements such as wall time,
// iteration counts and final error, keyed by metric name and label set.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultMaxPoints bounds the samples retained per series.
const DefaultMaxPoints = 4096

// Point is one recorded value.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Aggregation summarises the retained points of one series.
type Aggregation struct {
	Count  int64   `json:"count"`
	Sum    float64 `json:"sum"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// SeriesSummary is the aggregation of one (name, labels) series.
type SeriesSummary struct {
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels,omitempty"`
	Total       int64             `json:"total"`
	Aggregation *Aggregation      `json:"aggregation"`
}

// Summary is a snapshot of every series.
type Summary struct {
	StartTime time.Time       `json:"start_time"`
	Uptime    time.Duration   `json:"uptime"`
	Series    []SeriesSummary `json:"series"`
}

type series struct {
	labels map[string]string
	points []Point
	// total counts every recorded point, including evicted ones.
	total int64
}

// Collector is safe for concurrent use.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	maxPoints int

	// metric name -> label key -> series
	series map[string]map[string]*series
}

// NewCollector returns a collector retaining up to maxPoints samples per
// series. A non-positive maxPoints selects DefaultMaxPoints.
func NewCollector(maxPoints int) *Collector {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &Collector{
		startTime: time.Now(),
		maxPoints: maxPoints,
		series:    make(map[string]map[string]*series),
	}
}

// Record appends a value at timestamp, evicting the oldest point once the
// series is full.
func (c *Collector) Record(name string, value float64, timestamp time.Time, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := labelKey(labels)
	if c.series[name] == nil {
		c.series[name] = make(map[string]*series)
	}
	s := c.series[name][key]
	if s == nil {
		s = &series{labels: copyLabels(labels)}
		c.series[name][key] = s
	}
	if len(s.points) == c.maxPoints {
		copy(s.points, s.points[1:])
		s.points = s.points[:len(s.points)-1]
	}
	s.points = append(s.points, Point{Timestamp: timestamp, Value: value})
	s.total++
}

// RecordNow records value at the current time.
func (c *Collector) RecordNow(name string, value float64, labels map[string]string) {
	c.Record(name, value, time.Now(), labels)
}

// Points returns a copy of the retained points of one series.
func (c *Collector) Points(name string, labels map[string]string) []Point {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.lookup(name, labelKey(labels))
	if s == nil {
		return nil
	}
	return append([]Point(nil), s.points...)
}

// Aggregation computes statistics for one series, or nil when it is empty.
func (c *Collector) Aggregation(name string, labels map[string]string) *Aggregation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.lookup(name, labelKey(labels))
	if s == nil {
		return nil
	}
	return aggregate(s.points)
}

// Total returns how many values were ever recorded into one series.
func (c *Collector) Total(name string, labels map[string]string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if s := c.lookup(name, labelKey(labels)); s != nil {
		return s.total
	}
	return 0
}

// Summary aggregates all series, ordered by name then labels.
func (c *Collector) Summary() *Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &Summary{
		StartTime: c.startTime,
		Uptime:    time.Since(c.startTime),
		Series:    make([]SeriesSummary, 0),
	}
	for _, name := range c.namesLocked() {
		byLabel := c.series[name]
		keys := make([]string, 0, len(byLabel))
		for k := range byLabel {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := byLabel[k]
			out.Series = append(out.Series, SeriesSummary{
				Name:        name,
				Labels:      copyLabels(s.labels),
				Total:       s.total,
				Aggregation: aggregate(s.points),
			})
		}
	}
	return out
}

// Names returns the recorded metric names, sorted.
func (c *Collector) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.namesLocked()
}

// Clear drops every series and restarts the uptime clock.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.series = make(map[string]map[string]*series)
	c.startTime = time.Now()
}

func (c *Collector) namesLocked() []string {
	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookup returns the series without locking (caller must hold the lock).
func (c *Collector) lookup(name, key string) *series {
	if c.series[name] == nil {
		return nil
	}
	return c.series[name][key]
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func aggregate(points []Point) *Aggregation {
	if len(points) == 0 {
		return nil
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	sort.Float64s(values)

	mean, std := stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		std = 0
	}
	return &Aggregation{
		Count:  int64(len(values)),
		Sum:    floats.Sum(values),
		Min:    values[0],
		Max:    values[len(values)-1],
		Mean:   mean,
		StdDev: std,
		P50:    percentile(values, 0.50),
		P95:    percentile(values, 0.95),
		P99:    percentile(values, 0.99),
	}
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	index := p * float64(len(sorted)-1)
	lower := int(index)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[lower+1]*weight
}
