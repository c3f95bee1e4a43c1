// Package results collects validation results and derives run statistics.
package results

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/specjet-api/specjet-sub000/pkg/validation"
)

// Statistics summarizes a set of results. Response-time figures only
// consider results that received a response.
type Statistics struct {
	Total       int     `json:"total"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"` // percent, 0 when empty

	AvgResponseMs float64 `json:"avg_response_ms"`
	MinResponseMs int64   `json:"min_response_ms"`
	MaxResponseMs int64   `json:"max_response_ms"`
	P50ResponseMs float64 `json:"p50_response_ms"`
	P95ResponseMs float64 `json:"p95_response_ms"`

	IssuesByType     map[string]int `json:"issues_by_type"`
	IssuesBySeverity map[string]int `json:"issues_by_severity"`

	// Throughput is results per second over Duration.
	Throughput float64       `json:"throughput"`
	Duration   time.Duration `json:"duration"`
}

// Aggregator accumulates results. It is safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	results []*validation.Result
	started time.Time
	last    time.Time
	version uint64

	cached        *Statistics
	cachedVersion uint64

	clock func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the clock used for duration and throughput.
func WithClock(clock func() time.Time) Option {
	return func(a *Aggregator) { a.clock = clock }
}

// NewAggregator returns an empty aggregator. Its duration window starts now.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{clock: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.started = a.clock()
	return a
}

// Add appends results in order. Nil results are skipped.
func (a *Aggregator) Add(results ...*validation.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range results {
		if r != nil {
			a.results = append(a.results, r)
		}
	}
	a.last = a.clock()
	a.version++
}

// Reset discards all results and restarts the duration window.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = nil
	a.started = a.clock()
	a.last = time.Time{}
	a.version++
}

// Results returns a copy of the results in submission order.
func (a *Aggregator) Results() []*validation.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*validation.Result(nil), a.results...)
}

// Failures returns the failed results in submission order.
func (a *Aggregator) Failures() []*validation.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*validation.Result
	for _, r := range a.results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Statistics returns the summary, recomputed only after a change. The
// returned value must not be modified.
func (a *Aggregator) Statistics() *Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cached != nil && a.cachedVersion == a.version {
		return a.cached
	}
	a.cached = compute(a.results, a.started, a.last)
	a.cachedVersion = a.version
	return a.cached
}

func compute(results []*validation.Result, started, last time.Time) *Statistics {
	s := &Statistics{
		Total:            len(results),
		IssuesByType:     make(map[string]int),
		IssuesBySeverity: make(map[string]int),
	}

	var times []int64
	for _, r := range results {
		if r.Success {
			s.Passed++
		} else {
			s.Failed++
		}
		for _, is := range r.Issues {
			s.IssuesByType[string(is.Type)]++
			s.IssuesBySeverity[string(is.Severity)]++
		}
		if r.StatusCode != nil {
			times = append(times, r.Metadata.ResponseTimeMs)
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Passed) / float64(s.Total) * 100
	}

	if len(times) > 0 {
		sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
		var sum int64
		for _, t := range times {
			sum += t
		}
		s.AvgResponseMs = float64(sum) / float64(len(times))
		s.MinResponseMs = times[0]
		s.MaxResponseMs = times[len(times)-1]
		s.P50ResponseMs = percentile(times, 0.5)
		s.P95ResponseMs = percentile(times, 0.95)
	}

	if !last.IsZero() && last.After(started) {
		s.Duration = last.Sub(started)
		s.Throughput = float64(s.Total) / s.Duration.Seconds()
	}
	return s
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []int64, p float64) float64 {
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return float64(sorted[lower])
	}
	fraction := index - float64(lower)
	return float64(sorted[lower])*(1-fraction) + float64(sorted[upper])*fraction
}
