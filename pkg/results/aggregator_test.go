package results

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specjet-api/specjet-sub000/pkg/issue"
	"github.com/specjet-api/specjet-sub000/pkg/validation"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func result(path string, status int, ms int64, issues ...issue.Issue) *validation.Result {
	var sp *int
	if status > 0 {
		sp = &status
	}
	r := validation.NewResult(path, "GET", sp, issues, time.Time{})
	r.Metadata.ResponseTimeMs = ms
	return r
}

func TestStatistics_Empty(t *testing.T) {
	s := NewAggregator().Statistics()
	assert.Zero(t, s.Total)
	assert.Zero(t, s.SuccessRate)
	assert.Zero(t, s.Throughput)
	assert.Empty(t, s.IssuesByType)
}

func TestStatistics_Summary(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := NewAggregator(WithClock(clock.Now))

	clock.Advance(2 * time.Second)
	a.Add(
		result("/a", 200, 10),
		result("/b", 200, 30, issue.New(issue.TypeTypeMismatch, "name", "bad", nil)),
		result("/c", 0, 0, issue.New(issue.TypeNetworkError, "", "refused", nil)),
		result("/d", 500, 50,
			issue.New(issue.TypeUnexpectedStatusCode, "", "500", nil),
			issue.New(issue.TypeTypeMismatch, "id", "bad", nil)),
	)

	s := a.Statistics()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Passed)
	assert.Equal(t, 3, s.Failed)
	assert.InDelta(t, 25.0, s.SuccessRate, 1e-9)

	// Only the three results with a status count towards timings.
	assert.InDelta(t, 30.0, s.AvgResponseMs, 1e-9)
	assert.Equal(t, int64(10), s.MinResponseMs)
	assert.Equal(t, int64(50), s.MaxResponseMs)
	assert.InDelta(t, 30.0, s.P50ResponseMs, 1e-9)
	assert.InDelta(t, 48.0, s.P95ResponseMs, 1e-9)

	assert.Equal(t, map[string]int{
		"type_mismatch":          2,
		"network_error":          1,
		"unexpected_status_code": 1,
	}, s.IssuesByType)
	assert.Equal(t, map[string]int{"error": 3, "warning": 1}, s.IssuesBySeverity)

	assert.Equal(t, 2*time.Second, s.Duration)
	assert.InDelta(t, 2.0, s.Throughput, 1e-9)
}

func TestStatistics_CachedUntilChange(t *testing.T) {
	a := NewAggregator()
	a.Add(result("/a", 200, 5))

	first := a.Statistics()
	assert.Same(t, first, a.Statistics())

	a.Add(result("/b", 200, 7))
	second := a.Statistics()
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, second.Total)

	a.Reset()
	assert.Zero(t, a.Statistics().Total)
	assert.Empty(t, a.Results())
}

func TestFailuresKeepSubmissionOrder(t *testing.T) {
	a := NewAggregator()
	a.Add(
		result("/a", 0, 0, issue.New(issue.TypeNetworkError, "", "x", nil)),
		result("/b", 200, 1),
		result("/c", 404, 1, issue.New(issue.TypeUnexpectedStatusCode, "", "x", nil)),
		nil,
	)

	failures := a.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, "/a", failures[0].Endpoint)
	assert.Equal(t, "/c", failures[1].Endpoint)
	assert.Len(t, a.Results(), 3)
}

func TestAdd_Concurrent(t *testing.T) {
	a := NewAggregator()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Add(result("/x", 200, int64(i)))
			_ = a.Statistics()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, a.Statistics().Total)
}
