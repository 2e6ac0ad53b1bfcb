// Package traffic keeps short sliding windows of request outcomes for health
// reporting and rate-limit gauges.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a finished advisory request.
type Outcome int

const (
	// Success is a request that returned data, cached or live.
	Success Outcome = iota
	// Failure is a request that failed upstream or timed out.
	Failure
	// Denied is a request rejected by the rate limiter.
	Denied
)

// Horizon is how long outcomes are retained. Windows longer than this see only
// the last Horizon of traffic.
const Horizon = 5 * time.Minute

// Counts are outcome totals inside one window.
type Counts struct {
	Success int
	Failure int
	Denied  int
}

// Requests is every outcome including denials.
func (c Counts) Requests() int {
	return c.Success + c.Failure + c.Denied
}

// ErrorRatio is failures over answered requests. Denials are not counted. Zero when
// nothing was answered.
func (c Counts) ErrorRatio() float64 {
	answered := c.Success + c.Failure
	if answered == 0 {
		return 0
	}
	return float64(c.Failure) / float64(answered)
}

// Tracker is a set of timestamp windows, one per Outcome. The zero value is ready to use.
type Tracker struct {
	mu    sync.Mutex
	now   func() time.Time
	times [3][]time.Time
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// Record appends one outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	t.RecordN(o, 1)
}

// RecordN appends n outcomes at the current time.
func (t *Tracker) RecordN(o Outcome, n int) {
	if o < Success || o > Denied || n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	for i := 0; i < n; i++ {
		t.times[o] = append(t.times[o], now)
	}
	t.pruneLocked(now)
}

// Counts returns the outcomes recorded within window of now.
func (t *Tracker) Counts(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	return Counts{
		Success: countSince(t.times[Success], cutoff),
		Failure: countSince(t.times[Failure], cutoff),
		Denied:  countSince(t.times[Denied], cutoff),
	}
}

// Reset drops every recorded outcome.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.times {
		t.times[i] = nil
	}
}

// countSince walks from the newest entry since slices are appended in time order.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0 && !times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-Horizon)
	for o, times := range t.times {
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}

var defaultTracker Tracker

// Record records an outcome on the process-wide tracker.
func Record(o Outcome) {
	defaultTracker.Record(o)
}

// WindowCounts returns process-wide outcome counts within window.
func WindowCounts(window time.Duration) Counts {
	return defaultTracker.Counts(window)
}

// Reset clears the process-wide tracker. For tests only.
func Reset() {
	defaultTracker.Reset()
}
