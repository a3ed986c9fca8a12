package mqtt

import (
	"sync"
	"time"
)

// TokenTotals is one day of planner token usage.
type TokenTotals struct {
	Input    int64
	Output   int64
	Cached   int64
	Requests int64
}

// CacheHitRate returns cached prompt tokens as a percentage of input
// tokens.
func (t TokenTotals) CacheHitRate() float64 {
	if t.Input == 0 {
		return 0
	}
	return float64(t.Cached) / float64(t.Input) * 100
}

// DailyTokens accumulates planner token usage and resets at local
// midnight. Safe for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	totals   TokenTotals
	resetDay string
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates an accumulator that rolls over at midnight in
// loc, or [time.Local] when loc is nil.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.resetDay = d.today()
	return d
}

// OnUsage records the usage of one planner call.
func (d *DailyTokens) OnUsage(input, output, cached int) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.totals.Input += int64(input)
	d.totals.Output += int64(output)
	d.totals.Cached += int64(cached)
	d.totals.Requests++
}

// Restore adds totals recorded before a restart to today's counters.
func (d *DailyTokens) Restore(t TokenTotals) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.totals.Input += t.Input
	d.totals.Output += t.Output
	d.totals.Cached += t.Cached
	d.totals.Requests += t.Requests
}

// Snapshot returns today's totals.
func (d *DailyTokens) Snapshot() TokenTotals {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.totals
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// maybeReset zeroes the totals when the local date changed. Must be
// called with d.mu held.
func (d *DailyTokens) maybeReset() {
	if today := d.today(); today != d.resetDay {
		d.totals = TokenTotals{}
		d.resetDay = today
	}
}
