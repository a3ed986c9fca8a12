package mqtt

import (
	"sync"
	"testing"
	"time"
)

func TestDailyTokens_OnUsage(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.OnUsage(1000, 40, 768)
	dt.OnUsage(1000, 60, 0)

	got := dt.Snapshot()
	want := TokenTotals{Input: 2000, Output: 100, Cached: 768, Requests: 2}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
	if rate := got.CacheHitRate(); rate < 38.39 || rate > 38.41 {
		t.Errorf("CacheHitRate() = %v, want 38.4", rate)
	}
}

func TestDailyTokens_ZeroAndNil(t *testing.T) {
	dt := NewDailyTokens(nil)
	if dt.loc != time.Local {
		t.Error("nil location should default to time.Local")
	}
	if got := dt.Snapshot(); got != (TokenTotals{}) || got.CacheHitRate() != 0 {
		t.Errorf("initial snapshot = %+v", got)
	}

	var nilTokens *DailyTokens
	nilTokens.OnUsage(1, 1, 1)
}

func TestDailyTokens_Concurrent(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.OnUsage(10, 20, 5)
		}()
	}
	wg.Wait()

	want := TokenTotals{Input: 1000, Output: 2000, Cached: 500, Requests: 100}
	if got := dt.Snapshot(); got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestDailyTokens_MidnightReset(t *testing.T) {
	now := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	dt := NewDailyTokens(time.UTC)
	dt.now = func() time.Time { return now }
	dt.resetDay = dt.today()

	dt.OnUsage(500, 600, 100)
	now = now.Add(2 * time.Minute)

	if got := dt.Snapshot(); got != (TokenTotals{}) {
		t.Errorf("after midnight = %+v, want zero", got)
	}
	dt.OnUsage(1, 2, 0)
	if got := dt.Snapshot(); got.Requests != 1 {
		t.Errorf("requests = %d, want 1", got.Requests)
	}
}

func TestDailyTokens_Restore(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.Restore(TokenTotals{Input: 300, Output: 40, Cached: 100, Requests: 2})
	dt.OnUsage(100, 10, 0)

	want := TokenTotals{Input: 400, Output: 50, Cached: 100, Requests: 3}
	if got := dt.Snapshot(); got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}

	var nilTokens *DailyTokens
	nilTokens.Restore(want)
}
