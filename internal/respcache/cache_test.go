package respcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bergerjacob/llm-home-assistant/internal/actions"
)

func plan(name string) actions.Plan {
	return actions.Plan{
		Actions:     []actions.Action{{Domain: "switch", Service: "turn_on", EntityID: actions.EntityIDs{"switch." + name}}},
		Explanation: "turning on " + name,
	}
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestKey(t *testing.T) {
	if Key("Turn On Lights", "m", "c") != Key("turn on lights", "m", "c") {
		t.Error("key should ignore case")
	}
	if Key("  turn on lights\n", "m", "c") != Key("turn on lights", "m", "c") {
		t.Error("key should ignore surrounding whitespace")
	}
	if Key("turn on lights", "m1", "c") == Key("turn on lights", "m2", "c") {
		t.Error("model must be part of the key")
	}
	if Key("turn on lights", "m", "c1") == Key("turn on lights", "m", "c2") {
		t.Error("fingerprint must be part of the key")
	}
	if got := len(Key("x", "y", "z")); got != 16 {
		t.Errorf("key length = %d, want 16", got)
	}
}

func TestCacheable(t *testing.T) {
	tests := []struct {
		name string
		plan actions.Plan
		want bool
	}{
		{"empty", actions.Plan{}, false},
		{"light on", actions.Plan{Actions: []actions.Action{{Domain: "light", Service: "turn_on"}}}, true},
		{"light off", actions.Plan{Actions: []actions.Action{{Domain: "light", Service: "turn_off"}}}, true},
		{"switch on", actions.Plan{Actions: []actions.Action{{Domain: "switch", Service: "turn_on"}}}, true},
		{"cover open", actions.Plan{Actions: []actions.Action{{Domain: "cover", Service: "open_cover"}}}, true},
		{"automation trigger", actions.Plan{Actions: []actions.Action{{Domain: "automation", Service: "trigger"}}}, false},
		{"mixed", actions.Plan{Actions: []actions.Action{
			{Domain: "light", Service: "turn_on"},
			{Domain: "lock", Service: "unlock"},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cacheable(tt.plan); got != tt.want {
				t.Errorf("Cacheable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCache_GetPut(t *testing.T) {
	c := New(0, 0)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("empty cache should miss")
	}

	c.Put("k", plan("a"))
	got, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Explanation != "turning on a" || len(got.Actions) != 1 {
		t.Errorf("got %+v", got)
	}

	// Mutating the returned plan must not reach the stored copy.
	got.Actions[0].EntityID[0] = "switch.tampered"
	again, _ := c.Get("k")
	if again.Actions[0].EntityID[0] != "switch.a" {
		t.Error("cache returned shared plan state")
	}
}

func TestCache_TTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New(TTL, Capacity)
	c.SetClock(clock.Now)

	c.Put("k", plan("a"))

	clock.Advance(TTL - time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should still be fresh")
	}

	clock.Advance(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry older than TTL should miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be evicted, Len() = %d", c.Len())
	}
}

func TestCache_CapacityEvictsLRU(t *testing.T) {
	c := New(TTL, Capacity)

	for i := range Capacity + 10 {
		c.Put(fmt.Sprintf("k%d", i), plan(fmt.Sprint(i)))
	}
	if c.Len() != Capacity {
		t.Fatalf("Len() = %d, want %d", c.Len(), Capacity)
	}
	for i := range 10 {
		if _, ok := c.Get(fmt.Sprintf("k%d", i)); ok {
			t.Errorf("k%d should have been evicted", i)
		}
	}
	if _, ok := c.Get(fmt.Sprintf("k%d", Capacity+9)); !ok {
		t.Error("newest entry should be present")
	}
}

func TestCache_GetRefreshesRecency(t *testing.T) {
	c := New(TTL, 3)
	c.Put("a", plan("a"))
	c.Put("b", plan("b"))
	c.Put("c", plan("c"))

	c.Get("a") // a is now most recent; b is least
	c.Put("d", plan("d"))

	if _, ok := c.Get("b"); ok {
		t.Error("b should be evicted as least recently used")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should be present", k)
		}
	}
}

func TestCache_PutOverwrites(t *testing.T) {
	c := New(TTL, 2)
	c.Put("a", plan("old"))
	c.Put("a", plan("new"))

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	got, _ := c.Get("a")
	if got.Explanation != "turning on new" {
		t.Errorf("explanation = %q", got.Explanation)
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New(TTL, 10)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				k := fmt.Sprintf("k%d", (i+j)%15)
				c.Put(k, plan(k))
				c.Get(k)
			}
		}()
	}
	wg.Wait()
	if c.Len() > 10 {
		t.Errorf("Len() = %d exceeds capacity", c.Len())
	}
}
