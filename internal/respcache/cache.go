// Package respcache remembers recent planner results for repeated text
// commands so identical requests skip the model round trip.
//
// Entries expire after TTL and the cache holds at most Capacity plans,
// evicting the least recently used. Only plans made entirely of
// idempotent, low-risk service calls are eligible.
package respcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/bergerjacob/llm-home-assistant/internal/actions"
)

// Defaults for New.
const (
	TTL      = 60 * time.Second
	Capacity = 50
)

// cacheableServices are safe to replay from a stale plan.
var cacheableServices = map[string]bool{
	"light.turn_on":            true,
	"light.turn_off":           true,
	"light.toggle":             true,
	"switch.turn_on":           true,
	"switch.turn_off":          true,
	"switch.toggle":            true,
	"cover.open_cover":         true,
	"cover.close_cover":        true,
	"cover.stop_cover":         true,
	"cover.set_cover_position": true,
}

// Cacheable reports whether plan may be stored: at least one action,
// and every action is on the idempotent service list.
func Cacheable(plan actions.Plan) bool {
	if len(plan.Actions) == 0 {
		return false
	}
	for _, a := range plan.Actions {
		if !cacheableServices[a.Name()] {
			return false
		}
	}
	return true
}

// Key derives the cache key from the request text (case and surrounding
// whitespace ignored), the model name and the allow-config fingerprint.
func Key(text, model, fingerprint string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	sum := sha256.Sum256([]byte(norm + "|" + model + "|" + fingerprint))
	return hex.EncodeToString(sum[:8])
}

type entry struct {
	key      string
	plan     actions.Plan
	storedAt time.Time
}

// Cache is a TTL plus LRU bounded plan cache. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front is most recently used
	items    map[string]*list.Element
	now      func() time.Time
}

// New creates a cache with the given TTL and capacity. Non-positive
// values select the package defaults.
func New(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = TTL
	}
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// SetClock replaces the time source. For tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns a copy of the plan stored under key. Expired entries are
// removed and reported as a miss. A hit marks the entry most recently
// used.
func (c *Cache) Get(key string) (actions.Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return actions.Plan{}, false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.items, key)
		return actions.Plan{}, false
	}
	c.order.MoveToFront(el)
	return e.plan.Clone(), true
}

// Put stores a copy of plan under key, replacing any previous entry,
// and evicts least recently used entries beyond capacity.
func (c *Cache) Put(key string, plan actions.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.plan = plan.Clone()
		e.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(&entry{key: key, plan: plan.Clone(), storedAt: c.now()})

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
}

// Len returns the number of stored entries, including expired ones not
// yet collected by Get.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
