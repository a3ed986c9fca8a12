// Package hacontext builds the compact entity and service snapshot the
// planner sees in its system prompt.
//
// The snapshot is a small JSON document with short keys (e, n, d, s and
// a few per-domain fields) so that a house with hundreds of entities
// still fits comfortably in a prompt. Builds are cached for TTL and
// reused until the allow policy changes, a caller forces a rebuild, or
// Invalidate is called.
package hacontext

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bergerjacob/llm-home-assistant/internal/allow"
	"github.com/bergerjacob/llm-home-assistant/internal/homeassistant"
)

// TTL is how long a built snapshot is reused.
const TTL = 30 * time.Second

// buildTimeout bounds one shared backend round trip.
const buildTimeout = 30 * time.Second

// Backend is the subset of the Home Assistant client the compactor
// reads from.
type Backend interface {
	GetStates(ctx context.Context) ([]homeassistant.State, error)
	GetServices(ctx context.Context) ([]homeassistant.ServiceDomain, error)
	EntityAreas(ctx context.Context) (map[string]string, error)
}

// Entity is one compact entity record.
type Entity struct {
	ID     string `json:"e"`
	Name   string `json:"n"`
	Domain string `json:"d"`
	State  string `json:"s"`

	// light
	Brightness any      `json:"b,omitempty"`
	ColorModes []string `json:"cm,omitempty"`
	Color      int      `json:"c,omitempty"`

	// cover
	Position any `json:"pos,omitempty"`

	// climate
	HVACMode   any `json:"mode,omitempty"`
	CurrentT   any `json:"cur_t,omitempty"`
	TargetTemp any `json:"tgt_t,omitempty"`

	// binary_sensor
	DeviceClass string `json:"dc,omitempty"`

	Area string `json:"area,omitempty"`
}

// Snapshot is the document rendered into the prompt.
type Snapshot struct {
	Entities []Entity            `json:"entities"`
	Services map[string][]string `json:"services"`
}

// Compactor builds and caches snapshots. Safe for concurrent use.
type Compactor struct {
	backend Backend
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time

	mu          sync.Mutex
	data        string
	builtAt     time.Time
	fingerprint string
	generation  uint64

	group singleflight.Group
}

// New creates a compactor reading from backend.
func New(backend Backend, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		backend: backend,
		logger:  logger,
		ttl:     TTL,
		now:     time.Now,
	}
}

// SetClock replaces the time source. For tests.
func (c *Compactor) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Invalidate drops the cached snapshot so the next Build fetches fresh
// state. A build already in flight is not stored.
func (c *Compactor) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = ""
	c.generation++
}

// Build returns the compact JSON snapshot for cfg. A cached copy is
// returned when it is younger than TTL, was built for the same policy
// fingerprint and forceRebuild is false. Concurrent builds for the same
// policy and generation share one backend round trip; a forced build
// starts a new generation, so it never joins a fetch that began before
// it was requested.
func (c *Compactor) Build(ctx context.Context, cfg *allow.Config, forceRebuild bool) (string, error) {
	fp := allow.Fingerprint(cfg)

	c.mu.Lock()
	if !forceRebuild && c.data != "" && c.fingerprint == fp {
		if age := c.now().Sub(c.builtAt); age < c.ttl {
			data := c.data
			c.mu.Unlock()
			c.logger.Debug("compact context cache hit", "age", age.Round(time.Millisecond))
			return data, nil
		}
	}
	if forceRebuild {
		c.generation++
	}
	gen := c.generation
	c.mu.Unlock()

	if forceRebuild {
		c.logger.Debug("compact context force rebuild requested", "generation", gen)
	}

	// The shared fetch outlives any single caller; each caller still
	// stops waiting when its own ctx ends.
	ch := c.group.DoChan(fmt.Sprintf("%s/%d", fp, gen), func() (any, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()
		return c.build(bctx, cfg)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return "", res.Err
	}
	data := res.Val.(string)

	c.mu.Lock()
	if c.generation == gen {
		c.data = data
		c.builtAt = c.now()
		c.fingerprint = fp
	}
	c.mu.Unlock()

	return data, nil
}

func (c *Compactor) build(ctx context.Context, cfg *allow.Config) (string, error) {
	states, err := c.backend.GetStates(ctx)
	if err != nil {
		return "", fmt.Errorf("get states: %w", err)
	}

	areas, err := c.backend.EntityAreas(ctx)
	if err != nil {
		c.logger.Warn("failed to fetch entity areas", "error", err)
		areas = nil
	}

	snap := Snapshot{
		Entities: make([]Entity, 0, len(states)),
		Services: c.services(ctx, cfg),
	}
	for _, s := range states {
		if !cfg.AllowsDomain(s.Domain()) || !cfg.AllowsEntity(s.EntityID) {
			continue
		}
		if excludedEntity(s.EntityID, s.Domain()) {
			continue
		}
		snap.Entities = append(snap.Entities, compact(s, areas[s.EntityID]))
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}

	c.logger.Info("built compact context", "entities", len(snap.Entities), "bytes", len(raw))
	return string(raw), nil
}

// services returns the domain to service map shown to the planner. A
// configured policy lists exactly its allowed services. Without one the
// live registry is used, minus system and dangerous services.
func (c *Compactor) services(ctx context.Context, cfg *allow.Config) map[string][]string {
	if !cfg.IsEmpty() {
		return cfg.ServiceMap()
	}

	registry, err := c.backend.GetServices(ctx)
	if err != nil {
		c.logger.Warn("failed to fetch service registry", "error", err)
		return map[string][]string{}
	}
	return filterServices(registry)
}

// compact reduces a state to its compact record.
func compact(s homeassistant.State, area string) Entity {
	attrs := s.Attributes
	e := Entity{
		ID:     s.EntityID,
		Name:   s.FriendlyName(),
		Domain: s.Domain(),
		State:  s.State,
		Area:   area,
	}
	if e.Name == "" {
		e.Name = s.EntityID
	}

	switch e.Domain {
	case "light":
		e.Brightness = attrs["brightness"]
		e.ColorModes = stringList(attrs["supported_color_modes"])
		for _, m := range e.ColorModes {
			switch m {
			case "color", "hs", "rgb", "xy":
				e.Color = 1
			}
		}
	case "cover":
		e.Position = attrs["current_position"]
	case "climate":
		e.HVACMode = attrs["hvac_mode"]
		e.CurrentT = attrs["current_temperature"]
		e.TargetTemp = attrs["temperature"]
	case "binary_sensor":
		e.DeviceClass, _ = attrs["device_class"].(string)
	}
	return e
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
