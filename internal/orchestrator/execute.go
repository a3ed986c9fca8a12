package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bergerjacob/llm-home-assistant/internal/actions"
	"github.com/bergerjacob/llm-home-assistant/internal/allow"
	"github.com/bergerjacob/llm-home-assistant/internal/events"
	"github.com/bergerjacob/llm-home-assistant/internal/homeassistant"
)

// Action result statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	// StatusUnauthorized marks an action the allow policy rejected.
	StatusUnauthorized = "unauthorized"
	// StatusSkipped marks an action whose every target was unknown.
	StatusSkipped = "skipped"
)

// ActionResult records what happened to one merged action.
type ActionResult struct {
	Group   int            `json:"group"`
	Action  actions.Action `json:"action"`
	Targets []string       `json:"targets,omitempty"`
	// Dropped lists target ids the backend does not know.
	Dropped    []string `json:"dropped,omitempty"`
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

func (o *Outcome) counts() (executed, failed int) {
	for _, r := range o.Results {
		switch r.Status {
		case StatusSucceeded:
			executed++
		case StatusFailed, StatusUnauthorized:
			failed++
		}
	}
	return executed, failed
}

// execute runs groups in order. Members of one group share no target
// and run concurrently; a failing member never cancels its siblings.
func (o *Orchestrator) execute(ctx context.Context, r *run, groups [][]actions.Action) []ActionResult {
	var results []ActionResult
	for gi, group := range groups {
		out := make([]ActionResult, len(group))
		if len(group) == 1 {
			out[0] = o.runAction(ctx, r, gi, group[0])
		} else {
			var g errgroup.Group
			g.SetLimit(o.cfg.Workers)
			for i, a := range group {
				g.Go(func() error {
					out[i] = o.runAction(ctx, r, gi, a)
					return nil
				})
			}
			_ = g.Wait()
		}
		results = append(results, out...)
	}
	return results
}

func (o *Orchestrator) runAction(ctx context.Context, r *run, group int, a actions.Action) (res ActionResult) {
	started := time.Now()
	res = ActionResult{Group: group, Action: a}
	log := r.log.With("action", a.Name(), "group", group)

	defer func() {
		res.DurationMS = time.Since(started).Milliseconds()
		o.deps.Metrics.Action(res.Status)
		o.deps.Events.Emit(events.SourceOrchestrator, events.KindActionDone, map[string]any{
			"request_id":  r.req.ID,
			"action":      a.Name(),
			"status":      res.Status,
			"duration_ms": res.DurationMS,
		})
	}()

	targets := a.Targets()
	if len(targets) > 0 {
		known, unknown, err := o.resolve(ctx, targets)
		if err != nil {
			log.Error("entity lookup failed", "entity_ids", targets, "error", err)
			res.Status = StatusFailed
			res.Error = err.Error()
			return res
		}
		res.Dropped = unknown
		if len(unknown) > 0 {
			log.Warn("dropping unknown entities", "entity_ids", unknown)
		}
		if len(known) == 0 {
			res.Status = StatusSkipped
			res.Error = "no known target entities"
			return res
		}
		targets = known
	}
	res.Targets = targets

	if !allow.IsAllowed(o.cfg.Allow, a.Domain, a.Service, targets) {
		log.Warn("action not allowed by policy", "entity_ids", targets)
		res.Status = StatusUnauthorized
		res.Error = "not allowed by policy"
		return res
	}

	if err := o.deps.Backend.CallService(ctx, a.Domain, a.Service, a.ServiceData(targets)); err != nil {
		log.Error("service call failed", "entity_ids", targets, "error", err)
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	log.Info("service called", "entity_ids", targets)
	res.Status = StatusSucceeded
	return res
}

// resolve splits ids into those the backend knows and those it does
// not. Any lookup error other than not-found aborts resolution.
func (o *Orchestrator) resolve(ctx context.Context, ids []string) (known, unknown []string, err error) {
	for _, id := range ids {
		_, err := o.deps.Backend.GetState(ctx, id)
		switch {
		case err == nil:
			known = append(known, id)
		case errors.Is(err, homeassistant.ErrNotFound):
			unknown = append(unknown, id)
		default:
			return nil, nil, fmt.Errorf("look up %s: %w", id, err)
		}
	}
	return known, unknown, nil
}
