// Package orchestrator runs one command from text or audio to executed
// service calls.
//
// A run moves through the states
//
//	idle → context_building → {cache_hit | planning} → normalizing →
//	grouping → executing → logged → idle
//
// and ends early in failed when no API credential is configured, the
// device context cannot be built, or the planner produced no usable
// plan. Partial execution failure is normal: every action's outcome is
// recorded and no failure stops its siblings or later groups.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bergerjacob/llm-home-assistant/internal/actions"
	"github.com/bergerjacob/llm-home-assistant/internal/allow"
	"github.com/bergerjacob/llm-home-assistant/internal/events"
	"github.com/bergerjacob/llm-home-assistant/internal/hacontext"
	"github.com/bergerjacob/llm-home-assistant/internal/homeassistant"
	"github.com/bergerjacob/llm-home-assistant/internal/interactionlog"
	"github.com/bergerjacob/llm-home-assistant/internal/metrics"
	"github.com/bergerjacob/llm-home-assistant/internal/planner"
	"github.com/bergerjacob/llm-home-assistant/internal/respcache"
)

// State is a pipeline stage.
type State string

// Pipeline states.
const (
	StateIdle            State = "idle"
	StateContextBuilding State = "context_building"
	StateCacheHit        State = "cache_hit"
	StatePlanning        State = "planning"
	StateNormalizing     State = "normalizing"
	StateGrouping        State = "grouping"
	StateExecuting       State = "executing"
	StateLogged          State = "logged"
	StateFailed          State = "failed"
)

// DefaultWorkers bounds concurrent service calls inside one group.
const DefaultWorkers = 8

// Backend is the device backend the orchestrator executes against.
type Backend interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// ContextBuilder produces the compact device context.
type ContextBuilder interface {
	Build(ctx context.Context, cfg *allow.Config, forceRebuild bool) (string, error)
}

// Planner turns a request plus context into a plan.
type Planner interface {
	QueryText(ctx context.Context, req planner.TextRequest) (actions.Plan, planner.Debug)
	QueryAudio(ctx context.Context, req planner.AudioRequest) (actions.Plan, planner.Debug)
}

// Display shows the explanation to the user.
type Display interface {
	ShowResponse(ctx context.Context, text string) error
}

// StatusSink mirrors the pipeline state, for example onto an MQTT
// sensor.
type StatusSink interface {
	SetStatus(ctx context.Context, status string)
}

// InteractionLog receives one entry per run.
type InteractionLog interface {
	Write(entry *interactionlog.Entry)
}

// UsageObserver is told about planner token usage.
type UsageObserver interface {
	OnUsage(input, output, cached int)
}

// Config holds run policy.
type Config struct {
	// Allow is the authorization policy. Nil is unrestricted.
	Allow *allow.Config

	DefaultModel string
	AudioModel   string

	// HasCredential reports whether an LLM API credential is
	// configured. Runs fail fast when it is false.
	HasCredential bool

	// Workers bounds concurrent calls within a group. Zero selects
	// DefaultWorkers.
	Workers int

	// StateQuery detects status questions, which force a context
	// rebuild. Nil selects hacontext.IsStateQuery.
	StateQuery func(text string) bool
}

// Deps are the collaborators of an Orchestrator. Backend, Context and
// Planner are required; the rest may be nil.
type Deps struct {
	Backend Backend
	Context ContextBuilder
	Planner Planner
	Cache   *respcache.Cache
	Display Display
	Status  StatusSink
	Log     InteractionLog
	Events  *events.Bus
	Metrics *metrics.Metrics
	Usage   UsageObserver
	Logger  *slog.Logger
}

// Request is one command.
type Request struct {
	// ID is assigned when empty.
	ID    string
	Text  string
	Model string
	// Audio switches the run to the audio planner.
	Audio       []byte
	AudioFormat string
	// Source names the entry point (api, mqtt, cli).
	Source string
}

// Mode reports "audio" when the request carries audio, else "text".
func (r Request) Mode() string {
	if len(r.Audio) > 0 {
		return "audio"
	}
	return "text"
}

// Timing is the wall time spent per stage.
type Timing struct {
	ContextMS int64 `json:"context_ms"`
	PlannerMS int64 `json:"planner_ms"`
	ExecuteMS int64 `json:"execute_ms"`
	TotalMS   int64 `json:"total_ms"`
}

// Outcome is everything a run produced.
type Outcome struct {
	RequestID   string           `json:"request_id"`
	Mode        string           `json:"mode"`
	Model       string           `json:"model"`
	State       State            `json:"state"`
	Transitions []State          `json:"transitions"`
	CacheHit    bool             `json:"cache_hit"`
	Plan        actions.Plan     `json:"plan"`
	Merged      []actions.Action `json:"merged"`
	Groups      int              `json:"groups"`
	Results     []ActionResult   `json:"results"`
	Explanation string           `json:"explanation"`
	Error       string           `json:"error,omitempty"`
	Timing      Timing           `json:"timing"`
	// Planner is set when the planner was called.
	Planner *planner.Debug `json:"planner,omitempty"`
}

// Orchestrator runs commands.
type Orchestrator struct {
	cfg  Config
	deps Deps

	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Backend == nil || deps.Context == nil || deps.Planner == nil {
		return nil, fmt.Errorf("orchestrator: backend, context builder and planner are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.StateQuery == nil {
		cfg.StateQuery = hacontext.IsStateQuery
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "orchestrator"),
	}, nil
}

// Dispatch starts req in the background and returns its request id.
// Results surface through the display, the event bus and the
// interaction log.
func (o *Orchestrator) Dispatch(req Request) string {
	if req.ID == "" {
		req.ID = newRequestID()
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.Handle(context.Background(), req)
	}()
	return req.ID
}

// Wait blocks until every dispatched run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func newRequestID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// run carries the per-request bookkeeping through the stages.
type run struct {
	req     Request
	out     *Outcome
	entry   *interactionlog.Entry
	log     *slog.Logger
	started time.Time
}

// Handle runs req to completion and returns its outcome. It never
// returns nil.
func (o *Orchestrator) Handle(ctx context.Context, req Request) *Outcome {
	if req.ID == "" {
		req.ID = newRequestID()
	}
	mode := req.Mode()
	if req.Model == "" {
		req.Model = o.cfg.DefaultModel
		if mode == "audio" && o.cfg.AudioModel != "" {
			req.Model = o.cfg.AudioModel
		}
	}

	r := &run{
		req:     req,
		out:     &Outcome{RequestID: req.ID, Mode: mode, Model: req.Model, Results: []ActionResult{}},
		entry:   interactionlog.NewEntry(),
		log:     o.logger.With("request_id", req.ID, "mode", mode, "model", req.Model),
		started: time.Now(),
	}
	r.entry.Request = map[string]any{
		"id":     req.ID,
		"source": req.Source,
		"mode":   mode,
		"text":   req.Text,
		"model":  req.Model,
	}
	if mode == "audio" {
		r.entry.Request["audio"] = interactionlog.Bytes(req.Audio)
		r.entry.Request["audio_format"] = req.AudioFormat
	}

	o.deps.Metrics.RequestStarted()
	o.deps.Events.Emit(events.SourceOrchestrator, events.KindRequestStart, map[string]any{
		"request_id": req.ID, "mode": mode, "model": req.Model,
	})
	r.log.Info("request received", "source", req.Source, "chars", len(req.Text), "audio_bytes", len(req.Audio))

	o.pipeline(ctx, r)

	r.out.Timing.TotalMS = time.Since(r.started).Milliseconds()
	r.entry.Timing = map[string]any{
		"context_ms": r.out.Timing.ContextMS,
		"planner_ms": r.out.Timing.PlannerMS,
		"execute_ms": r.out.Timing.ExecuteMS,
		"total_ms":   r.out.Timing.TotalMS,
	}
	if o.deps.Log != nil {
		o.deps.Log.Write(r.entry)
	}
	if r.out.State != StateFailed {
		o.transition(ctx, r, StateLogged)
	}

	o.deps.Metrics.RequestFinished(mode, string(r.out.State), time.Since(r.started))
	executed, failed := r.out.counts()
	o.deps.Events.Emit(events.SourceOrchestrator, events.KindRequestComplete, map[string]any{
		"request_id": req.ID,
		"state":      string(r.out.State),
		"elapsed_ms": r.out.Timing.TotalMS,
		"executed":   executed,
		"failed":     failed,
	})
	r.log.Info("request complete",
		"state", r.out.State,
		"cache_hit", r.out.CacheHit,
		"actions", len(r.out.Plan.Actions),
		"merged", len(r.out.Merged),
		"executed", executed,
		"failed", failed,
		"elapsed", time.Since(r.started).Round(time.Millisecond),
	)
	o.setStatus(ctx, StateIdle)
	return r.out
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run) {
	if !o.cfg.HasCredential {
		r.log.Error("no LLM API credential configured, refusing to run")
		o.fail(ctx, r, "No API credential configured.", false)
		return
	}

	// Context.
	o.transition(ctx, r, StateContextBuilding)
	force := r.req.Text != "" && o.cfg.StateQuery(r.req.Text)
	t0 := time.Now()
	haContext, err := o.deps.Context.Build(ctx, o.cfg.Allow, force)
	r.out.Timing.ContextMS = time.Since(t0).Milliseconds()
	r.entry.Context = map[string]any{
		"state_query": force,
		"chars":       len(haContext),
		"build_ms":    r.out.Timing.ContextMS,
	}
	if err != nil {
		r.log.Error("context build failed", "error", err)
		r.entry.Context["error"] = err.Error()
		o.fail(ctx, r, fmt.Sprintf("Failed to build HA context: %v", err), true)
		return
	}
	if force {
		r.log.Debug("state query detected, context rebuilt")
	}

	// Plan.
	plan, ok := o.plan(ctx, r, haContext)
	r.out.Plan = plan
	if !ok {
		o.fail(ctx, r, plan.Explanation, true)
		return
	}

	// Normalize and group.
	o.transition(ctx, r, StateNormalizing)
	merged := actions.Merge(plan.Actions)
	r.out.Merged = merged

	o.transition(ctx, r, StateGrouping)
	groups := actions.Group(merged)
	r.out.Groups = len(groups)
	r.entry.Actions = map[string]any{
		"raw":    plan.Actions,
		"merged": merged,
		"groups": groupSizes(groups),
	}
	o.deps.Events.Emit(events.SourceOrchestrator, events.KindPlanReady, map[string]any{
		"request_id": r.req.ID,
		"actions":    len(plan.Actions),
		"merged":     len(merged),
		"groups":     len(groups),
	})
	r.log.Debug("plan normalized", "raw", len(plan.Actions), "merged", len(merged), "groups", len(groups))

	// Execute.
	o.transition(ctx, r, StateExecuting)
	t0 = time.Now()
	r.out.Results = o.execute(ctx, r, groups)
	r.out.Timing.ExecuteMS = time.Since(t0).Milliseconds()
	execution := make([]any, len(r.out.Results))
	for i, res := range r.out.Results {
		execution[i] = res
	}
	r.entry.Execution = execution

	r.out.Explanation = plan.Explanation
	o.respond(ctx, r, plan.Explanation)
}

// plan obtains a plan from the cache or the planner. ok is false when
// the planner failed.
func (o *Orchestrator) plan(ctx context.Context, r *run, haContext string) (actions.Plan, bool) {
	if r.out.Mode == "text" && o.deps.Cache != nil {
		key := respcache.Key(r.req.Text, r.req.Model, allow.Fingerprint(o.cfg.Allow))
		if cached, hit := o.deps.Cache.Get(key); hit {
			o.deps.Metrics.CacheLookup(true)
			o.transition(ctx, r, StateCacheHit)
			r.out.CacheHit = true
			r.entry.LLMCall = map[string]any{"cache_hit": true, "cache_key": key, "plan": cached}
			o.deps.Events.Emit(events.SourceOrchestrator, events.KindCacheHit, map[string]any{"request_id": r.req.ID})
			r.log.Info("response cache hit", "actions", len(cached.Actions))
			return cached, true
		}
		o.deps.Metrics.CacheLookup(false)

		plan, ok := o.callPlanner(ctx, r, haContext)
		r.entry.LLMCall["cache_key"] = key
		if ok && respcache.Cacheable(plan) {
			o.deps.Cache.Put(key, plan)
			r.entry.LLMCall["cached"] = true
			r.log.Debug("plan stored in response cache")
		}
		return plan, ok
	}
	return o.callPlanner(ctx, r, haContext)
}

func (o *Orchestrator) callPlanner(ctx context.Context, r *run, haContext string) (actions.Plan, bool) {
	o.transition(ctx, r, StatePlanning)

	var (
		plan actions.Plan
		dbg  planner.Debug
	)
	t0 := time.Now()
	if r.out.Mode == "audio" {
		plan, dbg = o.deps.Planner.QueryAudio(ctx, planner.AudioRequest{
			RequestID: r.req.ID,
			Model:     r.req.Model,
			Context:   haContext,
			Text:      r.req.Text,
			Audio:     r.req.Audio,
			Format:    r.req.AudioFormat,
		})
	} else {
		plan, dbg = o.deps.Planner.QueryText(ctx, planner.TextRequest{
			RequestID: r.req.ID,
			Text:      r.req.Text,
			Model:     r.req.Model,
			Context:   haContext,
		})
	}
	r.out.Timing.PlannerMS = time.Since(t0).Milliseconds()
	r.out.Planner = &dbg

	r.entry.LLMCall = map[string]any{"cache_hit": false, "debug": dbg, "plan": plan}
	o.deps.Metrics.Tokens(dbg.Model, dbg.Usage.PromptTokens, dbg.Usage.CompletionTokens, dbg.Usage.CachedTokens)
	if dbg.Attempts > 1 {
		o.deps.Metrics.PlannerRetry()
	}
	if o.deps.Usage != nil && dbg.Attempts > 0 {
		o.deps.Usage.OnUsage(dbg.Usage.PromptTokens, dbg.Usage.CompletionTokens, dbg.Usage.CachedTokens)
	}

	if dbg.Error != "" {
		r.log.Warn("planner returned no usable plan", "error", dbg.Error)
		return plan, false
	}
	return plan, true
}

// fail ends the run early. When show is set the message is surfaced on
// the display and the event bus.
func (o *Orchestrator) fail(ctx context.Context, r *run, msg string, show bool) {
	r.out.Error = msg
	r.out.Explanation = msg
	o.transition(ctx, r, StateFailed)
	if show {
		o.respond(ctx, r, "Error: "+msg)
	}
}

// respond updates the display and announces the response.
func (o *Orchestrator) respond(ctx context.Context, r *run, text string) {
	if o.deps.Display == nil {
		r.log.Warn("no display configured, response not shown")
	} else if err := o.deps.Display.ShowResponse(ctx, text); err != nil {
		r.log.Warn("display update failed", "error", err)
	}
	o.deps.Events.Emit(events.SourceOrchestrator, events.KindResponseReady, map[string]any{
		"request_id": r.req.ID,
		"payload":    text,
	})
}

func (o *Orchestrator) transition(ctx context.Context, r *run, s State) {
	r.out.State = s
	r.out.Transitions = append(r.out.Transitions, s)
	r.log.Debug("state transition", "state", s)
	o.setStatus(ctx, s)
}

func (o *Orchestrator) setStatus(ctx context.Context, s State) {
	if o.deps.Status != nil {
		o.deps.Status.SetStatus(ctx, string(s))
	}
}

func groupSizes(groups [][]actions.Action) []int {
	sizes := make([]int, len(groups))
	for i, g := range groups {
		sizes[i] = len(g)
	}
	return sizes
}
