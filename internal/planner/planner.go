// Package planner asks a language model for an action plan.
//
// Both entry points always return a usable Plan: network failures,
// timeouts and unparseable output become an empty plan whose
// explanation says what went wrong. The accompanying Debug value
// carries the details for the interaction log.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bergerjacob/llm-home-assistant/internal/actions"
	"github.com/bergerjacob/llm-home-assistant/internal/llm"
	"github.com/bergerjacob/llm-home-assistant/internal/prompts"
	"github.com/bergerjacob/llm-home-assistant/internal/usage"
)

// DefaultTimeout bounds one planner call.
const DefaultTimeout = 45 * time.Second

// Chatter is the LLM client the planner talks to.
type Chatter interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
}

// UsageRecorder persists token usage per model call.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config configures a Planner.
type Config struct {
	// Timeout bounds each planner call, retries included. Zero selects
	// DefaultTimeout.
	Timeout time.Duration

	// LastPromptPath, when set, receives the most recent system prompt
	// for inspection.
	LastPromptPath string
}

// Planner turns requests plus compact context into plans.
type Planner struct {
	client     Chatter
	usage      UsageRecorder
	schema     *jsonschema.Schema
	timeout    time.Duration
	promptPath string
	logger     *slog.Logger
}

// New creates a planner. usage may be nil.
func New(client Chatter, recorder UsageRecorder, cfg Config, logger *slog.Logger) (*Planner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compilePlanSchema()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Planner{
		client:     client,
		usage:      recorder,
		schema:     schema,
		timeout:    cfg.Timeout,
		promptPath: cfg.LastPromptPath,
		logger:     logger,
	}, nil
}

// TextRequest is a typed command.
type TextRequest struct {
	RequestID string
	Text      string
	Model     string
	// Context is the compact Home Assistant context JSON.
	Context string
}

// Debug describes how a plan was obtained.
type Debug struct {
	Model        string    `json:"model"`
	Kind         string    `json:"kind"`
	Attempts     int       `json:"attempts"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Usage        llm.Usage `json:"usage"`
	LatencyMS    int64     `json:"latency_ms"`
	PromptChars  int       `json:"prompt_chars"`
	// Source is where the plan came from: content, tool_call,
	// text_fallback or none.
	Source   string   `json:"source"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// QueryText asks the model for a plan in JSON mode.
func (p *Planner) QueryText(ctx context.Context, req TextRequest) (actions.Plan, Debug) {
	log := p.logger.With("request_id", req.RequestID, "model", req.Model)
	dbg := Debug{Model: req.Model, Kind: "text", Source: "none"}

	system := prompts.PlannerPrompt(req.Context)
	dbg.PromptChars = len(system)
	log.Debug("system prompt built", "chars", len(system))
	p.saveLastPrompt(system)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.Chat(ctx, &llm.ChatRequest{
		Model: req.Model,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Text},
		},
		JSONMode: true,
	})
	dbg.Attempts = 1
	dbg.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		log.Error("planner call failed", "error", err)
		dbg.Error = err.Error()
		return actions.Empty(fmt.Sprintf("Model call failed: %v", err)), dbg
	}

	dbg.FinishReason = resp.FinishReason
	dbg.Usage = resp.Usage
	p.recordUsage(ctx, req.RequestID, req.Model, "text", 1, resp)
	logUsage(log, resp.Usage)

	plan, warnings, err := parsePlan(p.schema, resp.Content)
	dbg.Warnings = warnings
	for _, w := range warnings {
		log.Warn("plan coerced", "warning", w)
	}
	if err != nil {
		log.Error("failed to parse plan from model", "error", err, "content", resp.Content)
		dbg.Error = err.Error()
		return actions.Empty(fmt.Sprintf("Failed to parse JSON from model: %v", err)), dbg
	}

	dbg.Source = "content"
	log.Debug("plan parsed", "actions", len(plan.Actions))
	return plan, dbg
}

func (p *Planner) recordUsage(ctx context.Context, requestID, model, kind string, attempt int, resp *llm.ChatResponse) {
	if p.usage == nil {
		return
	}
	rec := usage.Record{
		RequestID:    requestID,
		Model:        model,
		Kind:         kind,
		Attempt:      attempt,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CachedTokens: resp.Usage.CachedTokens,
		FinishReason: resp.FinishReason,
		Latency:      resp.Latency,
	}
	// The planner's deadline may be nearly spent; usage is bookkeeping.
	if err := p.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Warn("failed to record usage", "error", err)
	}
}

func (p *Planner) saveLastPrompt(system string) {
	if p.promptPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.promptPath), 0o755); err != nil {
		p.logger.Warn("failed to write last prompt", "error", err)
		return
	}
	if err := os.WriteFile(p.promptPath, []byte(system), 0o644); err != nil {
		p.logger.Warn("failed to write last prompt", "error", err)
	}
}

func logUsage(log *slog.Logger, u llm.Usage) {
	log.Info("planner token usage",
		"input_tokens", u.PromptTokens,
		"output_tokens", u.CompletionTokens,
		"total_tokens", u.TotalTokens,
		"cached_tokens", u.CachedTokens,
		"cache_hit_pct", fmt.Sprintf("%.1f", u.CacheHitRate()),
	)
}
