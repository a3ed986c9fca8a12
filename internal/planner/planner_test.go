package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bergerjacob/llm-home-assistant/internal/llm"
	"github.com/bergerjacob/llm-home-assistant/internal/prompts"
	"github.com/bergerjacob/llm-home-assistant/internal/usage"
)

// scriptedChatter returns queued responses in order and records every
// request it receives.
type scriptedChatter struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error
	requests  []*llm.ChatRequest
}

func (s *scriptedChatter) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return nil, errors.New("no scripted response")
}

type memRecorder struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (m *memRecorder) Record(_ context.Context, rec usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func newPlanner(t *testing.T, c Chatter, rec UsageRecorder, cfg Config) *Planner {
	t.Helper()
	p, err := New(c, rec, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func content(s string) *llm.ChatResponse {
	return &llm.ChatResponse{Content: s, FinishReason: llm.FinishStop, Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110, CachedTokens: 64}}
}

func TestQueryText_ValidPlan(t *testing.T) {
	chat := &scriptedChatter{responses: []*llm.ChatResponse{content(`{
		"actions": [{"domain": "light", "service": "turn_on", "entity_id": "light.kitchen", "data": {"brightness": 200}}],
		"explanation": "Kitchen light on"
	}`)}}
	rec := &memRecorder{}
	promptPath := filepath.Join(t.TempDir(), "debug", "last_prompt.txt")
	p := newPlanner(t, chat, rec, Config{LastPromptPath: promptPath})

	plan, dbg := p.QueryText(context.Background(), TextRequest{
		RequestID: "r1", Text: "kitchen light on", Model: "gpt-5-mini", Context: `{"entities":[]}`,
	})

	if len(plan.Actions) != 1 || plan.Explanation != "Kitchen light on" {
		t.Fatalf("plan = %+v", plan)
	}
	a := plan.Actions[0]
	if a.Name() != "light.turn_on" || len(a.EntityID) != 1 || a.EntityID[0] != "light.kitchen" || a.Data["brightness"] != float64(200) {
		t.Errorf("action = %+v", a)
	}
	if dbg.Source != "content" || dbg.Attempts != 1 || dbg.Usage.CachedTokens != 64 || dbg.Error != "" {
		t.Errorf("debug = %+v", dbg)
	}

	req := chat.requests[0]
	if !req.JSONMode || req.Model != "gpt-5-mini" {
		t.Errorf("request = %+v", req)
	}
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, `{"entities":[]}`) {
		t.Error("system prompt should embed the context")
	}
	if req.Messages[1].Content != "kitchen light on" {
		t.Errorf("user message = %q", req.Messages[1].Content)
	}

	saved, err := os.ReadFile(promptPath)
	if err != nil || string(saved) != req.Messages[0].Content {
		t.Errorf("last prompt not saved: %v", err)
	}
	if len(rec.recs) != 1 || rec.recs[0].Kind != "text" || rec.recs[0].CachedTokens != 64 || rec.recs[0].RequestID != "r1" {
		t.Errorf("usage records = %+v", rec.recs)
	}
}

func TestQueryText_Failures(t *testing.T) {
	tests := []struct {
		name       string
		resp       *llm.ChatResponse
		err        error
		wantPrefix string
	}{
		{"call error", nil, errors.New("connection refused"), "Model call failed: "},
		{"not json", content("sure, turning it on"), nil, "Failed to parse JSON from model: "},
		{"json array", content(`[1,2]`), nil, "Failed to parse JSON from model: "},
		{"bad action", content(`{"actions":[{"service":"turn_on"}],"explanation":"x"}`), nil, "Failed to parse JSON from model: "},
		{"bad entity type", content(`{"actions":[{"domain":"light","service":"turn_on","entity_id":5}],"explanation":"x"}`), nil, "Failed to parse JSON from model: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &scriptedChatter{responses: []*llm.ChatResponse{tt.resp}, errs: []error{tt.err}}
			p := newPlanner(t, chat, nil, Config{})

			plan, dbg := p.QueryText(context.Background(), TextRequest{Text: "x", Model: "m"})
			if len(plan.Actions) != 0 || plan.Actions == nil {
				t.Errorf("actions = %#v, want empty non-nil", plan.Actions)
			}
			if !strings.HasPrefix(plan.Explanation, tt.wantPrefix) {
				t.Errorf("explanation = %q, want prefix %q", plan.Explanation, tt.wantPrefix)
			}
			if dbg.Error == "" {
				t.Error("debug should carry the error")
			}
		})
	}
}

func TestQueryText_Coercion(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		actions  int
		explain  string
		warnings int
	}{
		{"missing explanation", `{"actions":[{"domain":"switch","service":"turn_off","entity_id":["switch.a","switch.b"]}]}`, 1, "", 1},
		{"actions not a list", `{"actions":"none","explanation":"nothing to do"}`, 0, "nothing to do", 1},
		{"actions missing", `{"explanation":"The door is locked."}`, 0, "The door is locked.", 1},
		{"null entity and data", `{"actions":[{"domain":"scene","service":"turn_on","entity_id":null,"data":null}],"explanation":"ok"}`, 1, "ok", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &scriptedChatter{responses: []*llm.ChatResponse{content(tt.raw)}}
			p := newPlanner(t, chat, nil, Config{})

			plan, dbg := p.QueryText(context.Background(), TextRequest{Text: "x", Model: "m"})
			if dbg.Error != "" {
				t.Fatalf("unexpected error: %s", dbg.Error)
			}
			if len(plan.Actions) != tt.actions || plan.Explanation != tt.explain {
				t.Errorf("plan = %+v", plan)
			}
			if len(dbg.Warnings) != tt.warnings {
				t.Errorf("warnings = %v, want %d", dbg.Warnings, tt.warnings)
			}
		})
	}
}

type slowChatter struct{}

func (slowChatter) Chat(ctx context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestQueryText_Timeout(t *testing.T) {
	p := newPlanner(t, slowChatter{}, nil, Config{Timeout: 20 * time.Millisecond})

	plan, dbg := p.QueryText(context.Background(), TextRequest{Text: "x", Model: "m"})
	if len(plan.Actions) != 0 || !strings.HasPrefix(plan.Explanation, "Model call failed:") {
		t.Errorf("plan = %+v", plan)
	}
	if !strings.Contains(dbg.Error, "deadline exceeded") {
		t.Errorf("debug error = %q", dbg.Error)
	}
}

func toolCall(args string) llm.ToolCall {
	return llm.ToolCall{ID: "call_1", Name: prompts.ProposeActionsTool, Arguments: args}
}

func TestQueryAudio_ToolCall(t *testing.T) {
	chat := &scriptedChatter{responses: []*llm.ChatResponse{{
		FinishReason: llm.FinishToolCalls,
		ToolCalls:    []llm.ToolCall{toolCall(`{"actions":[{"domain":"cover","service":"close_cover","entity_id":"cover.blind","data":{}}],"explanation":"Closing blind"}`)},
	}}}
	rec := &memRecorder{}
	p := newPlanner(t, chat, rec, Config{})

	plan, dbg := p.QueryAudio(context.Background(), AudioRequest{
		RequestID: "a1", Model: "gpt-4o-audio-preview", Context: "{}", Text: "hint",
		Audio: []byte("RIFFfake"), Format: "WAV",
	})

	if len(plan.Actions) != 1 || plan.Actions[0].Name() != "cover.close_cover" {
		t.Fatalf("plan = %+v", plan)
	}
	if dbg.Source != "tool_call" || dbg.Attempts != 1 {
		t.Errorf("debug = %+v", dbg)
	}

	req := chat.requests[0]
	if req.ForceTool != prompts.ProposeActionsTool || req.MaxCompletionTokens != firstAttemptTokens {
		t.Errorf("request = %+v", req)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != prompts.ProposeActionsTool {
		t.Errorf("tools = %+v", req.Tools)
	}
	parts := req.Messages[1].Parts
	if len(parts) != 2 || parts[0].Text != "hint" || parts[1].InputAudio == nil || parts[1].InputAudio.Format != "wav" {
		t.Errorf("user parts = %+v", parts)
	}
	if parts[1].InputAudio.Data != "UklGRmZha2U=" {
		t.Errorf("audio data = %q", parts[1].InputAudio.Data)
	}
	if len(rec.recs) != 1 || rec.recs[0].Kind != "audio" {
		t.Errorf("usage = %+v", rec.recs)
	}
}

func TestQueryAudio_RetryOnTruncation(t *testing.T) {
	chat := &scriptedChatter{responses: []*llm.ChatResponse{
		{
			FinishReason: llm.FinishLength,
			ToolCalls:    []llm.ToolCall{toolCall(`{"actions":[{"domain":"light","service":"turn_on","entity_id":["light.a",`)},
			Usage:        llm.Usage{PromptTokens: 500, CompletionTokens: 1024},
		},
		{
			FinishReason: llm.FinishToolCalls,
			ToolCalls:    []llm.ToolCall{toolCall(`{"actions":[{"domain":"light","service":"turn_on","entity_id":["light.a","light.b"],"data":{}}],"explanation":"Lights on"}`)},
			Usage:        llm.Usage{PromptTokens: 520, CompletionTokens: 60},
		},
	}}
	rec := &memRecorder{}
	p := newPlanner(t, chat, rec, Config{})

	plan, dbg := p.QueryAudio(context.Background(), AudioRequest{Model: "m", Audio: []byte{1, 2, 3}, Format: "mp3"})

	if len(chat.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(chat.requests))
	}
	retry := chat.requests[1]
	if retry.MaxCompletionTokens != retryTokens {
		t.Errorf("retry budget = %d, want %d", retry.MaxCompletionTokens, retryTokens)
	}
	last := retry.Messages[len(retry.Messages)-1]
	if last.Role != "system" || last.Content != prompts.TruncationRetryInstruction {
		t.Errorf("retry should append the corrective instruction, got %+v", last)
	}
	if len(chat.requests[0].Messages) != 2 {
		t.Error("first request messages were modified by the retry")
	}

	if len(plan.Actions) != 1 || len(plan.Actions[0].EntityID) != 2 || plan.Explanation != "Lights on" {
		t.Errorf("plan = %+v", plan)
	}
	if dbg.Attempts != 2 || dbg.Usage.PromptTokens != 1020 || dbg.Source != "tool_call" {
		t.Errorf("debug = %+v", dbg)
	}
	if len(rec.recs) != 2 || rec.recs[1].Attempt != 2 {
		t.Errorf("usage records = %+v", rec.recs)
	}
}

func TestQueryAudio_NoRetryWithoutTruncation(t *testing.T) {
	chat := &scriptedChatter{responses: []*llm.ChatResponse{
		{FinishReason: llm.FinishStop, Content: "The lounge is 21 degrees."},
	}}
	p := newPlanner(t, chat, nil, Config{})

	plan, dbg := p.QueryAudio(context.Background(), AudioRequest{Model: "m", Audio: []byte{1}, Format: "wav"})

	if len(chat.requests) != 1 {
		t.Errorf("requests = %d, want 1", len(chat.requests))
	}
	if len(plan.Actions) != 0 || plan.Explanation != "The lounge is 21 degrees." {
		t.Errorf("plan = %+v", plan)
	}
	if dbg.Source != "none" {
		t.Errorf("source = %q", dbg.Source)
	}
}

func TestQueryAudio_Fallbacks(t *testing.T) {
	tests := []struct {
		name    string
		resp    *llm.ChatResponse
		source  string
		explain string
		actions int
	}{
		{
			"text content json",
			&llm.ChatResponse{Content: `{"actions":[{"domain":"switch","service":"toggle","entity_id":"switch.fan"}],"explanation":"Fan toggled"}`},
			"text_fallback", "Fan toggled", 1,
		},
		{
			"broken tool call then text",
			&llm.ChatResponse{ToolCalls: []llm.ToolCall{toolCall(`{not json`)}, Content: `{"actions":[],"explanation":"Nothing"}`},
			"text_fallback", "Nothing", 0,
		},
		{
			"nothing usable",
			&llm.ChatResponse{},
			"none", noActionableResponse, 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &scriptedChatter{responses: []*llm.ChatResponse{tt.resp}}
			p := newPlanner(t, chat, nil, Config{})

			plan, dbg := p.QueryAudio(context.Background(), AudioRequest{Model: "m", Audio: []byte{1}, Format: "wav"})
			if dbg.Source != tt.source || plan.Explanation != tt.explain || len(plan.Actions) != tt.actions {
				t.Errorf("plan = %+v, source = %q", plan, dbg.Source)
			}
		})
	}
}

func TestQueryAudio_RejectedBeforeNetwork(t *testing.T) {
	tests := []struct {
		name   string
		audio  []byte
		format string
	}{
		{"unknown format", []byte{1}, "aiff"},
		{"empty", nil, "wav"},
		{"too large", make([]byte, MaxAudioBytes+1), "wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &scriptedChatter{}
			p := newPlanner(t, chat, nil, Config{})

			plan, dbg := p.QueryAudio(context.Background(), AudioRequest{Model: "m", Audio: tt.audio, Format: tt.format})
			if len(chat.requests) != 0 {
				t.Error("rejected audio must not reach the model")
			}
			if len(plan.Actions) != 0 || dbg.Error == "" {
				t.Errorf("plan = %+v, debug = %+v", plan, dbg)
			}
		})
	}
}

func TestNormalizeAudioFormat(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"wav", "wav"},
		{".WAV", "wav"},
		{" ..mp3 ", "mp3"},
		{"Opus", "opus"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAudioFormat(tt.in); got != tt.want {
			t.Errorf("NormalizeAudioFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateAudio_Formats(t *testing.T) {
	for _, f := range []string{".wav", "MP3", "flac", "opus", "pcm16", "webm", "ogg"} {
		if err := ValidateAudio([]byte{1}, f); err != nil {
			t.Errorf("ValidateAudio(%q) = %v, want nil", f, err)
		}
	}
	if err := ValidateAudio([]byte{1}, "aiff"); err == nil {
		t.Error("aiff should be rejected")
	}
}

func TestDecodeAudio(t *testing.T) {
	for _, in := range []string{"UklGRmZha2U=", "UklGRmZha2U", " UklGRmZha2U=\n"} {
		got, err := DecodeAudio(in)
		if err != nil || string(got) != "RIFFfake" {
			t.Errorf("DecodeAudio(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := DecodeAudio("!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}
