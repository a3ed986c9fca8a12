package planner

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bergerjacob/llm-home-assistant/internal/actions"
	"github.com/bergerjacob/llm-home-assistant/internal/llm"
	"github.com/bergerjacob/llm-home-assistant/internal/prompts"
)

// Audio limits and token budgets.
const (
	MaxAudioBytes = 15 << 20

	firstAttemptTokens = 1024
	retryTokens        = 4096
)

// SupportedAudioFormats lists the input_audio formats the model accepts.
var SupportedAudioFormats = []string{"flac", "mp3", "ogg", "opus", "pcm16", "wav", "webm"}

// NormalizeAudioFormat lowercases format and strips surrounding space
// and leading dots, so ".WAV" and "wav" name the same format.
func NormalizeAudioFormat(format string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(format), "."))
}

const noActionableResponse = "Audio model returned no actionable response."

// AudioRequest is a spoken command.
type AudioRequest struct {
	RequestID string
	Model     string
	Context   string
	// Text is optional accompanying text, such as a transcript hint.
	Text   string
	Audio  []byte
	Format string
}

// ValidateAudio checks format and size before anything is sent.
func ValidateAudio(audio []byte, format string) error {
	if !slices.Contains(SupportedAudioFormats, NormalizeAudioFormat(format)) {
		return fmt.Errorf("unsupported audio format %q (supported: %s)", format, strings.Join(SupportedAudioFormats, ", "))
	}
	if len(audio) == 0 {
		return fmt.Errorf("audio payload is empty")
	}
	if len(audio) > MaxAudioBytes {
		return fmt.Errorf("audio payload too large: %d bytes (max %d)", len(audio), MaxAudioBytes)
	}
	return nil
}

// DecodeAudio decodes base64 audio, accepting standard and URL-safe
// alphabets with or without padding.
func DecodeAudio(b64 string) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if data, err := enc.DecodeString(b64); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("audio is not valid base64")
}

// QueryAudio asks an audio-capable model for a plan through a forced
// propose_actions tool call.
//
// The first attempt caps output at a small token budget. If that answer
// is cut off, one retry runs with a larger cap and an extra system
// instruction. The plan is taken from the tool call arguments, then
// from free-text content, and otherwise is empty.
func (p *Planner) QueryAudio(ctx context.Context, req AudioRequest) (actions.Plan, Debug) {
	log := p.logger.With("request_id", req.RequestID, "model", req.Model)
	dbg := Debug{Model: req.Model, Kind: "audio", Source: "none"}

	if err := ValidateAudio(req.Audio, req.Format); err != nil {
		log.Warn("audio rejected", "error", err, "format", req.Format, "bytes", len(req.Audio))
		dbg.Error = err.Error()
		return actions.Empty(fmt.Sprintf("Audio rejected: %v", err)), dbg
	}

	system := prompts.AudioPlannerPrompt(req.Context)
	dbg.PromptChars = len(system)
	p.saveLastPrompt(system)

	var user []llm.ContentPart
	if req.Text != "" {
		user = append(user, llm.TextPart(req.Text))
	}
	user = append(user, llm.AudioPart(base64.StdEncoding.EncodeToString(req.Audio), NormalizeAudioFormat(req.Format)))

	chat := &llm.ChatRequest{
		Model: req.Model,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Parts: user},
		},
		Tools: []llm.Tool{{
			Name:        prompts.ProposeActionsTool,
			Description: prompts.ProposeActionsDescription,
			Parameters:  proposeActionsParameters,
		}},
		ForceTool:           prompts.ProposeActionsTool,
		MaxCompletionTokens: firstAttemptTokens,
		Modalities:          []string{"text"},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()

	log.Debug("calling audio model", "format", req.Format, "bytes", len(req.Audio))
	resp, err := p.client.Chat(ctx, chat)
	dbg.Attempts = 1
	if err != nil {
		log.Error("audio planner call failed", "error", err)
		dbg.Error = err.Error()
		dbg.LatencyMS = time.Since(start).Milliseconds()
		return actions.Empty(fmt.Sprintf("Audio model call failed: %v", err)), dbg
	}
	p.recordUsage(ctx, req.RequestID, req.Model, "audio", 1, resp)
	dbg.Usage = resp.Usage
	dbg.FinishReason = resp.FinishReason

	if resp.Truncated() {
		log.Warn("audio response truncated, retrying with larger budget",
			"max_completion_tokens", retryTokens)

		retry := *chat
		retry.Messages = append(slices.Clone(chat.Messages), llm.Message{Role: "system", Content: prompts.TruncationRetryInstruction})
		retry.MaxCompletionTokens = retryTokens

		second, err := p.client.Chat(ctx, &retry)
		dbg.Attempts = 2
		if err != nil {
			log.Error("audio retry failed", "error", err)
			dbg.Warnings = append(dbg.Warnings, "retry failed: "+err.Error())
		} else {
			p.recordUsage(ctx, req.RequestID, req.Model, "audio", 2, second)
			dbg.Usage = dbg.Usage.Add(second.Usage)
			dbg.FinishReason = second.FinishReason
			resp = second
		}
	}
	logUsage(log, dbg.Usage)

	plan, source, warnings := p.extractAudioPlan(resp)
	dbg.Source = source
	dbg.Warnings = append(dbg.Warnings, warnings...)
	dbg.LatencyMS = time.Since(start).Milliseconds()
	for _, w := range warnings {
		log.Warn("audio plan extraction", "warning", w)
	}
	return plan, dbg
}

// extractAudioPlan tries the tool call arguments, then the message text.
func (p *Planner) extractAudioPlan(resp *llm.ChatResponse) (actions.Plan, string, []string) {
	var warnings []string

	for _, tc := range resp.ToolCalls {
		if tc.Name != prompts.ProposeActionsTool {
			warnings = append(warnings, "ignoring unexpected tool call "+tc.Name)
			continue
		}
		plan, w, err := parsePlan(p.schema, tc.Arguments)
		warnings = append(warnings, w...)
		if err == nil {
			return plan, "tool_call", warnings
		}
		warnings = append(warnings, "tool call arguments unusable: "+err.Error())
		break
	}

	content := strings.TrimSpace(resp.Content)
	if content != "" {
		warnings = append(warnings, "no usable tool call, trying text content")
		if plan, w, err := parsePlan(p.schema, content); err == nil {
			return plan, "text_fallback", append(warnings, w...)
		}
		return actions.Empty(content), "none", warnings
	}

	return actions.Empty(noActionableResponse), "none", warnings
}
