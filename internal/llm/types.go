// Package llm provides a client for OpenAI-compatible chat-completions
// endpoints and a router that picks a provider per model.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Client is the interface that all LLM providers implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Message is a chat message. When Parts is non-empty it is sent as a
// multimodal content array instead of Content.
type Message struct {
	Role    string
	Content string
	Parts   []ContentPart
}

// MarshalJSON writes content as a string or, for multimodal messages,
// as a list of parts.
func (m Message) MarshalJSON() ([]byte, error) {
	out := struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}{Role: m.Role, Content: m.Content}
	if len(m.Parts) > 0 {
		out.Content = m.Parts
	}
	return json.Marshal(out)
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type       string      `json:"type"` // text or input_audio
	Text       string      `json:"text,omitempty"`
	InputAudio *InputAudio `json:"input_audio,omitempty"`
}

// InputAudio is base64-encoded audio attached to a user message.
type InputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// AudioPart builds an input_audio content part.
func AudioPart(b64, format string) ContentPart {
	return ContentPart{Type: "input_audio", InputAudio: &InputAudio{Data: b64, Format: format}}
}

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object.
	Parameters json.RawMessage
}

// ToolCall is a function call returned by the model. Arguments is the
// raw JSON text the model produced, which may be malformed when the
// response was cut short.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    []Tool

	// ForceTool requires the model to answer by calling the named tool.
	ForceTool string

	// JSONMode asks for a single JSON object as the message content.
	JSONMode bool

	// MaxCompletionTokens caps the output. Zero leaves it to the provider.
	MaxCompletionTokens int

	// Modalities restricts output modalities, e.g. ["text"] for audio
	// models that could otherwise answer with speech.
	Modalities []string
}

// Usage is token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	// CachedTokens is the part of the prompt served from the provider's
	// prompt cache.
	CachedTokens int `json:"cached_tokens"`
}

// CacheHitRate returns cached prompt tokens as a percentage of prompt
// tokens.
func (u Usage) CacheHitRate() float64 {
	if u.PromptTokens == 0 {
		return 0
	}
	return float64(u.CachedTokens) / float64(u.PromptTokens) * 100
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		CachedTokens:     u.CachedTokens + o.CachedTokens,
	}
}

// Finish reasons reported by the provider.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model        string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage

	// Latency is the wall time of the HTTP round trip.
	Latency time.Duration
}

// Truncated reports whether the output hit the completion token cap.
func (r *ChatResponse) Truncated() bool {
	return r.FinishReason == FinishLength
}
