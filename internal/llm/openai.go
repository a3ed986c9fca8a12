package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bergerjacob/llm-home-assistant/internal/config"
	"github.com/bergerjacob/llm-home-assistant/internal/httpkit"
)

// OpenAIClient talks to an OpenAI-compatible /chat/completions API.
// Ollama's /v1 compatibility endpoint is served by the same client with
// an empty API key.
type OpenAIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for baseURL (for example
// https://api.openai.com/v1). provider only labels log lines.
func NewOpenAIClient(baseURL, apiKey, provider string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Audio requests can take a long time before headers arrive. The
	// request context bounds the whole exchange.
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", provider),
		httpClient: httpkit.NewClient(httpkit.Options{
			Timeout:       -1,
			HeaderTimeout: 120 * time.Second,
			Token:         apiKey,
			Retries:       2,
			Logger:        logger,
		}),
	}
}

// OpenAI request/response types

type openaiRequest struct {
	Model               string                `json:"model"`
	Messages            []Message             `json:"messages"`
	Tools               []openaiTool          `json:"tools,omitempty"`
	ToolChoice          any                   `json:"tool_choice,omitempty"`
	ResponseFormat      *openaiResponseFormat `json:"response_format,omitempty"`
	MaxCompletionTokens int                   `json:"max_completion_tokens,omitempty"`
	Modalities          []string              `json:"modalities,omitempty"`
}

type openaiResponseFormat struct {
	Type string `json:"type"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

type openaiResponse struct {
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

type openaiChoice struct {
	Message struct {
		Content   *string          `json:"content"`
		ToolCalls []openaiToolCall `json:"tool_calls"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func buildRequest(req *ChatRequest) openaiRequest {
	out := openaiRequest{
		Model:               req.Model,
		Messages:            req.Messages,
		MaxCompletionTokens: req.MaxCompletionTokens,
		Modalities:          req.Modalities,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type:     "function",
			Function: openaiFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if req.ForceTool != "" {
		choice := openaiToolChoice{Type: "function"}
		choice.Function.Name = req.ForceTool
		out.ToolChoice = choice
	}
	if req.JSONMode {
		out.ResponseFormat = &openaiResponseFormat{Type: "json_object"}
	}
	return out
}

// Chat sends a non-streaming chat completion request. HTTP failures are
// wrapped as TransientError or FatalError.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body := buildRequest(req)

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"json_mode", req.JSONMode,
		"max_completion_tokens", req.MaxCompletionTokens,
	)

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", truncateForLog(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		return nil, NewTransientError(fmt.Errorf("request failed: %w", err))
	}
	if err := httpkit.CheckStatus(resp); err != nil {
		c.logger.Error("API error", "error", err)
		return nil, classify(fmt.Errorf("chat completion: %w", err))
	}
	defer httpkit.DrainAndClose(resp.Body)

	var wire openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	latency := time.Since(start)

	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	choice := wire.Choices[0]

	out := &ChatResponse{
		Model:        wire.Model,
		FinishReason: choice.FinishReason,
		Latency:      latency,
	}
	if choice.Message.Content != nil {
		out.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if u := wire.Usage; u != nil {
		out.Usage = Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
		if u.PromptTokensDetails != nil {
			out.Usage.CachedTokens = u.PromptTokensDetails.CachedTokens
		}
	} else {
		c.logger.Warn("response missing usage information", "model", req.Model)
	}

	c.logger.Log(ctx, config.LevelTrace, "response", "content", out.Content, "tool_calls", len(out.ToolCalls))
	c.logger.Info("chat completion",
		"model", out.Model,
		"finish_reason", out.FinishReason,
		"input_tokens", out.Usage.PromptTokens,
		"output_tokens", out.Usage.CompletionTokens,
		"cached_tokens", out.Usage.CachedTokens,
		"latency", latency.Round(time.Millisecond),
	)

	return out, nil
}

// Ping checks that the models listing is reachable with the configured
// credential.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := httpkit.CheckStatus(resp); err != nil {
		return classify(fmt.Errorf("ping: %w", err))
	}
	httpkit.DrainAndClose(resp.Body)
	return nil
}

// truncateForLog keeps base64 audio from flooding trace output.
func truncateForLog(data []byte) string {
	const max = 8192
	if len(data) <= max {
		return string(data)
	}
	return fmt.Sprintf("%s...(%d bytes total)", data[:max], len(data))
}
