package homeassistant

import (
	"context"
	"fmt"
)

// Response display sensor. Home Assistant caps entity state at 255
// characters, so the full text travels in the attributes.
const (
	ResponseSensorID   = "sensor.llm_model_response"
	ResponseSensorName = "LLM Model Response"

	// ResponseEvent is fired on the HA event bus with the explanation
	// under "payload".
	ResponseEvent = "llm_response_ready"

	maxStateLen = 255
)

// ResponseState splits a response into the sensor state and its
// attributes: full_text, text_length and truncated.
func ResponseState(text string) (string, map[string]any) {
	runes := []rune(text)
	truncated := len(runes) > maxStateLen
	state := text
	if truncated {
		state = string(runes[:maxStateLen-3]) + "..."
	}
	return state, map[string]any{
		"friendly_name": ResponseSensorName,
		"icon":          "mdi:robot",
		"full_text":     text,
		"text_length":   len(runes),
		"truncated":     truncated,
	}
}

// ShowResponse writes text to the response display sensor.
func (c *Client) ShowResponse(ctx context.Context, text string) error {
	state, attrs := ResponseState(text)
	if err := c.SetState(ctx, ResponseSensorID, state, attrs); err != nil {
		return fmt.Errorf("update %s: %w", ResponseSensorID, err)
	}
	return nil
}

// AnnounceResponse fires ResponseEvent carrying text.
func (c *Client) AnnounceResponse(ctx context.Context, text string) error {
	return c.FireEvent(ctx, ResponseEvent, map[string]any{"payload": text})
}
