package mqtt

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/bergerjacob/llm-home-assistant/internal/config"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Command
		ok      bool
	}{
		{"plain text", "  turn on the kitchen light \n", Command{Text: "turn on the kitchen light"}, true},
		{"json", `{"text":"lock the door","model":"gpt-5-mini"}`, Command{Text: "lock the door", Model: "gpt-5-mini"}, true},
		{"json without text", `{"model":"x"}`, Command{}, false},
		{"broken json is text", `{not json`, Command{Text: "{not json"}, true},
		{"empty", "   ", Command{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseCommand([]byte(tt.payload))
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("parseCommand(%q) = %+v, %v; want %+v, %v", tt.payload, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestOnPublish_RoutesCommands(t *testing.T) {
	cfg := config.MQTTConfig{DeviceName: "llmha", CommandTopic: "llmha/command", CommandRateLimit: 2}
	p := New(cfg, "id", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var got []Command
	p.SetCommandHandler(func(_ context.Context, cmd Command) { got = append(got, cmd) })

	ctx := context.Background()
	if p.onPublish(ctx, &paho.Publish{Topic: "other/topic", Payload: []byte("x")}) {
		t.Error("messages on other topics should not be handled")
	}
	if !p.onPublish(ctx, &paho.Publish{Topic: "llmha/command", Payload: []byte("")}) {
		t.Error("empty command should be consumed")
	}
	p.onPublish(ctx, &paho.Publish{Topic: "llmha/command", Payload: []byte("lights off")})
	p.onPublish(ctx, &paho.Publish{Topic: "llmha/command", Payload: []byte("over the limit")})

	if len(got) != 1 || got[0].Text != "lights off" {
		t.Errorf("commands = %+v", got)
	}
	if n := p.limiter.Dropped(); n != 1 {
		t.Errorf("dropped = %d, want 1", n)
	}
}

func TestOnPublish_NoHandler(t *testing.T) {
	p := New(config.MQTTConfig{CommandTopic: "c"}, "id", nil, nil)
	if p.onPublish(context.Background(), &paho.Publish{Topic: "c", Payload: []byte("x")}) {
		t.Error("without a handler nothing is handled")
	}
	if p.onPublish(context.Background(), nil) {
		t.Error("nil packet should be ignored")
	}
}

func TestCommandWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := newCommandWindow(2, time.Minute, slog.New(slog.DiscardHandler))
	w.now = func() time.Time { return now }

	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},
		{10 * time.Second, true},
		{10 * time.Second, false},
		{39 * time.Second, false},
		{time.Second, true}, // window rolled over
		{0, true},
		{0, false},
	}
	for i, st := range steps {
		now = now.Add(st.advance)
		if got := w.allow(); got != st.want {
			t.Errorf("step %d: allow() = %v, want %v", i, got, st.want)
		}
	}
	if n := w.Dropped(); n != 3 {
		t.Errorf("Dropped() = %d, want 3", n)
	}
}
