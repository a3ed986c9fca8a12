package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Command is a request received on the command topic.
type Command struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// CommandHandler receives parsed commands. It is called on the paho
// receive goroutine and must not block.
type CommandHandler func(ctx context.Context, cmd Command)

// parseCommand accepts a JSON object with a text field or a plain-text
// payload. ok is false for empty commands.
func parseCommand(payload []byte) (Command, bool) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return Command{}, false
	}
	if strings.HasPrefix(raw, "{") {
		var cmd Command
		if err := json.Unmarshal([]byte(raw), &cmd); err == nil {
			cmd.Text = strings.TrimSpace(cmd.Text)
			return cmd, cmd.Text != ""
		}
	}
	return Command{Text: raw}, true
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if p.cfg.CommandTopic == "" || h == nil {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.cfg.CommandTopic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", p.cfg.CommandTopic, "error", err)
		return
	}
	p.logger.Info("mqtt command topic subscribed", "topic", p.cfg.CommandTopic)
}

// onPublish routes an inbound message. It reports whether the message
// was handled.
func (p *Publisher) onPublish(ctx context.Context, msg *paho.Publish) bool {
	if msg == nil || msg.Topic != p.cfg.CommandTopic {
		return false
	}
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return false
	}

	if !p.limiter.allow() {
		return true
	}
	cmd, ok := parseCommand(msg.Payload)
	if !ok {
		p.logger.Debug("mqtt empty command ignored", "topic", msg.Topic)
		return true
	}
	p.logger.Info("mqtt command received", "topic", msg.Topic, "chars", len(cmd.Text), "model", cmd.Model)
	h(ctx, cmd)
	return true
}

// commandWindow admits at most limit commands per fixed window. The
// window rolls over lazily on the first command after it expires, and
// drops from the finished window are logged at that point.
type commandWindow struct {
	limit  int
	length time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	start   time.Time
	count   int
	dropped int
	total   int64
}

func newCommandWindow(limit int, length time.Duration, logger *slog.Logger) *commandWindow {
	return &commandWindow{limit: limit, length: length, logger: logger, now: time.Now}
}

func (w *commandWindow) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if now.Sub(w.start) >= w.length {
		if w.dropped > 0 {
			w.logger.Warn("mqtt commands dropped by rate limit",
				"window_start", w.start, "received", w.count+w.dropped, "dropped", w.dropped, "limit", w.limit)
		}
		w.start, w.count, w.dropped = now, 0, 0
	}
	if w.count >= w.limit {
		w.dropped++
		w.total++
		return false
	}
	w.count++
	return true
}

// Dropped is the number of commands refused since creation.
func (w *commandWindow) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}
