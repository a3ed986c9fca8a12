package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
)

// StateChange is one state_changed event reduced to what the context
// cache needs to know.
type StateChange struct {
	EntityID string
	OldState string
	NewState string
	// Added and Removed mark entities appearing in or leaving the
	// state machine.
	Added   bool
	Removed bool
	// AttributesOnly is set when the state string is unchanged and only
	// attributes moved.
	AttributesOnly bool
}

// StateWatcher reads state_changed events from a WebSocket event
// channel and hands each change to a handler, skipping entities that
// match an ignore glob ([path.Match] syntax).
type StateWatcher struct {
	events  <-chan Event
	ignore  []string
	handler func(StateChange)
	logger  *slog.Logger
}

// NewStateWatcher creates a watcher. Malformed ignore patterns are
// logged and dropped.
func NewStateWatcher(events <-chan Event, ignore []string, handler func(StateChange), logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &StateWatcher{events: events, handler: handler, logger: logger.With("component", "state_watcher")}
	for _, pat := range ignore {
		if _, err := path.Match(pat, pat); err != nil {
			w.logger.Warn("ignoring malformed watch_ignore pattern", "pattern", pat, "error", err)
			continue
		}
		w.ignore = append(w.ignore, pat)
	}
	return w
}

// Ignored reports whether changes to entityID are skipped.
func (w *StateWatcher) Ignored(entityID string) bool {
	for _, pat := range w.ignore {
		if ok, _ := path.Match(pat, entityID); ok {
			return true
		}
	}
	return false
}

// Run reads events until ctx is cancelled or the channel is closed.
func (w *StateWatcher) Run(ctx context.Context) {
	w.logger.Info("state watcher started", "ignore_patterns", len(w.ignore))
	defer w.logger.Info("state watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			change, ok := decodeStateChange(ev)
			if !ok {
				continue
			}
			if w.Ignored(change.EntityID) {
				continue
			}
			w.handler(change)
		}
	}
}

func decodeStateChange(ev Event) (StateChange, bool) {
	if ev.Type != "state_changed" {
		return StateChange{}, false
	}
	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil || data.EntityID == "" {
		return StateChange{}, false
	}

	ch := StateChange{
		EntityID: data.EntityID,
		Added:    data.OldState == nil,
		Removed:  data.NewState == nil,
	}
	if data.OldState != nil {
		ch.OldState = data.OldState.State
	}
	if data.NewState != nil {
		ch.NewState = data.NewState.State
	}
	ch.AttributesOnly = !ch.Added && !ch.Removed && ch.OldState == ch.NewState
	return ch, true
}
