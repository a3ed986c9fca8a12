package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func stateEvent(t *testing.T, entityID string, oldState, newState *State) Event {
	t.Helper()
	raw, err := json.Marshal(StateChangedData{EntityID: entityID, OldState: oldState, NewState: newState})
	if err != nil {
		t.Fatalf("marshal state data: %v", err)
	}
	return Event{Type: "state_changed", Data: raw}
}

// watchAll feeds evs through a watcher and returns what the handler saw.
func watchAll(t *testing.T, ignore []string, evs ...Event) []StateChange {
	t.Helper()
	events := make(chan Event, len(evs))
	for _, ev := range evs {
		events <- ev
	}
	close(events)

	var got []StateChange
	w := NewStateWatcher(events, ignore, func(c StateChange) { got = append(got, c) }, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Run(ctx)
	return got
}

func TestStateWatcher_Ignored(t *testing.T) {
	w := NewStateWatcher(nil, []string{"sensor.*_linkquality", "sun.*", "[bad"}, nil, slog.New(slog.DiscardHandler))
	tests := []struct {
		id   string
		want bool
	}{
		{"sensor.hall_linkquality", true},
		{"sun.sun", true},
		{"sensor.hall_temperature", false},
		{"light.kitchen", false},
	}
	for _, tt := range tests {
		if got := w.Ignored(tt.id); got != tt.want {
			t.Errorf("Ignored(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
	if len(w.ignore) != 2 {
		t.Errorf("patterns = %v, malformed one should be dropped", w.ignore)
	}
}

func TestStateWatcher_Changes(t *testing.T) {
	got := watchAll(t, []string{"sun.*"},
		stateEvent(t, "light.kitchen", &State{State: "off"}, &State{State: "on"}),
		stateEvent(t, "sun.sun", &State{State: "above_horizon"}, &State{State: "below_horizon"}),
		stateEvent(t, "light.bedroom", &State{State: "on"}, &State{State: "on", Attributes: map[string]any{"brightness": 12}}),
		stateEvent(t, "light.new", nil, &State{State: "off"}),
		stateEvent(t, "light.gone", &State{State: "on"}, nil),
	)

	want := []StateChange{
		{EntityID: "light.kitchen", OldState: "off", NewState: "on"},
		{EntityID: "light.bedroom", OldState: "on", NewState: "on", AttributesOnly: true},
		{EntityID: "light.new", NewState: "off", Added: true},
		{EntityID: "light.gone", OldState: "on", Removed: true},
	}
	if len(got) != len(want) {
		t.Fatalf("changes = %+v, want %d", got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestStateWatcher_SkipsOtherEvents(t *testing.T) {
	got := watchAll(t, nil,
		Event{Type: "automation_triggered", Data: json.RawMessage(`{}`)},
		Event{Type: "state_changed", Data: json.RawMessage(`not json`)},
		Event{Type: "state_changed", Data: json.RawMessage(`{}`)},
	)
	if len(got) != 0 {
		t.Errorf("handler called %d times, want 0", len(got))
	}
}

func TestStateWatcher_StopsOnCancel(t *testing.T) {
	w := NewStateWatcher(make(chan Event), nil, func(StateChange) {}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
