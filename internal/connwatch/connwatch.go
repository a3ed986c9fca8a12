// Package connwatch tracks whether the services llmha depends on (Home
// Assistant, the model provider) are reachable.
//
// A Watcher probes one service in a loop. While the service is down it
// retries with exponential backoff; once it answers, it is re-probed at
// a fixed poll interval. Transitions fire the OnUp and OnDown hooks so
// callers can, for example, re-open a WebSocket after Home Assistant
// restarts.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe checks a service. A nil error means reachable.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the first retry delay after a failed probe.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// Multiplier grows the delay after each consecutive failure.
	Multiplier float64
	// PollInterval is the delay between probes of a healthy service.
	PollInterval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultSchedule retries at 2s, 4s, 8s ... up to 60s and polls a
// healthy service every 60s.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		Timeout:      10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier < 1 {
		s.Multiplier = d.Multiplier
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// next returns the delay after a failure that followed cur.
func (s Schedule) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return s.InitialDelay
	}
	d := time.Duration(float64(cur) * s.Multiplier)
	if d > s.MaxDelay {
		d = s.MaxDelay
	}
	return d
}

// Service describes one watched dependency.
type Service struct {
	Name     string
	Probe    Probe
	Schedule Schedule

	// OnUp runs on every transition to reachable, including the first
	// successful probe. OnDown runs when a reachable service stops
	// answering. Both run on their own goroutine.
	OnUp   func()
	OnDown func(err error)
}

// Status is a snapshot of one service, shaped for the health endpoint.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check"`
	LastUp    time.Time `json:"last_up,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	svc    Service
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns the latest snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Up reports whether the last probe succeeded.
func (w *Watcher) Up() bool {
	return w.Status().Up
}

// Stop ends probing and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var delay time.Duration
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			delay = 0
			if !sleep(ctx, w.svc.Schedule.PollInterval) {
				return
			}
			continue
		}
		delay = w.svc.Schedule.next(delay)
		w.logger.Debug("service probe failed", "service", w.svc.Name, "retry_in", delay.String(), "error", err)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// check runs one probe and applies the result, firing hooks on
// transitions.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.svc.Schedule.Timeout)
	err := w.svc.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := w.now()
	w.mu.Lock()
	wasUp, first := w.status.Up, w.status.LastCheck.IsZero()
	w.status.LastCheck = now
	if err == nil {
		w.status.Up = true
		w.status.Failures = 0
		w.status.LastUp = now
		w.status.LastError = ""
	} else {
		w.status.Up = false
		w.status.Failures++
		w.status.LastError = err.Error()
	}
	failures := w.status.Failures
	w.mu.Unlock()

	switch {
	case err == nil && !wasUp:
		if first {
			w.logger.Info("service reachable", "service", w.svc.Name)
		} else {
			w.logger.Info("service recovered", "service", w.svc.Name)
		}
		if w.svc.OnUp != nil {
			go w.svc.OnUp()
		}
	case err != nil && wasUp:
		w.logger.Warn("service unreachable", "service", w.svc.Name, "error", err)
		if w.svc.OnDown != nil {
			go w.svc.OnDown(err)
		}
	case err != nil && first:
		w.logger.Warn("service not reachable at startup, retrying in background", "service", w.svc.Name, "error", err)
	case err != nil && failures%10 == 0:
		w.logger.Info("service still unreachable", "service", w.svc.Name, "failures", failures, "error", err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns the watchers of a process.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing svc in the background until ctx is cancelled or
// Stop is called. A service registered under an existing name replaces
// the old watcher, which is stopped. Name and Probe are required.
func (m *Manager) Watch(ctx context.Context, svc Service) *Watcher {
	if svc.Name == "" || svc.Probe == nil {
		panic("connwatch: service needs a name and a probe")
	}
	svc.Schedule = svc.Schedule.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		svc:    svc,
		logger: m.logger,
		now:    time.Now,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: svc.Name},
	}

	m.mu.Lock()
	old := m.watchers[svc.Name]
	m.watchers[svc.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.loop(watchCtx)
	return w
}

// Status returns a snapshot of every service keyed by name.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every watched service is up. A manager with
// no watchers is healthy.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Up {
			return false
		}
	}
	return true
}

// Stop stops every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
