// Package api implements the llmha HTTP API: command submission, health,
// usage reporting, an event stream and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bergerjacob/llm-home-assistant/internal/buildinfo"
	"github.com/bergerjacob/llm-home-assistant/internal/connwatch"
	"github.com/bergerjacob/llm-home-assistant/internal/events"
	"github.com/bergerjacob/llm-home-assistant/internal/orchestrator"
	"github.com/bergerjacob/llm-home-assistant/internal/planner"
	"github.com/bergerjacob/llm-home-assistant/internal/usage"
)

const (
	maxCommandBody = 64 << 10
	// base64 inflates by 4/3; leave room for the JSON envelope.
	maxAudioBody = planner.MaxAudioBytes/3*4 + 64<<10
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Commander runs commands.
type Commander interface {
	Dispatch(req orchestrator.Request) string
	Handle(ctx context.Context, req orchestrator.Request) *orchestrator.Outcome
}

// HealthReporter reports dependency reachability.
type HealthReporter interface {
	Status() map[string]connwatch.Status
	Healthy() bool
}

// UsageReporter aggregates recorded token usage.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	Breakdown(ctx context.Context, dim usage.Dimension, start, end time.Time) (map[string]*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	cmd     Commander
	logger  *slog.Logger
	server  *http.Server

	health  HealthReporter
	usage   UsageReporter
	bus     *events.Bus
	metrics http.Handler
}

// NewServer creates a new API server.
func NewServer(address string, port int, cmd Commander, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		cmd:     cmd,
		logger:  logger,
	}
}

// SetHealth configures the source for GET /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetUsage configures the source for GET /v1/usage.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetEventBus enables GET /v1/events.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// SetMetricsHandler serves h on GET /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/command", s.handleCommand)
	mux.HandleFunc("POST /v1/command/audio", s.handleAudioCommand)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Synchronous commands wait for the planner.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "llmha",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Current(), s.logger)
}

// handleHealth reports 200 when every watched dependency is reachable
// and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy", "uptime": buildinfo.Uptime().String()}
	code := http.StatusOK
	if s.health != nil {
		resp["services"] = s.health.Status()
		if !s.health.Healthy() {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

// CommandRequest is the body of POST /v1/command.
type CommandRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
	// Wait runs the command synchronously and returns its outcome.
	Wait bool `json:"wait,omitempty"`
}

// AudioCommandRequest is the body of POST /v1/command/audio.
type AudioCommandRequest struct {
	// Audio is base64-encoded; Format names it (wav, mp3, flac, ogg, ...).
	Audio  string `json:"audio"`
	Format string `json:"format"`
	Text   string `json:"text,omitempty"`
	Model  string `json:"model,omitempty"`
	Wait   bool   `json:"wait,omitempty"`
}

// AcceptedResponse is returned for asynchronous commands.
type AcceptedResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if !s.decode(w, r, maxCommandBody, &req) {
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	s.submit(w, r, orchestrator.Request{Text: req.Text, Model: req.Model, Source: "api"}, req.Wait)
}

func (s *Server) handleAudioCommand(w http.ResponseWriter, r *http.Request) {
	var req AudioCommandRequest
	if !s.decode(w, r, maxAudioBody, &req) {
		return
	}
	audio, err := planner.DecodeAudio(req.Audio)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	format := planner.NormalizeAudioFormat(req.Format)
	if err := planner.ValidateAudio(audio, format); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.submit(w, r, orchestrator.Request{
		Text:        strings.TrimSpace(req.Text),
		Model:       req.Model,
		Audio:       audio,
		AudioFormat: format,
		Source:      "api",
	}, req.Wait)
}

// decode reads a JSON body of at most limit bytes into v, writing the
// error response itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req orchestrator.Request, wait bool) {
	if s.cmd == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if wait {
		// A client disconnect must not abandon service calls mid-plan.
		out := s.cmd.Handle(context.WithoutCancel(r.Context()), req)
		writeJSON(w, out, s.logger)
		return
	}
	id := s.cmd.Dispatch(req)
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, AcceptedResponse{RequestID: id, Status: "accepted"}, s.logger)
}

// usagePeriods maps the period query value to a lookback window.
var usagePeriods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Period       string                    `json:"period"`
	Start        time.Time                 `json:"start"`
	End          time.Time                 `json:"end"`
	Total        *usage.Summary            `json:"total"`
	CacheHitRate float64                   `json:"cache_hit_rate"`
	ByModel      map[string]*usage.Summary `json:"by_model"`
	ByKind       map[string]*usage.Summary `json:"by_kind"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	window, ok := usagePeriods[period]
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown period %q (use 1h, 24h, 7d or 30d)", period))
		return
	}

	end := time.Now().UTC()
	start := end.Add(-window)
	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	resp := UsageResponse{
		Period:       period,
		Start:        start,
		End:          end,
		Total:        total,
		CacheHitRate: total.CacheHitRate(),
	}
	for dim, dst := range map[usage.Dimension]*map[string]*usage.Summary{usage.ByModel: &resp.ByModel, usage.ByKind: &resp.ByKind} {
		if *dst, err = s.usage.Breakdown(r.Context(), dim, start, end); err != nil {
			s.logger.Error("usage breakdown failed", "by", dim, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// handleEvents streams bus events as server-sent events until the client
// goes away. ?kind= may be repeated to filter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.bus.Forward(r.Context(), r.URL.Query()["kind"], func(_ context.Context, e events.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, s.logger)
}
