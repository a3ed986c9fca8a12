// llmha turns natural-language commands into Home Assistant service
// calls using a large language model.
//
// It exposes an HTTP API for text and audio commands, an optional MQTT
// command topic and display sensor, and a CLI for one-shot commands.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	llmha serve              Start the API server
//	llmha ask <command>      Run a single command and print the outcome
//	llmha version            Print version and build information
//	llmha -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bergerjacob/llm-home-assistant/internal/api"
	"github.com/bergerjacob/llm-home-assistant/internal/buildinfo"
	"github.com/bergerjacob/llm-home-assistant/internal/config"
	"github.com/bergerjacob/llm-home-assistant/internal/connwatch"
	"github.com/bergerjacob/llm-home-assistant/internal/events"
	"github.com/bergerjacob/llm-home-assistant/internal/hacontext"
	"github.com/bergerjacob/llm-home-assistant/internal/homeassistant"
	"github.com/bergerjacob/llm-home-assistant/internal/interactionlog"
	"github.com/bergerjacob/llm-home-assistant/internal/llm"
	"github.com/bergerjacob/llm-home-assistant/internal/metrics"
	"github.com/bergerjacob/llm-home-assistant/internal/mqtt"
	"github.com/bergerjacob/llm-home-assistant/internal/orchestrator"
	"github.com/bergerjacob/llm-home-assistant/internal/planner"
	"github.com/bergerjacob/llm-home-assistant/internal/respcache"
	"github.com/bergerjacob/llm-home-assistant/internal/usage"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime, logs go
// to stdout for serve and to stderr for ask, and args is os.Args[1:].
// Arguments are parsed by hand so run has no package-level state and
// tests may call it concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: llmha ask <command>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	b := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	fmt.Fprintln(w, b)
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", b.GoVersion)
	fmt.Fprintf(w, "  %-12s %s/%s\n", "platform:", b.OS, b.Arch)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "llmha - LLM command orchestrator for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: llmha [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Run a single command and print the outcome")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/llmha/config.yaml, /etc/llmha/config.yaml")
	return nil
}

// runAsk runs one command synchronously against the configured Home
// Assistant and prints the outcome.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, text string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(stderr)
	logger.Debug("config loaded", "path", cfgPath)

	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	out := p.orch.Handle(ctx, orchestrator.Request{Text: text, Source: "cli"})
	return printOutcome(stdout, out, outputFmt)
}

func printOutcome(w io.Writer, out *orchestrator.Outcome, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Fprintln(w, out.Explanation)
	for _, r := range out.Results {
		line := fmt.Sprintf("  %-12s %s %v", r.Status, r.Action.Name(), r.Targets)
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Fprintln(w, line)
	}
	if out.Error != "" {
		return fmt.Errorf("command failed: %s", out.Error)
	}
	return nil
}

// runServe is the primary operating mode. It wires the pipeline, starts
// the watchers, MQTT and the API server, and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives. On shutdown the API server
// drains, in-flight runs finish, and MQTT publishes offline.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	b := buildinfo.Current()
	logger.Info("starting llmha", "version", b.Version, "commit", b.GitCommit, "built", b.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = cfg.Logger(stdout)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"default_model", cfg.Models.Default,
		"audio_model", cfg.Models.Audio,
		"mqtt", cfg.MQTT.Configured(),
		"allow_policy", !cfg.Allow.IsEmpty(),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	// Forward responses to Home Assistant's event bus.
	go p.bus.Forward(ctx, []string{events.KindResponseReady}, func(ctx context.Context, e events.Event) error {
		payload, _ := e.Data["payload"].(string)
		return p.ha.AnnounceResponse(ctx, payload)
	}, logger)

	watch := connwatch.NewManager(logger)
	defer watch.Stop()
	watch.Watch(ctx, connwatch.Service{
		Name:  "homeassistant",
		Probe: p.ha.Ping,
		OnUp: func() {
			// Entity state may have moved while HA was away.
			p.compactor.Invalidate()
			p.logHomeAssistant(ctx)
		},
	})
	watch.Watch(ctx, connwatch.Service{Name: "llm", Probe: p.llm.Ping})

	if p.ws != nil {
		watch.Watch(ctx, connwatch.Service{
			Name:  "homeassistant_ws",
			Probe: p.ws.Ensure,
			OnUp:  p.compactor.Invalidate,
		})
		watcher := homeassistant.NewStateWatcher(p.ws.Events(), cfg.HomeAssistant.WatchIgnore, func(ch homeassistant.StateChange) {
			p.compactor.Invalidate()
			p.bus.Emit(events.SourceWatcher, events.KindContextInvalidated, map[string]any{
				"entity_id":       ch.EntityID,
				"old_state":       ch.OldState,
				"new_state":       ch.NewState,
				"added":           ch.Added,
				"removed":         ch.Removed,
				"attributes_only": ch.AttributesOnly,
			})
		}, logger)
		go watcher.Run(ctx)
		defer p.ws.Close()
	}

	if p.mqtt != nil {
		p.mqtt.SetCommandHandler(func(_ context.Context, cmd mqtt.Command) {
			p.orch.Dispatch(orchestrator.Request{Text: cmd.Text, Model: cmd.Model, Source: "mqtt"})
		})
		go func() {
			if err := p.mqtt.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		watch.Watch(ctx, connwatch.Service{
			Name:  "mqtt",
			Probe: p.mqtt.AwaitConnection,
			OnUp: func() {
				dev := p.mqtt.Device()
				logger.Info("mqtt device online", "device", dev.Name, "identifiers", dev.Identifiers, "sw_version", dev.SWVersion)
			},
		})
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, p.orch, logger)
	server.SetHealth(watch)
	server.SetUsage(p.usage)
	server.SetEventBus(p.bus)
	server.SetMetricsHandler(p.metrics.Handler())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	p.orch.Wait()
	if p.mqtt != nil {
		if err := p.mqtt.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown", "error", err)
		}
	}
	logger.Info("llmha stopped")
	return nil
}

// pipeline holds everything a command run needs.
type pipeline struct {
	cfg       *config.Config
	logger    *slog.Logger
	ha        *homeassistant.Client
	ws        *homeassistant.WSClient
	compactor *hacontext.Compactor
	llm       llm.Client
	usage     *usage.Store
	bus       *events.Bus
	metrics   *metrics.Metrics
	tokens    *mqtt.DailyTokens
	mqtt      *mqtt.Publisher
	orch      *orchestrator.Orchestrator
}

func newPipeline(cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.HomeAssistant.Configured() {
		return nil, fmt.Errorf("homeassistant.url and homeassistant.token are required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	p := &pipeline{
		cfg:     cfg,
		logger:  logger,
		bus:     events.New(),
		metrics: metrics.New(),
		tokens:  mqtt.NewDailyTokens(time.Local),
	}

	p.ha = homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	if cfg.HomeAssistant.Watch {
		p.ws = homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, []string{"state_changed"}, logger)
	}
	p.compactor = hacontext.New(p.ha, logger)

	var hasCredential bool
	p.llm, hasCredential = createLLMClient(cfg, logger)

	store, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	p.usage = store
	p.loadUsage()

	plannerCfg := planner.Config{Timeout: cfg.Planner.Timeout()}
	if cfg.Planner.SaveLastPrompt {
		plannerCfg.LastPromptPath = filepath.Join(cfg.DataDir, "last_prompt.txt")
	}
	plan, err := planner.New(p.llm, store, plannerCfg, logger)
	if err != nil {
		p.close()
		return nil, fmt.Errorf("create planner: %w", err)
	}

	deps := orchestrator.Deps{
		Backend: p.ha,
		Context: p.compactor,
		Planner: plan,
		Cache:   respcache.New(respcache.TTL, respcache.Capacity),
		Events:  p.bus,
		Metrics: p.metrics,
		Usage:   p.tokens,
		Logger:  logger,
	}
	if cfg.InteractionLog.Enabled {
		deps.Log = interactionlog.New(interactionlog.Config{
			Dir:               cfg.InteractionLog.Dir,
			MaxEntriesPerFile: cfg.InteractionLog.MaxEntriesPerFile,
			MaxFiles:          cfg.InteractionLog.MaxFiles,
			MaxDirBytes:       int64(cfg.InteractionLog.MaxDirMB) << 20,
		}, logger)
	}

	// The MQTT sensor replaces the REST-set sensor as the display when a
	// broker is configured.
	deps.Display = p.ha
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("mqtt instance id: %w", err)
		}
		p.mqtt = mqtt.New(cfg.MQTT, instanceID, p.tokens, logger)
		deps.Display = p.mqtt
		deps.Status = p.mqtt
	}

	p.orch, err = orchestrator.New(orchestrator.Config{
		Allow:         cfg.Allow,
		DefaultModel:  cfg.Models.Default,
		AudioModel:    cfg.Models.Audio,
		HasCredential: hasCredential,
		Workers:       cfg.Planner.Workers,
	}, deps)
	if err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

// loadUsage prunes expired planner records and seeds today's token
// counters from the store so the MQTT sensors survive a restart.
func (p *pipeline) loadUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	if days := p.cfg.UsageRetentionDays; days > 0 {
		n, err := p.usage.Prune(ctx, now.AddDate(0, 0, -days))
		if err != nil {
			p.logger.Warn("usage prune failed", "error", err)
		} else if n > 0 {
			p.logger.Info("pruned usage records", "deleted", n, "retention_days", days)
		}
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sum, err := p.usage.Summary(ctx, midnight, now.Add(time.Second))
	if err != nil {
		p.logger.Warn("usage summary unavailable", "error", err)
		return
	}
	p.tokens.Restore(mqtt.TokenTotals{
		Input:    sum.TotalInputTokens,
		Output:   sum.TotalOutputTokens,
		Cached:   sum.TotalCachedTokens,
		Requests: int64(sum.TotalRecords),
	})
}

// logHomeAssistant records which Home Assistant instance answered.
func (p *pipeline) logHomeAssistant(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	info, err := p.ha.GetConfig(ctx)
	if err != nil {
		p.logger.Warn("home assistant config unavailable", "error", err)
		return
	}
	p.logger.Info("home assistant connected",
		"location", info.LocationName,
		"version", info.Version,
		"time_zone", info.TimeZone,
	)
}

func (p *pipeline) close() {
	if p.usage != nil {
		if err := p.usage.Close(); err != nil {
			p.logger.Warn("close usage store", "error", err)
		}
	}
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient routes each configured model to its provider.
// Unlisted models go to OpenAI. hasCredential reports whether the
// default model is reachable: an OpenAI key is set, or the default model
// is served by the local Ollama endpoint, which needs none.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, bool) {
	router := llm.NewRouter("openai")
	router.Register("openai", llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, "openai", logger))

	if cfg.Ollama.URL != "" {
		base := strings.TrimRight(cfg.Ollama.URL, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		router.Register("ollama", llm.NewOpenAIClient(base, "", "ollama", logger))
		logger.Info("ollama provider configured", "url", base)
	}
	for _, m := range cfg.Models.Available {
		router.Route(m.Name, m.Provider)
	}

	defaultProvider := router.Provider(cfg.Models.Default)
	hasCredential := cfg.OpenAI.Configured() || defaultProvider == "ollama"
	if !hasCredential {
		logger.Error("no OpenAI API key configured; commands will be refused", "hint", "set openai.api_key or OPENAI_API_KEY")
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return router, hasCredential
}
