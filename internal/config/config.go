// Package config handles llmha configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bergerjacob/llm-home-assistant/internal/allow"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/llmha/config.yaml, /etc/llmha/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "llmha", "config.yaml"))
	}

	paths = append(paths, "/etc/llmha/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all llmha configuration.
type Config struct {
	Listen         ListenConfig         `yaml:"listen"`
	HomeAssistant  HomeAssistantConfig  `yaml:"homeassistant"`
	OpenAI         OpenAIConfig         `yaml:"openai"`
	Ollama         OllamaConfig         `yaml:"ollama"`
	Models         ModelsConfig         `yaml:"models"`
	Planner        PlannerConfig        `yaml:"planner"`
	MQTT           MQTTConfig           `yaml:"mqtt"`
	InteractionLog InteractionLogConfig `yaml:"interaction_log"`

	// Allow is the authorization policy. Nil means unrestricted; a
	// present block without services denies every call.
	Allow *allow.Config `yaml:"allow"`

	// UsageRetentionDays bounds how long planner token records are
	// kept. Negative keeps them forever.
	UsageRetentionDays int `yaml:"usage_retention_days"`

	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// Watch subscribes to state_changed over the WebSocket API and
	// drops the cached entity snapshot when a device changes.
	Watch bool `yaml:"watch"`

	// WatchIgnore lists entity globs whose changes never invalidate
	// the snapshot (chatty sensors, for example).
	WatchIgnore []string `yaml:"watch_ignore"`
}

// Configured reports whether enough is set to talk to Home Assistant.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// OpenAIConfig defines the hosted chat-completions provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API credential is available.
func (c OpenAIConfig) Configured() bool {
	return c.APIKey != ""
}

// OllamaConfig points at a local server speaking the OpenAI wire format
// (Ollama's /v1 compatibility endpoint). Optional.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// ModelsConfig selects planner models and maps model names to providers.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Audio     string        `yaml:"audio"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, ollama
}

// PlannerConfig tunes planner calls.
type PlannerConfig struct {
	TimeoutSec     int  `yaml:"timeout_sec"`
	SaveLastPrompt bool `yaml:"save_last_prompt"`
	// Workers bounds concurrent service calls inside one execution group.
	Workers int `yaml:"workers"`
}

// Timeout returns the planner timeout as a duration.
func (c PlannerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// MQTTConfig defines the optional MQTT display sensor and command topic.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	DeviceName      string `yaml:"device_name"`

	// CommandTopic receives plain-text or JSON commands. Empty
	// disables it. CommandRateLimit caps accepted commands per minute.
	CommandTopic     string `yaml:"command_topic"`
	CommandRateLimit int    `yaml:"command_rate_limit"`

	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// InteractionLogConfig controls the on-disk audit trail.
type InteractionLogConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Dir               string `yaml:"dir"`
	MaxEntriesPerFile int    `yaml:"max_entries_per_file"`
	MaxFiles          int    `yaml:"max_files"`
	MaxDirMB          int    `yaml:"max_dir_mb"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references and filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{
		InteractionLog: InteractionLogConfig{Enabled: true},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied. Used by
// tests and as the base for the ask subcommand when no file exists.
func Default() *Config {
	cfg := &Config{InteractionLog: InteractionLogConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-5-mini"
	}
	if c.Models.Audio == "" {
		c.Models.Audio = "gpt-4o-audio-preview"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "openai"
		}
	}
	if c.Planner.TimeoutSec == 0 {
		c.Planner.TimeoutSec = 45
	}
	if c.Planner.Workers == 0 {
		c.Planner.Workers = 8
	}
	if c.UsageRetentionDays == 0 {
		c.UsageRetentionDays = 90
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "llmha"
	}
	if c.MQTT.CommandRateLimit == 0 {
		c.MQTT.CommandRateLimit = 30
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.InteractionLog.Dir == "" {
		c.InteractionLog.Dir = filepath.Join(c.DataDir, "interaction_logs")
	}
	if c.InteractionLog.MaxEntriesPerFile == 0 {
		c.InteractionLog.MaxEntriesPerFile = 500
	}
	if c.InteractionLog.MaxFiles == 0 {
		c.InteractionLog.MaxFiles = 7
	}
	if c.InteractionLog.MaxDirMB == 0 {
		c.InteractionLog.MaxDirMB = 50
	}
}

// Validate reports structural problems that would prevent startup.
// A missing API credential is not one of them: the orchestrator
// refuses each run instead, so the rest of the service stays usable.
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q invalid (expected text or json)", c.LogFormat)
	}
	if c.Planner.TimeoutSec < 0 {
		return fmt.Errorf("planner.timeout_sec must be positive")
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "openai":
		case "ollama":
			if c.Ollama.URL == "" {
				return fmt.Errorf("model %q uses provider ollama but ollama.url is empty", m.Name)
			}
		default:
			return fmt.Errorf("model %q has unknown provider %q", m.Name, m.Provider)
		}
	}
	if c.HomeAssistant.URL != "" && c.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant.token is required when homeassistant.url is set")
	}
	return nil
}
