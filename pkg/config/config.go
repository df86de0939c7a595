// Package config loads the ClawTalk configuration from a YAML or TOML file,
// applies CLAWTALK_* environment overrides and watches the file for changes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clawtalk/clawtalk/pkg/artifacts"
	"github.com/clawtalk/clawtalk/pkg/directory"
	"github.com/clawtalk/clawtalk/pkg/escalation"
	"github.com/clawtalk/clawtalk/pkg/intent"
	"github.com/clawtalk/clawtalk/pkg/observability"
	"github.com/clawtalk/clawtalk/pkg/orchestrator"
	"github.com/clawtalk/clawtalk/pkg/tpc"
)

// Environment variables that override file settings.
const (
	EnvTPCEnabled = "CLAWTALK_TPC_ENABLED"
	EnvTPCMode    = "CLAWTALK_TPC_MODE"
	EnvDeadDrop   = "CLAWTALK_DEADDROP"
	EnvLogLevel   = "CLAWTALK_LOG_LEVEL"
	EnvLLMURL     = "CLAWTALK_LLM_URL"
	EnvLLMAPIKey  = "CLAWTALK_LLM_API_KEY"
	EnvRedisAddr  = "CLAWTALK_REDIS_ADDR"
)

// Config is the resolved configuration for a ClawTalk stack.
type Config struct {
	TPC           tpc.Config
	Audit         AuditConfig
	Quarantine    artifacts.Config
	Redis         RedisConfig
	Escalation    escalation.Config
	Dictionary    DictionaryConfig
	Orchestrator  orchestrator.Config
	Directory     DirectoryConfig
	Observability observability.Config
	LLM           LLMConfig
	LogLevel      slog.Level
}

// AuditConfig selects the audit sinks. Path and SQL may both be set.
type AuditConfig struct {
	Path      string
	SQLDriver string
	SQLDSN    string
	QueueSize int
}

// RedisConfig enables shared nonce and rate limit stores when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type DictionaryConfig struct {
	Path      string
	MaxMacros int
}

// DirectoryConfig overrides routing profiles inline and from a file.
type DirectoryConfig struct {
	Profiles     []directory.Profile
	ProfilesPath string
}

// LLMConfig configures the OpenAI-compatible executor. RemoteURL serves the
// escalation target model and defaults to URL.
type LLMConfig struct {
	URL         string
	APIKey      string
	Model       string
	RemoteURL   string
	RemoteModel string
	Timeout     time.Duration
	MaxRetries  int
}

// Default returns the built-in configuration.
func Default() *Config {
	tcfg := tpc.DefaultConfig()
	tcfg.MasterKeyPath = "keys/master.key"
	return &Config{
		TPC:           tcfg,
		Audit:         AuditConfig{Path: "audit.jsonl"},
		Quarantine:    artifacts.Config{Type: artifacts.StoreTypeFS, Dir: "quarantine"},
		Escalation:    escalation.DefaultConfig(),
		Dictionary:    DictionaryConfig{Path: "dictionary.json", MaxMacros: 64},
		Orchestrator:  orchestrator.DefaultConfig(),
		Observability: observability.DefaultConfig(),
		LLM: LLMConfig{
			URL:     "http://localhost:1234/v1/chat/completions",
			Timeout: 60 * time.Second,
		},
		LogLevel: slog.LevelInfo,
	}
}

// Load reads path (YAML or TOML by extension) over the defaults and applies
// environment overrides. An empty path uses the defaults and environment
// only.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		f, err := decode(data, FormatFor(path))
		if err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if err := f.apply(cfg); err != nil {
			return nil, fmt.Errorf("config (%s): %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvTPCEnabled)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvTPCEnabled, err)
		}
		c.TPC.Enabled = b
	}
	if v := strings.TrimSpace(getenv(EnvTPCMode)); v != "" {
		c.TPC.Mode = tpc.Mode(strings.ToLower(v))
	}
	if v := strings.TrimSpace(getenv(EnvDeadDrop)); v != "" {
		c.TPC.DeadDropPath = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		lvl, err := ParseLevel(v)
		if err != nil {
			return err
		}
		c.LogLevel = lvl
	}
	if v := strings.TrimSpace(getenv(EnvLLMURL)); v != "" {
		c.LLM.URL = v
	}
	if v := getenv(EnvLLMAPIKey); v != "" {
		c.LLM.APIKey = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisAddr)); v != "" {
		c.Redis.Addr = v
	}
	return nil
}

// Parse decodes data over the defaults without consulting the environment.
func Parse(data []byte, format Format) (*Config, error) {
	f, err := decode(data, format)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := f.apply(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseLevel accepts slog level names (debug, info, warn, error) in any case.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("config: log level %q: %w", s, err)
	}
	return lvl, nil
}

// Validate reports settings no component can honor.
func (c *Config) Validate() error {
	if err := c.TPC.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Quarantine.Type {
	case "", artifacts.StoreTypeFS, artifacts.StoreTypeS3, artifacts.StoreTypeGCS:
	default:
		return fmt.Errorf("config: unknown quarantine type %q", c.Quarantine.Type)
	}
	if c.Quarantine.Type == artifacts.StoreTypeS3 || c.Quarantine.Type == artifacts.StoreTypeGCS {
		if c.Quarantine.Bucket == "" {
			return fmt.Errorf("config: quarantine type %s requires a bucket", c.Quarantine.Type)
		}
	}
	if (c.Audit.SQLDriver == "") != (c.Audit.SQLDSN == "") {
		return fmt.Errorf("config: audit sql_driver and sql_dsn must be set together")
	}
	if t := c.Escalation.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: escalation confidence_threshold %.2f outside [0, 1]", t)
	}
	for _, cat := range c.Escalation.EscalateIntents {
		if !cat.Valid() {
			return fmt.Errorf("config: unknown escalation intent %q (known: %v)", cat, intent.All())
		}
	}
	for i, r := range c.Escalation.Rules {
		if strings.TrimSpace(r.Expr) == "" {
			return fmt.Errorf("config: escalation rule[%d] %q has no expr", i, r.Name)
		}
	}
	if c.Dictionary.MaxMacros < 0 {
		return fmt.Errorf("config: dictionary max_macros must not be negative")
	}
	if r := c.Observability.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("config: observability sample_rate %.2f outside [0, 1]", r)
	}
	return nil
}
