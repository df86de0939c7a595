package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/clawtalk/clawtalk/pkg/artifacts"
	"github.com/clawtalk/clawtalk/pkg/directory"
	"github.com/clawtalk/clawtalk/pkg/escalation"
	"github.com/clawtalk/clawtalk/pkg/intent"
	"github.com/clawtalk/clawtalk/pkg/tpc"
)

// Format is a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the syntax from the file extension. Anything other than
// .toml is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// fileConfig mirrors the on-disk schema. Durations are whole seconds and
// pointers mark settings whose zero value is meaningful.
type fileConfig struct {
	TPC           *tpcFile           `yaml:"tpc" toml:"tpc"`
	Redis         *redisFile         `yaml:"redis" toml:"redis"`
	Escalation    *escalationFile    `yaml:"escalation" toml:"escalation"`
	Dictionary    *dictionaryFile    `yaml:"dictionary" toml:"dictionary"`
	Orchestrator  *orchestratorFile  `yaml:"orchestrator" toml:"orchestrator"`
	Directory     *directoryFile     `yaml:"directory" toml:"directory"`
	Observability *observabilityFile `yaml:"observability" toml:"observability"`
	LLM           *llmFile           `yaml:"llm" toml:"llm"`
	LogLevel      string             `yaml:"log_level" toml:"log_level"`
}

type tpcFile struct {
	Enabled                *bool             `yaml:"enabled" toml:"enabled"`
	Mode                   string            `yaml:"mode" toml:"mode"`
	DeadDropPath           string            `yaml:"dead_drop_path" toml:"dead_drop_path"`
	MaxMessageAge          int               `yaml:"max_message_age" toml:"max_message_age"`
	EnforceForAgentToAgent *bool             `yaml:"enforce_for_agent_to_agent" toml:"enforce_for_agent_to_agent"`
	AllowTextFallback      *bool             `yaml:"allow_text_fallback" toml:"allow_text_fallback"`
	ParityLen              int               `yaml:"parity_len" toml:"parity_len"`
	Profile                string            `yaml:"profile" toml:"profile"`
	PollIntervalMS         int               `yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	RateLimit              *rateLimitFile    `yaml:"rate_limit" toml:"rate_limit"`
	Breaker                *breakerFile      `yaml:"breaker" toml:"breaker"`
	Keys                   *keysFile         `yaml:"keys" toml:"keys"`
	Audit                  *auditFile        `yaml:"audit" toml:"audit"`
	Quarantine             *artifacts.Config `yaml:"quarantine" toml:"quarantine"`
}

type rateLimitFile struct {
	Limit         int `yaml:"limit" toml:"limit"`
	WindowSeconds int `yaml:"window_seconds" toml:"window_seconds"`
}

type breakerFile struct {
	Threshold       int `yaml:"threshold" toml:"threshold"`
	CooldownSeconds int `yaml:"cooldown_seconds" toml:"cooldown_seconds"`
}

type keysFile struct {
	MasterPath      string `yaml:"master_path" toml:"master_path"`
	RotationSeconds *int   `yaml:"rotation_seconds" toml:"rotation_seconds"`
	MaxUses         *int   `yaml:"max_uses" toml:"max_uses"`
	GraceSeconds    *int   `yaml:"grace_seconds" toml:"grace_seconds"`
}

type auditFile struct {
	Path      *string `yaml:"path" toml:"path"`
	SQLDriver string  `yaml:"sql_driver" toml:"sql_driver"`
	SQLDSN    string  `yaml:"sql_dsn" toml:"sql_dsn"`
	QueueSize int     `yaml:"queue_size" toml:"queue_size"`
}

type redisFile struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

type escalationFile struct {
	ConfidenceThreshold *float64          `yaml:"confidence_threshold" toml:"confidence_threshold"`
	EscalateIntents     []intent.Category `yaml:"escalate_intents" toml:"escalate_intents"`
	MaxInputLength      *int              `yaml:"max_input_length" toml:"max_input_length"`
	RemoteModel         string            `yaml:"remote_model" toml:"remote_model"`
	Rules               []escalation.Rule `yaml:"rules" toml:"rules"`
}

type dictionaryFile struct {
	Path      string `yaml:"path" toml:"path"`
	MaxMacros *int   `yaml:"max_macros" toml:"max_macros"`
}

type orchestratorFile struct {
	EnableFallback       *bool  `yaml:"enable_fallback" toml:"enable_fallback"`
	LocalModel           string `yaml:"local_model" toml:"local_model"`
	FallbackSystemPrompt string `yaml:"fallback_system_prompt" toml:"fallback_system_prompt"`
}

type directoryFile struct {
	Profiles []directory.Profile `yaml:"profiles" toml:"profiles"`
	Path     string              `yaml:"path" toml:"path"`
}

type observabilityFile struct {
	Enabled        *bool    `yaml:"enabled" toml:"enabled"`
	ServiceName    string   `yaml:"service_name" toml:"service_name"`
	ServiceVersion string   `yaml:"service_version" toml:"service_version"`
	Environment    string   `yaml:"environment" toml:"environment"`
	Endpoint       string   `yaml:"endpoint" toml:"endpoint"`
	Insecure       *bool    `yaml:"insecure" toml:"insecure"`
	SampleRate     *float64 `yaml:"sample_rate" toml:"sample_rate"`
}

type llmFile struct {
	URL            string `yaml:"url" toml:"url"`
	Model          string `yaml:"model" toml:"model"`
	RemoteURL      string `yaml:"remote_url" toml:"remote_url"`
	RemoteModel    string `yaml:"remote_model" toml:"remote_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
	MaxRetries     *int   `yaml:"max_retries" toml:"max_retries"`
}

func decode(data []byte, format Format) (*fileConfig, error) {
	var f fileConfig
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	return &f, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// apply overlays the settings present in f onto cfg.
func (f *fileConfig) apply(cfg *Config) error {
	if f.TPC != nil {
		f.TPC.apply(cfg)
	}
	if r := f.Redis; r != nil {
		cfg.Redis = RedisConfig{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix}
	}
	if e := f.Escalation; e != nil {
		if e.ConfidenceThreshold != nil {
			cfg.Escalation.ConfidenceThreshold = *e.ConfidenceThreshold
		}
		if e.EscalateIntents != nil {
			cfg.Escalation.EscalateIntents = e.EscalateIntents
		}
		if e.MaxInputLength != nil {
			cfg.Escalation.MaxInputLength = *e.MaxInputLength
		}
		if e.RemoteModel != "" {
			cfg.Escalation.RemoteModel = e.RemoteModel
		}
		if e.Rules != nil {
			cfg.Escalation.Rules = e.Rules
		}
	}
	if d := f.Dictionary; d != nil {
		if d.Path != "" {
			cfg.Dictionary.Path = d.Path
		}
		if d.MaxMacros != nil {
			cfg.Dictionary.MaxMacros = *d.MaxMacros
		}
	}
	if o := f.Orchestrator; o != nil {
		if o.EnableFallback != nil {
			cfg.Orchestrator.EnableFallback = *o.EnableFallback
		}
		if o.LocalModel != "" {
			cfg.Orchestrator.LocalModel = o.LocalModel
		}
		if o.FallbackSystemPrompt != "" {
			cfg.Orchestrator.FallbackSystemPrompt = o.FallbackSystemPrompt
		}
	}
	if d := f.Directory; d != nil {
		cfg.Directory = DirectoryConfig{Profiles: d.Profiles, ProfilesPath: d.Path}
	}
	if o := f.Observability; o != nil {
		obs := &cfg.Observability
		if o.Enabled != nil {
			obs.Enabled = *o.Enabled
		}
		if o.Insecure != nil {
			obs.Insecure = *o.Insecure
		}
		if o.SampleRate != nil {
			obs.SampleRate = *o.SampleRate
		}
		setString(&obs.ServiceName, o.ServiceName)
		setString(&obs.ServiceVersion, o.ServiceVersion)
		setString(&obs.Environment, o.Environment)
		setString(&obs.Endpoint, o.Endpoint)
	}
	if l := f.LLM; l != nil {
		setString(&cfg.LLM.URL, l.URL)
		setString(&cfg.LLM.Model, l.Model)
		setString(&cfg.LLM.RemoteURL, l.RemoteURL)
		setString(&cfg.LLM.RemoteModel, l.RemoteModel)
		if l.TimeoutSeconds > 0 {
			cfg.LLM.Timeout = seconds(l.TimeoutSeconds)
		}
		if l.MaxRetries != nil {
			cfg.LLM.MaxRetries = *l.MaxRetries
		}
	}
	if f.LogLevel != "" {
		lvl, err := ParseLevel(f.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	return nil
}

func (t *tpcFile) apply(cfg *Config) {
	c := &cfg.TPC
	if t.Enabled != nil {
		c.Enabled = *t.Enabled
	}
	if t.Mode != "" {
		c.Mode = tpc.Mode(strings.ToLower(t.Mode))
	}
	setString(&c.DeadDropPath, t.DeadDropPath)
	if t.MaxMessageAge > 0 {
		c.MaxMessageAge = seconds(t.MaxMessageAge)
	}
	if t.EnforceForAgentToAgent != nil {
		c.EnforceForAgentToAgent = *t.EnforceForAgentToAgent
	}
	if t.AllowTextFallback != nil {
		c.AllowTextFallback = *t.AllowTextFallback
	}
	if t.ParityLen != 0 {
		c.ParityLen = t.ParityLen
	}
	setString(&c.Profile, t.Profile)
	if t.PollIntervalMS > 0 {
		c.PollInterval = time.Duration(t.PollIntervalMS) * time.Millisecond
	}
	if r := t.RateLimit; r != nil {
		if r.Limit > 0 {
			c.RateLimit.Limit = r.Limit
		}
		if r.WindowSeconds > 0 {
			c.RateLimit.Window = seconds(r.WindowSeconds)
		}
	}
	if b := t.Breaker; b != nil {
		if b.Threshold > 0 {
			c.Breaker.Threshold = b.Threshold
		}
		if b.CooldownSeconds > 0 {
			c.Breaker.Cooldown = seconds(b.CooldownSeconds)
		}
	}
	if k := t.Keys; k != nil {
		setString(&c.MasterKeyPath, k.MasterPath)
		if k.RotationSeconds != nil {
			c.Keys.Interval = seconds(*k.RotationSeconds)
		}
		if k.MaxUses != nil {
			c.Keys.MaxUses = *k.MaxUses
		}
		if k.GraceSeconds != nil {
			c.Keys.Grace = seconds(*k.GraceSeconds)
		}
	}
	if a := t.Audit; a != nil {
		if a.Path != nil {
			cfg.Audit.Path = *a.Path
		}
		cfg.Audit.SQLDriver = a.SQLDriver
		cfg.Audit.SQLDSN = a.SQLDSN
		if a.QueueSize > 0 {
			cfg.Audit.QueueSize = a.QueueSize
		}
	}
	if q := t.Quarantine; q != nil {
		cfg.Quarantine = *q
		if cfg.Quarantine.Type == "" {
			cfg.Quarantine.Type = artifacts.StoreTypeFS
		}
		if cfg.Quarantine.Type == artifacts.StoreTypeFS && cfg.Quarantine.Dir == "" {
			cfg.Quarantine.Dir = "quarantine"
		}
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
