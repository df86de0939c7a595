// Package clawtalk assembles the protocol, routing and transport components
// into one explicitly constructed Stack. Nothing here is global: callers own
// the Stack and pass it where it is needed.
package clawtalk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/clawtalk/clawtalk/pkg/artifacts"
	"github.com/clawtalk/clawtalk/pkg/audit"
	"github.com/clawtalk/clawtalk/pkg/config"
	"github.com/clawtalk/clawtalk/pkg/dictionary"
	"github.com/clawtalk/clawtalk/pkg/directory"
	"github.com/clawtalk/clawtalk/pkg/escalation"
	"github.com/clawtalk/clawtalk/pkg/hooks"
	"github.com/clawtalk/clawtalk/pkg/llm"
	"github.com/clawtalk/clawtalk/pkg/metrics"
	"github.com/clawtalk/clawtalk/pkg/observability"
	"github.com/clawtalk/clawtalk/pkg/orchestrator"
	"github.com/clawtalk/clawtalk/pkg/tpc"
	"github.com/clawtalk/clawtalk/pkg/tpc/nonce"
	"github.com/clawtalk/clawtalk/pkg/tpc/ratelimit"
)

// Stack holds every initialized component.
type Stack struct {
	// --- Infrastructure ---
	Observability *observability.Provider
	Audit         *audit.Logger
	Quarantine    artifacts.Store

	// --- Protocol ---
	Dictionary *dictionary.Dictionary
	Metrics    *metrics.Tracker

	// --- Routing & Execution ---
	Escalation   *escalation.Engine
	Executor     llm.Executor
	Orchestrator *orchestrator.Orchestrator

	// --- Transport ---
	Runtime *tpc.Runtime
	Hooks   *hooks.Hooks

	cfg         atomic.Pointer[config.Config]
	dictVersion int
	level       *slog.LevelVar
	redis  redis.UniversalClient
	closed sync.Once
	logger *slog.Logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	executor  llm.Executor
	auditSink audit.Sink
	level     *slog.LevelVar
	tpcOpts   []tpc.Option
}

// WithExecutor replaces the OpenAI-compatible router built from the LLM
// settings.
func WithExecutor(e llm.Executor) Option { return func(o *options) { o.executor = e } }

// WithAuditSink replaces the sinks built from the audit settings.
func WithAuditSink(s audit.Sink) Option { return func(o *options) { o.auditSink = s } }

// WithLevelVar lets ApplyConfig adjust the level of the caller's log handler.
func WithLevelVar(v *slog.LevelVar) Option { return func(o *options) { o.level = v } }

// WithTPCOptions passes extra options to the TPC runtime.
func WithTPCOptions(opts ...tpc.Option) Option {
	return func(o *options) { o.tpcOpts = append(o.tpcOpts, opts...) }
}

// New builds a Stack from cfg. On error every component created so far is
// released. The TPC runtime is not started; call Initialize.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (s *Stack, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s = &Stack{level: o.level, logger: slog.Default().With("component", "clawtalk")}
	s.cfg.Store(cfg)
	if s.level != nil {
		s.level.Set(cfg.LogLevel)
	}
	defer func() {
		if err != nil {
			_ = s.Close(context.WithoutCancel(ctx))
			s = nil
		}
	}()

	// --- 1. Observability ---
	if s.Observability, err = observability.New(ctx, cfg.Observability); err != nil {
		return s, err
	}

	// --- 2. Audit & quarantine ---
	sink := o.auditSink
	if sink == nil {
		if sink, err = openAuditSink(ctx, cfg.Audit); err != nil {
			return s, err
		}
	}
	if sink != nil {
		var aopts []audit.Option
		if cfg.Audit.QueueSize > 0 {
			aopts = append(aopts, audit.WithQueueSize(cfg.Audit.QueueSize))
		}
		s.Audit = audit.NewLogger(sink, aopts...)
	}
	if s.Quarantine, err = artifacts.Open(ctx, cfg.Quarantine); err != nil {
		return s, fmt.Errorf("quarantine: %w", err)
	}

	// --- 3. Protocol state ---
	s.Dictionary = dictionary.Load(cfg.Dictionary.Path)
	s.dictVersion = s.Dictionary.Version()
	if cfg.Dictionary.MaxMacros > 0 {
		if evicted := s.Dictionary.EvictLRU(cfg.Dictionary.MaxMacros); len(evicted) > 0 {
			s.logger.InfoContext(ctx, "dictionary trimmed", "evicted", evicted)
		}
	}
	s.Metrics = metrics.New(metrics.WithMeterProvider(s.Observability.MeterProvider()))

	// --- 4. Routing & execution ---
	if s.Escalation, err = escalation.NewEngine(cfg.Escalation); err != nil {
		return s, err
	}
	dir, err := buildDirectory(cfg.Directory)
	if err != nil {
		return s, err
	}
	s.Executor = o.executor
	if s.Executor == nil {
		s.Executor = buildRouter(cfg)
	}
	if s.Orchestrator, err = orchestrator.New(s.Executor, cfg.Orchestrator,
		orchestrator.WithDirectory(dir),
		orchestrator.WithEscalation(s.Escalation),
		orchestrator.WithDictionary(s.Dictionary),
		orchestrator.WithMetrics(s.Metrics),
		orchestrator.WithObservability(s.Observability),
	); err != nil {
		return s, err
	}

	// --- 5. Transport ---
	topts := []tpc.Option{tpc.WithAuditLogger(s.Audit), tpc.WithQuarantine(s.Quarantine)}
	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		prefix := cfg.Redis.Prefix
		if prefix == "" {
			prefix = "clawtalk:"
		}
		topts = append(topts,
			tpc.WithNonceStore(nonce.NewRedisStore(s.redis, prefix+"nonce:")),
			tpc.WithLimiter(ratelimit.New(ratelimit.NewRedisStore(s.redis, prefix+"ratelimit:"), cfg.TPC.RateLimit)),
		)
	}
	s.Runtime = tpc.New(cfg.TPC, append(topts, o.tpcOpts...)...)
	s.Hooks = hooks.New(s.Orchestrator, s.Runtime, s.Audit)

	s.logger.InfoContext(ctx, "stack ready",
		"tpc_enabled", cfg.TPC.Enabled,
		"tpc_mode", cfg.TPC.Mode,
		"redis", cfg.Redis.Addr != "",
		"telemetry", cfg.Observability.Enabled,
	)
	return s, nil
}

func openAuditSink(ctx context.Context, cfg config.AuditConfig) (audit.Sink, error) {
	var sinks audit.MultiSink
	if cfg.Path != "" {
		fs, err := audit.NewFileSink(cfg.Path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.SQLDriver != "" {
		ss, err := audit.OpenSQLSink(ctx, cfg.SQLDriver, cfg.SQLDSN)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, ss)
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

func buildDirectory(cfg config.DirectoryConfig) (*directory.Directory, error) {
	profiles := append([]directory.Profile(nil), cfg.Profiles...)
	if cfg.ProfilesPath != "" {
		fromFile, err := directory.LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, fromFile...)
	}
	return directory.New(profiles...)
}

// buildRouter binds the local model and the escalation target to
// OpenAI-compatible clients. Unknown model names use the local client.
func buildRouter(cfg *config.Config) *llm.Router {
	local := llm.NewOpenAIClient(llm.OpenAIConfig{
		URL:        cfg.LLM.URL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	remoteURL := cfg.LLM.RemoteURL
	if remoteURL == "" {
		remoteURL = cfg.LLM.URL
	}
	remote := llm.NewOpenAIClient(llm.OpenAIConfig{
		URL:        remoteURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.RemoteModel,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	return llm.NewRouter(local).
		Register(cfg.Orchestrator.LocalModel, local).
		Register(cfg.Escalation.RemoteModel, remote)
}

// Config returns the configuration currently in effect.
func (s *Stack) Config() *config.Config { return s.cfg.Load() }

// Initialize starts the TPC runtime when it is enabled.
func (s *Stack) Initialize(ctx context.Context) error {
	if !s.Config().TPC.Enabled {
		s.logger.InfoContext(ctx, "tpc disabled, agent messages use text")
		return nil
	}
	return s.Runtime.Initialize(ctx)
}

// ApplyConfig hot-reloads the settings that can change at runtime: TPC,
// escalation, orchestrator, directory and log level. Audit, quarantine,
// Redis, telemetry and LLM endpoints are fixed until restart. On error
// nothing after the failing component is applied.
func (s *Stack) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dir, err := buildDirectory(cfg.Directory)
	if err != nil {
		return err
	}
	if err := s.Runtime.UpdateConfig(ctx, cfg.TPC); err != nil {
		return err
	}
	if err := s.Escalation.UpdateConfig(cfg.Escalation); err != nil {
		return err
	}
	s.Orchestrator.SetConfig(cfg.Orchestrator)
	s.Orchestrator.SetDirectory(dir)
	if s.level != nil {
		s.level.Set(cfg.LogLevel)
	}

	old := s.cfg.Swap(cfg)
	if fixed := restartOnly(old, cfg); len(fixed) > 0 {
		s.logger.WarnContext(ctx, "settings change ignored until restart", "sections", fixed)
	}
	if old.TPC.Enabled != cfg.TPC.Enabled && cfg.TPC.Enabled {
		if err := s.Runtime.Initialize(ctx); err != nil {
			return fmt.Errorf("enable tpc: %w", err)
		}
	}
	s.logger.InfoContext(ctx, "config applied")
	return nil
}

func restartOnly(old, cfg *config.Config) []string {
	var fixed []string
	if old.Audit != cfg.Audit {
		fixed = append(fixed, "audit")
	}
	if old.Quarantine != cfg.Quarantine {
		fixed = append(fixed, "quarantine")
	}
	if old.Redis != cfg.Redis {
		fixed = append(fixed, "redis")
	}
	if old.Observability != cfg.Observability {
		fixed = append(fixed, "observability")
	}
	if old.LLM != cfg.LLM {
		fixed = append(fixed, "llm")
	}
	if old.Dictionary != cfg.Dictionary {
		fixed = append(fixed, "dictionary")
	}
	return fixed
}

// Watch reloads path into the stack whenever it changes. Close the returned
// watcher to stop.
func (s *Stack) Watch(ctx context.Context, path string) (*config.Watcher, error) {
	w, err := config.NewWatcher(path, func(ctx context.Context, cfg *config.Config) {
		if err := s.ApplyConfig(ctx, cfg); err != nil {
			s.logger.ErrorContext(ctx, "config reload failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// SaveDictionary persists the dictionary, including usage counts, to the
// configured path.
func (s *Stack) SaveDictionary() error {
	path := s.Config().Dictionary.Path
	if path == "" || s.Dictionary == nil {
		return nil
	}
	return dictionary.Save(s.Dictionary, path)
}

func (s *Stack) dictionaryChanged() bool {
	if s.Dictionary == nil {
		return false
	}
	if s.Dictionary.Version() != s.dictVersion {
		return true
	}
	return s.Metrics != nil && len(s.Metrics.Snapshot().MacroUsage) > 0
}

// Close shuts every component down in reverse order of construction. It is
// safe to call more than once.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	s.closed.Do(func() {
		if s.Runtime != nil {
			errs = append(errs, s.Runtime.Shutdown(ctx))
		}
		if s.dictionaryChanged() {
			errs = append(errs, s.SaveDictionary())
		}
		if s.redis != nil {
			errs = append(errs, s.redis.Close())
		}
		if c, ok := s.Quarantine.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		errs = append(errs, s.Audit.Close(ctx))
		errs = append(errs, s.Observability.Shutdown(ctx))
	})
	return errors.Join(errs...)
}
