// Package tpc is the agent-to-agent transport runtime.
//
// A Runtime moves signed envelopes between agents through a dead-drop
// directory or an acoustic AFSK carrier. Envelopes are HMAC-signed with
// rotating epoch keys, checked for age and replay on receipt, and framed with
// Reed-Solomon parity. Rejected envelopes are quarantined and every send,
// receive, rejection and key rotation is audited.
package tpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clawtalk/clawtalk/pkg/artifacts"
	"github.com/clawtalk/clawtalk/pkg/audit"
	"github.com/clawtalk/clawtalk/pkg/kms"
	"github.com/clawtalk/clawtalk/pkg/resiliency"
	"github.com/clawtalk/clawtalk/pkg/tpc/deaddrop"
	"github.com/clawtalk/clawtalk/pkg/tpc/nonce"
	"github.com/clawtalk/clawtalk/pkg/tpc/ratelimit"
	"github.com/clawtalk/clawtalk/pkg/tpc/waveform"
)

// State is the runtime lifecycle state.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateReady         State = "READY"
	StateClosed        State = "CLOSED"
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithNonceStore replaces the in-memory anti-replay store.
func WithNonceStore(s nonce.Store) Option { return func(r *Runtime) { r.nonces = s } }

// WithLimiter replaces the in-memory per-sender limiter.
func WithLimiter(l *ratelimit.Limiter) Option { return func(r *Runtime) { r.limiter = l } }

// WithKeyManager supplies the signing key manager. Without one the master
// secret is loaded from Config.MasterKeyPath.
func WithKeyManager(m *kms.Manager) Option { return func(r *Runtime) { r.keys = m } }

// WithAuditLogger sets the audit logger. The runtime does not close it.
func WithAuditLogger(l *audit.Logger) Option { return func(r *Runtime) { r.audit = l } }

// WithQuarantine sets where rejected envelopes are kept.
func WithQuarantine(s artifacts.Store) Option { return func(r *Runtime) { r.quarantine = s } }

// WithAcousticLink replaces the dead-drop WAV link used in acoustic mode.
func WithAcousticLink(l waveform.Link) Option { return func(r *Runtime) { r.customLink = l } }

// WithDeviceDetector replaces the package audio device detector.
func WithDeviceDetector(d *waveform.Detector) Option { return func(r *Runtime) { r.detector = d } }

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option { return func(r *Runtime) { r.clock = clock } }

// Runtime is the TPC transport. Create one with New, call Initialize before
// use and Shutdown when done; a closed runtime cannot be reused.
type Runtime struct {
	mu      sync.RWMutex
	cfg     Config
	state   State
	drop    *deaddrop.Drop
	carrier carrier

	nonces     nonce.Store
	limiter    *ratelimit.Limiter
	keys       *kms.Manager
	audit      *audit.Logger
	quarantine artifacts.Store
	customLink waveform.Link
	detector   *waveform.Detector
	breaker    *resiliency.CircuitBreaker
	clock      func() time.Time
	logger     *slog.Logger

	initGroup singleflight.Group
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// carrier is the acoustic modulation in effect. It is zero in file mode.
type carrier struct {
	params waveform.Params
	link   waveform.Link
}

// New creates an uninitialized runtime.
func New(cfg Config, opts ...Option) *Runtime {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:     cfg,
		state:   StateUninitialized,
		breaker: resiliency.NewCircuitBreaker("tpc", cfg.Breaker),
		clock:   time.Now,
		logger:  slog.Default().With("component", "tpc"),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.breaker.WithClock(r.clock)
	return r
}

// State returns the lifecycle state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// IsReady reports whether the runtime is READY.
func (r *Runtime) IsReady() bool { return r.State() == StateReady }

// Config returns the active configuration.
func (r *Runtime) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Breaker exposes the transport circuit breaker.
func (r *Runtime) Breaker() *resiliency.CircuitBreaker { return r.breaker }

// Initialize prepares the carrier and security stores. Concurrent callers
// share one attempt and see the same result. A failed attempt leaves the
// runtime UNINITIALIZED so a later call may retry.
func (r *Runtime) Initialize(ctx context.Context) error {
	_, err, _ := r.initGroup.Do("init", func() (any, error) {
		return nil, r.initialize(ctx)
	})
	return err
}

func (r *Runtime) initialize(ctx context.Context) error {
	r.mu.RLock()
	state, cfg, keys := r.state, r.cfg, r.keys
	r.mu.RUnlock()
	switch state {
	case StateReady:
		return nil
	case StateClosed:
		return &NotInitializedError{Op: "initialize", State: StateClosed}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	drop, err := deaddrop.New(cfg.DeadDropPath)
	if err != nil {
		return fmt.Errorf("tpc: dead drop: %w", err)
	}
	drop.WithClock(r.clock)

	if keys == nil {
		if cfg.MasterKeyPath == "" {
			return fmt.Errorf("tpc: no key manager or master key path configured")
		}
		master, err := kms.LoadOrCreateMaster(cfg.MasterKeyPath)
		if err != nil {
			return fmt.Errorf("tpc: %w", err)
		}
		if keys, err = kms.NewManager(master, cfg.Keys); err != nil {
			return fmt.Errorf("tpc: %w", err)
		}
		keys.WithClock(r.clock)
	}
	keys.OnRotate(func(from, to string) {
		_ = r.audit.Record(context.Background(), audit.EventKeyRotation, "rotate", to, map[string]any{"from": from})
	})

	car, err := r.configureCarrier(ctx, cfg, drop)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		return &NotInitializedError{Op: "initialize", State: StateClosed}
	}
	r.drop = drop
	r.keys = keys
	r.carrier = car
	if r.nonces == nil {
		r.nonces = nonce.NewMemoryStore(0).WithClock(r.clock)
	}
	if r.limiter == nil {
		r.limiter = ratelimit.New(ratelimit.NewMemoryStore().WithClock(r.clock), cfg.RateLimit)
	}
	r.state = StateReady

	r.wg.Add(1)
	go r.collectGarbage()

	r.logger.InfoContext(ctx, "tpc runtime ready", "mode", cfg.Mode, "dead_drop", cfg.DeadDropPath, "parity", cfg.ParityLen)
	_ = r.audit.Record(ctx, audit.EventSystem, "initialize", string(cfg.Mode), nil)
	return nil
}

// configureCarrier resolves the acoustic profile and link for cfg.
func (r *Runtime) configureCarrier(ctx context.Context, cfg Config, drop *deaddrop.Drop) (carrier, error) {
	if cfg.Mode != ModeAcoustic {
		return carrier{}, nil
	}
	var params waveform.Params
	if cfg.Profile != "" {
		p, err := waveform.ParamsForMode(cfg.Profile)
		if err != nil {
			return carrier{}, fmt.Errorf("tpc: %w", err)
		}
		params = p
	} else {
		var devices waveform.Devices
		if r.detector != nil {
			devices = r.detector.Check(ctx)
		} else {
			devices = waveform.CheckAudioDevices(ctx)
		}
		params = waveform.SelectProfile(devices)
	}
	link := r.customLink
	if link == nil {
		link = &waveform.DeadDropLink{Drop: drop, PollInterval: cfg.PollInterval}
	}
	return carrier{params: params, link: link}, nil
}

// collectGarbage removes expired dead-drop entries until shutdown.
func (r *Runtime) collectGarbage() {
	defer r.wg.Done()
	interval := r.Config().MaxMessageAge / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
		r.mu.RLock()
		drop, maxAge := r.drop, r.cfg.MaxMessageAge
		r.mu.RUnlock()
		if n, err := drop.GC(r.ctx, maxAge); err != nil {
			r.logger.Warn("dead drop gc failed", "error", err)
		} else if n > 0 {
			r.logger.Debug("dead drop gc", "removed", n)
		}
	}
}

// Shutdown closes the runtime permanently and cancels in-flight receives.
// It is safe to call more than once.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	wasReady := r.state == StateReady
	r.state = StateClosed
	r.mu.Unlock()

	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if wasReady {
		_ = r.audit.Record(ctx, audit.EventSystem, "shutdown", "tpc", nil)
	}
	r.logger.InfoContext(ctx, "tpc runtime closed")
	return nil
}

// UpdateConfig applies a new configuration without restarting. On error the
// previous configuration stays in effect.
func (r *Runtime) UpdateConfig(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	state, old, drop := r.state, r.cfg, r.drop
	r.mu.RUnlock()
	if state == StateClosed {
		return &NotInitializedError{Op: "update config", State: state}
	}

	var car carrier
	if state == StateReady {
		if cfg.DeadDropPath != old.DeadDropPath {
			d, err := deaddrop.New(cfg.DeadDropPath)
			if err != nil {
				return fmt.Errorf("tpc: dead drop: %w", err)
			}
			drop = d.WithClock(r.clock)
		}
		c, err := r.configureCarrier(ctx, cfg, drop)
		if err != nil {
			return err
		}
		car = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		return &NotInitializedError{Op: "update config", State: r.state}
	}
	r.cfg = cfg
	r.breaker.SetConfig(cfg.Breaker)
	if r.limiter != nil {
		r.limiter.SetPolicy(cfg.RateLimit)
	}
	if r.keys != nil {
		r.keys.UpdateConfig(cfg.Keys)
	}
	if r.state == StateReady {
		r.drop = drop
		r.carrier = car
	}
	r.logger.InfoContext(ctx, "tpc config updated", "enabled", cfg.Enabled, "mode", cfg.Mode)
	return nil
}

// session is a consistent view of the runtime for one operation.
type session struct {
	cfg        Config
	drop       *deaddrop.Drop
	carrier    carrier
	nonces     nonce.Store
	limiter    *ratelimit.Limiter
	keys       *kms.Manager
	quarantine artifacts.Store
}

func (r *Runtime) session(op string) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateReady {
		return nil, &NotInitializedError{Op: op, State: r.state}
	}
	if !r.cfg.Enabled {
		return nil, ErrDisabled
	}
	return &session{
		cfg:        r.cfg,
		drop:       r.drop,
		carrier:    r.carrier,
		nonces:     r.nonces,
		limiter:    r.limiter,
		keys:       r.keys,
		quarantine: r.quarantine,
	}, nil
}
