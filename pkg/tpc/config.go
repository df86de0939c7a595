package tpc

import (
	"fmt"
	"time"

	"github.com/clawtalk/clawtalk/pkg/kms"
	"github.com/clawtalk/clawtalk/pkg/resiliency"
	"github.com/clawtalk/clawtalk/pkg/tpc/fec"
	"github.com/clawtalk/clawtalk/pkg/tpc/ratelimit"
	"github.com/clawtalk/clawtalk/pkg/tpc/waveform"
)

// Mode selects the TPC carrier.
type Mode string

const (
	ModeFile     Mode = "file"
	ModeAcoustic Mode = "acoustic"
)

// Config configures a Runtime.
type Config struct {
	Enabled                bool
	Mode                   Mode
	DeadDropPath           string
	MaxMessageAge          time.Duration
	EnforceForAgentToAgent bool
	AllowTextFallback      bool

	// ParityLen is the Reed-Solomon parity per 255-byte block.
	ParityLen int
	// Profile names the acoustic modulation profile. Empty selects one from
	// the detected audio devices.
	Profile      string
	PollInterval time.Duration

	RateLimit ratelimit.Policy
	Breaker   resiliency.BreakerConfig
	Keys      kms.RotationConfig
	// MasterKeyPath is read, or created, when no key manager is injected.
	MasterKeyPath string
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		Mode:                   ModeFile,
		DeadDropPath:           "deaddrop",
		MaxMessageAge:          5 * time.Minute,
		EnforceForAgentToAgent: true,
		ParityLen:              fec.DefaultParity,
		PollInterval:           100 * time.Millisecond,
		RateLimit:              ratelimit.DefaultPolicy(),
		Breaker:                resiliency.BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second},
		Keys:                   kms.RotationConfig{Interval: time.Hour, Grace: 2 * time.Minute},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.DeadDropPath == "" {
		c.DeadDropPath = d.DeadDropPath
	}
	if c.MaxMessageAge <= 0 {
		c.MaxMessageAge = d.MaxMessageAge
	}
	if c.ParityLen == 0 {
		c.ParityLen = d.ParityLen
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// Validate reports settings the runtime cannot honor.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Mode != ModeFile && c.Mode != ModeAcoustic {
		return fmt.Errorf("tpc: unknown mode %q", c.Mode)
	}
	if c.ParityLen < fec.MinParity || c.ParityLen > fec.MaxParity {
		return fmt.Errorf("tpc: parity length %d outside [%d, %d]", c.ParityLen, fec.MinParity, fec.MaxParity)
	}
	if c.Mode == ModeAcoustic && c.Profile != "" {
		if _, err := waveform.ParamsForMode(c.Profile); err != nil {
			return fmt.Errorf("tpc: %w", err)
		}
	}
	return nil
}
