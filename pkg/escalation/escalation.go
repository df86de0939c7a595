// Package escalation decides whether a turn runs on the local model or is
// escalated to a remote one.
package escalation

import (
	"fmt"

	"github.com/clawtalk/clawtalk/pkg/intent"
)

// Config holds the escalation thresholds.
type Config struct {
	ConfidenceThreshold float64           `yaml:"confidence_threshold" toml:"confidence_threshold"`
	EscalateIntents     []intent.Category `yaml:"escalate_intents" toml:"escalate_intents"`
	MaxInputLength      int               `yaml:"max_input_length" toml:"max_input_length"`
	RemoteModel         string            `yaml:"remote_model" toml:"remote_model"`
	Rules               []Rule            `yaml:"rules" toml:"rules"`
}

// Rule is a CEL expression over confidence, intent, action and length. A rule
// that evaluates to true escalates the turn.
type Rule struct {
	Name        string `yaml:"name" toml:"name"`
	Expr        string `yaml:"expr" toml:"expr"`
	TargetModel string `yaml:"target_model,omitempty" toml:"target_model"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.5,
		EscalateIntents:     []intent.Category{intent.Security},
		MaxInputLength:      2000,
		RemoteModel:         "cloud",
	}
}

// Input describes one turn.
type Input struct {
	Confidence  float64
	Intent      intent.Category
	Action      string
	InputLength int
}

// Decision is the escalation outcome. Reason is always set.
type Decision struct {
	Escalate    bool
	Reason      string
	TargetModel string
}

// ShouldEscalate applies the threshold checks in order: confidence, intent,
// input length.
func ShouldEscalate(in Input, cfg Config) Decision {
	remote := cfg.RemoteModel
	if remote == "" {
		remote = DefaultConfig().RemoteModel
	}
	if in.Confidence < cfg.ConfidenceThreshold {
		return Decision{
			Escalate:    true,
			Reason:      fmt.Sprintf("confidence %.2f below threshold %.2f", in.Confidence, cfg.ConfidenceThreshold),
			TargetModel: remote,
		}
	}
	for _, c := range cfg.EscalateIntents {
		if c == in.Intent {
			return Decision{
				Escalate:    true,
				Reason:      fmt.Sprintf("intent %s requires escalation", in.Intent),
				TargetModel: remote,
			}
		}
	}
	if cfg.MaxInputLength > 0 && in.InputLength > cfg.MaxInputLength {
		return Decision{
			Escalate:    true,
			Reason:      fmt.Sprintf("input length %d exceeds %d", in.InputLength, cfg.MaxInputLength),
			TargetModel: remote,
		}
	}
	return Decision{
		Reason: fmt.Sprintf("confidence %.2f meets threshold %.2f; handled locally", in.Confidence, cfg.ConfidenceThreshold),
	}
}
