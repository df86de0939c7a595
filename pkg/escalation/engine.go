package escalation

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine applies ShouldEscalate and then any configured CEL rules. It is safe
// for concurrent use and its config can be swapped at runtime.
type Engine struct {
	env      *cel.Env
	mu       sync.RWMutex
	cfg      Config
	prgCache map[string]cel.Program
	logger   *slog.Logger
}

// NewEngine compiles cfg's rules. A rule that fails to compile is an error.
func NewEngine(cfg Config) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("intent", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("length", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e := &Engine{
		env:      env,
		prgCache: make(map[string]cel.Program),
		logger:   slog.Default().With("component", "escalation"),
	}
	if err := e.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateConfig replaces the config after compiling its rules. On error the
// previous config stays in effect.
func (e *Engine) UpdateConfig(cfg Config) error {
	for _, r := range cfg.Rules {
		if _, err := e.program(r.Expr); err != nil {
			return fmt.Errorf("escalation rule %q: %w", r.Name, err)
		}
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

// Config returns the active config.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Decide returns the escalation decision for in.
func (e *Engine) Decide(in Input) Decision {
	cfg := e.Config()
	d := ShouldEscalate(in, cfg)
	if d.Escalate || len(cfg.Rules) == 0 {
		return d
	}

	vars := map[string]any{
		"confidence": in.Confidence,
		"intent":     string(in.Intent),
		"action":     in.Action,
		"length":     int64(in.InputLength),
	}
	for _, r := range cfg.Rules {
		hit, err := e.evaluate(r.Expr, vars)
		if err != nil {
			e.logger.Warn("escalation rule skipped", "rule", r.Name, "error", err)
			continue
		}
		if !hit {
			continue
		}
		target := r.TargetModel
		if target == "" {
			target = cfg.RemoteModel
		}
		if target == "" {
			target = DefaultConfig().RemoteModel
		}
		return Decision{Escalate: true, Reason: fmt.Sprintf("rule %s matched", r.Name), TargetModel: target}
	}
	return d
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("compile: expression must be bool, got %s", ast.OutputType())
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

func (e *Engine) evaluate(expr string, vars map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
