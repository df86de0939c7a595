// Package orchestrator runs one user turn through the ClawTalk pipeline:
// macro or wire recognition, encoding, routing, escalation, execution and
// wrapping the reply as a RES message. It is the only place where pipeline
// failures become a user-visible fallback or error result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/clawtalk/clawtalk/pkg/dictionary"
	"github.com/clawtalk/clawtalk/pkg/directory"
	"github.com/clawtalk/clawtalk/pkg/encoder"
	"github.com/clawtalk/clawtalk/pkg/escalation"
	"github.com/clawtalk/clawtalk/pkg/intent"
	"github.com/clawtalk/clawtalk/pkg/llm"
	"github.com/clawtalk/clawtalk/pkg/macro"
	"github.com/clawtalk/clawtalk/pkg/metrics"
	"github.com/clawtalk/clawtalk/pkg/observability"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

// FallbackHandler is reported in Result.HandledBy when the fallback prompt
// produced the answer.
const FallbackHandler = "fallback"

const fallbackSystemPrompt = "You are a helpful assistant. Answer the user's message directly."

// ErrEmptyMessage is returned for blank input.
var ErrEmptyMessage = errors.New("orchestrator: empty message")

// Config controls the pipeline.
type Config struct {
	EnableFallback bool   `yaml:"enable_fallback" toml:"enable_fallback"`
	LocalModel     string `yaml:"local_model" toml:"local_model"`
	// FallbackSystemPrompt replaces the stock "helpful assistant" prompt.
	FallbackSystemPrompt string `yaml:"fallback_system_prompt,omitempty" toml:"fallback_system_prompt"`
}

// DefaultConfig enables the fallback and names the local model "local".
func DefaultConfig() Config {
	return Config{EnableFallback: true, LocalModel: "local"}
}

// Result is the outcome of one turn. Text is empty when Err is set.
type Result struct {
	Text      string
	Err       error
	HandledBy []string
	Escalated bool
	// Reason is the escalation engine's explanation.
	Reason   string
	WireLog  []string
	Duration time.Duration
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	exec    llm.Executor
	dir     atomic.Pointer[directory.Directory]
	esc     *escalation.Engine
	dict    *dictionary.Dictionary
	metrics *metrics.Tracker
	obs     *observability.Provider
	cfg     atomic.Pointer[Config]
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithDirectory(d *directory.Directory) Option {
	return func(o *Orchestrator) { o.dir.Store(d) }
}

func WithEscalation(e *escalation.Engine) Option {
	return func(o *Orchestrator) { o.esc = e }
}

// WithDictionary enables macro invocations in user input.
func WithDictionary(d *dictionary.Dictionary) Option {
	return func(o *Orchestrator) { o.dict = d }
}

func WithMetrics(t *metrics.Tracker) Option {
	return func(o *Orchestrator) { o.metrics = t }
}

func WithObservability(p *observability.Provider) Option {
	return func(o *Orchestrator) { o.obs = p }
}

// WithClock overrides the clock used for Result.Duration.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New creates an orchestrator over exec. Missing collaborators get defaults:
// the built-in directory, the default escalation thresholds and a fresh
// metrics tracker.
func New(exec llm.Executor, cfg Config, opts ...Option) (*Orchestrator, error) {
	if exec == nil {
		return nil, fmt.Errorf("orchestrator: executor is required")
	}
	o := &Orchestrator{
		exec:   exec,
		clock:  time.Now,
		logger: slog.Default().With("component", "orchestrator"),
	}
	o.SetConfig(cfg)
	for _, opt := range opts {
		opt(o)
	}
	if o.dir.Load() == nil {
		o.dir.Store(directory.Default())
	}
	if o.esc == nil {
		e, err := escalation.NewEngine(escalation.DefaultConfig())
		if err != nil {
			return nil, err
		}
		o.esc = e
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	return o, nil
}

// SetConfig replaces the pipeline config for subsequent turns.
func (o *Orchestrator) SetConfig(cfg Config) {
	if cfg.LocalModel == "" {
		cfg.LocalModel = DefaultConfig().LocalModel
	}
	o.cfg.Store(&cfg)
}

// SetDirectory swaps the routing table for subsequent turns.
func (o *Orchestrator) SetDirectory(d *directory.Directory) {
	if d != nil {
		o.dir.Store(d)
	}
}

// Metrics returns the tracker the pipeline records into.
func (o *Orchestrator) Metrics() *metrics.Tracker { return o.metrics }

// turn is the classified form of one user message.
type turn struct {
	text       string
	msg        *wire.Message
	category   intent.Category
	confidence float64
	source     string
}

// Process runs userMessage through the pipeline. It never panics and never
// returns a nil-valued failure: errors are reported in Result.Err.
func (o *Orchestrator) Process(ctx context.Context, userMessage string) Result {
	start := o.clock()
	ctx, done := o.obs.TrackOperation(ctx, "clawtalk.process")
	cfg := *o.cfg.Load()

	res, err := o.run(ctx, userMessage)
	if err != nil && cfg.EnableFallback && !errors.Is(err, ErrEmptyMessage) && ctx.Err() == nil {
		o.logger.WarnContext(ctx, "pipeline failed, using fallback", "error", err)
		text, ferr := o.execute(ctx, llm.Prompt{
			Prompt:       userMessage,
			SystemPrompt: fallbackPrompt(cfg),
			Model:        cfg.LocalModel,
		})
		if ferr == nil {
			res.Text = text
			res.HandledBy = []string{FallbackHandler}
			err = nil
		} else {
			err = fmt.Errorf("%w (fallback: %w)", err, ferr)
		}
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "turn failed", "error", err)
		res.Text = ""
		res.Err = err
		if res.HandledBy == nil {
			res.HandledBy = []string{}
		}
	}
	res.Duration = o.clock().Sub(start)
	done(err)
	return res
}

func fallbackPrompt(cfg Config) string {
	if cfg.FallbackSystemPrompt != "" {
		return cfg.FallbackSystemPrompt
	}
	return fallbackSystemPrompt
}

// Plan is the routing outcome for one message, before execution.
type Plan struct {
	// Input is the text sent to the model: the user's message, or the wire
	// text a macro expanded to.
	Input      string
	Message    *wire.Message
	Intent     intent.Category
	Confidence float64
	// Source is "macro", "wire" or "encoder".
	Source   string
	Profile  directory.Profile
	Decision escalation.Decision
	Model    string
}

// Wire returns the serialized request.
func (p *Plan) Wire() string { return wire.Serialize(p.Message) }

// Plan classifies, routes and escalates userMessage without executing it.
// Encode, macro and escalation metrics are recorded.
func (o *Orchestrator) Plan(ctx context.Context, userMessage string) (*Plan, error) {
	cfg := *o.cfg.Load()
	t, err := o.classify(ctx, userMessage)
	if err != nil {
		return nil, err
	}
	profile := o.dir.Load().Route(t.msg, t.category).Primary
	decision := o.esc.Decide(escalation.Input{
		Confidence:  t.confidence,
		Intent:      t.category,
		Action:      t.msg.Action,
		InputLength: len(t.text),
	})

	model := profile.PreferredModel
	if model == "" {
		model = cfg.LocalModel
	}
	if decision.Escalate {
		model = decision.TargetModel
		o.metrics.RecordEscalation(ctx, model)
	}
	o.logger.DebugContext(ctx, "turn routed",
		"source", t.source,
		"action", t.msg.Action,
		"intent", t.category,
		"profile", profile.ID,
		"model", model,
		"reason", decision.Reason,
	)
	return &Plan{
		Input:      t.text,
		Message:    t.msg,
		Intent:     t.category,
		Confidence: t.confidence,
		Source:     t.source,
		Profile:    profile,
		Decision:   decision,
		Model:      model,
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, userMessage string) (Result, error) {
	var res Result
	plan, err := o.Plan(ctx, userMessage)
	if err != nil {
		return res, err
	}
	res.WireLog = append(res.WireLog, plan.Wire())
	res.HandledBy = []string{plan.Profile.ID}
	res.Escalated = plan.Decision.Escalate
	res.Reason = plan.Decision.Reason

	raw, err := o.execute(ctx, llm.Prompt{
		Prompt:       plan.Input,
		SystemPrompt: SystemPrompt(plan.Profile, plan.Message),
		Model:        plan.Model,
		Tools:        plan.Profile.Tools,
	})
	if err != nil {
		o.metrics.RecordDecode(ctx, false)
		return res, fmt.Errorf("execute %s on %s: %w", plan.Profile.ID, plan.Model, err)
	}

	reply := wrapResponse(plan.Message, plan.Profile.ID, raw)
	res.WireLog = append(res.WireLog, wire.Serialize(reply))
	o.metrics.RecordDecode(ctx, strings.TrimSpace(raw) != "")
	res.Text = raw
	return res, nil
}

// classify turns the message into a wire request. A macro invocation known
// to the dictionary or literal wire text is taken as-is with full
// confidence; anything else goes through the encoder.
func (o *Orchestrator) classify(ctx context.Context, userMessage string) (turn, error) {
	text := strings.TrimSpace(userMessage)
	if text == "" {
		return turn{}, ErrEmptyMessage
	}

	if o.dict != nil {
		if inv, ok := macro.ParseInvocation(text); ok {
			if _, known := o.dict.Macro(inv.Name); known {
				msg, err := macro.Expand(o.dict, inv.Name, inv.Args)
				if err != nil {
					return turn{}, err
				}
				o.dict.TrackMacroUsage(inv.Name)
				o.metrics.RecordMacro(ctx, dictionary.CanonicalName(inv.Name))
				wt := wire.Serialize(msg)
				o.metrics.RecordEncode(ctx, text, wt, intent.ForAction(msg.Action))
				return turn{text: wt, msg: msg, category: intent.ForAction(msg.Action), confidence: 1, source: "macro"}, nil
			}
		}
	}

	if wire.IsClawTalkMessage(text) {
		msg, err := wire.Parse(text)
		if err != nil {
			return turn{}, err
		}
		return turn{text: text, msg: msg, category: intent.ForAction(msg.Action), confidence: 1, source: "wire"}, nil
	}

	enc := encoder.Encode(text)
	o.metrics.RecordEncode(ctx, text, enc.Wire, enc.Intent)
	return turn{text: text, msg: enc.Message, category: enc.Intent, confidence: enc.Confidence, source: "encoder"}, nil
}

// SystemPrompt combines a profile's prompt with the structured request.
func SystemPrompt(p directory.Profile, req *wire.Message) string {
	var b strings.Builder
	b.WriteString(p.SystemPrompt)
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString("Structured request: ")
	b.WriteString(wire.Serialize(req))
	return b.String()
}

// execute calls the executor, turning a panic into an error.
func (o *Orchestrator) execute(ctx context.Context, p llm.Prompt) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "executor panicked", "panic", r)
			out, err = "", fmt.Errorf("orchestrator: executor panic: %v", r)
		}
	}()
	ctx, span := o.obs.Tracer().Start(ctx, "clawtalk.execute")
	span.SetAttributes(attribute.String("model", p.Model), attribute.Int("tools", len(p.Tools)))
	defer span.End()
	return o.exec.ExecutePrompt(ctx, p)
}

// wrapResponse builds the RES message recorded in the wire log. A RES has no
// action of its own; re names the request it answers.
func wrapResponse(req *wire.Message, profile, raw string) *wire.Message {
	res := wire.New(wire.VerbRES, "")
	if req.Action != "" {
		res = res.With("re", wire.String(req.Action))
	}
	res = res.With("profile", wire.String(profile))
	if msg, err := wire.Parse(strings.TrimSpace(raw)); err == nil && msg.Verb == wire.VerbRES {
		return msg
	}
	payload := wire.String(raw)
	res.Payload = &payload
	return res
}
