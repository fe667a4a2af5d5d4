package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	ports "github.com/ZanzyTHEbar/byline-digest/byline/generation/harness/ports"
)

// IncompleteMarker is returned as the answer text when the round limit is hit before
// the model produced any text.
const IncompleteMarker = "<!-- incomplete: tool round limit reached -->"

// State is the conversation driver's position in its state machine.
type State int

const (
	StateInit State = iota
	StateModelTurn
	StateToolExecution
	StateDone
	StateFailed
	StateLimitExceeded
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateModelTurn:
		return "model_turn"
	case StateToolExecution:
		return "tool_execution"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateLimitExceeded:
		return "limit_exceeded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateLimitExceeded
}

// Policy controls orchestration behavior.
type Policy struct {
	MaxRounds       int           // tool-execution phases before LIMIT_EXCEEDED
	ToolConcurrency int           // >1 runs one round's tool calls in parallel
	ToolTimeout     time.Duration // per-tool timeout
	EnforceContract bool          // repair answers to the heading/bullet format
	SanitizeOutput  bool          // mask credential-like fragments in answers
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRounds:       5,
		ToolConcurrency: 1,
		ToolTimeout:     30 * time.Second,
		EnforceContract: true,
		SanitizeOutput:  true,
	}
}

// Result is the outcome of one conversation.
type Result struct {
	RunID        string
	Interest     ports.Interest
	Text         string
	State        State
	Rounds       int
	ModelCalls   int
	ToolCalls    int
	ResultCount  int
	Conversation *ports.Conversation
	Violations   []string
	Elapsed      time.Duration
}

// LimitExceeded reports whether the run stopped at the round limit.
func (r *Result) LimitExceeded() bool { return r.State == StateLimitExceeded }

// Orchestrator drives one conversation per interest to a final answer.
// It holds no per-run state, so one instance serves many concurrent runs.
type Orchestrator struct {
	model      ports.ModelClient
	builder    *PromptBuilder
	tools      map[string]ports.Tool
	specs      []ports.ToolSpec
	guardrails *Guardrails
	encoder    *PayloadEncoder
	contract   *Contract
	store      ports.RunStore
	limiter    ports.RateLimiter
	tracer     ports.Tracer
	metrics    ports.Metrics
	policy     Policy
	logger     zerolog.Logger
	now        func() time.Time
	newID      func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPolicy(p *Policy) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.policy = *p
		}
	}
}

func WithGuardrails(g *Guardrails) Option { return func(o *Orchestrator) { o.guardrails = g } }
func WithEncoder(e *PayloadEncoder) Option { return func(o *Orchestrator) { o.encoder = e } }
func WithContract(c *Contract) Option { return func(o *Orchestrator) { o.contract = c } }
func WithStore(s ports.RunStore) Option { return func(o *Orchestrator) { o.store = s } }
func WithLimiter(l ports.RateLimiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}
func WithTracer(t ports.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }
func WithMetrics(m ports.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// NewOrchestrator wires a model client and its tools. Tools are declared to the model in
// the order given; duplicate names are rejected.
func NewOrchestrator(model ports.ModelClient, builder *PromptBuilder, tools []ports.Tool, opts ...Option) (*Orchestrator, error) {
	if model == nil {
		return nil, errors.New("harness: model client is required")
	}
	if builder == nil {
		builder = NewPromptBuilder(DefaultPromptOptions())
	}
	o := &Orchestrator{
		model:   model,
		builder: builder,
		tools:   make(map[string]ports.Tool, len(tools)),
		policy:  *DefaultPolicy(),
		logger:  zerolog.Nop(),
		now:     time.Now,
		newID:   uuid.NewString,
		limiter: &noOpRateLimiter{},
		tracer:  &noOpTracer{},
		metrics: &noOpMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.guardrails == nil {
		o.guardrails = NewGuardrails()
	}
	if o.encoder == nil {
		o.encoder = NewPayloadEncoder(DefaultBudget(), nil)
	}
	if o.contract == nil {
		bo := builder.Options()
		o.contract = NewContract(bo.MaxBullets, bo.FallbackSentence)
	}
	o.policy.MaxRounds = clampInt(o.policy.MaxRounds, 1, 20)
	o.policy.ToolConcurrency = clampInt(o.policy.ToolConcurrency, 1, 16)
	if o.policy.ToolTimeout <= 0 {
		o.policy.ToolTimeout = DefaultPolicy().ToolTimeout
	}

	for _, t := range tools {
		if _, dup := o.tools[t.Name()]; dup {
			return nil, fmt.Errorf("harness: duplicate tool %q", t.Name())
		}
		if err := o.guardrails.Register(t); err != nil {
			return nil, err
		}
		o.tools[t.Name()] = t
		o.specs = append(o.specs, ports.SpecOf(t))
	}
	return o, nil
}

// Tools returns the declarations sent to the model.
func (o *Orchestrator) Tools() []ports.ToolSpec { return append([]ports.ToolSpec(nil), o.specs...) }

// Policy returns the effective (clamped) policy.
func (o *Orchestrator) Policy() Policy { return o.policy }

// Run converses with the model about one interest until it answers in text, a model
// round trip fails (*ports.ModelError), or MaxRounds tool phases have run.
// Hitting the limit is not an error: the Result has State StateLimitExceeded.
func (o *Orchestrator) Run(ctx context.Context, interest ports.Interest) (*Result, error) {
	if err := interest.Validate(); err != nil {
		return nil, err
	}
	started := o.now()
	runID := o.newID()

	spanCtx, finish := o.tracer.StartSpan(ctx, "digest.run", map[string]any{
		"run_id": runID,
		"topic":  interest.Topic,
		"model":  o.model.Name(),
	})

	res := &Result{
		RunID:        runID,
		Interest:     interest.Clone(),
		State:        StateInit,
		Conversation: ports.NewConversation(runID, o.builder.Build(interest)),
	}
	err := o.loop(spanCtx, res)
	res.Elapsed = o.now().Sub(started)
	finish(err)

	o.metrics.RunFinished(res.State.String(), res.Rounds, res.Elapsed)
	o.persist(ctx, res, err, started)

	log := o.logger.With().Str("run_id", runID).Str("topic", interest.Topic).Logger()
	if err != nil {
		log.Error().Err(err).Int("model_calls", res.ModelCalls).Msg("conversation failed")
		return nil, err
	}
	event := log.Info()
	if res.State == StateLimitExceeded {
		event = log.Warn()
	}
	event.Str("state", res.State.String()).
		Int("rounds", res.Rounds).
		Int("model_calls", res.ModelCalls).
		Int("tool_calls", res.ToolCalls).
		Int("results", res.ResultCount).
		Strs("violations", res.Violations).
		Dur("elapsed", res.Elapsed).
		Msg("conversation finished")
	return res, nil
}

// loop executes the state machine until a terminal state.
func (o *Orchestrator) loop(ctx context.Context, res *Result) error {
	conv := res.Conversation
	lastText := ""

	for {
		res.State = StateModelTurn
		segments, err := o.advance(ctx, conv, res.ModelCalls+1)
		res.ModelCalls++
		if err != nil {
			res.State = StateFailed
			return err
		}
		if err := conv.AppendModelTurn(segments); err != nil {
			res.State = StateFailed
			return &ports.ModelError{Provider: o.model.Name(), Err: fmt.Errorf("protocol violation: %w", err)}
		}

		turn := ports.ModelTurn(segments)
		text := turn.TextOf()
		if strings.TrimSpace(text) != "" {
			lastText = text
		}
		calls := turn.ToolCalls()
		if len(calls) == 0 {
			res.State = StateDone
			res.Text = o.finalize(res, text)
			return nil
		}

		res.State = StateToolExecution
		results := o.executeTools(ctx, calls)
		for _, r := range results {
			if err := conv.AppendToolResult(r); err != nil {
				res.State = StateFailed
				return fmt.Errorf("harness: record tool result: %w", err)
			}
			res.ResultCount += r.Count
		}
		res.ToolCalls += len(calls)
		res.Rounds++

		if res.Rounds >= o.policy.MaxRounds {
			res.State = StateLimitExceeded
			res.Text = o.salvage(res, lastText)
			o.tracer.Event(ctx, "round_limit", map[string]any{"rounds": res.Rounds})
			return nil
		}
	}
}

// advance performs one rate-limited model round trip. Every failure is a *ports.ModelError.
func (o *Orchestrator) advance(ctx context.Context, conv *ports.Conversation, call int) ([]ports.Segment, error) {
	release, err := o.limiter.Acquire(ctx, o.model.Name())
	if err != nil {
		return nil, &ports.ModelError{Provider: o.model.Name(), Err: fmt.Errorf("rate limiter: %w", err)}
	}
	defer release()

	spanCtx, finish := o.tracer.StartSpan(ctx, "model.advance", map[string]any{
		"call":  call,
		"turns": conv.Len(),
	})
	started := o.now()
	segments, err := o.model.Advance(spanCtx, conv, o.Tools())
	finish(err)
	o.metrics.ModelCall(o.model.Name(), o.now().Sub(started), err)

	if err != nil {
		var me *ports.ModelError
		if !errors.As(err, &me) {
			err = &ports.ModelError{Provider: o.model.Name(), Err: err}
		}
		return nil, err
	}
	return segments, nil
}

// executeTools answers every call of one round, preserving emission order.
func (o *Orchestrator) executeTools(ctx context.Context, calls []ports.ToolCall) []ports.ToolResult {
	if o.policy.ToolConcurrency <= 1 || len(calls) == 1 {
		out := make([]ports.ToolResult, len(calls))
		for i, call := range calls {
			out[i] = o.executeTool(ctx, call)
		}
		return out
	}
	mapper := iter.Mapper[ports.ToolCall, ports.ToolResult]{MaxGoroutines: o.policy.ToolConcurrency}
	return mapper.Map(calls, func(call *ports.ToolCall) ports.ToolResult {
		return o.executeTool(ctx, *call)
	})
}

// executeTool never fails: problems become error payloads the model can react to.
func (o *Orchestrator) executeTool(ctx context.Context, call ports.ToolCall) ports.ToolResult {
	started := o.now()
	log := o.logger.With().Str("call_id", call.ID).Str("tool", call.Name).Logger()

	fail := func(kind, field, msg string) ports.ToolResult {
		o.metrics.ToolCall(call.Name, kind, o.now().Sub(started))
		log.Warn().Str("error_type", kind).Str("field", field).Msg(msg)
		return ports.ToolResult{CallID: call.ID, Payload: ErrorPayload(kind, field, msg), IsError: true}
	}

	tool, ok := o.tools[call.Name]
	if !ok {
		return fail(ErrTypeUnknownTool, "name", fmt.Sprintf("%v: %s", ports.ErrUnknownTool, call.Name))
	}
	if err := o.guardrails.ValidateToolCall(call); err != nil {
		var mal *ports.MalformedToolArgsError
		if errors.As(err, &mal) {
			return fail(ErrTypeMalformedArguments, mal.Field, mal.Reason)
		}
		return fail(ErrTypeUnknownTool, "name", err.Error())
	}

	spanCtx, finish := o.tracer.StartSpan(ctx, "tool.invoke", map[string]any{"tool": call.Name, "call_id": call.ID})
	toolCtx, cancel := context.WithTimeout(spanCtx, o.policy.ToolTimeout)
	results, err := tool.Invoke(toolCtx, call.Args)
	cancel()
	finish(err)

	if err != nil {
		var mal *ports.MalformedToolArgsError
		if errors.As(err, &mal) {
			return fail(ErrTypeMalformedArguments, mal.Field, mal.Reason)
		}
		return fail(ErrTypeProvider, "", err.Error())
	}

	payload, n := o.encoder.Results(results)
	outcome := "ok"
	if n == 0 {
		outcome = "empty"
	}
	o.metrics.ToolCall(call.Name, outcome, o.now().Sub(started))
	log.Debug().Int("results", n).Msg("tool call answered")
	return ports.ToolResult{CallID: call.ID, Payload: payload, Count: n}
}

// finalize applies the output contract to the final text.
func (o *Orchestrator) finalize(res *Result, text string) string {
	if o.policy.SanitizeOutput {
		text = o.guardrails.SanitizeOutput(text)
	}
	if !o.policy.EnforceContract {
		return text
	}
	out, violations := o.contract.Enforce(res.Interest, text, Evidence{ToolCalls: res.ToolCalls, Results: res.ResultCount})
	res.Violations = append(res.Violations, violations...)
	return out
}

// salvage turns the last text of a conversation cut off at the round limit into
// the best deliverable answer, or the incomplete marker.
func (o *Orchestrator) salvage(res *Result, text string) string {
	if strings.TrimSpace(text) == "" {
		return IncompleteMarker
	}
	if o.policy.SanitizeOutput {
		text = o.guardrails.SanitizeOutput(text)
	}
	if !o.policy.EnforceContract {
		if !hasHeading(StripFences(text)) {
			res.Violations = append(res.Violations, "round limit reached without a heading")
			return IncompleteMarker
		}
		return text
	}
	out, violations := o.contract.Salvage(res.Interest, text)
	res.Violations = append(res.Violations, violations...)
	return out
}

// persist writes the audit record. Failures are logged, never returned.
func (o *Orchestrator) persist(ctx context.Context, res *Result, runErr error, started time.Time) {
	if o.store == nil {
		return
	}
	rec := ports.RunRecord{
		RunID:          res.RunID,
		ConversationID: res.Conversation.ID,
		Topic:          res.Interest.Topic,
		State:          res.State.String(),
		Rounds:         res.Rounds,
		ModelCalls:     res.ModelCalls,
		ToolCalls:      res.ToolCalls,
		Text:           res.Text,
		Turns:          res.Conversation.Turns(),
		StartedAt:      started.UTC(),
		FinishedAt:     o.now().UTC(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := o.store.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		o.tracer.Event(ctx, "store_error", map[string]any{"error": err.Error()})
		o.logger.Warn().Err(err).Str("run_id", res.RunID).Msg("failed to persist run")
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
