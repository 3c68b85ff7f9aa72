package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"answercore/internal/events"
	"answercore/internal/runstate"
)

// defaultMaxSteps bounds one run. Every conditional edge jumps forward, so
// a healthy plan never comes close.
const defaultMaxSteps = 64

// StageObserver is called after every stage attempt. Wiring code hangs
// metrics off it.
type StageObserver func(stage string, d time.Duration, err error)

// Options tune engine execution.
type Options struct {
	Logger              *zap.Logger
	Sink                events.Sink
	Observer            StageObserver
	DefaultStageTimeout time.Duration
	StageTimeouts       map[string]time.Duration
	MaxSteps            int
}

// Engine is the compiled pipeline: the enabled stages in canonical order
// plus the conditional edge table. Safe for concurrent Run calls; each
// request owns its RunState.
type Engine struct {
	order  []string
	stages map[string]Stage
	pos    map[string]int

	logger   *zap.Logger
	sink     events.Sink
	observer StageObserver
	timeout  time.Duration
	timeouts map[string]time.Duration
	maxSteps int
}

// StageTrace records one executed stage.
type StageTrace struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Jump     string        `json:"jump,omitempty"`
}

// Result is a finished run.
type Result struct {
	State *runstate.RunState
	Trace []StageTrace
}

// New compiles the configuration against the stage registry. It validates
// the config invariants, that every enabled stage is registered under its
// canonical name, that contract field names exist, and that each stage's
// required inputs are produced by seed fields or an earlier stage.
func New(cfg *Config, registry map[string]Stage, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		stages:   make(map[string]Stage),
		pos:      make(map[string]int),
		logger:   opts.Logger,
		sink:     opts.Sink,
		observer: opts.Observer,
		timeout:  opts.DefaultStageTimeout,
		timeouts: opts.StageTimeouts,
		maxSteps: opts.MaxSteps,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.sink == nil {
		e.sink = events.Nop()
	}
	if e.maxSteps <= 0 {
		e.maxSteps = defaultMaxSteps
	}

	e.order = cfg.EnabledInOrder()
	if len(e.order) == 0 {
		return nil, configErrorf("no stages enabled")
	}
	for i, name := range e.order {
		st, ok := registry[name]
		if !ok {
			return nil, configErrorf("stage %q enabled but not registered", name)
		}
		if st.Name() != name {
			return nil, configErrorf("stage registered under %q reports name %q", name, st.Name())
		}
		e.stages[name] = st
		e.pos[name] = i
	}

	if err := e.checkContracts(); err != nil {
		return nil, err
	}
	return e, nil
}

// seedFields are present on every freshly seeded RunState.
var seedFields = []runstate.Field{
	runstate.FieldQuestion,
	runstate.FieldUserID,
	runstate.FieldSessionID,
	runstate.FieldChannel,
	runstate.FieldDialogState,
}

// checkContracts walks the enabled sequence proving every required input is
// a seed field, an always-present field, or guaranteed by an earlier stage.
// Bypass stages are excluded: they are entered from edges whose prefix the
// walk cannot see, so their contracts are enforced at runtime only.
func (e *Engine) checkContracts() error {
	available := make(map[runstate.Field]bool, len(seedFields))
	for _, f := range seedFields {
		available[f] = true
	}

	for _, name := range e.order {
		c := e.stages[name].Contract()
		for _, group := range [][]runstate.Field{c.Required, c.Optional, c.Guaranteed, c.Conditional} {
			for _, f := range group {
				if !runstate.KnownField(f) {
					return configErrorf("stage %q declares unknown field %q", name, f)
				}
			}
		}
		if !bypassStages[name] {
			for _, f := range c.Required {
				if !available[f] && !runstate.Always(f) {
					return configErrorf("stage %q requires %q which no earlier stage guarantees", name, f)
				}
			}
		}
		for _, f := range c.Guaranteed {
			available[f] = true
		}
	}
	return nil
}

// Run threads the state through the plan. The returned Result carries the
// final state and the stage trace; on error the trace covers the stages
// that completed.
func (e *Engine) Run(ctx context.Context, state *runstate.RunState) (*Result, error) {
	res := &Result{State: state}

	i := e.firstSequential(0)
	steps := 0
	for i >= 0 && i < len(e.order) {
		steps++
		if steps > e.maxSteps {
			return res, ErrMaxSteps
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		name := e.order[i]

		// Retrieval fan-out: vector and lexical legs run concurrently on
		// cloned projections and join before fusion. Updates apply in
		// canonical order so the merge is deterministic.
		if name == StageVectorSearch {
			if j, ok := e.pos[StageLexicalSearch]; ok {
				if err := e.runParallel(ctx, state, res, name, StageLexicalSearch); err != nil {
					return res, err
				}
				i = e.firstSequential(j + 1)
				continue
			}
		}

		update, d, err := e.runStage(ctx, name, state)
		if e.observer != nil {
			e.observer(name, d, err)
		}
		if err != nil {
			e.logger.Error("stage failed",
				zap.String("stage", name),
				zap.String("session_id", state.SessionID),
				zap.Error(err))
			return res, err
		}
		state.Apply(update)
		res.Trace = append(res.Trace, StageTrace{Stage: name, Duration: d})
		e.logger.Debug("stage complete",
			zap.String("stage", name),
			zap.Duration("duration", d),
			zap.String("session_id", state.SessionID))

		if target := nextEdge(name, state); target != "" {
			ti := e.jumpIndex(target)
			res.Trace[len(res.Trace)-1].Jump = target
			e.logger.Debug("conditional edge taken",
				zap.String("from", name),
				zap.String("to", target),
				zap.String("session_id", state.SessionID))
			i = ti
			continue
		}
		i = e.firstSequential(i + 1)
	}

	e.emit(ctx, state)
	return res, nil
}

// firstSequential returns the index of the first non-bypass enabled stage
// at or after i, or len(order) when the run is over.
func (e *Engine) firstSequential(i int) int {
	for ; i < len(e.order); i++ {
		if !bypassStages[e.order[i]] {
			return i
		}
	}
	return i
}

var canonIndex = func() map[string]int {
	m := make(map[string]int, len(canonicalOrder))
	for i, name := range canonicalOrder {
		m[name] = i
	}
	return m
}()

// jumpIndex resolves an edge target to an executable index. A disabled
// target resolves to the next enabled stage after its canonical position,
// so disabling a stage short-circuits edges through it.
func (e *Engine) jumpIndex(target string) int {
	if i, ok := e.pos[target]; ok {
		return i
	}
	canon, ok := canonIndex[target]
	if !ok {
		return len(e.order)
	}
	for i, name := range e.order {
		if canonIndex[name] > canon && !bypassStages[name] {
			return i
		}
	}
	return len(e.order)
}

func (e *Engine) stageTimeout(name string) time.Duration {
	if d, ok := e.timeouts[name]; ok {
		return d
	}
	return e.timeout
}

// runStage validates the stage's required inputs, projects the state to the
// declared fields, and executes with the configured timeout. Panics become
// internal stage errors.
func (e *Engine) runStage(ctx context.Context, name string, state *runstate.RunState) (update runstate.Update, d time.Duration, err error) {
	st := e.stages[name]
	c := st.Contract()
	for _, f := range c.Required {
		if !state.Has(f) {
			return runstate.Update{}, 0, &ContractError{Stage: name, Field: f}
		}
	}
	projection := state.Project(c.inputSet())

	runCtx := ctx
	cancel := func() {}
	if t := e.stageTimeout(name); t > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t)
	}
	defer cancel()

	start := time.Now()
	defer func() {
		d = time.Since(start)
		if r := recover(); r != nil {
			err = &StageError{Stage: name, Kind: KindInternal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	update, err = st.Execute(runCtx, projection)
	if err != nil {
		if ctx.Err() != nil {
			// The request itself was cancelled or timed out.
			return runstate.Update{}, time.Since(start), ctx.Err()
		}
		var ce *ContractError
		var se *StageError
		switch {
		case errors.As(err, &ce), errors.As(err, &se):
		case errors.Is(err, context.DeadlineExceeded):
			err = &StageError{Stage: name, Kind: KindTimeout, Err: err}
		default:
			err = &StageError{Stage: name, Kind: KindInternal, Err: err}
		}
		if degraded, ok := degradedUpdate(name); ok {
			e.logger.Warn("stage degraded to empty result",
				zap.String("stage", name),
				zap.Error(err))
			return degraded, time.Since(start), nil
		}
		return runstate.Update{}, time.Since(start), err
	}
	return update, time.Since(start), nil
}

// degradedUpdate returns the empty-leg substitute for stages whose failure
// must not fail the request. Either retrieval leg degrades to an empty list;
// fusion of two empty lists then yields empty docs and confidence 0
// downstream.
func degradedUpdate(name string) (runstate.Update, bool) {
	switch name {
	case StageVectorSearch:
		return runstate.Update{VectorResults: []runstate.ScoredDoc{}}, true
	case StageLexicalSearch:
		return runstate.Update{LexicalResults: []runstate.ScoredDoc{}}, true
	}
	return runstate.Update{}, false
}

// runParallel executes the named stages concurrently on projections of the
// same snapshot and applies their updates in the order given.
func (e *Engine) runParallel(ctx context.Context, state *runstate.RunState, res *Result, names ...string) error {
	updates := make([]runstate.Update, len(names))
	durations := make([]time.Duration, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for idx, name := range names {
		g.Go(func() error {
			u, d, err := e.runStage(gctx, name, state)
			if e.observer != nil {
				e.observer(name, d, err)
			}
			updates[idx], durations[idx] = u, d
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for idx, name := range names {
		state.Apply(updates[idx])
		res.Trace = append(res.Trace, StageTrace{Stage: name, Duration: durations[idx]})
	}
	return nil
}

// emit publishes the turn outcome. Escalations win over generated answers;
// a blocked turn emits nothing.
func (e *Engine) emit(ctx context.Context, s *runstate.RunState) {
	switch {
	case s.GuardrailsBlocked:
		return
	case s.Action == runstate.ActionHandoff || s.DialogState.IsEscalation():
		e.sink.Emit(ctx, events.New(events.TypeChatEscalated, map[string]any{
			"session_id":        s.SessionID,
			"user_id":           s.UserID,
			"question":          s.Question,
			"escalation_reason": s.EscalationReason,
			"dialog_state":      string(s.DialogState),
		}))
	case s.Answer != "":
		e.sink.Emit(ctx, events.New(events.TypeChatResponseGenerated, map[string]any{
			"session_id": s.SessionID,
			"user_id":    s.UserID,
			"question":   s.Question,
			"answer":     s.Answer,
			"confidence": s.Confidence,
			"category":   s.Category,
			"intent":     s.Intent,
			"cache_hit":  s.CacheHit,
		}))
	}
}
