package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/nlu"
	"github.com/BTreeMap/StepFlow/internal/store"
	"github.com/google/uuid"
)

// DefaultPromptTimeout bounds how long a prompt may take to signal completion.
const DefaultPromptTimeout = 30 * time.Second

// DefaultAbandonedPromptGrace bounds how long a prompt that outlived its turn
// keeps the conversation locked.
const DefaultAbandonedPromptGrace = 2 * time.Minute

// ResultSink receives exactly one result per completed turn.
type ResultSink interface {
	Deliver(ctx context.Context, result models.TurnResult) error
}

// EngineOpts holds optional collaborators and policies for an Engine.
type EngineOpts struct {
	Sink          ResultSink
	Dedup         store.DedupRepo
	Classifier    nlu.Classifier
	PromptTimeout time.Duration
	PromptGrace   time.Duration
	Fallback      *models.OutboundResponse
	Now           func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*EngineOpts)

// WithDeliverySink sets where turn results are handed off.
func WithDeliverySink(sink ResultSink) EngineOption {
	return func(o *EngineOpts) { o.Sink = sink }
}

// WithDedupRepo drops inbound events whose MessageID was already seen.
func WithDedupRepo(repo store.DedupRepo) EngineOption {
	return func(o *EngineOpts) { o.Dedup = repo }
}

// WithIntentClassifier classifies events that carry text but no intent.
func WithIntentClassifier(c nlu.Classifier) EngineOption {
	return func(o *EngineOpts) { o.Classifier = c }
}

// WithPromptTimeout overrides DefaultPromptTimeout.
func WithPromptTimeout(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.PromptTimeout = d }
}

// WithAbandonedPromptGrace overrides DefaultAbandonedPromptGrace. After a
// prompt timeout the next turn of that conversation waits for the old prompt
// to return and signal, but no longer than d.
func WithAbandonedPromptGrace(d time.Duration) EngineOption {
	return func(o *EngineOpts) { o.PromptGrace = d }
}

// WithFallbackResponse sets the response delivered when a turn fails.
// Without it failed turns are silent.
func WithFallbackResponse(resp models.OutboundResponse) EngineOption {
	return func(o *EngineOpts) { o.Fallback = &resp }
}

// WithClock overrides time.Now for result timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(o *EngineOpts) { o.Now = now }
}

// Engine runs turns for a FlowSpec.
type Engine struct {
	spec     FlowSpec
	registry *Registry
	states   StateManager
	locks    *keyedLock
	opts     EngineOpts
}

// NewEngine validates spec against registry and builds an engine over st.
func NewEngine(spec FlowSpec, registry *Registry, st store.ConversationStore, opts ...EngineOption) (*Engine, error) {
	return NewEngineWithStateManager(spec, registry, NewStoreBasedStateManager(st), opts...)
}

// NewEngineWithStateManager is NewEngine for callers that supply their own StateManager.
func NewEngineWithStateManager(spec FlowSpec, registry *Registry, states StateManager, opts ...EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if states == nil {
		return nil, errors.New("state manager is nil")
	}
	if err := spec.Validate(registry); err != nil {
		return nil, err
	}
	cfg := EngineOpts{PromptTimeout: DefaultPromptTimeout, PromptGrace: DefaultAbandonedPromptGrace, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = DefaultPromptTimeout
	}
	if cfg.PromptGrace <= 0 {
		cfg.PromptGrace = DefaultAbandonedPromptGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	slog.Debug("NewEngine: engine created", "main", spec.Main, "streams", len(spec.Streams), "promptTimeout", cfg.PromptTimeout)
	return &Engine{spec: spec, registry: registry, states: states, locks: newKeyedLock(), opts: cfg}, nil
}

// Spec returns the engine's FlowSpec.
func (e *Engine) Spec() FlowSpec { return e.spec }

// Conversation returns the persisted record for a conversation.
func (e *Engine) Conversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	return e.states.Load(ctx, conversationID)
}

// ResetConversation clears a conversation once no turn for it is in flight.
func (e *Engine) ResetConversation(ctx context.Context, conversationID string) error {
	release, err := e.locks.Acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()
	return e.states.ResetConversation(ctx, conversationID)
}

// HandleEvent runs one turn. Turns for the same conversation are serialized;
// ctx only bounds the wait for that serialization, not the turn itself.
//
// The returned error is non-nil for invalid events, abandoned waits and failed
// turns. A failed turn also returns its result, which describes any fallback
// that was delivered.
func (e *Engine) HandleEvent(ctx context.Context, event models.InboundEvent) (*models.TurnResult, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	release, err := e.locks.Acquire(ctx, event.ConversationID)
	if err != nil {
		slog.Warn("Engine HandleEvent: gave up waiting for conversation", "conversationID", event.ConversationID, "error", err)
		return nil, err
	}

	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = e.opts.Now()
	}
	r := &turnRun{
		engine:  e,
		ctx:     context.WithoutCancel(ctx),
		event:   event,
		release: release,
		result: &models.TurnResult{
			TurnID:         uuid.NewString(),
			ConversationID: event.ConversationID,
			Invocation:     event.Invocation,
		},
	}
	defer func() {
		if !r.lockHandedOff {
			release()
		}
	}()
	return r.run()
}

// turnRun carries one turn through the engine.
type turnRun struct {
	engine *Engine
	ctx    context.Context
	event  models.InboundEvent
	conv   *models.Conversation
	result *models.TurnResult

	// release frees the conversation lock. A prompt still running when its
	// turn is sealed takes it over.
	release       func()
	lockHandedOff bool
}

func (r *turnRun) run() (res *models.TurnResult, err error) {
	e := r.engine
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Engine HandleEvent: turn panicked", "turnID", r.result.TurnID, "panic", p, "stack", string(debug.Stack()))
			res, err = r.fail(fmt.Errorf("turn panicked: %v", p))
		}
	}()

	if e.opts.Dedup != nil && r.event.MessageID != "" {
		fresh, err := e.opts.Dedup.RecordInbound(r.ctx, r.event.MessageID, r.event.ConversationID)
		if err != nil {
			slog.Warn("Engine HandleEvent: dedup check failed, processing anyway", "messageID", r.event.MessageID, "error", err)
		} else if !fresh {
			slog.Info("Engine HandleEvent: duplicate message ignored", "messageID", r.event.MessageID, "conversationID", r.event.ConversationID)
			r.result.Outcome = models.TurnOutcomeDuplicate
			r.result.CompletedAt = e.opts.Now()
			return r.result, nil
		}
		defer r.settleDedup()
	}

	conv, err := e.states.Load(r.ctx, r.event.ConversationID)
	if err != nil {
		return r.fail(err)
	}
	r.conv = conv
	r.result.State = conv.State
	r.result.Expectation = conv.Expectation

	r.classify()
	r.resolveReply()

	stream, expectation := r.resolveStream()
	r.result.Stream = stream.Name
	slog.Debug("Engine HandleEvent: stream resolved", "turnID", r.result.TurnID, "conversationID", r.event.ConversationID,
		"stream", stream.Name, "intent", r.event.RecognizedIntent, "postback", r.event.Postback != nil)

	state := conv.State
	for _, id := range stream.Steps {
		step, ok := e.registry.Get(id)
		if !ok {
			return r.fail(fmt.Errorf("%w: %s", ErrUnknownStep, id))
		}

		update := r.extract(id, step, state)
		if !update.Empty() {
			state, err = e.states.MergeState(r.ctx, r.event.ConversationID, update)
			if err != nil {
				return r.fail(err)
			}
			r.result.State = state
		}

		if step.Satisfied(state) {
			slog.Debug("Engine HandleEvent: step satisfied", "turnID", r.result.TurnID, "step", id)
			continue
		}
		return r.prompt(stream.Name, id, step, state, expectation)
	}

	slog.Info("Engine HandleEvent: stream exhausted", "turnID", r.result.TurnID, "conversationID", r.event.ConversationID, "stream", stream.Name)
	conv, err = e.states.CommitTurn(r.ctx, r.event.ConversationID, expectation, nil)
	if err != nil {
		return r.fail(err)
	}
	r.result.Outcome = models.TurnOutcomeExhausted
	return r.complete(conv)
}

// settleDedup marks the message processed, or forgets it when the turn failed
// so a redelivery runs the turn again. An unset outcome means the turn is
// unwinding from a panic.
func (r *turnRun) settleDedup() {
	dedup, id := r.engine.opts.Dedup, r.event.MessageID
	if r.result.Outcome == models.TurnOutcomeFailed || r.result.Outcome == "" {
		if err := dedup.ForgetInbound(r.ctx, id); err != nil {
			slog.Warn("Engine HandleEvent: forget failed message failed", "messageID", id, "error", err)
		}
		return
	}
	if err := dedup.MarkProcessed(r.ctx, id); err != nil {
		slog.Warn("Engine HandleEvent: mark processed failed", "messageID", id, "error", err)
	}
}

// classify fills in the intent and entities of free-text events.
func (r *turnRun) classify() {
	c := r.engine.opts.Classifier
	if c == nil || r.event.RecognizedIntent != "" || strings.TrimSpace(r.event.Text) == "" {
		return
	}
	var hints []string
	if r.conv.Expectation != nil {
		hints = r.conv.Expectation.Accepts
	}
	res, err := c.Classify(r.ctx, r.event.Text, hints)
	if err != nil {
		slog.Warn("Engine HandleEvent: classification failed, treating as unclassified", "turnID", r.result.TurnID, "error", err)
		return
	}
	r.event.RecognizedIntent = res.Intent
	r.event.Entities = slices.Clone(r.event.Entities)
	for _, ent := range res.Entities {
		if _, ok := r.event.FirstEntityWithRole(ent.Role); !ok {
			r.event.Entities = append(r.event.Entities, ent)
		}
	}
}

// resolveReply turns "2" or an option's label into the postback of a pending reply.
func (r *turnRun) resolveReply() {
	if r.event.Postback != nil || len(r.conv.PendingReplies) == 0 {
		return
	}
	text := strings.TrimSpace(r.event.Text)
	if text == "" {
		return
	}
	replies := r.conv.PendingReplies
	if n, err := strconv.Atoi(text); err == nil {
		if n >= 1 && n <= len(replies) {
			r.event.Postback = replies[n-1].Postback()
		}
		return
	}
	for _, opt := range replies {
		if strings.EqualFold(opt.Label, text) {
			r.event.Postback = opt.Postback()
			return
		}
	}
}

// resolveStream picks the active stream: classification override, then the
// selected reply option's stream, then the expectation, then main. It returns
// the expectation the turn starts with.
func (r *turnRun) resolveStream() (Stream, *models.Expectation) {
	spec := &r.engine.spec
	exp := cloneExpectation(r.conv.Expectation)

	name := ""
	if override, ok := spec.Classify(r.event.RecognizedIntent); ok {
		name = override
		if exp != nil && exp.Stream != name {
			slog.Debug("Engine HandleEvent: classification overrides expectation", "intent", r.event.RecognizedIntent, "expected", exp.Stream, "stream", name)
			exp = nil
		}
	} else if r.event.Postback != nil && r.event.Postback.Stream != "" {
		name = r.event.Postback.Stream
	} else if exp != nil && exp.Stream != "" {
		name = exp.Stream
	}

	if name != "" {
		if st, ok := spec.Stream(name); ok {
			return st, exp
		}
		slog.Warn("Engine HandleEvent: unknown stream, using main", "error", ErrUnknownStream, "stream", name)
		if exp != nil && exp.Stream == name {
			exp = nil
		}
	}
	st, _ := spec.Stream(spec.Main)
	return st, exp
}

// extract runs ExtractInfo, degrading errors and panics to an empty update.
func (r *turnRun) extract(id string, step Step, state models.ConversationState) (update models.StateUpdate) {
	defer func() {
		if p := recover(); p != nil {
			slog.Warn("Engine HandleEvent: extraction panicked", "turnID", r.result.TurnID, "step", id,
				"error", ExtractionError(id, fmt.Errorf("panic: %v", p)))
			update = nil
		}
	}()
	update, err := step.ExtractInfo(r.ctx, state.Clone(), r.event)
	if err != nil {
		if !errors.Is(err, ErrExtraction) {
			err = ExtractionError(id, err)
		}
		slog.Warn("Engine HandleEvent: extraction failed, continuing", "turnID", r.result.TurnID, "step", id, "error", err)
		return nil
	}
	return update
}

// prompt runs the step's Prompt and waits for its completion signal.
func (r *turnRun) prompt(stream, id string, step Step, state models.ConversationState, exp *models.Expectation) (*models.TurnResult, error) {
	e := r.engine
	r.result.Step = id
	slog.Debug("Engine HandleEvent: prompting step", "turnID", r.result.TurnID, "conversationID", r.event.ConversationID, "stream", stream, "step", id)

	promptCtx, cancel := context.WithTimeout(r.ctx, e.opts.PromptTimeout)
	defer cancel()
	turn := newTurn(promptCtx, r.result.TurnID, stream, id, r.event, state, exp, e.states)

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		defer func() {
			if p := recover(); p != nil {
				slog.Error("Engine HandleEvent: prompt panicked", "turnID", r.result.TurnID, "step", id, "panic", p, "stack", string(debug.Stack()))
				turn.Fail(fmt.Errorf("step %s prompt panicked: %v", id, p))
			}
		}()
		if err := step.Prompt(turn); err != nil {
			turn.Fail(err)
		}
	}()

	select {
	case <-turn.done:
	case <-promptCtx.Done():
	}
	out := turn.seal()
	r.result.State = out.state
	if out.resolved {
		r.holdLockUntil(id, returned)
	} else {
		r.holdLockUntil(id, returned, turn.late)
	}

	if !out.resolved {
		return r.fail(fmt.Errorf("%w: step %s after %s", ErrPromptTimeout, id, e.opts.PromptTimeout))
	}
	if out.err != nil {
		return r.fail(fmt.Errorf("step %s: %w", id, out.err))
	}

	conv, err := e.states.CommitTurn(r.ctx, r.event.ConversationID, out.expectation, pendingReplies(out.responses))
	if err != nil {
		return r.fail(err)
	}
	r.result.Outcome = models.TurnOutcomePrompted
	r.result.Responses = out.responses
	return r.complete(conv)
}

// holdLockUntil keeps the conversation locked until every channel is closed,
// so a prompt that outlived its turn never overlaps the next one. The wait is
// bounded by the engine's abandoned prompt grace.
func (r *turnRun) holdLockUntil(step string, pending ...<-chan struct{}) {
	if allClosed(pending) {
		return
	}
	r.lockHandedOff = true
	release, grace := r.release, r.engine.opts.PromptGrace
	turnID, convID := r.result.TurnID, r.event.ConversationID
	slog.Warn("Engine HandleEvent: prompt still running after turn ended, holding conversation", "turnID", turnID, "conversationID", convID, "step", step)
	go func() {
		defer release()
		timer := time.NewTimer(grace)
		defer timer.Stop()
		for _, ch := range pending {
			select {
			case <-ch:
			case <-timer.C:
				slog.Error("Engine HandleEvent: abandoned prompt exceeded grace, releasing conversation", "turnID", turnID, "conversationID", convID, "step", step, "grace", grace)
				return
			}
		}
		slog.Debug("Engine HandleEvent: abandoned prompt finished", "turnID", turnID, "conversationID", convID, "step", step)
	}()
}

func allClosed(chs []<-chan struct{}) bool {
	for _, ch := range chs {
		select {
		case <-ch:
		default:
			return false
		}
	}
	return true
}

// complete records the committed conversation and hands the result off.
func (r *turnRun) complete(conv *models.Conversation) (*models.TurnResult, error) {
	r.result.State = conv.State
	r.result.Expectation = conv.Expectation
	r.result.CompletedAt = r.engine.opts.Now()
	slog.Info("Engine HandleEvent: turn completed", "turnID", r.result.TurnID, "conversationID", r.result.ConversationID,
		"stream", r.result.Stream, "step", r.result.Step, "outcome", r.result.Outcome, "responses", len(r.result.Responses))
	r.deliver()
	return r.result, nil
}

// fail turns an error into a failed result. Expectation and pending replies
// are left as they were.
func (r *turnRun) fail(err error) (*models.TurnResult, error) {
	slog.Error("Engine HandleEvent: turn failed", "turnID", r.result.TurnID, "conversationID", r.result.ConversationID,
		"stream", r.result.Stream, "step", r.result.Step, "error", err)
	r.result.Outcome = models.TurnOutcomeFailed
	r.result.Error = err.Error()
	r.result.Responses = nil
	if fb := r.engine.opts.Fallback; fb != nil {
		r.result.Responses = []models.OutboundResponse{*fb}
	}
	if r.conv != nil {
		r.result.Expectation = r.conv.Expectation
	}
	r.result.CompletedAt = r.engine.opts.Now()
	r.deliver()
	return r.result, err
}

func (r *turnRun) deliver() {
	sink := r.engine.opts.Sink
	if sink == nil || !r.result.Deliverable() {
		return
	}
	if err := sink.Deliver(r.ctx, *r.result); err != nil {
		slog.Error("Engine HandleEvent: delivery failed", "turnID", r.result.TurnID, "conversationID", r.result.ConversationID, "error", err)
	}
}
