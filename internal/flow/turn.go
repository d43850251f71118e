package flow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// Turn is the handle a step's Prompt works through. It is valid for one
// turn only: once the engine seals it, state updates and responses are
// rejected and late completion signals are ignored.
type Turn struct {
	ctx    context.Context
	id     string
	convID string
	stream string
	step   string
	event  models.InboundEvent
	states StateManager

	mu          sync.Mutex
	state       models.ConversationState
	responses   []models.OutboundResponse
	expectation *models.Expectation
	sealed      bool
	resolved    bool
	err         error
	done        chan struct{}

	// late is closed by the first completion signal after sealing.
	late         chan struct{}
	lateSignaled bool
}

// turnOutcome is what the engine reads from a sealed turn.
type turnOutcome struct {
	resolved    bool
	err         error
	state       models.ConversationState
	responses   []models.OutboundResponse
	expectation *models.Expectation
}

func newTurn(ctx context.Context, id, stream, step string, event models.InboundEvent, state models.ConversationState, exp *models.Expectation, states StateManager) *Turn {
	return &Turn{
		ctx:         ctx,
		id:          id,
		convID:      event.ConversationID,
		stream:      stream,
		step:        step,
		event:       event,
		states:      states,
		state:       state.Clone(),
		expectation: cloneExpectation(exp),
		done:        make(chan struct{}),
		late:        make(chan struct{}),
	}
}

// Context bounds collaborator calls made by the prompt. It expires with the
// engine's prompt timeout.
func (t *Turn) Context() context.Context { return t.ctx }

// ID returns the turn identifier.
func (t *Turn) ID() string { return t.id }

// ConversationID returns the conversation this turn belongs to.
func (t *Turn) ConversationID() string { return t.convID }

// Stream returns the name of the active stream.
func (t *Turn) Stream() string { return t.stream }

// StepID returns the identifier of the prompting step.
func (t *Turn) StepID() string { return t.step }

// Event returns the inbound event being processed.
func (t *Turn) Event() models.InboundEvent { return t.event }

// PostbackData returns the data of the selected ReplyOption, if any.
func (t *Turn) PostbackData() map[string]any { return t.event.PostbackData() }

// FirstEntityWithRole returns the first entity of the event with the given role.
func (t *Turn) FirstEntityWithRole(role string) (string, bool) {
	return t.event.FirstEntityWithRole(role)
}

// State returns a copy of the current conversation state.
func (t *Turn) State() models.ConversationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// UpdateState merges update into the persisted state.
func (t *Turn) UpdateState(update models.StateUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return ErrTurnClosed
	}
	if update.Empty() {
		return nil
	}
	state, err := t.states.MergeState(t.ctx, t.convID, update)
	if err != nil {
		return err
	}
	t.state = state
	return nil
}

// AddResponse queues an outbound response.
func (t *Turn) AddResponse(key string, entities map[string]any) error {
	return t.AddResponseWithReplies(key, entities, nil)
}

// AddResponseWithReplies queues an outbound response offering reply options.
func (t *Turn) AddResponseWithReplies(key string, entities map[string]any, replies []models.ReplyOption) error {
	resp := models.OutboundResponse{ResponseKey: key, Entities: maps.Clone(entities)}
	for _, r := range replies {
		resp.ReplyOptions = append(resp.ReplyOptions, r.Clone())
	}
	if err := resp.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return ErrTurnClosed
	}
	t.responses = append(t.responses, resp)
	return nil
}

// MakeReplyOption builds a reply option. An empty stream keeps the stream
// selection of the next turn unchanged.
func (t *Turn) MakeReplyOption(label, stream string, data map[string]any) models.ReplyOption {
	return models.ReplyOption{Label: label, Stream: stream, Data: maps.Clone(data)}
}

// Expect records which stream the next turn resumes into, and optionally which
// intents it expects.
func (t *Turn) Expect(stream string, accepts ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		slog.Warn("Turn Expect: turn already sealed, ignoring", "turnID", t.id, "stream", stream)
		return
	}
	t.expectation = &models.Expectation{Stream: stream, Accepts: slices.Clone(accepts)}
}

// ClearExpectation removes the expectation.
func (t *Turn) ClearExpectation() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		slog.Warn("Turn ClearExpectation: turn already sealed, ignoring", "turnID", t.id)
		return
	}
	t.expectation = nil
}

// Done signals that the prompt finished successfully.
func (t *Turn) Done() {
	t.resolve(nil)
}

// Fail signals that the prompt could not finish.
func (t *Turn) Fail(err error) {
	if err == nil {
		err = fmt.Errorf("step %s failed without an error", t.step)
	}
	t.resolve(err)
}

func (t *Turn) resolve(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		slog.Warn("Turn resolve: completion already signaled, ignoring", "turnID", t.id, "step", t.step, "error", err)
		return
	}
	if t.sealed {
		slog.Warn("Turn resolve: completion after turn was sealed, ignoring", "turnID", t.id, "step", t.step, "error", err)
		if !t.lateSignaled {
			t.lateSignaled = true
			close(t.late)
		}
		return
	}
	t.resolved = true
	t.err = err
	close(t.done)
}

// seal closes the turn to further changes and reports how it ended.
func (t *Turn) seal() turnOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
	return turnOutcome{
		resolved:    t.resolved,
		err:         t.err,
		state:       t.state.Clone(),
		responses:   slices.Clone(t.responses),
		expectation: cloneExpectation(t.expectation),
	}
}

// pendingReplies collects the reply options offered by a set of responses.
func pendingReplies(responses []models.OutboundResponse) []models.ReplyOption {
	var out []models.ReplyOption
	for _, r := range responses {
		for _, opt := range r.ReplyOptions {
			out = append(out, opt.Clone())
		}
	}
	return out
}

func cloneExpectation(exp *models.Expectation) *models.Expectation {
	if exp == nil {
		return nil
	}
	out := *exp
	out.Accepts = slices.Clone(exp.Accepts)
	return &out
}
