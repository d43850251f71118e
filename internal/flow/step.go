package flow

import (
	"context"
	"errors"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// Step is one unit of information gathering, or the final effect of a stream.
//
// Steps hold no per-conversation fields. Satisfied is evaluated against the
// shared ConversationState, so a step that appears in several streams is
// satisfied in all of them at once.
type Step interface {
	// ExtractInfo returns the state delta carried by the event, or an empty
	// update when the event holds nothing for this step.
	ExtractInfo(ctx context.Context, state models.ConversationState, event models.InboundEvent) (models.StateUpdate, error)

	// Satisfied is a pure predicate over state. A step that is never
	// satisfied is terminal.
	Satisfied(state models.ConversationState) bool

	// Prompt emits responses on the turn and must call t.Done or t.Fail
	// exactly once, possibly from another goroutine. Returning an error is
	// the same as calling t.Fail.
	Prompt(t *Turn) error
}

var errNoPrompt = errors.New("step has no prompt")

// StepFuncs adapts plain functions to the Step interface.
// A nil ExtractInfoFunc extracts nothing; a nil SatisfiedFunc makes the step terminal.
type StepFuncs struct {
	ExtractInfoFunc func(ctx context.Context, state models.ConversationState, event models.InboundEvent) (models.StateUpdate, error)
	SatisfiedFunc   func(state models.ConversationState) bool
	PromptFunc      func(t *Turn) error
}

var _ Step = StepFuncs{}

func (s StepFuncs) ExtractInfo(ctx context.Context, state models.ConversationState, event models.InboundEvent) (models.StateUpdate, error) {
	if s.ExtractInfoFunc == nil {
		return nil, nil
	}
	return s.ExtractInfoFunc(ctx, state, event)
}

func (s StepFuncs) Satisfied(state models.ConversationState) bool {
	if s.SatisfiedFunc == nil {
		return false
	}
	return s.SatisfiedFunc(state)
}

func (s StepFuncs) Prompt(t *Turn) error {
	if s.PromptFunc == nil {
		return errNoPrompt
	}
	return s.PromptFunc(t)
}

// Terminal builds a step that is never satisfied; its prompt is the stream's final effect.
func Terminal(prompt func(t *Turn) error) Step {
	return StepFuncs{PromptFunc: prompt}
}

// RequireKeys returns a predicate satisfied when every key has a non-empty value.
func RequireKeys(keys ...string) func(models.ConversationState) bool {
	return func(state models.ConversationState) bool {
		for _, k := range keys {
			if !state.Has(k) {
				return false
			}
		}
		return true
	}
}
