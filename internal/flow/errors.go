package flow

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/StepFlow/internal/store"
)

var (
	// ErrExtraction marks a step that could not read the inbound event.
	// The engine degrades it to an empty update.
	ErrExtraction = errors.New("extraction error")
	// ErrExternalLookup marks a failed collaborator call inside a prompt.
	ErrExternalLookup = errors.New("external lookup error")
	// ErrStateStore marks a failed read or merge of conversation state.
	ErrStateStore = store.ErrStateStore
	// ErrPromptTimeout is reported when a prompt does not signal completion in time.
	ErrPromptTimeout = errors.New("prompt did not signal completion in time")
	// ErrTurnClosed is returned for turn operations after the turn was sealed.
	ErrTurnClosed = errors.New("turn is closed")
	// ErrUnknownStream is returned for stream names absent from the FlowSpec.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrUnknownStep is returned for step identifiers absent from the Registry.
	ErrUnknownStep = errors.New("unknown step")
	// ErrDuplicateStep is returned when an identifier is registered twice.
	ErrDuplicateStep = errors.New("step already registered")
	// ErrInvalidFlowSpec wraps FlowSpec validation problems.
	ErrInvalidFlowSpec = errors.New("invalid flow spec")
)

// LookupError wraps a collaborator failure as an ErrExternalLookup.
func LookupError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternalLookup, op, err)
}

// ExtractionError wraps a malformed-payload problem as an ErrExtraction.
func ExtractionError(step string, err error) error {
	return fmt.Errorf("%w: step %s: %w", ErrExtraction, step, err)
}
