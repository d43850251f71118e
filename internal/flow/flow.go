// Package flow implements the conversational flow engine.
//
// Integrators register Steps under identifiers, group them into named Streams
// and describe the whole conversation with a FlowSpec. On every inbound event
// the Engine picks a stream, walks its steps from the first one against the
// persisted ConversationState and prompts the first step that is not yet
// satisfied.
package flow

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Registry maps step identifiers to Step definitions. Streams reference steps
// by identifier, so one definition can appear in several streams.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register associates an identifier with a Step.
func (r *Registry) Register(id string, step Step) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty step id", ErrUnknownStep)
	}
	if step == nil {
		return fmt.Errorf("step %q is nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, id)
	}
	r.steps[id] = step
	slog.Debug("Registry Register", "step", id)
	return nil
}

// MustRegister is Register for static setup code; it panics on error.
func (r *Registry) MustRegister(id string, step Step) {
	if err := r.Register(id, step); err != nil {
		panic(err)
	}
}

// Get retrieves the Step for an identifier.
func (r *Registry) Get(id string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[id]
	return step, ok
}

// MustGet retrieves a Step and panics if it is not registered.
func (r *Registry) MustGet(id string) Step {
	step, ok := r.Get(id)
	if !ok {
		panic(fmt.Errorf("%w: %s", ErrUnknownStep, id))
	}
	return step
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.steps))
	for id := range r.steps {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
