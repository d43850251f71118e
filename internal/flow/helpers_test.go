package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/store"
)

// recordingSink collects delivered results.
type recordingSink struct {
	mu      sync.Mutex
	results []models.TurnResult
}

func (s *recordingSink) Deliver(ctx context.Context, result models.TurnResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *recordingSink) all() []models.TurnResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TurnResult(nil), s.results...)
}

// keyStep is satisfied once key is set and extracts key from postback data.
func keyStep(key string, prompts *counter) Step {
	return StepFuncs{
		ExtractInfoFunc: func(ctx context.Context, state models.ConversationState, event models.InboundEvent) (models.StateUpdate, error) {
			if v, ok := event.PostbackData()[key]; ok {
				return models.StateUpdate{key: v}, nil
			}
			return nil, nil
		},
		SatisfiedFunc: RequireKeys(key),
		PromptFunc: func(t *Turn) error {
			prompts.inc(key)
			if err := t.AddResponse("prompt/"+key, nil); err != nil {
				return err
			}
			t.Done()
			return nil
		},
	}
}

// counter counts calls per key.
type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func newCounter() *counter { return &counter{n: make(map[string]int)} }

func (c *counter) inc(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[key]++
}

func (c *counter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[key]
}

func newTestEngine(t *testing.T, spec FlowSpec, reg *Registry, opts ...EngineOption) (*Engine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	e, err := NewEngine(spec, reg, st, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e, st
}

func handle(t *testing.T, e *Engine, event models.InboundEvent) *models.TurnResult {
	t.Helper()
	res, err := e.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	return res
}

func postback(conv string, data map[string]any) models.InboundEvent {
	return models.InboundEvent{ConversationID: conv, Postback: &models.Postback{Data: data}}
}

func assertPrompted(t *testing.T, res *models.TurnResult, step, key string) {
	t.Helper()
	if res.Outcome != models.TurnOutcomePrompted {
		t.Fatalf("expected prompted outcome, got %s (%s)", res.Outcome, res.Error)
	}
	if res.Step != step {
		t.Errorf("expected step %q to prompt, got %q", step, res.Step)
	}
	if len(res.Responses) == 0 || res.Responses[0].ResponseKey != key {
		t.Errorf("expected response %q, got %+v", key, res.Responses)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
