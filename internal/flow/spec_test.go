package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/StepFlow/internal/models"
)

func TestFlowSpecClassify(t *testing.T) {
	spec := FlowSpec{
		Main:            "bookClass",
		Streams:         map[string]Stream{"bookClass": {Steps: []string{"x"}}, "getBookings": {Steps: []string{"x"}}},
		Classifications: map[string]string{"check": "getBookings", "restart": MainStream},
	}
	tests := []struct {
		intent string
		stream string
		ok     bool
	}{
		{"check", "getBookings", true},
		{"restart", "bookClass", true},
		{"", "", false},
		{"greeting", "", false},
	}
	for _, tt := range tests {
		stream, ok := spec.Classify(tt.intent)
		if stream != tt.stream || ok != tt.ok {
			t.Errorf("Classify(%q) = %q, %v; want %q, %v", tt.intent, stream, ok, tt.stream, tt.ok)
		}
	}
}

func TestFlowSpecValidate(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("x", Terminal(func(t *Turn) error { t.Done(); return nil }))

	valid := FlowSpec{Main: "m", Streams: map[string]Stream{"m": {Steps: []string{"x"}}}}
	if err := valid.Validate(reg); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	tests := []struct {
		name string
		spec FlowSpec
		want error
	}{
		{"missing main", FlowSpec{Main: "nope", Streams: map[string]Stream{"m": {Steps: []string{"x"}}}}, ErrUnknownStream},
		{"unknown step", FlowSpec{Main: "m", Streams: map[string]Stream{"m": {Steps: []string{"y"}}}}, ErrUnknownStep},
		{"bad classification", FlowSpec{Main: "m", Streams: map[string]Stream{"m": {Steps: []string{"x"}}}, Classifications: map[string]string{"i": "zzz"}}, ErrUnknownStream},
		{"empty stream", FlowSpec{Main: "m", Streams: map[string]Stream{"m": {}}}, ErrInvalidFlowSpec},
		{"no main", FlowSpec{Streams: map[string]Stream{"m": {Steps: []string{"x"}}}}, ErrInvalidFlowSpec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate(reg)
			if !errors.Is(err, tt.want) || !errors.Is(err, ErrInvalidFlowSpec) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := NewEngine(tests[1].spec, reg, nil); err == nil {
		t.Error("NewEngine should reject an invalid spec")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	step := Terminal(func(t *Turn) error { t.Done(); return nil })
	if err := reg.Register("b", step); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("b", step); !errors.Is(err, ErrDuplicateStep) {
		t.Errorf("expected ErrDuplicateStep, got %v", err)
	}
	if err := reg.Register(" ", step); err == nil {
		t.Error("expected error for empty id")
	}
	reg.MustRegister("a", step)
	if ids := reg.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("IDs() = %v", ids)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get should miss unknown ids")
	}
	defer func() {
		if recover() == nil {
			t.Error("MustGet should panic for unknown ids")
		}
	}()
	reg.MustGet("missing")
}

func TestStepFuncsDefaults(t *testing.T) {
	var s StepFuncs
	if s.Satisfied(models.ConversationState{"a": 1}) {
		t.Error("a step without a predicate is terminal")
	}
	update, err := s.ExtractInfo(context.Background(), nil, models.InboundEvent{})
	if err != nil || !update.Empty() {
		t.Errorf("a step without an extractor extracts nothing, got %v, %v", update, err)
	}
	if err := s.Prompt(nil); err == nil {
		t.Error("a step without a prompt must fail when prompted")
	}
}

func TestRequireKeys(t *testing.T) {
	pred := RequireKeys("firstName", "lastName")
	if pred(models.ConversationState{"firstName": "Ada"}) {
		t.Error("predicate satisfied with a missing key")
	}
	if pred(models.ConversationState{"firstName": "Ada", "lastName": ""}) {
		t.Error("empty strings do not satisfy")
	}
	if !pred(models.ConversationState{"firstName": "Ada", "lastName": "L"}) {
		t.Error("predicate should be satisfied")
	}
}
