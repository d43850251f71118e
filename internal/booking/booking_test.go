package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/StepFlow/internal/flow"
	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/nlu"
	"github.com/BTreeMap/StepFlow/internal/scheduling"
	"github.com/BTreeMap/StepFlow/internal/store"
	"github.com/BTreeMap/StepFlow/internal/testutil"
)

var testNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *flow.Engine
	store   *store.InMemoryStore
	backend *scheduling.StaticBackend
	sink    *testutil.CaptureSink
}

func newFixture(t *testing.T, opts ...flow.EngineOption) *fixture {
	t.Helper()
	backend := scheduling.NewStaticBackend(
		[]scheduling.AppointmentType{
			{ID: 1, Name: "Yoga", Type: scheduling.TypeClass},
			{ID: 2, Name: "Private Pilates", Type: scheduling.TypeClass, Private: true},
			{ID: 3, Name: "Consultation", Type: scheduling.TypeService},
		},
		[]scheduling.ClassSession{
			{Time: "2024-03-04T18:30:00-0500", AppointmentTypeID: 1},
			{Time: "2024-03-11T18:30:00-0500", AppointmentTypeID: 1},
		},
	)
	spec, reg, err := NewFlow(WithBackend(backend), WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	st := store.NewInMemoryStore()
	sink := &testutil.CaptureSink{}
	opts = append([]flow.EngineOption{flow.WithDeliverySink(sink), flow.WithPromptTimeout(2 * time.Second)}, opts...)
	engine, err := flow.NewEngine(spec, reg, st, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &fixture{engine: engine, store: st, backend: backend, sink: sink}
}

func (f *fixture) handle(t *testing.T, ev models.InboundEvent) *models.TurnResult {
	t.Helper()
	if ev.ConversationID == "" {
		ev.ConversationID = "conv-1"
	}
	res, err := f.engine.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	return res
}

func (f *fixture) state(t *testing.T) models.ConversationState {
	t.Helper()
	conv, err := f.store.GetConversation(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	return conv.State
}

func assertResponse(t *testing.T, res *models.TurnResult, key string) models.OutboundResponse {
	t.Helper()
	if res.Outcome != models.TurnOutcomePrompted {
		t.Fatalf("Outcome = %s (error %q), want prompted", res.Outcome, res.Error)
	}
	if len(res.Responses) != 1 || res.Responses[0].ResponseKey != key {
		t.Fatalf("Responses = %+v, want one %s", res.Responses, key)
	}
	return res.Responses[0]
}

func TestNewFlowRequiresBackend(t *testing.T) {
	if _, _, err := NewFlow(); err == nil {
		t.Fatal("expected error without backend")
	}
}

func TestNewFlowSpecShape(t *testing.T) {
	spec, reg, err := NewFlow(WithBackend(scheduling.NewStaticBackend(nil, nil)))
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	if spec.Main != StreamBookClass {
		t.Errorf("Main = %s", spec.Main)
	}
	if got, ok := spec.Classify(IntentCheck); !ok || got != StreamGetBookings {
		t.Errorf("Classify(check) = %s, %v", got, ok)
	}
	if len(reg.IDs()) != 6 {
		t.Errorf("registered steps = %v", reg.IDs())
	}
}

func TestFullBookingThenRestart(t *testing.T) {
	f := newFixture(t)

	res := f.handle(t, models.InboundEvent{Text: "hi"})
	resp := assertResponse(t, res, ResponsePromptType)
	if len(resp.ReplyOptions) != 1 || resp.ReplyOptions[0].Label != "Yoga" {
		t.Fatalf("type replies = %+v", resp.ReplyOptions)
	}
	if resp.ReplyOptions[0].Stream != StreamBookClass || resp.ReplyOptions[0].Data[KeyAppointmentTypeID] != "1" {
		t.Errorf("reply option = %+v", resp.ReplyOptions[0])
	}

	res = f.handle(t, models.InboundEvent{Postback: resp.ReplyOptions[0].Postback()})
	resp = assertResponse(t, res, ResponsePromptDatetime)
	if len(resp.ReplyOptions) != 2 || resp.ReplyOptions[0].Label != "Mar 4, 6:30pm" {
		t.Fatalf("datetime replies = %+v", resp.ReplyOptions)
	}

	// Typed option number resolves against the offered replies.
	res = f.handle(t, models.InboundEvent{Text: "1"})
	assertResponse(t, res, ResponsePromptName)
	if got := f.state(t).String(KeyDatetime); got != "2024-03-04T18:30:00-0500" {
		t.Errorf("datetime = %q", got)
	}

	res = f.handle(t, models.InboundEvent{Entities: []models.Entity{
		{Role: "firstName", Value: "Ada"}, {Role: "lastName", Value: "Lovelace"},
	}})
	assertResponse(t, res, ResponsePromptEmail)
	if res.Expectation != nil {
		t.Errorf("booking stream should not set an expectation, got %+v", res.Expectation)
	}

	res = f.handle(t, models.InboundEvent{Entities: []models.Entity{{Role: "email/email", Value: "ada@example.com"}}})
	resp = assertResponse(t, res, ResponseConfirmation)
	if resp.Entities["type"] != "Yoga" || resp.Entities["datetime"] != "Mar 4, 6:30pm" {
		t.Errorf("confirmation entities = %+v", resp.Entities)
	}

	booked := f.backend.Appointments()
	if len(booked) != 1 || booked[0].Email != "ada@example.com" || booked[0].FirstName != "Ada" {
		t.Fatalf("booked = %+v", booked)
	}
	state := f.state(t)
	if state.Has(KeyAppointmentTypeID) || state.Has(KeyDatetime) {
		t.Errorf("class selection not cleared: %v", state)
	}
	if state.String(KeyEmail) != "ada@example.com" || state.String(KeyFirstName) != "Ada" {
		t.Errorf("identity lost: %v", state)
	}

	// A later unrelated message starts a new booking from the first step.
	res = f.handle(t, models.InboundEvent{Text: "hello again"})
	assertResponse(t, res, ResponsePromptType)
	if len(f.backend.Appointments()) != 1 {
		t.Error("terminal step ran more than once")
	}
	if f.sink.Count() != 6 {
		t.Errorf("delivered %d results, want 6", f.sink.Count())
	}
}

func TestSenderProfileSuppliesName(t *testing.T) {
	f := newFixture(t)
	if _, err := store.MergeState(context.Background(), f.store, "conv-1", models.StateUpdate{
		KeyAppointmentTypeID: "1", KeyDatetime: "2024-03-04T18:30:00-0500",
	}); err != nil {
		t.Fatalf("MergeState: %v", err)
	}
	res := f.handle(t, models.InboundEvent{Text: "ok", Sender: &models.SenderProfile{FirstName: "Grace", LastName: "Hopper"}})
	assertResponse(t, res, ResponsePromptEmail)
	if got := f.state(t).String(KeyLastName); got != "Hopper" {
		t.Errorf("lastName = %q", got)
	}
}

func TestTypedNameCompletesPartialSenderProfile(t *testing.T) {
	f := newFixture(t, flow.WithIntentClassifier(nlu.NewRuleClassifier(IntentRules()...)))
	sender := &models.SenderProfile{FirstName: "Jane"}
	say := func(text string) *models.TurnResult {
		return f.handle(t, models.InboundEvent{Text: text, Sender: sender})
	}

	assertResponse(t, say("hi"), ResponsePromptType)
	assertResponse(t, say("1"), ResponsePromptDatetime)
	res := say("1")
	assertResponse(t, res, ResponsePromptName)
	if res.Expectation == nil || res.Expectation.Stream != StreamBookClass || res.Expectation.Accepts[0] != IntentProvideName {
		t.Fatalf("name prompt expectation = %+v", res.Expectation)
	}

	res = say("Jane Doe")
	assertResponse(t, res, ResponsePromptEmail)
	state := f.state(t)
	if state.String(KeyFirstName) != "Jane" || state.String(KeyLastName) != "Doe" {
		t.Errorf("name state = %v", state)
	}
	if res.Expectation != nil {
		t.Errorf("email prompt should drop the name expectation, got %+v", res.Expectation)
	}

	assertResponse(t, say("jane@example.com"), ResponseConfirmation)
	booked := f.backend.Appointments()
	if len(booked) != 1 || booked[0].FirstName != "Jane" || booked[0].LastName != "Doe" {
		t.Fatalf("booked = %+v", booked)
	}
}

func TestTypedNameBeatsSenderProfile(t *testing.T) {
	ev := models.InboundEvent{
		Entities: []models.Entity{{Role: "firstName", Value: "Ada"}},
		Sender:   &models.SenderProfile{FirstName: "Grace", LastName: "Hopper"},
	}
	update, err := nameStep{}.ExtractInfo(context.Background(), nil, ev)
	if err != nil {
		t.Fatalf("ExtractInfo: %v", err)
	}
	if update[KeyFirstName] != "Ada" || update[KeyLastName] != "Hopper" {
		t.Errorf("update = %v", update)
	}
}

func TestExistingEmailSkipsToAppointments(t *testing.T) {
	f := newFixture(t)
	f.backend.AddAppointment(scheduling.Appointment{Type: "Yoga", Datetime: "2024-03-11T18:30:00-0500", Email: "x@y.com"})
	f.backend.AddAppointment(scheduling.Appointment{Type: "Spin", Datetime: "2024-03-04T07:00:00-0500", Email: "x@y.com"})
	f.backend.AddAppointment(scheduling.Appointment{Type: "Old", Datetime: "2024-02-01T07:00:00-0500", Email: "x@y.com"})
	if _, err := store.MergeState(context.Background(), f.store, "conv-1", models.StateUpdate{KeyEmail: "x@y.com"}); err != nil {
		t.Fatalf("MergeState: %v", err)
	}

	res := f.handle(t, models.InboundEvent{RecognizedIntent: IntentCheck})
	if res.Stream != StreamGetBookings || res.Step != StepGetAppointments {
		t.Fatalf("stream/step = %s/%s", res.Stream, res.Step)
	}
	resp := assertResponse(t, res, ResponseUpcomingAppointments)
	if resp.Entities["number/count"] != 2 {
		t.Errorf("count = %v", resp.Entities["number/count"])
	}
	want := "\nMar 4, 7:00am: Spin, \nMar 11, 6:30pm: Yoga"
	if resp.Entities["classes"] != want {
		t.Errorf("classes = %q, want %q", resp.Entities["classes"], want)
	}
}

func TestCheckBookingsAsksForEmailAndResumes(t *testing.T) {
	f := newFixture(t)

	res := f.handle(t, models.InboundEvent{RecognizedIntent: IntentCheck})
	assertResponse(t, res, ResponsePromptEmail)
	if res.Expectation == nil || res.Expectation.Stream != StreamGetBookings {
		t.Fatalf("Expectation = %+v", res.Expectation)
	}
	if len(res.Expectation.Accepts) != 1 || res.Expectation.Accepts[0] != IntentProvideEmail {
		t.Errorf("Accepts = %v", res.Expectation.Accepts)
	}

	res = f.handle(t, models.InboundEvent{Entities: []models.Entity{{Role: "email/email", Value: "nobody@example.com"}}})
	assertResponse(t, res, ResponseUpcomingNone)
	if res.Expectation != nil {
		t.Errorf("expectation not cleared: %+v", res.Expectation)
	}

	// Back to booking by default.
	res = f.handle(t, models.InboundEvent{Text: "book"})
	assertResponse(t, res, ResponsePromptType)
}

func TestLookupFailureFailsTurn(t *testing.T) {
	f := newFixture(t)
	f.backend.Err = errors.New("connection refused")

	res, err := f.engine.HandleEvent(context.Background(), models.InboundEvent{ConversationID: "conv-1", Text: "hi"})
	if !errors.Is(err, flow.ErrExternalLookup) || !errors.Is(err, scheduling.ErrRequestFailed) {
		t.Fatalf("err = %v", err)
	}
	if res.Outcome != models.TurnOutcomeFailed {
		t.Errorf("Outcome = %s", res.Outcome)
	}
	if f.sink.Count() != 0 {
		t.Error("failed turn without fallback should deliver nothing")
	}
}

func TestBackendFactoryFailure(t *testing.T) {
	spec, reg, err := NewFlow(WithBackendFactory(func(ctx context.Context) (scheduling.Backend, error) {
		return nil, errors.New("missing credentials")
	}))
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	engine, err := flow.NewEngine(spec, reg, store.NewInMemoryStore())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	_, err = engine.HandleEvent(context.Background(), models.InboundEvent{ConversationID: "c", Text: "hi"})
	if !errors.Is(err, flow.ErrExternalLookup) {
		t.Fatalf("err = %v", err)
	}
}

func TestPostbackStringNormalizesNumbers(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want string
		ok   bool
		err  bool
	}{
		{"string", "7", "7", true, false},
		{"json number", float64(7), "7", true, false},
		{"int", 7, "7", true, false},
		{"empty", "", "", false, false},
		{"nil", nil, "", false, false},
		{"object", map[string]any{}, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := postbackString("s", map[string]any{"k": tt.val}, "k")
			if (err != nil) != tt.err {
				t.Fatalf("err = %v", err)
			}
			if tt.err && !errors.Is(err, flow.ErrExtraction) {
				t.Errorf("err = %v, want ErrExtraction", err)
			}
			if got != tt.want || ok != tt.ok {
				t.Errorf("got %q, %v", got, ok)
			}
		})
	}
}

func TestFormatUpcoming(t *testing.T) {
	got := FormatUpcoming([]scheduling.Appointment{
		{Type: "B", Datetime: "2024-03-05T10:00:00Z"},
		{Type: "A", Datetime: "2024-03-04T10:00:00Z"},
	})
	if want := "\nMar 4, 10:00am: A, \nMar 5, 10:00am: B"; got != want {
		t.Errorf("FormatUpcoming = %q, want %q", got, want)
	}
}
