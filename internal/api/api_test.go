package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/StepFlow/internal/booking"
	"github.com/BTreeMap/StepFlow/internal/flow"
	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/scheduling"
	"github.com/BTreeMap/StepFlow/internal/store"
	"github.com/BTreeMap/StepFlow/internal/testutil"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *testutil.CaptureSink) {
	t.Helper()
	backend := scheduling.NewStaticBackend(
		[]scheduling.AppointmentType{{ID: 1, Name: "Yoga", Type: scheduling.TypeClass}},
		[]scheduling.ClassSession{{Time: "2024-03-04T18:30:00-0500", AppointmentTypeID: 1}},
	)
	now := func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	spec, reg, err := booking.NewFlow(booking.WithBackend(backend), booking.WithClock(now))
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	sink := &testutil.CaptureSink{}
	engine, err := flow.NewEngine(spec, reg, store.NewInMemoryStore(), flow.WithDeliverySink(sink))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	srv, err := NewServer(engine, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, sink
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, testutil.Envelope) {
	t.Helper()
	rr := testutil.Serve(t, h, method, path, body)
	return rr, testutil.DecodeEnvelope(t, rr)
}

func TestNewServerRequiresEngine(t *testing.T) {
	if _, err := NewServer(nil); err == nil {
		t.Fatal("expected error for nil engine")
	}
}

func TestNewServerDefaults(t *testing.T) {
	srv, _ := newTestServer(t)
	if srv.Addr() != DefaultServerAddress {
		t.Errorf("Addr = %q", srv.Addr())
	}
	srv, _ = newTestServer(t, WithAddr(":9999"))
	if srv.Addr() != ":9999" {
		t.Errorf("Addr = %q", srv.Addr())
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rr, env := do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")
	if env.Status != "ok" {
		t.Fatalf("healthz envelope = %+v", env)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestConversationEventRunsTurn(t *testing.T) {
	srv, sink := newTestServer(t)
	rr, env := do(t, srv.Handler(), http.MethodPost, "/conversations/c1/events", `{"text":"hi"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
	}
	var res models.TurnResult
	if err := json.Unmarshal(env.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Outcome != models.TurnOutcomePrompted || res.ConversationID != "c1" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Responses) != 1 || res.Responses[0].ResponseKey != booking.ResponsePromptType {
		t.Fatalf("responses = %+v", res.Responses)
	}
	if got := len(sink.Results()); got != 1 {
		t.Errorf("sink got %d results, want 1", got)
	}
}

func TestConversationEventPostbackAdvances(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	do(t, h, http.MethodPost, "/conversations/c1/events", `{}`)
	body := `{"postback":{"stream":"bookClass","data":{"appointmentTypeID":1}}}`
	rr, env := do(t, h, http.MethodPost, "/conversations/c1/events", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rr.Code, rr.Body.String())
	}
	var res models.TurnResult
	if err := json.Unmarshal(env.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Responses) != 1 || res.Responses[0].ResponseKey != booking.ResponsePromptDatetime {
		t.Fatalf("responses = %+v", res.Responses)
	}

	rr, env = do(t, h, http.MethodGet, "/conversations/c1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var conv models.Conversation
	if err := json.Unmarshal(env.Result, &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if conv.State[booking.KeyAppointmentTypeID] != "1" {
		t.Errorf("state = %v", conv.State)
	}
}

func TestConversationEventBadRequests(t *testing.T) {
	srv, sink := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"mismatched id", `{"conversation_id":"other"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, env := do(t, srv.Handler(), http.MethodPost, "/conversations/c1/events", tt.body)
			if rr.Code != http.StatusBadRequest || env.Status != "error" {
				t.Fatalf("got %d %+v", rr.Code, env)
			}
		})
	}
	if len(sink.Results()) != 0 {
		t.Error("no turn should have run")
	}
}

func TestResetConversation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	do(t, h, http.MethodPost, "/conversations/c1/events", `{"postback":{"data":{"appointmentTypeID":"1"}}}`)

	rr, _ := do(t, h, http.MethodDelete, "/conversations/c1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	_, env := do(t, h, http.MethodGet, "/conversations/c1", "")
	var conv models.Conversation
	if err := json.Unmarshal(env.Result, &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if len(conv.State) != 0 {
		t.Errorf("state after reset = %v", conv.State)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /webhook = %d", rr.Code)
	}
}

func logicInvocationBody(part string) string {
	return fmt.Sprintf(`{
  "event_type": "LogicInvocation",
  "data": {"payload": {
    "current_application": {"id": "app-1"},
    "invocation_data": {"api": {"base_url": "https://platform.example/"}, "auth_token": "tok", "invocation_id": "inv-1"},
    "users": {"user-1": {"first_name": "Ada", "last_name": "Lovelace"}},
    "current_conversation": {"id": "conv-9", "messages": [
      {"parts": [{"content": "old"}]},
      {"parts": [%s]}
    ]}
  }}
}`, part)
}

func TestLogicInvocationWebhook(t *testing.T) {
	srv, sink := newTestServer(t)
	body := logicInvocationBody(`{"id": "m-1", "content": "I want a class"}`)
	rr, env := do(t, srv.Handler(), http.MethodPost, "/webhook", body)
	if rr.Code != http.StatusOK || env.Status != string(models.APIStatusAccepted) {
		t.Fatalf("webhook = %d %+v", rr.Code, env)
	}
	srv.Wait()

	results := sink.Results()
	if len(results) != 1 {
		t.Fatalf("sink got %d results", len(results))
	}
	res := results[0]
	if res.ConversationID != "conv-9" || res.Invocation == nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Invocation.InvocationID != "inv-1" || res.Invocation.AuthToken != "tok" || res.Invocation.AppUserID != "user-1" {
		t.Errorf("invocation = %+v", res.Invocation)
	}
	if res.Invocation.BaseURL != "https://platform.example" {
		t.Errorf("BaseURL = %q", res.Invocation.BaseURL)
	}
}

func TestLogicInvocationRootPath(t *testing.T) {
	srv, sink := newTestServer(t)
	rr, _ := do(t, srv.Handler(), http.MethodPost, "/", logicInvocationBody(`{"content": "hi"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	srv.Wait()
	if len(sink.Results()) != 1 {
		t.Fatal("expected one delivered result")
	}
}

func TestLogicInvocationIgnoresOtherEvents(t *testing.T) {
	srv, sink := newTestServer(t)
	rr, env := do(t, srv.Handler(), http.MethodPost, "/webhook", `{"event_type":"MessageOutbound","data":{}}`)
	if rr.Code != http.StatusOK || env.Status != "ok" {
		t.Fatalf("got %d %+v", rr.Code, env)
	}
	srv.Wait()
	if len(sink.Results()) != 0 {
		t.Error("ignored event must not run a turn")
	}
}

func TestLogicInvocationRejectsBadPayloads(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"payload not object", `{"event_type":"LogicInvocation","data":{"payload":1}}`},
		{"missing invocation", `{"event_type":"LogicInvocation","data":{"payload":{"current_conversation":{"id":"c"}}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := do(t, srv.Handler(), http.MethodPost, "/webhook", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d", rr.Code)
			}
		})
	}
}

func TestParseLogicInvocationMessagePart(t *testing.T) {
	part := `{
  "id": "m-2",
  "content": "me@example.com",
  "classification": {"base_type": {"value": "provide"}, "sub_type": {"value": "email"}},
  "entities": {"email/email": [{"value": "me@example.com"}], "firstName": "Grace"},
  "postback": {"payload": {"stream": "bookClass", "data": {"datetime": "2024-03-04T18:30:00-0500", "appointmentTypeID": 3}}},
  "sender": {"first_name": "Grace", "last_name": "Hopper"}
}`
	inv, err := ParseLogicInvocation([]byte(logicInvocationBody(part)))
	if err != nil {
		t.Fatalf("ParseLogicInvocation: %v", err)
	}
	ev := inv.Event
	if ev.MessageID != "m-2" || ev.Text != "me@example.com" {
		t.Errorf("event = %+v", ev)
	}
	if ev.RecognizedIntent != "provide/email" {
		t.Errorf("intent = %q", ev.RecognizedIntent)
	}
	if v, ok := ev.FirstEntityWithRole("email/email"); !ok || v != "me@example.com" {
		t.Errorf("email entity = %q %v", v, ok)
	}
	if v, ok := ev.FirstEntityWithRole("firstName"); !ok || v != "Grace" {
		t.Errorf("firstName entity = %q %v", v, ok)
	}
	if ev.Postback == nil || ev.Postback.Stream != "bookClass" {
		t.Fatalf("postback = %+v", ev.Postback)
	}
	if ev.Postback.Data["appointmentTypeID"] != float64(3) {
		t.Errorf("postback data = %v", ev.Postback.Data)
	}
	if ev.Sender == nil || ev.Sender.LastName != "Hopper" {
		t.Errorf("sender = %+v", ev.Sender)
	}
}

func TestParseLogicInvocationSenderFallsBackToUser(t *testing.T) {
	inv, err := ParseLogicInvocation([]byte(logicInvocationBody(`{"content": "hi"}`)))
	if err != nil {
		t.Fatalf("ParseLogicInvocation: %v", err)
	}
	if inv.Event.Sender == nil || inv.Event.Sender.FirstName != "Ada" {
		t.Errorf("sender = %+v", inv.Event.Sender)
	}
	if inv.Event.RecognizedIntent != "" || inv.Event.Postback != nil {
		t.Errorf("unexpected classification %+v", inv.Event)
	}
}

func TestParseLogicInvocationConversationFallsBackToUser(t *testing.T) {
	body := `{"event_type":"LogicInvocation","data":{"payload":{
  "invocation_data": {"api": {"base_url": "https://p"}, "auth_token": "t", "invocation_id": "i"},
  "users": {"u-7": {}}
}}}`
	inv, err := ParseLogicInvocation([]byte(body))
	if err != nil {
		t.Fatalf("ParseLogicInvocation: %v", err)
	}
	if inv.Event.ConversationID != "u-7" {
		t.Errorf("ConversationID = %q", inv.Event.ConversationID)
	}
}

func TestTwilioWebhookMounted(t *testing.T) {
	called := false
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})
	srv, _ := newTestServer(t, WithTwilioWebhook(h))
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader("Body=hi"))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if !called || rr.Code != http.StatusNoContent {
		t.Errorf("twilio handler called=%v status=%d", called, rr.Code)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrEmptyConversationID, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{flow.LookupError("list types", errors.New("boom")), http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", flow.ErrPromptTimeout), http.StatusBadGateway},
		{flow.ErrStateStore, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteJSONResponseFallback(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(make(chan int)))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Internal server error") {
		t.Errorf("body = %s", rr.Body.String())
	}
}
