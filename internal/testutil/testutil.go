// Package testutil provides common test utilities and helpers for StepFlow tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// CaptureSink records every delivered turn result. It satisfies the engine's
// and the delivery package's sink interfaces.
type CaptureSink struct {
	mu      sync.Mutex
	results []models.TurnResult

	// Err, when set, is returned from Deliver after recording.
	Err error
}

// Deliver records result.
func (s *CaptureSink) Deliver(ctx context.Context, result models.TurnResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return s.Err
}

// Results returns a copy of the recorded results.
func (s *CaptureSink) Results() []models.TurnResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TurnResult(nil), s.results...)
}

// Count returns the number of recorded results.
func (s *CaptureSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// Envelope is the decoded form of the API's JSON envelope.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeEnvelope decodes a recorded JSON envelope and fails the test on error.
func DecodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if rr.Body.Len() == 0 {
		return env
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode JSON response: %v: %s", err, rr.Body.String())
	}
	return env
}

// Serve runs one request against h and returns the recorder.
func Serve(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
