package testutil

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/BTreeMap/StepFlow/internal/models"
)

func TestCaptureSink(t *testing.T) {
	var sink CaptureSink
	if err := sink.Deliver(context.Background(), models.TurnResult{TurnID: "a"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	sink.Err = errors.New("down")
	if err := sink.Deliver(context.Background(), models.TurnResult{TurnID: "b"}); err == nil {
		t.Error("expected configured error")
	}
	results := sink.Results()
	if sink.Count() != 2 || results[0].TurnID != "a" || results[1].TurnID != "b" {
		t.Errorf("results = %+v", results)
	}
	results[0].TurnID = "changed"
	if sink.Results()[0].TurnID != "a" {
		t.Error("Results must return a copy")
	}
}

func TestServeAndDecodeEnvelope(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"ok","result":{"n":1}}`))
	})
	rr := Serve(t, h, http.MethodPost, "/x", `{}`)
	AssertHTTPStatus(t, http.StatusCreated, rr.Code, "serve")
	env := DecodeEnvelope(t, rr)
	if env.Status != "ok" {
		t.Errorf("status = %q", env.Status)
	}
	var result struct{ N int }
	MustUnmarshalJSON(t, env.Result, &result)
	if result.N != 1 {
		t.Errorf("result = %+v", result)
	}
}
