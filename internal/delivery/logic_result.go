package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// DefaultPostTimeout bounds one result POST.
const DefaultPostTimeout = 10 * time.Second

// logicResultPath is appended to the platform base URL.
const logicResultPath = "/api/v1/remote/logic/invocations/%s/result"

// LogicResultSink posts turn results back to the hosting platform that
// invoked the logic, authenticated with the invocation's bearer token.
type LogicResultSink struct {
	client *http.Client
}

var _ Sink = (*LogicResultSink)(nil)

// NewLogicResultSink creates a sink; a nil client gets DefaultPostTimeout.
func NewLogicResultSink(client *http.Client) *LogicResultSink {
	if client == nil {
		client = &http.Client{Timeout: DefaultPostTimeout}
	}
	return &LogicResultSink{client: client}
}

// LogicResultRequest is the body posted to the platform.
type LogicResultRequest struct {
	Invocation InvocationRef `json:"invocation"`
	Result     LogicResult   `json:"result"`
}

// InvocationRef identifies the invocation being answered.
type InvocationRef struct {
	AppID        string `json:"app_id"`
	AppUserID    string `json:"app_user_id"`
	InvocationID string `json:"invocation_id"`
}

// LogicResult is the outcome of one turn in the platform's terms.
type LogicResult struct {
	TurnID            string                    `json:"turn_id"`
	Stream            string                    `json:"stream,omitempty"`
	Outcome           models.TurnOutcome        `json:"outcome"`
	ConversationState models.ConversationState  `json:"conversation_state"`
	Responses         []models.OutboundResponse `json:"responses"`
	Expectation       *models.Expectation       `json:"expectation"`
}

// NewLogicResultRequest builds the POST body for a result.
func NewLogicResultRequest(result models.TurnResult) LogicResultRequest {
	req := LogicResultRequest{
		Result: LogicResult{
			TurnID:            result.TurnID,
			Stream:            result.Stream,
			Outcome:           result.Outcome,
			ConversationState: result.State,
			Responses:         result.Responses,
			Expectation:       result.Expectation,
		},
	}
	if req.Result.ConversationState == nil {
		req.Result.ConversationState = models.ConversationState{}
	}
	if req.Result.Responses == nil {
		req.Result.Responses = []models.OutboundResponse{}
	}
	if inv := result.Invocation; inv != nil {
		req.Invocation = InvocationRef{AppID: inv.AppID, AppUserID: inv.AppUserID, InvocationID: inv.InvocationID}
	}
	return req
}

// Deliver posts the result. Results without invocation coordinates are rejected.
func (s *LogicResultSink) Deliver(ctx context.Context, result models.TurnResult) error {
	inv := result.Invocation
	if inv == nil || inv.BaseURL == "" || inv.InvocationID == "" {
		return fmt.Errorf("%w: result %s has no invocation to answer", ErrDeliveryFailed, result.TurnID)
	}
	endpoint := strings.TrimRight(inv.BaseURL, "/") + fmt.Sprintf(logicResultPath, url.PathEscape(inv.InvocationID))

	body, err := json.Marshal(NewLogicResultRequest(result))
	if err != nil {
		return fmt.Errorf("%w: encode result: %w", ErrDeliveryFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+inv.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post result for invocation %s: %w", ErrDeliveryFailed, inv.InvocationID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: invocation %s: status %d: %s", ErrDeliveryFailed, inv.InvocationID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	slog.Info("LogicResultSink Deliver: result posted", "invocationID", inv.InvocationID, "turnID", result.TurnID, "responses", len(result.Responses))
	return nil
}
