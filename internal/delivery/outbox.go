package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/store"
)

// OutboxKindTurnResult marks outbox rows holding a TurnResult.
const OutboxKindTurnResult = "turn_result"

// outboxPayload keeps the invocation, including its token, which TurnResult
// leaves out of its JSON form.
type outboxPayload struct {
	Result     models.TurnResult `json:"result"`
	Invocation *outboxInvocation `json:"invocation,omitempty"`
	// SentResponses counts leading responses already delivered by an earlier attempt.
	SentResponses int `json:"sent_responses,omitempty"`
}

type outboxInvocation struct {
	AppID        string `json:"app_id"`
	AppUserID    string `json:"app_user_id"`
	InvocationID string `json:"invocation_id"`
	BaseURL      string `json:"base_url"`
	AuthToken    string `json:"auth_token"`
}

// OutboxSink persists results for restart-safe delivery by a store.OutboxSender.
type OutboxSink struct {
	repo store.OutboxRepo
}

var _ Sink = (*OutboxSink)(nil)

func NewOutboxSink(repo store.OutboxRepo) *OutboxSink {
	return &OutboxSink{repo: repo}
}

// Deliver enqueues the result, deduplicated by turn ID.
func (s *OutboxSink) Deliver(ctx context.Context, result models.TurnResult) error {
	payload := outboxPayload{Result: result}
	if inv := result.Invocation; inv != nil {
		payload.Invocation = &outboxInvocation{
			AppID:        inv.AppID,
			AppUserID:    inv.AppUserID,
			InvocationID: inv.InvocationID,
			BaseURL:      inv.BaseURL,
			AuthToken:    inv.AuthToken,
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode outbox payload: %w", ErrDeliveryFailed, err)
	}
	id, err := s.repo.EnqueueOutboxMessage(ctx, result.ConversationID, OutboxKindTurnResult, string(b), result.TurnID)
	if err != nil {
		return fmt.Errorf("%w: enqueue result %s: %w", ErrDeliveryFailed, result.TurnID, err)
	}
	slog.Debug("OutboxSink Deliver: result queued", "outboxID", id, "turnID", result.TurnID)
	return nil
}

// DecodeOutboxMessage restores the TurnResult stored by OutboxSink, without
// the responses an earlier attempt already delivered.
func DecodeOutboxMessage(msg store.OutboxMessage) (models.TurnResult, error) {
	payload, err := decodeOutboxPayload(msg)
	if err != nil {
		return models.TurnResult{}, err
	}
	return payload.turnResult(), nil
}

func decodeOutboxPayload(msg store.OutboxMessage) (outboxPayload, error) {
	if msg.Kind != OutboxKindTurnResult {
		return outboxPayload{}, fmt.Errorf("unexpected outbox kind %q", msg.Kind)
	}
	var payload outboxPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
		return outboxPayload{}, fmt.Errorf("failed to decode outbox message %s: %w", msg.ID, err)
	}
	return payload, nil
}

func (payload outboxPayload) turnResult() models.TurnResult {
	res := payload.Result
	if n := payload.SentResponses; n > 0 {
		res.Responses = res.Responses[min(n, len(res.Responses)):]
	}
	if inv := payload.Invocation; inv != nil {
		res.Invocation = &models.Invocation{
			AppID:        inv.AppID,
			AppUserID:    inv.AppUserID,
			InvocationID: inv.InvocationID,
			BaseURL:      inv.BaseURL,
			AuthToken:    inv.AuthToken,
		}
	}
	return res
}

// OutboxSendFunc delivers queued results into target; use it with
// store.NewOutboxSender. When target reports a *PartialDeliveryError the
// progress is written back to repo, so the retry resumes after the responses
// that already went out. A nil repo disables progress tracking.
func OutboxSendFunc(target Sink, repo store.OutboxRepo) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		payload, err := decodeOutboxPayload(msg)
		if err != nil {
			return err
		}
		err = target.Deliver(ctx, payload.turnResult())
		var partial *PartialDeliveryError
		if repo == nil || !errors.As(err, &partial) || partial.Sent == 0 {
			return err
		}
		payload.SentResponses += partial.Sent
		b, merr := json.Marshal(payload)
		if merr != nil {
			return errors.Join(err, merr)
		}
		if uerr := repo.UpdateOutboxPayload(ctx, msg.ID, string(b)); uerr != nil {
			slog.Warn("OutboxSendFunc: failed to record delivery progress", "outboxID", msg.ID, "sent", payload.SentResponses, "error", uerr)
			return errors.Join(err, uerr)
		}
		slog.Debug("OutboxSendFunc: partial delivery recorded", "outboxID", msg.ID, "sent", payload.SentResponses)
		return err
	}
}
