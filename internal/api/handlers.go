// Package api provides HTTP handlers for StepFlow endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/StepFlow/internal/flow"
	"github.com/BTreeMap/StepFlow/internal/models"
)

// logicInvocationHandler handles POST /webhook (and POST /). The platform
// only needs an acknowledgement; the result is posted back by the delivery sink.
func (s *Server) logicInvocationHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("Server.logicInvocationHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	inv, err := ParseLogicInvocation(body)
	if err != nil {
		slog.Warn("Server.logicInvocationHandler: invalid payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Server.logicInvocationHandler: webhook received", "eventType", inv.EventType, "host", r.Host)
	if inv.EventType != EventTypeLogicInvocation {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Event ignored", nil))
		return
	}
	if err := inv.Event.Validate(); err != nil {
		slog.Warn("Server.logicInvocationHandler: event validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	s.runInBackground(inv.Event)
	writeJSONResponse(w, http.StatusOK, models.Accepted("Logic invocation accepted"))
}

// conversationEventHandler handles POST /conversations/{id}/events and runs
// the turn synchronously.
func (s *Server) conversationEventHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	var event models.InboundEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&event); err != nil {
		slog.Warn("Server.conversationEventHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if event.ConversationID != "" && event.ConversationID != id {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("conversation id in body does not match path"))
		return
	}
	event.ConversationID = id

	res, err := s.engine.HandleEvent(r.Context(), event)
	switch {
	case err == nil:
		slog.Debug("Server.conversationEventHandler: turn finished", "conversationID", id, "turnID", res.TurnID, "outcome", res.Outcome)
		writeJSONResponse(w, http.StatusOK, models.Success(res))
	case res != nil:
		// The turn ran and failed; the result describes any fallback sent.
		slog.Error("Server.conversationEventHandler: turn failed", "conversationID", id, "error", err)
		writeJSONResponse(w, statusForError(err), models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(err.Error()).
			WithResult(res).
			Build())
	default:
		slog.Warn("Server.conversationEventHandler: turn not run", "conversationID", id, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
	}
}

// getConversationHandler handles GET /conversations/{id}.
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	conv, err := s.engine.Conversation(r.Context(), id)
	if err != nil {
		slog.Error("Server.getConversationHandler: load failed", "conversationID", id, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error("Failed to load conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// resetConversationHandler handles DELETE /conversations/{id}.
func (s *Server) resetConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if err := s.engine.ResetConversation(r.Context(), id); err != nil {
		slog.Error("Server.resetConversationHandler: reset failed", "conversationID", id, "error", err)
		writeJSONResponse(w, statusForError(err), models.Error("Failed to reset conversation"))
		return
	}
	slog.Info("Server.resetConversationHandler: conversation reset", "conversationID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// statusForError maps engine and store errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrEmptyConversationID):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, flow.ErrExternalLookup), errors.Is(err, flow.ErrPromptTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
