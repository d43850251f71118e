// Package api provides the HTTP server for StepFlow.
//
// It exposes the platform logic-invocation webhook, a synchronous event
// endpoint for other callers, conversation inspection and reset, and
// optionally the Twilio inbound webhook. Every turn goes through the flow engine.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/StepFlow/internal/models"
)

// DefaultServerAddress is used when no address is configured.
const DefaultServerAddress = ":8080"

// DefaultTurnTimeout bounds how long a background webhook turn waits for its conversation.
const DefaultTurnTimeout = 2 * time.Minute

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// TurnEngine is the part of flow.Engine the server needs.
type TurnEngine interface {
	HandleEvent(ctx context.Context, event models.InboundEvent) (*models.TurnResult, error)
	Conversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	ResetConversation(ctx context.Context, conversationID string) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TurnTimeout   time.Duration
	TwilioWebhook http.Handler
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTurnTimeout bounds how long a webhook turn may wait behind another turn
// for the same conversation.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.TurnTimeout = d
	}
}

// WithTwilioWebhook mounts a Twilio inbound handler at /twilio/webhook.
func WithTwilioWebhook(h http.Handler) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// Server serves the StepFlow HTTP API.
type Server struct {
	engine TurnEngine
	opts   Opts
	mux    *http.ServeMux
	srv    *http.Server

	// background webhook turns
	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewServer builds a Server around engine.
func NewServer(engine TurnEngine, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, errors.New("api: engine is nil")
	}
	cfg := Opts{Addr: DefaultServerAddress, TurnTimeout: DefaultTurnTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerAddress
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}

	s := &Server{engine: engine, opts: cfg, mux: http.NewServeMux()}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Debug("NewServer: API server configured", "addr", cfg.Addr, "twilioWebhook", cfg.TwilioWebhook != nil)
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /webhook", s.logicInvocationHandler)
	s.mux.HandleFunc("POST /{$}", s.logicInvocationHandler)
	s.mux.HandleFunc("POST /conversations/{id}/events", s.conversationEventHandler)
	s.mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	s.mux.HandleFunc("DELETE /conversations/{id}", s.resetConversationHandler)
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	if s.opts.TwilioWebhook != nil {
		s.mux.Handle("/twilio/webhook", s.opts.TwilioWebhook)
	}
}

// Handler returns the server's routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.opts.Addr
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		slog.Error("Server.ListenAndServe: listen failed", "addr", s.opts.Addr, "error", err)
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: API server listening", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests and waits for background turns to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: shutting down API server")
	err := s.srv.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.bgCancel()
		slog.Warn("Server.Shutdown: background turns still running at deadline")
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Wait blocks until all background webhook turns have finished.
func (s *Server) Wait() {
	s.bg.Wait()
}

// runInBackground runs a webhook turn after the response was written. The
// engine completes a turn it started even if the wait context expires.
func (s *Server) runInBackground(event models.InboundEvent) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(s.bgCtx, s.opts.TurnTimeout)
		defer cancel()
		res, err := s.engine.HandleEvent(ctx, event)
		if err != nil {
			slog.Error("Server runInBackground: turn failed", "conversationID", event.ConversationID, "error", err)
			return
		}
		slog.Debug("Server runInBackground: turn finished", "conversationID", event.ConversationID, "turnID", res.TurnID, "outcome", res.Outcome)
	}()
}
