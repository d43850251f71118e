package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/StepFlow/internal/api"
	"github.com/BTreeMap/StepFlow/internal/booking"
	"github.com/BTreeMap/StepFlow/internal/delivery"
	"github.com/BTreeMap/StepFlow/internal/flow"
	"github.com/BTreeMap/StepFlow/internal/messaging"
	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/nlu"
	"github.com/BTreeMap/StepFlow/internal/scheduling"
	"github.com/BTreeMap/StepFlow/internal/store"
	"github.com/BTreeMap/StepFlow/internal/twiliowhatsapp"
	"github.com/BTreeMap/StepFlow/internal/whatsapp"
)

// outboxPollInterval is how often queued turn results are drained.
const outboxPollInterval = 2 * time.Second

// run wires the modules together and serves until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := store.Open(ctx, buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	spec, reg, err := buildFlow(flags)
	if err != nil {
		return err
	}

	svc, twilioSvc, err := buildMessagingService(ctx, config, flags)
	if err != nil {
		return err
	}
	if svc != nil {
		defer svc.Stop()
	}

	var bg sync.WaitGroup
	sink, err := buildDeliverySink(ctx, &bg, st, svc, *flags.useOutbox)
	if err != nil {
		return err
	}

	engineOpts := append(buildEngineOptions(flags),
		flow.WithDeliverySink(sink),
		flow.WithIntentClassifier(buildClassifier(flags)),
		flow.WithFallbackResponse(models.OutboundResponse{ResponseKey: booking.ResponseSorry}),
	)
	if dedup, ok := st.(store.DedupRepo); ok {
		engineOpts = append(engineOpts, flow.WithDedupRepo(dedup))
	}
	engine, err := flow.NewEngine(spec, reg, st, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	var rh *messaging.ResponseHandler
	if svc != nil {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		rh = messaging.NewResponseHandler(svc, engine)
		rh.Start(ctx)
		bg.Add(1)
		go func() {
			defer bg.Done()
			logReceipts(ctx, svc.Receipts())
		}()
	}

	apiOpts := buildAPIOptions(flags)
	if twilioSvc != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(http.HandlerFunc(twilioSvc.WebhookHandler)))
	}
	server, err := api.NewServer(engine, apiOpts...)
	if err != nil {
		return err
	}

	serveErr := server.ListenAndServe(ctx)
	cancel()

	if rh != nil {
		rh.Wait()
	}
	bg.Wait()
	return serveErr
}

// buildFlow selects the scheduling backend and builds the booking flow.
func buildFlow(flags Flags) (flow.FlowSpec, *flow.Registry, error) {
	var opt booking.Option
	if *flags.demo {
		slog.Warn("Serving the demo schedule; bookings are kept in memory only")
		opt = booking.WithBackend(scheduling.NewDemoBackend(time.Now()))
	} else {
		cfg := buildSchedulingConfig(flags)
		if _, err := scheduling.NewAcuityClient(cfg); err != nil {
			return flow.FlowSpec{}, nil, fmt.Errorf("acuity configuration: %w (use -demo to run without Acuity)", err)
		}
		opt = booking.WithBackendFactory(booking.AcuityFactory(cfg))
	}
	spec, reg, err := booking.NewFlow(opt)
	if err != nil {
		return flow.FlowSpec{}, nil, fmt.Errorf("failed to build booking flow: %w", err)
	}
	return spec, reg, nil
}

// buildClassifier uses keyword rules, backed by OpenAI when a key is configured.
func buildClassifier(flags Flags) nlu.Classifier {
	rules := nlu.NewRuleClassifier(booking.IntentRules()...)
	if *flags.openaiKey == "" {
		return rules
	}
	openaiClassifier, err := nlu.NewOpenAIClassifier(buildClassifierOptions(flags, booking.Intents())...)
	if err != nil {
		slog.Warn("OpenAI classifier unavailable, using keyword rules only", "error", err)
		return rules
	}
	return nlu.ChainClassifier{Primary: openaiClassifier, Fallback: rules}
}

// buildMessagingService creates the configured transport. twilioSvc is set
// only for the Twilio transport, whose inbound traffic arrives over HTTP.
func buildMessagingService(ctx context.Context, config Config, flags Flags) (svc messaging.Service, twilioSvc *messaging.TwilioService, err error) {
	switch *flags.transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if *flags.twilioPublicURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(config.TwilioAuthToken, *flags.twilioPublicURL))
		}
		twilioSvc = messaging.NewTwilioService(client, opts...)
		return twilioSvc, twilioSvc, nil
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		slog.Info("No messaging transport configured; results go to platform invocations only")
		return nil, nil, nil
	}
}

// buildDeliverySink routes invocation results back to the platform and the
// rest to the messaging transport. With useOutbox the engine only enqueues and
// a background sender delivers.
func buildDeliverySink(ctx context.Context, bg *sync.WaitGroup, st store.ConversationStore, svc messaging.Service, useOutbox bool) (delivery.Sink, error) {
	var direct delivery.Sink
	if svc != nil {
		direct = delivery.NewMessagingSink(svc, delivery.MustCatalog(booking.Templates))
	} else {
		direct = delivery.FuncSink(func(ctx context.Context, result models.TurnResult) error {
			slog.Debug("Turn result without a transport dropped", "conversationID", result.ConversationID, "turnID", result.TurnID)
			return nil
		})
	}
	routed := delivery.RouteByInvocation(delivery.NewLogicResultSink(nil), direct)
	if !useOutbox {
		return routed, nil
	}

	repo, ok := st.(store.OutboxRepo)
	if !ok {
		return nil, fmt.Errorf("store %T does not support the outbox", st)
	}
	sender := store.NewOutboxSender(repo, delivery.OutboxSendFunc(routed, repo), outboxPollInterval)
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("Outbox recovery failed", "error", err)
	}
	bg.Add(1)
	go func() {
		defer bg.Done()
		sender.Run(ctx)
	}()
	return delivery.NewOutboxSink(repo), nil
}

func logReceipts(ctx context.Context, receipts <-chan models.Receipt) {
	for {
		select {
		case r, ok := <-receipts:
			if !ok {
				return
			}
			slog.Debug("Delivery receipt", "to", r.To, "status", r.Status)
		case <-ctx.Done():
			return
		}
	}
}
