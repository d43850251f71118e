// Command flowsim runs the booking flow in a terminal against the demo
// schedule, so flows can be tried without a messaging platform.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/StepFlow/internal/booking"
	"github.com/BTreeMap/StepFlow/internal/delivery"
	"github.com/BTreeMap/StepFlow/internal/flow"
	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/nlu"
	"github.com/BTreeMap/StepFlow/internal/scheduling"
	"github.com/BTreeMap/StepFlow/internal/store"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	conversation := flag.String("conversation", "console", "conversation id")
	firstName := flag.String("first-name", "", "sender first name offered to the flow")
	lastName := flag.String("last-name", "", "sender last name offered to the flow")
	dsn := flag.String("db-dsn", "", "conversation store DSN; in-memory when empty")
	timeout := flag.Duration("prompt-timeout", flow.DefaultPromptTimeout, "maximum time a step may take to prompt")
	verbose := flag.Bool("v", false, "log engine activity")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	ctx := context.Background()
	var storeOpts []store.Option
	if *dsn != "" {
		storeOpts = append(storeOpts, store.WithDSN(*dsn))
	}
	st, err := store.Open(ctx, storeOpts...)
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	var sender *models.SenderProfile
	if *firstName != "" || *lastName != "" {
		sender = &models.SenderProfile{FirstName: *firstName, LastName: *lastName}
	}
	sim, err := newSimulator(os.Stdout, st, *conversation, sender, scheduling.NewDemoBackend(time.Now()), *timeout)
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	sim.run(ctx, os.Stdin)
}

// simulator feeds console lines to the engine and prints what it delivers.
type simulator struct {
	out          io.Writer
	engine       *flow.Engine
	catalog      *delivery.Catalog
	conversation string
	sender       *models.SenderProfile

	bot    *color.Color
	meta   *color.Color
	failed *color.Color
}

func newSimulator(out io.Writer, st store.ConversationStore, conversation string, sender *models.SenderProfile, backend scheduling.Backend, timeout time.Duration) (*simulator, error) {
	s := &simulator{
		out:          out,
		catalog:      delivery.MustCatalog(booking.Templates),
		conversation: conversation,
		sender:       sender,
		bot:          color.New(color.FgCyan),
		meta:         color.New(color.FgYellow),
		failed:       color.New(color.FgRed),
	}
	spec, reg, err := booking.NewFlow(booking.WithBackend(backend))
	if err != nil {
		return nil, err
	}
	s.engine, err = flow.NewEngine(spec, reg, st,
		flow.WithDeliverySink(delivery.FuncSink(s.print)),
		flow.WithIntentClassifier(nlu.NewRuleClassifier(booking.IntentRules()...)),
		flow.WithPromptTimeout(timeout),
		flow.WithFallbackResponse(models.OutboundResponse{ResponseKey: booking.ResponseSorry}),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *simulator) run(ctx context.Context, in io.Reader) {
	fmt.Fprintln(s.out, "StepFlow console. Say hello to start booking, or \"check my bookings\".")
	fmt.Fprintln(s.out, "Commands: /state, /reset, /name First Last, /quit")
	fmt.Fprintln(s.out)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			break
		}
		if quit := s.handleLine(ctx, strings.TrimSpace(scanner.Text())); quit {
			break
		}
	}
}

// handleLine runs one console line and reports whether the session should end.
func (s *simulator) handleLine(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "/") {
		return s.command(ctx, line)
	}

	event := models.InboundEvent{
		MessageID:      uuid.NewString(),
		ConversationID: s.conversation,
		Text:           line,
		Entities:       nlu.ExtractEntities(line),
		Sender:         s.sender,
	}
	res, err := s.engine.HandleEvent(ctx, event)
	if err != nil {
		s.failed.Fprintf(s.out, "turn failed: %v\n", err)
		return false
	}
	if res.Outcome == models.TurnOutcomeExhausted && len(res.Responses) == 0 {
		s.meta.Fprintln(s.out, "(nothing left to ask in this stream)")
	}
	return false
}

func (s *simulator) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/reset":
		if err := s.engine.ResetConversation(ctx, s.conversation); err != nil {
			s.failed.Fprintf(s.out, "reset failed: %v\n", err)
			return false
		}
		s.meta.Fprintln(s.out, "conversation reset")
	case "/state":
		conv, err := s.engine.Conversation(ctx, s.conversation)
		if err != nil {
			s.failed.Fprintf(s.out, "load failed: %v\n", err)
			return false
		}
		s.printState(conv)
	case "/name":
		if len(fields) < 2 {
			s.sender = nil
			s.meta.Fprintln(s.out, "sender profile cleared")
			return false
		}
		s.sender = &models.SenderProfile{FirstName: fields[1], LastName: strings.Join(fields[2:], " ")}
		s.meta.Fprintf(s.out, "sender is now %s\n", strings.Join(fields[1:], " "))
	default:
		s.failed.Fprintf(s.out, "unknown command %s\n", fields[0])
	}
	return false
}

// print is the engine's delivery sink.
func (s *simulator) print(ctx context.Context, result models.TurnResult) error {
	for _, resp := range result.Responses {
		text, err := s.catalog.Render(resp)
		if err != nil {
			return err
		}
		s.bot.Fprintln(s.out, text)
	}
	return nil
}

func (s *simulator) printState(conv *models.Conversation) {
	if len(conv.State) == 0 {
		s.meta.Fprintln(s.out, "state is empty")
	}
	keys := make([]string, 0, len(conv.State))
	for k := range conv.State {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.meta.Fprintf(s.out, "%s = %v\n", k, conv.State[k])
	}
	if conv.Expectation != nil {
		s.meta.Fprintf(s.out, "expecting %s in stream %s\n", strings.Join(conv.Expectation.Accepts, ", "), conv.Expectation.Stream)
	}
}
