package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/StepFlow/internal/flow"
	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/BTreeMap/StepFlow/internal/nlu"
	"github.com/BTreeMap/StepFlow/internal/scheduling"
)

var (
	_ flow.Step = appointmentTypeStep{}
	_ flow.Step = datetimeStep{}
	_ flow.Step = nameStep{}
	_ flow.Step = emailStep{}
	_ flow.Step = bookStep{}
	_ flow.Step = appointmentsStep{}
)

// postbackString reads a scalar postback field as a string. Numbers decoded
// from JSON arrive as float64 and are rendered without a fraction.
func postbackString(step string, data map[string]any, key string) (string, bool, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch x := v.(type) {
	case string:
		return x, x != "", nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true, nil
	case int:
		return strconv.Itoa(x), true, nil
	case int64:
		return strconv.FormatInt(x, 10), true, nil
	case json.Number:
		return x.String(), true, nil
	default:
		return "", false, flow.ExtractionError(step, fmt.Errorf("postback field %s has unsupported type %T", key, v))
	}
}

type appointmentTypeStep struct{ *bookingSteps }

func (appointmentTypeStep) ExtractInfo(ctx context.Context, state models.ConversationState, event models.InboundEvent) (models.StateUpdate, error) {
	id, ok, err := postbackString(StepGetAppointmentType, event.PostbackData(), KeyAppointmentTypeID)
	if err != nil || !ok {
		return nil, err
	}
	return models.StateUpdate{KeyAppointmentTypeID: id}, nil
}

func (appointmentTypeStep) Satisfied(state models.ConversationState) bool {
	return state.Has(KeyAppointmentTypeID)
}

// Prompt offers one reply per public class.
func (s appointmentTypeStep) Prompt(t *flow.Turn) error {
	be, err := s.backend(t.Context())
	if err != nil {
		return err
	}
	types, err := be.ListAppointmentTypes(t.Context())
	if err != nil {
		return flow.LookupError("list appointment types", err)
	}
	classes := scheduling.PublicClasses(types)
	replies := make([]models.ReplyOption, 0, len(classes))
	for _, c := range classes {
		replies = append(replies, t.MakeReplyOption(c.Name, StreamBookClass, map[string]any{
			KeyAppointmentTypeID: strconv.FormatInt(c.ID, 10),
		}))
	}
	slog.Debug("booking getAppointmentType: offering classes", "conversationID", t.ConversationID(), "count", len(replies))
	if err := t.AddResponseWithReplies(ResponsePromptType, nil, replies); err != nil {
		return err
	}
	t.Done()
	return nil
}

type datetimeStep struct{ *bookingSteps }

func (datetimeStep) ExtractInfo(ctx context.Context, state models.ConversationState, event models.InboundEvent) (models.StateUpdate, error) {
	dt, ok, err := postbackString(StepGetDatetime, event.PostbackData(), KeyDatetime)
	if err != nil || !ok {
		return nil, err
	}
	return models.StateUpdate{KeyDatetime: dt}, nil
}

func (datetimeStep) Satisfied(state models.ConversationState) bool {
	return state.Has(KeyDatetime)
}

// Prompt offers the sessions of the chosen class in the current month.
func (s datetimeStep) Prompt(t *flow.Turn) error {
	state := t.State()
	typeID, err := strconv.ParseInt(state.String(KeyAppointmentTypeID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", KeyAppointmentTypeID, state.String(KeyAppointmentTypeID), err)
	}
	be, err := s.backend(t.Context())
	if err != nil {
		return err
	}
	month := s.opts.Now().Format(scheduling.MonthFormat)
	sessions, err := be.ListAvailability(t.Context(), typeID, month)
	if err != nil {
		return flow.LookupError("list availability", err)
	}
	replies := make([]models.ReplyOption, 0, len(sessions))
	for _, sess := range sessions {
		replies = append(replies, t.MakeReplyOption(scheduling.FormatDisplay(sess.Time), StreamBookClass, map[string]any{
			KeyDatetime: sess.Time,
		}))
	}
	if err := t.AddResponseWithReplies(ResponsePromptDatetime, nil, replies); err != nil {
		return err
	}
	t.Done()
	return nil
}

// nameStep prefers names the user typed over the transport's sender profile.
type nameStep struct{}

func (nameStep) ExtractInfo(ctx context.Context, state models.ConversationState, event models.InboundEvent) (models.StateUpdate, error) {
	update := models.StateUpdate{}
	first, ok := event.FirstEntityWithRole(nlu.RoleFirstName)
	if !ok && event.Sender != nil {
		first = strings.TrimSpace(event.Sender.FirstName)
	}
	last, ok := event.FirstEntityWithRole(nlu.RoleLastName)
	if !ok && event.Sender != nil {
		last = strings.TrimSpace(event.Sender.LastName)
	}
	if first != "" {
		update[KeyFirstName] = first
	}
	if last != "" {
		update[KeyLastName] = last
	}
	return update, nil
}

func (nameStep) Satisfied(state models.ConversationState) bool {
	return state.Has(KeyFirstName) && state.Has(KeyLastName)
}

// Prompt asks for a name and marks the reply as a name, so a bare "First Last"
// answer is understood on text transports.
func (nameStep) Prompt(t *flow.Turn) error {
	if err := t.AddResponse(ResponsePromptName, nil); err != nil {
		return err
	}
	t.Expect(t.Stream(), IntentProvideName)
	t.Done()
	return nil
}

type emailStep struct{}

func (emailStep) ExtractInfo(ctx context.Context, state models.ConversationState, event models.InboundEvent) (models.StateUpdate, error) {
	email, ok := event.FirstEntityWithRole(nlu.RoleEmail)
	if !ok {
		return nil, nil
	}
	return models.StateUpdate{KeyEmail: strings.TrimSpace(email)}, nil
}

func (emailStep) Satisfied(state models.ConversationState) bool {
	return state.Has(KeyEmail)
}

// Prompt asks for an e-mail address. Outside the booking stream the next
// message must come back to the current stream; inside it the name
// expectation is dropped.
func (emailStep) Prompt(t *flow.Turn) error {
	if err := t.AddResponse(ResponsePromptEmail, nil); err != nil {
		return err
	}
	if t.Stream() != StreamBookClass {
		t.Expect(t.Stream(), IntentProvideEmail)
	} else {
		t.ClearExpectation()
	}
	t.Done()
	return nil
}

// bookStep is terminal: it books the class and clears the class selection so
// the next booking starts over.
type bookStep struct{ *bookingSteps }

func (bookStep) ExtractInfo(ctx context.Context, state models.ConversationState, event models.InboundEvent) (models.StateUpdate, error) {
	return nil, nil
}

func (bookStep) Satisfied(models.ConversationState) bool { return false }

func (s bookStep) Prompt(t *flow.Turn) error {
	state := t.State()
	typeID, err := strconv.ParseInt(state.String(KeyAppointmentTypeID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", KeyAppointmentTypeID, state.String(KeyAppointmentTypeID), err)
	}
	be, err := s.backend(t.Context())
	if err != nil {
		return err
	}
	appt, err := be.CreateAppointment(t.Context(), scheduling.BookingDetails{
		AppointmentTypeID: typeID,
		Datetime:          state.String(KeyDatetime),
		FirstName:         state.String(KeyFirstName),
		LastName:          state.String(KeyLastName),
		Email:             state.String(KeyEmail),
	})
	if err != nil {
		return flow.LookupError("create appointment", err)
	}
	slog.Info("booking bookAppointment: appointment created", "conversationID", t.ConversationID(), "appointmentID", appt.ID, "type", appt.Type)

	if err := t.UpdateState(models.StateUpdate{KeyAppointmentTypeID: nil, KeyDatetime: nil}); err != nil {
		return err
	}
	if err := t.AddResponse(ResponseConfirmation, map[string]any{
		"type":     appt.Type,
		"datetime": scheduling.FormatDisplay(appt.Datetime),
	}); err != nil {
		return err
	}
	t.ClearExpectation()
	t.Done()
	return nil
}

// appointmentsStep is terminal: it lists upcoming appointments for the stored e-mail.
type appointmentsStep struct{ *bookingSteps }

func (appointmentsStep) ExtractInfo(ctx context.Context, state models.ConversationState, event models.InboundEvent) (models.StateUpdate, error) {
	return nil, nil
}

func (appointmentsStep) Satisfied(models.ConversationState) bool { return false }

func (s appointmentsStep) Prompt(t *flow.Turn) error {
	be, err := s.backend(t.Context())
	if err != nil {
		return err
	}
	appts, err := be.ListAppointments(t.Context(), scheduling.AppointmentFilter{
		Email:   t.State().String(KeyEmail),
		MinDate: s.opts.Now(),
	})
	if err != nil {
		return flow.LookupError("list appointments", err)
	}

	if len(appts) == 0 {
		err = t.AddResponse(ResponseUpcomingNone, nil)
	} else {
		err = t.AddResponse(ResponseUpcomingAppointments, map[string]any{
			"number/count": len(appts),
			"classes":      FormatUpcoming(appts),
		})
	}
	if err != nil {
		return err
	}
	t.ClearExpectation()
	t.Done()
	return nil
}

// FormatUpcoming renders appointments chronologically, one per line.
func FormatUpcoming(appts []scheduling.Appointment) string {
	sorted := append([]scheduling.Appointment(nil), appts...)
	scheduling.SortChronologically(sorted)
	lines := make([]string, len(sorted))
	for i, a := range sorted {
		lines[i] = scheduling.FormatDisplay(a.Datetime) + ": " + a.Type
	}
	return "\n" + strings.Join(lines, ", \n")
}
