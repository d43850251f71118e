// Package booking is the class-booking conversation: it collects an
// appointment type, a session time, the client's name and e-mail address,
// then books the class. A second stream lists upcoming bookings.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/StepFlow/internal/flow"
	"github.com/BTreeMap/StepFlow/internal/nlu"
	"github.com/BTreeMap/StepFlow/internal/scheduling"
)

// Stream names.
const (
	StreamBookClass   = "bookClass"
	StreamGetBookings = "getBookings"
)

// Step identifiers.
const (
	StepGetAppointmentType = "getAppointmentType"
	StepGetDatetime        = "getDatetime"
	StepGetName            = "getName"
	StepGetEmail           = "getEmail"
	StepBookAppointment    = "bookAppointment"
	StepGetAppointments    = "getAppointments"
)

// Intents.
const (
	IntentCheck        = "check"
	IntentProvideEmail = "provide/email"
	IntentProvideName  = nlu.IntentProvideName
)

// Conversation state keys.
const (
	KeyAppointmentTypeID = "appointmentTypeID"
	KeyDatetime          = "datetime"
	KeyFirstName         = "firstName"
	KeyLastName          = "lastName"
	KeyEmail             = "email"
)

// Response keys.
const (
	ResponsePromptType           = "prompt/type"
	ResponsePromptDatetime       = "prompt/datetime"
	ResponsePromptName           = "prompt/name"
	ResponsePromptEmail          = "prompt/email"
	ResponseConfirmation         = "confirmation"
	ResponseUpcomingAppointments = "upcoming/appointments"
	ResponseUpcomingNone         = "upcoming/none"

	// ResponseSorry is the fallback delivered when a turn fails.
	ResponseSorry = "error/sorry"
)

// BackendFactory builds the scheduling backend for one turn.
type BackendFactory func(ctx context.Context) (scheduling.Backend, error)

// AcuityFactory returns a factory building a fresh Acuity client per turn.
func AcuityFactory(cfg scheduling.Config) BackendFactory {
	return func(ctx context.Context) (scheduling.Backend, error) {
		return scheduling.NewAcuityClient(cfg)
	}
}

// StaticFactory returns a factory that always hands out b.
func StaticFactory(b scheduling.Backend) BackendFactory {
	return func(ctx context.Context) (scheduling.Backend, error) {
		return b, nil
	}
}

// Opts configures the booking flow.
type Opts struct {
	Backend BackendFactory
	Now     func() time.Time
}

// Option defines a configuration option for the booking flow.
type Option func(*Opts)

// WithBackendFactory sets how the scheduling backend is built for each turn.
func WithBackendFactory(f BackendFactory) Option {
	return func(o *Opts) {
		o.Backend = f
	}
}

// WithBackend uses one backend for every turn.
func WithBackend(b scheduling.Backend) Option {
	return WithBackendFactory(StaticFactory(b))
}

// WithClock overrides the clock used for availability months and minimum dates.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// NewFlow builds the booking FlowSpec and its step registry.
func NewFlow(opts ...Option) (flow.FlowSpec, *flow.Registry, error) {
	o := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Backend == nil {
		return flow.FlowSpec{}, nil, errors.New("booking: scheduling backend is required")
	}

	reg := flow.NewRegistry()
	b := &bookingSteps{opts: o}
	reg.MustRegister(StepGetAppointmentType, appointmentTypeStep{b})
	reg.MustRegister(StepGetDatetime, datetimeStep{b})
	reg.MustRegister(StepGetName, nameStep{})
	reg.MustRegister(StepGetEmail, emailStep{})
	reg.MustRegister(StepBookAppointment, bookStep{b})
	reg.MustRegister(StepGetAppointments, appointmentsStep{b})

	spec := flow.FlowSpec{
		Main: StreamBookClass,
		Streams: map[string]flow.Stream{
			StreamBookClass: {
				Name:  StreamBookClass,
				Steps: []string{StepGetAppointmentType, StepGetDatetime, StepGetName, StepGetEmail, StepBookAppointment},
			},
			StreamGetBookings: {
				Name:  StreamGetBookings,
				Steps: []string{StepGetEmail, StepGetAppointments},
			},
		},
		Classifications: map[string]string{
			IntentCheck: StreamGetBookings,
		},
	}
	if err := spec.Validate(reg); err != nil {
		return flow.FlowSpec{}, nil, err
	}
	return spec, reg, nil
}

// IntentRules are keyword rules recognizing the booking intents.
func IntentRules() []nlu.Rule {
	return []nlu.Rule{
		{Intent: IntentCheck, Keywords: []string{"check", "my bookings", "my classes", "upcoming", "appointments", "schedule"}},
	}
}

// Intents lists every intent the booking flow understands.
func Intents() []string {
	return []string{IntentCheck, IntentProvideEmail, IntentProvideName}
}

// bookingSteps holds what the collaborator-backed steps share.
type bookingSteps struct {
	opts Opts
}

func (b *bookingSteps) backend(ctx context.Context) (scheduling.Backend, error) {
	be, err := b.opts.Backend(ctx)
	if err != nil {
		return nil, flow.LookupError("build scheduling backend", err)
	}
	return be, nil
}
