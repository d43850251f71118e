package scheduling

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StaticBackend is an in-memory Backend. Created appointments are appended to
// Appointments, so a later ListAppointments sees them.
type StaticBackend struct {
	mu           sync.Mutex
	types        []AppointmentType
	sessions     []ClassSession
	appointments []Appointment
	nextID       int64

	// Err, when set, is returned from every call.
	Err error
}

var _ Backend = (*StaticBackend)(nil)

// NewStaticBackend creates a backend serving the given types and sessions.
func NewStaticBackend(types []AppointmentType, sessions []ClassSession) *StaticBackend {
	return &StaticBackend{types: types, sessions: sessions, nextID: 1}
}

// NewDemoBackend returns a backend with two public classes, one private class
// and one service, with sessions over the two weeks after now. It backs the
// console simulator and runs without Acuity credentials.
func NewDemoBackend(now time.Time) *StaticBackend {
	types := []AppointmentType{
		{ID: 101, Name: "Morning Yoga", Type: TypeClass, Duration: 60},
		{ID: 102, Name: "Spin", Type: TypeClass, Duration: 45},
		{ID: 103, Name: "Staff Training", Type: TypeClass, Private: true, Duration: 90},
		{ID: 104, Name: "Personal Consultation", Type: TypeService, Duration: 30},
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var sessions []ClassSession
	for _, offset := range []int{1, 3, 8, 10} {
		d := day.AddDate(0, 0, offset)
		sessions = append(sessions,
			ClassSession{Time: d.Add(7 * time.Hour).Format(acuityTimeLayout), AppointmentTypeID: 101, Name: "Morning Yoga", SlotsAvailable: 12},
			ClassSession{Time: d.Add(18*time.Hour + 30*time.Minute).Format(acuityTimeLayout), AppointmentTypeID: 102, Name: "Spin", SlotsAvailable: 8},
		)
	}
	return NewStaticBackend(types, sessions)
}

func (b *StaticBackend) failure(op string) error {
	if b.Err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrRequestFailed, op, b.Err)
}

func (b *StaticBackend) ListAppointmentTypes(ctx context.Context) ([]AppointmentType, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("list appointment types"); err != nil {
		return nil, err
	}
	return append([]AppointmentType(nil), b.types...), nil
}

// ListAvailability ignores the month and filters by type only.
func (b *StaticBackend) ListAvailability(ctx context.Context, appointmentTypeID int64, month string) ([]ClassSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("list availability"); err != nil {
		return nil, err
	}
	var out []ClassSession
	for _, s := range b.sessions {
		if s.AppointmentTypeID == appointmentTypeID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *StaticBackend) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("list appointments"); err != nil {
		return nil, err
	}
	var out []Appointment
	for _, a := range b.appointments {
		if filter.Email != "" && !strings.EqualFold(a.Email, filter.Email) {
			continue
		}
		if !filter.MinDate.IsZero() {
			if t, err := ParseTime(a.Datetime); err == nil && t.Before(filter.MinDate) {
				continue
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (b *StaticBackend) CreateAppointment(ctx context.Context, details BookingDetails) (Appointment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("create appointment"); err != nil {
		return Appointment{}, err
	}
	if err := details.Validate(); err != nil {
		return Appointment{}, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	appt := Appointment{
		ID:                b.nextID,
		Datetime:          details.Datetime,
		FirstName:         details.FirstName,
		LastName:          details.LastName,
		Email:             details.Email,
		AppointmentTypeID: details.AppointmentTypeID,
	}
	for _, t := range b.types {
		if t.ID == details.AppointmentTypeID {
			appt.Type = t.Name
		}
	}
	b.nextID++
	b.appointments = append(b.appointments, appt)
	return appt, nil
}

// AddAppointment seeds an existing appointment.
func (b *StaticBackend) AddAppointment(a Appointment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.ID == 0 {
		a.ID = b.nextID
		b.nextID++
	}
	b.appointments = append(b.appointments, a)
}

// Appointments returns a snapshot of booked appointments.
func (b *StaticBackend) Appointments() []Appointment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Appointment(nil), b.appointments...)
}
