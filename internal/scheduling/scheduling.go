// Package scheduling provides the appointment backend used by the booking flow.
//
// Backend is the collaborator contract; AcuityClient talks to the Acuity
// Scheduling REST API and StaticBackend serves fixed data for tests and the
// local simulator.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrRequestFailed wraps every failed backend call.
var ErrRequestFailed = errors.New("scheduling request failed")

// Appointment type kinds reported by the backend.
const (
	TypeClass   = "class"
	TypeService = "service"
)

// AppointmentType is a bookable offering.
type AppointmentType struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Private  bool   `json:"private"`
	Duration int    `json:"duration,omitempty"`
}

// ClassSession is one scheduled occurrence of a class.
type ClassSession struct {
	Time              string `json:"time"`
	AppointmentTypeID int64  `json:"appointmentTypeID"`
	Name              string `json:"name,omitempty"`
	Slots             int    `json:"slots,omitempty"`
	SlotsAvailable    int    `json:"slotsAvailable,omitempty"`
}

// Appointment is a booked appointment.
type Appointment struct {
	ID                int64  `json:"id"`
	Type              string `json:"type"`
	Datetime          string `json:"datetime"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	Email             string `json:"email"`
	AppointmentTypeID int64  `json:"appointmentTypeID"`
}

// AppointmentFilter narrows ListAppointments.
type AppointmentFilter struct {
	Email   string
	MinDate time.Time
}

// BookingDetails is everything needed to create an appointment.
type BookingDetails struct {
	AppointmentTypeID int64  `json:"appointmentTypeID"`
	Datetime          string `json:"datetime"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	Email             string `json:"email"`
}

// Validate checks that every booking field is present.
func (d BookingDetails) Validate() error {
	var missing []string
	if d.AppointmentTypeID == 0 {
		missing = append(missing, "appointmentTypeID")
	}
	if d.Datetime == "" {
		missing = append(missing, "datetime")
	}
	if d.FirstName == "" {
		missing = append(missing, "firstName")
	}
	if d.LastName == "" {
		missing = append(missing, "lastName")
	}
	if d.Email == "" {
		missing = append(missing, "email")
	}
	if len(missing) > 0 {
		return fmt.Errorf("booking details missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Backend is the scheduling collaborator.
type Backend interface {
	ListAppointmentTypes(ctx context.Context) ([]AppointmentType, error)
	ListAvailability(ctx context.Context, appointmentTypeID int64, month string) ([]ClassSession, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
	CreateAppointment(ctx context.Context, details BookingDetails) (Appointment, error)
}

// MonthFormat is the layout of the month parameter of ListAvailability.
const MonthFormat = "2006-01"

// DisplayFormat renders times for reply labels and confirmations, e.g. "Mar 4, 6:30pm".
const DisplayFormat = "Jan 2, 3:04pm"

// acuityTimeLayout is how Acuity writes session and appointment times.
const acuityTimeLayout = "2006-01-02T15:04:05-0700"

var timeLayouts = []string{
	time.RFC3339,
	acuityTimeLayout,
	"2006-01-02T15:04:05",
}

// ParseTime parses a backend timestamp.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// FormatDisplay renders a backend timestamp with DisplayFormat, or returns it
// unchanged when it cannot be parsed.
func FormatDisplay(s string) string {
	t, err := ParseTime(s)
	if err != nil {
		return s
	}
	return t.Format(DisplayFormat)
}

// PublicClasses keeps the class types open to the public.
func PublicClasses(types []AppointmentType) []AppointmentType {
	out := make([]AppointmentType, 0, len(types))
	for _, t := range types {
		if t.Type == TypeClass && !t.Private {
			out = append(out, t)
		}
	}
	return out
}

// SortChronologically orders appointments by start time, earliest first.
// Unparseable timestamps sort after parseable ones, by their raw text.
func SortChronologically(appts []Appointment) {
	slices.SortStableFunc(appts, func(a, b Appointment) int {
		ta, errA := ParseTime(a.Datetime)
		tb, errB := ParseTime(b.Datetime)
		switch {
		case errA == nil && errB == nil:
			return ta.Compare(tb)
		case errA == nil:
			return -1
		case errB == nil:
			return 1
		default:
			return strings.Compare(a.Datetime, b.Datetime)
		}
	})
}
