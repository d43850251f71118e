package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultAcuityBaseURL is the Acuity Scheduling REST root.
const DefaultAcuityBaseURL = "https://acuityscheduling.com/api/v1"

// DefaultTimeout bounds one backend request.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept for the error message.
const maxErrorBody = 512

// Config holds the credentials and transport for an AcuityClient.
type Config struct {
	UserID     string
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// AcuityClient is a Backend over the Acuity Scheduling API using HTTP basic auth.
// It holds no state beyond its config and is cheap to build per turn.
type AcuityClient struct {
	cfg  Config
	http *http.Client
}

var _ Backend = (*AcuityClient)(nil)

// NewAcuityClient validates cfg and fills in defaults.
func NewAcuityClient(cfg Config) (*AcuityClient, error) {
	if cfg.UserID == "" || cfg.APIKey == "" {
		return nil, errors.New("acuity user id and api key are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAcuityBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &AcuityClient{cfg: cfg, http: hc}, nil
}

// ListAppointmentTypes fetches every appointment type on the account.
func (c *AcuityClient) ListAppointmentTypes(ctx context.Context) ([]AppointmentType, error) {
	var types []AppointmentType
	if err := c.do(ctx, http.MethodGet, "/appointment-types", nil, nil, &types); err != nil {
		return nil, err
	}
	return types, nil
}

// ListAvailability fetches class sessions of one type in a month ("2006-01").
func (c *AcuityClient) ListAvailability(ctx context.Context, appointmentTypeID int64, month string) ([]ClassSession, error) {
	q := url.Values{}
	q.Set("month", month)
	q.Set("appointmentTypeID", strconv.FormatInt(appointmentTypeID, 10))
	var sessions []ClassSession
	if err := c.do(ctx, http.MethodGet, "/availability/classes", q, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListAppointments fetches appointments matching filter.
func (c *AcuityClient) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	q := url.Values{}
	if filter.Email != "" {
		q.Set("email", filter.Email)
	}
	if !filter.MinDate.IsZero() {
		q.Set("minDate", filter.MinDate.UTC().Format(time.RFC3339))
	}
	var appts []Appointment
	if err := c.do(ctx, http.MethodGet, "/appointments", q, nil, &appts); err != nil {
		return nil, err
	}
	return appts, nil
}

// CreateAppointment books an appointment.
func (c *AcuityClient) CreateAppointment(ctx context.Context, details BookingDetails) (Appointment, error) {
	if err := details.Validate(); err != nil {
		return Appointment{}, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	var appt Appointment
	if err := c.do(ctx, http.MethodPost, "/appointments", nil, details, &appt); err != nil {
		return Appointment{}, err
	}
	return appt, nil
}

func (c *AcuityClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode %s body: %w", ErrRequestFailed, path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: build %s request: %w", ErrRequestFailed, path, err)
	}
	req.SetBasicAuth(c.cfg.UserID, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("AcuityClient request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, path, err)
	}
	defer resp.Body.Close()
	slog.Debug("AcuityClient request completed", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRequestFailed, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", ErrRequestFailed, path, err)
	}
	return nil
}
