// Package enrollment submits completed enrollments and appointment bookings
// to the remote program backend.
package enrollment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/dr-enrollment/internal/scheduling"
	"github.com/wolfman30/dr-enrollment/pkg/logging"
)

const defaultTimeout = 20 * time.Second

// Submission is the enrollment payload sent once per session.
type Submission struct {
	SessionID       string `json:"submission_id"`
	InstanceID      string `json:"instance_id"`
	DeviceType      string `json:"device_type"`
	PromoCode       string `json:"promo_code,omitempty"`
	AccountNumber   string `json:"account_number"`
	ZipCode         string `json:"zip_code"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	Street          string `json:"street"`
	City            string `json:"city"`
	State           string `json:"state"`
	ServiceZip      string `json:"service_zip"`
	Ownership       string `json:"ownership"`
	ThermostatCount string `json:"thermostat_count,omitempty"`
}

// Result carries the scheduling identifiers issued for an enrollment.
type Result struct {
	FSRNo      string `json:"fsr_no"`
	CANo       string `json:"ca_no"`
	ComvergeNo string `json:"comverge_no"`
}

// AppointmentRequest books an installation window.
type AppointmentRequest struct {
	SessionID  string              `json:"submission_id"`
	AccountRef string              `json:"account"`
	FSRNo      string              `json:"fsr_no,omitempty"`
	Date       string              `json:"schedule_date"`
	TimeCode   scheduling.TimeCode `json:"schedule_time"`
}

// AppointmentResult confirms a booking.
type AppointmentResult struct {
	ConfirmationNo string              `json:"confirmation_no"`
	FSRNo          string              `json:"fsr_no"`
	Date           string              `json:"schedule_date"`
	TimeCode       scheduling.TimeCode `json:"schedule_time"`
}

// RejectedError is a definitive refusal by the backend. Retrying the same
// payload will not succeed.
type RejectedError struct {
	Op     string
	Status int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("enrollment: %s rejected (status %d): %s", e.Op, e.Status, e.Reason)
}

// Code is the user-facing error code.
func (e *RejectedError) Code() string { return "ENROLLMENT_REJECTED" }

// IsRejected reports whether err is a definitive rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Submitter is the remote enrollment collaborator.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) (*Result, error)
	BookAppointment(ctx context.Context, req AppointmentRequest) (*AppointmentResult, error)
}

// Client is the HTTP implementation of Submitter.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *logging.Logger
}

// NewClient creates an enrollment backend client.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *logging.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger,
	}
}

// Submit enrolls the customer. The session ID doubles as the idempotency
// key so a replayed request cannot enroll twice on the backend either.
func (c *Client) Submit(ctx context.Context, sub Submission) (*Result, error) {
	var out Result
	if err := c.doJSON(ctx, "submit_enrollment", "/v1/enrollments", sub.SessionID+":enroll", sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BookAppointment reserves the chosen window.
func (c *Client) BookAppointment(ctx context.Context, req AppointmentRequest) (*AppointmentResult, error) {
	var out AppointmentResult
	if err := c.doJSON(ctx, "book_appointment", "/v1/appointments", req.SessionID+":schedule", req, &out); err != nil {
		return nil, err
	}
	if out.Date == "" {
		out.Date = req.Date
	}
	if out.TimeCode == "" {
		out.TimeCode = req.TimeCode
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, op, path, idempotencyKey string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("enrollment: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("enrollment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return scheduling.NewTransportError(op, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return scheduling.NewTransportError(op, 0, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.logger.Warn("enrollment backend unavailable", "op", op, "status", resp.StatusCode)
		return scheduling.NewTransportError(op, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return &RejectedError{Op: op, Status: resp.StatusCode, Reason: rejectionReason(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &scheduling.TransportError{Op: op, Malformed: true, Err: err}
	}
	return nil
}

func rejectionReason(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}
