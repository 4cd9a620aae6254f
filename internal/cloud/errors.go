package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrUnreachable   = errors.New("cloud service unreachable")
	ErrTimeout       = errors.New("cloud request timed out")
	ErrJobFailed     = errors.New("transcription job failed")
	ErrNotConfigured = errors.New("cloud service not configured")
)

// APIError is a non-2xx response from the cloud service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud request failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx).
// Client errors (4xx) are considered permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// IsValidation reports whether the service rejected the request input.
func (e *APIError) IsValidation() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// JobError carries the message the service reported for a failed job.
type JobError struct {
	JobID   string
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("transcription job %s failed: %s", e.JobID, e.Message)
}

func (e *JobError) Unwrap() error { return ErrJobFailed }

// classify maps a transport failure onto the package sentinels. Context
// cancellation is passed through untouched so callers can tell it apart.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnreachable, err)
}
