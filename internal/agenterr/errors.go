// Package agenterr provides structured error types for the tracker agent.
package agenterr

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	// ErrPermissionDenied blocks a timer start while either OS capability
	// grant (accessibility, screen recording) is missing.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimerRunning rejects a start request while a session is already
	// accruing time for a project.
	ErrTimerRunning = errors.New("timer already running")

	// ErrNoPendingIdle is returned when an idle resolution arrives and no
	// idle period is awaiting a decision. Late or duplicate resolutions
	// treat this as a local no-op, not a failure.
	ErrNoPendingIdle = errors.New("no pending idle period")

	// ErrSensorUnavailable marks an inactivity probe that cannot be read.
	// Idle detection degrades to "always active" while it persists.
	ErrSensorUnavailable = errors.New("activity sensor unavailable")

	// ErrQueuePersistence means an evidence item could not be made durable.
	// The enqueue that triggered it is considered failed.
	ErrQueuePersistence = errors.New("upload queue persistence failed")

	// ErrQuitBlocked indicates termination is held back by undrained
	// upload items.
	ErrQuitBlocked = errors.New("quit blocked by pending uploads")
)

// UploadError represents a failed evidence transmission. Status 0 means
// the request never reached the server (network-level failure).
type UploadError struct {
	Status  int
	Message string
	Err     error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload error (status %d): %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("upload error (status %d): %s", e.Status, e.Message)
}

func (e *UploadError) Unwrap() error { return e.Err }

// NewUploadError creates an UploadError for an HTTP status.
func NewUploadError(status int, message string) *UploadError {
	return &UploadError{Status: status, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth
// retrying with backoff.
func IsRetryable(err error) bool {
	var upErr *UploadError
	if errors.As(err, &upErr) {
		if upErr.Status == 0 {
			return true
		}
		switch upErr.Status {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return errors.Is(err, ErrSensorUnavailable)
}
