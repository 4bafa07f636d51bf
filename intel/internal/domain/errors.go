package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks storage errors that are worth retrying.
	ErrTransient = errors.New("transient storage error")

	// ErrGovernanceDenied is a normal skip, not a failure.
	ErrGovernanceDenied = errors.New("governance denied")

	// ErrAuditWriteFailure means the audit record could not be written and the
	// associated state change was not committed.
	ErrAuditWriteFailure = errors.New("audit write failure")

	// ErrPatternSupportTooLow is informational.
	ErrPatternSupportTooLow = errors.New("pattern support too low")

	// ErrSystemic aborts the current stage run.
	ErrSystemic = errors.New("systemic failure")

	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports a malformed telemetry payload.
type ValidationError struct {
	TenantID TenantID
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.TenantID == "" {
		return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid payload for tenant %s: %s: %s", e.TenantID, e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
