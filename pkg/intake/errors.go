package intake

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey rejects ingestion requests whose key resolves to no
	// account.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrInvalidWebhookToken rejects webhook triggers whose token does not
	// match the automation's secret. Deliberately indistinguishable from a
	// missing token.
	ErrInvalidWebhookToken = errors.New("invalid webhook token")

	// ErrInvalidSession rejects manual triggers whose bearer token resolves
	// to no account.
	ErrInvalidSession = errors.New("invalid session")

	// ErrAutomationNotRunnable rejects triggers against automations that
	// exist but are not configured to accept this trigger (wrong trigger
	// type, or not active).
	ErrAutomationNotRunnable = errors.New("automation does not accept this trigger")
)

// ValidationError carries the field-level reasons a trigger body was rejected.
// Rejected bodies never reach the queue.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trigger payload: %v", e.Reasons)
}

func NewValidationError(reasons ...string) *ValidationError {
	return &ValidationError{Reasons: reasons}
}

// IsValidationError reports whether err is a payload validation failure.
func IsValidationError(err error) bool {
	var validationErr *ValidationError

	return errors.As(err, &validationErr)
}
