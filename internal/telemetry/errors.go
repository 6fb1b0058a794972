package telemetry

import (
	"errors"
	"fmt"
)

// ErrSourceUnavailable marks failures of the underlying telemetry store.
var ErrSourceUnavailable = errors.New("telemetry source unavailable")

// ValidationError reports malformed caller input. It is raised before any
// store access.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unavailable wraps a store failure so that errors.Is(err, ErrSourceUnavailable)
// holds while the original cause stays inspectable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrSourceUnavailable, err)
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
