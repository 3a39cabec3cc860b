package config

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is wrapped by every lookup of an absent agent, schedule or team.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed name, cron expression or field value.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateName checks an agent, schedule or team name. Names become file
// names, so anything that could escape the directory is refused.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || len(name) > 128 {
		return &ValidationError{Field: "name", Value: name, Reason: "must match [a-z0-9][a-z0-9._-]*"}
	}
	return nil
}
