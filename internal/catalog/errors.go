package catalog

import (
	"errors"
	"fmt"
)

// ErrUnknownSource is wrapped by lookups for source IDs missing from the registry.
var ErrUnknownSource = errors.New("unknown source")

// ConfigurationError marks a fatal setup problem: an unknown source, an
// invalid descriptor field or a missing credential. It aborts the run before
// any page is visited.
type ConfigurationError struct {
	Source string
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Source != "" {
		msg += " [" + e.Source + "]"
	}
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
