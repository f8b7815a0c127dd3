package llm

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a vendor that has no usable credential.
// It is never worth retrying.
type ConfigurationError struct {
	Provider string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s API key not set", e.Provider)
}

// ProtocolError reports a vendor response that could not be decoded.
type ProtocolError struct {
	Provider string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Provider, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrUnknownModel is returned when a model id is not in the catalog or
// its provider has no credential.
var ErrUnknownModel = errors.New("unknown or unavailable model")

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
