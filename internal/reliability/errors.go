package reliability

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned for retry settings that cannot be run
var ErrInvalidConfig = errors.New("retry: invalid configuration")

// ConfigError names the offending retry setting
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("retry: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}
