package catalog

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a host name is not in the catalog.
var ErrNotFound = errors.New("host not found")

// ConfigError reports an invalid catalog or routing table. It is fatal
// to a run and must surface before any remote action.
type ConfigError struct {
	Field   string
	Value   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// IsConfigError reports whether err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
