package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get for unknown ids.
	ErrNotFound = errors.New("agent definition not found")
	// ErrConfig classifies definition and catalog root problems.
	ErrConfig = errors.New("catalog configuration error")
)

// ConfigError describes why a path could not be loaded.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }
