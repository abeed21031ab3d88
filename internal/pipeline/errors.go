package pipeline

import (
	"errors"
	"fmt"
)

var ErrModelOutput = errors.New("pipeline: unexpected model output")

// ConfigError rejects a pipeline configuration before any frame is processed.
type ConfigError struct {
	Mode   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeline: mode %q: %s", e.Mode, e.Reason)
}

// StageError is a failure inside one stage for one frame.
type StageError struct {
	Stage string
	Err   error
	// Panic is set when the stage panicked rather than returned an error.
	Panic bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
