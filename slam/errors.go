package slam

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports settings or vocabulary that cannot be used. No worker is running
// when it is returned.
type ConfigurationError struct {
	What string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.What, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func newConfigurationError(what string, err error) error {
	return &ConfigurationError{What: what, Err: err}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// UsageError reports a call the system cannot honor as made, such as ingesting on the wrong
// sensor modality.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return "usage error: " + e.Msg
}

func newUsageError(format string, args ...interface{}) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// IsUsageError reports whether err is or wraps a UsageError.
func IsUsageError(err error) bool {
	var target *UsageError
	return errors.As(err, &target)
}

// PersistenceWriteError reports a map file that could not be written during a permitted save.
type PersistenceWriteError struct {
	Path string
	Err  error
}

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("cannot write map file %q: %v", e.Path, e.Err)
}

func (e *PersistenceWriteError) Unwrap() error {
	return e.Err
}

// IsPersistenceWriteError reports whether err is or wraps a PersistenceWriteError.
func IsPersistenceWriteError(err error) bool {
	var target *PersistenceWriteError
	return errors.As(err, &target)
}
