package queue

import (
	stderr "errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrJobNotFound is returned by Retry when the failed store has no job with the given id.
	ErrJobNotFound = stderr.New("failed job not found")
	// ErrHandlerNotFound is returned when no handler is registered for a job type.
	ErrHandlerNotFound = stderr.New("no handler registered for job type")
)

// ConfigError reports a connection that cannot be resolved or built.
type ConfigError struct {
	Connection string
	Reason     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("queue connection [%s]: %s", e.Connection, e.Reason)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig checks the `validate` tags of a driver config struct.
func ValidateConfig(connection string, cfg any) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if stderr.As(err, &verrs) && len(verrs) > 0 {
		return &ConfigError{
			Connection: connection,
			Reason:     fmt.Sprintf("option %q failed the %q check", verrs[0].Field(), verrs[0].Tag()),
		}
	}

	return &ConfigError{Connection: connection, Reason: err.Error()}
}
