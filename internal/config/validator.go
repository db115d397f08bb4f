package config

import (
	"fmt"
	"strings"

	"github.com/roach88/ordserv/internal/transport"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config key, e.g. "server.queue_size"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks every section and returns all failures.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if len(c.Server.Listen) == 0 {
		errs = append(errs, ValidationError{Field: "server.listen", Value: c.Server.Listen, Message: "at least one address required"})
	}
	for _, addr := range c.Server.Listen {
		if _, err := transport.ParseAddress(addr); err != nil {
			errs = append(errs, ValidationError{Field: "server.listen", Value: addr, Message: err.Error()})
		}
	}
	if c.Server.QueueSize < 1 {
		errs = append(errs, ValidationError{Field: "server.queue_size", Value: c.Server.QueueSize, Message: "must be positive"})
	}
	if c.Server.Watch && c.Server.Schedule == "" {
		errs = append(errs, ValidationError{Field: "server.watch", Value: true, Message: "requires server.schedule"})
	}

	if c.Client.Addr != "" {
		if _, err := transport.ParseAddress(c.Client.Addr); err != nil {
			errs = append(errs, ValidationError{Field: "client.addr", Value: c.Client.Addr, Message: err.Error()})
		}
	}
	if c.Client.Port < 0 || c.Client.Port > 65535 {
		errs = append(errs, ValidationError{Field: "client.port", Value: c.Client.Port, Message: "must be between 0 and 65535"})
	}
	if c.Client.WaitTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "client.wait_timeout", Value: c.Client.WaitTimeoutMs, Message: "must not be negative"})
	}

	if !IsValidLevel(c.Log.Level) {
		errs = append(errs, ValidationError{Field: "log.level", Value: c.Log.Level, Message: "must be one of debug, info, warn, error"})
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, ValidationError{Field: "log.format", Value: c.Log.Format, Message: "must be text or json"})
	}

	return errs
}

// IsValidLevel reports whether level names a log level.
func IsValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
