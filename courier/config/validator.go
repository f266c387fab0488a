package config

import (
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/zap"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found by Validate.
type ValidationErrors []ValidationError

// Error joins every failure on its own line.
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

func validEnvironments() []zap.Environment {
	return []zap.Environment{
		zap.EnvironmentProduction,
		zap.EnvironmentStaging,
		zap.EnvironmentDevelopment,
		zap.EnvironmentLocal,
	}
}

// Validate returns every invalid value; nil means the configuration is usable.
// Secrets are never echoed back.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	add := func(field string, value any, message string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: message})
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		add("log.level", c.Log.Level, "must be one of debug, info, warn, error")
	}

	envOK := false

	for _, env := range validEnvironments() {
		if strings.EqualFold(c.Log.Environment, string(env)) {
			envOK = true
		}
	}

	if !envOK {
		add("log.environment", c.Log.Environment, "must be one of production, staging, development, local")
	}

	if c.Postgres.MaxConns < 0 {
		add("postgres.max_conns", c.Postgres.MaxConns, "must not be negative")
	}

	if c.Dispatcher.PollInterval <= 0 {
		add("dispatcher.poll_interval", c.Dispatcher.PollInterval, "must be positive")
	}

	if c.Dispatcher.BatchSize <= 0 {
		add("dispatcher.batch_size", c.Dispatcher.BatchSize, "must be positive")
	}

	if c.Dispatcher.PublishMaxAttempts <= 0 {
		add("dispatcher.publish_max_attempts", c.Dispatcher.PublishMaxAttempts, "must be positive")
	}

	if c.Dispatcher.SendTimeout <= 0 {
		add("dispatcher.send_timeout", c.Dispatcher.SendTimeout, "must be positive")
	}

	if c.Dispatcher.StuckAfter < 0 {
		add("dispatcher.stuck_after", c.Dispatcher.StuckAfter, "must not be negative")
	}

	if c.Providers.ProbeTimeout <= 0 {
		add("providers.probe_timeout", c.Providers.ProbeTimeout, "must be positive")
	}

	seen := make(map[string]bool, len(c.Channels))

	for i, spec := range c.ChannelSpecs() {
		field := fmt.Sprintf("channels[%d]", i)

		if err := spec.Validate(); err != nil {
			add(field, spec.Name, err.Error())

			continue
		}

		if seen[spec.Name] {
			add(field+".name", spec.Name, "is declared more than once")
		}

		seen[spec.Name] = true
	}

	for _, name := range c.Dispatcher.Channels {
		if !seen[strings.TrimSpace(name)] {
			add("dispatcher.channels", name, "is not a declared channel")
		}
	}

	return errs
}
