package adapter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
)

// Params are the connection parameters a resolved channel hands to an
// adapter constructor.
type Params struct {
	Channel       string
	Provider      string
	ConnectionURL string
	APIURL        string
	// Config is the provider-specific map declared on the channel.
	Config   map[string]any
	Logger   log.Logger
	Renderer Renderer
}

// String returns Config[key] as a string, or fallback when unset or blank.
func (p Params) String(key, fallback string) string {
	raw, ok := p.Config[key]
	if !ok || raw == nil {
		return fallback
	}

	value := strings.TrimSpace(fmt.Sprint(raw))
	if value == "" {
		return fallback
	}

	return value
}

// Int returns Config[key] as an int, or fallback when unset or malformed.
func (p Params) Int(key string, fallback int) int {
	switch v := p.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}

	return fallback
}

// Duration accepts a time.Duration, a Go duration string or a number of
// milliseconds.
func (p Params) Duration(key string, fallback time.Duration) time.Duration {
	switch v := p.Config[key].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	}

	return fallback
}

// Bool reads Config[key] as a boolean.
func (p Params) Bool(key string, fallback bool) bool {
	switch v := p.Config[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}

	return fallback
}

// LoggerOrNop returns the configured logger, or a no-op one.
func (p Params) LoggerOrNop() log.Logger {
	if p.Logger == nil {
		return log.NewNop()
	}

	return p.Logger
}

// RendererOrDefault returns the configured renderer, or the interpolation one.
func (p Params) RendererOrDefault() Renderer {
	if p.Renderer == nil {
		return NewTemplateRenderer()
	}

	return p.Renderer
}
