// Package channel turns declared logical channels into concrete adapters.
//
// A Resolver ranks the detectors of a channel's kind by priority, keeps the
// first whose detection is available and whose health check passes, and
// binds it to the adapter constructor registered for that (kind, provider)
// pair in a static Registry.
package channel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/detection"
)

// Kind aliases the detection kind so callers need a single import.
type Kind = detection.ChannelKind

const (
	KindEmail  = detection.KindEmail
	KindQueue  = detection.KindQueue
	KindStream = detection.KindStream
)

var (
	ErrChannelConfig      = errors.New("channel configuration error")
	ErrChannelNameEmpty   = errors.New("channel name is required")
	ErrChannelKindInvalid = errors.New("channel kind must be email, queue or stream")
)

// Spec is a declared logical channel. It is immutable once loaded.
type Spec struct {
	Name string
	Kind Kind
	// Provider optionally pins the channel to one provider.
	Provider string
	Config   map[string]any
}

// Validate checks that the spec has a name and a known kind.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrChannelNameEmpty
	}

	if !s.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrChannelKindInvalid, s.Kind)
	}

	return nil
}

// Resolution binds a channel to a concrete provider.
type Resolution struct {
	Channel     string
	Kind        Kind
	Provider    string
	Constructor Constructor
	Params      adapter.Params
	Detection   detection.Result
}

// NewAdapter constructs, but does not initialize, the bound adapter.
func (r Resolution) NewAdapter() (adapter.Adapter, error) {
	if r.Constructor == nil {
		return nil, &ConfigError{Channel: r.Channel, Kind: r.Kind, Provider: r.Provider, Reason: "no adapter constructor"}
	}

	a, err := r.Constructor(r.Params)
	if err != nil {
		return nil, fmt.Errorf("construct %s adapter for %s: %w", r.Provider, r.Channel, err)
	}

	return a, nil
}

// ConfigError reports that no provider resolves for a channel. It matches
// ErrChannelConfig under errors.Is.
type ConfigError struct {
	Channel  string
	Kind     Kind
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: channel %q (%s)", ErrChannelConfig.Error(), e.Channel, e.Kind)

	if e.Provider != "" {
		fmt.Fprintf(&b, " provider %q", e.Provider)
	}

	b.WriteString(": ")
	b.WriteString(e.Reason)

	return b.String()
}

// Is matches ErrChannelConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrChannelConfig
}
