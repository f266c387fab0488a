package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
)

// Resolver turns a Spec into a Resolution. It keeps no cache: every call
// runs detection again.
type Resolver struct {
	detectors   []detection.Detector
	registry    *Registry
	healthCheck bool
	fallbacks   bool
	logger      log.Logger
	renderer    adapter.Renderer
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHealthCheck toggles the health check run after a successful detection.
func WithHealthCheck(enabled bool) Option {
	return func(r *Resolver) {
		r.healthCheck = enabled
	}
}

// WithFallbacks toggles automatic selection of FallbackPriority detectors.
// A channel that names a fallback provider explicitly still gets it.
func WithFallbacks(enabled bool) Option {
	return func(r *Resolver) {
		r.fallbacks = enabled
	}
}

// WithLogger sets the logger used for resolution decisions.
func WithLogger(logger log.Logger) Option {
	return func(r *Resolver) {
		if !nilcheck.Interface(logger) {
			r.logger = logger
		}
	}
}

// WithRenderer sets the renderer handed to email adapters.
func WithRenderer(renderer adapter.Renderer) Option {
	return func(r *Resolver) {
		if !nilcheck.Interface(renderer) {
			r.renderer = renderer
		}
	}
}

// NewResolver builds a Resolver. A nil registry means DefaultRegistry with
// default dependencies.
func NewResolver(detectors []detection.Detector, registry *Registry, opts ...Option) *Resolver {
	if registry == nil {
		registry = DefaultRegistry(Dependencies{})
	}

	r := &Resolver{
		detectors:   append([]detection.Detector(nil), detectors...),
		registry:    registry,
		healthCheck: true,
		fallbacks:   true,
		logger:      log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

// Candidates returns the detectors Resolve would try for spec, in order.
func (r *Resolver) Candidates(spec Spec) []detection.Detector {
	explicit := strings.TrimSpace(spec.Provider)

	candidates := make([]detection.Detector, 0, len(r.detectors))

	for _, d := range r.detectors {
		if nilcheck.Interface(d) || d.Kind() != spec.Kind {
			continue
		}

		if explicit != "" {
			if d.ProviderName() == explicit {
				candidates = append(candidates, d)
			}

			continue
		}

		if !r.fallbacks && d.Priority() >= detection.FallbackPriority {
			continue
		}

		candidates = append(candidates, d)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority() < candidates[j].Priority()
	})

	return candidates
}

// Resolve picks the first candidate whose detection is available, whose
// health check passes and which has a registered constructor. An explicit
// provider is never substituted. Failures are *ConfigError.
func (r *Resolver) Resolve(ctx context.Context, spec Spec) (Resolution, error) {
	if err := spec.Validate(); err != nil {
		return Resolution{}, &ConfigError{Channel: spec.Name, Kind: spec.Kind, Provider: spec.Provider, Reason: err.Error()}
	}

	explicit := strings.TrimSpace(spec.Provider)

	if explicit != "" {
		if _, ok := r.registry.Lookup(spec.Kind, explicit); !ok {
			return Resolution{}, &ConfigError{
				Channel: spec.Name, Kind: spec.Kind, Provider: explicit,
				Reason: "no adapter registered for this provider and kind",
			}
		}
	}

	candidates := r.Candidates(spec)
	if len(candidates) == 0 {
		reason := "no detectors registered for this kind"
		if explicit != "" {
			reason = "no detector registered for this provider and kind"
		}

		return Resolution{}, &ConfigError{Channel: spec.Name, Kind: spec.Kind, Provider: explicit, Reason: reason}
	}

	var rejected []string

	for _, d := range candidates {
		if err := ctx.Err(); err != nil {
			return Resolution{}, fmt.Errorf("resolve %s: %w", spec.Name, err)
		}

		provider := d.ProviderName()

		result, ok := d.Detect(ctx)
		if !ok || !result.Usable() {
			rejected = append(rejected, provider+": not detected")
			continue
		}

		if r.healthCheck {
			if health := d.HealthCheck(ctx, result); !health.Healthy {
				r.logger.Log(ctx, log.LevelWarn, "provider detected but unhealthy",
					log.String("channel", spec.Name),
					log.String("provider", provider),
					log.String("reason", health.Reason),
				)

				rejected = append(rejected, provider+": unhealthy ("+health.Reason+")")

				continue
			}
		}

		constructor, ok := r.registry.Lookup(spec.Kind, provider)
		if !ok {
			rejected = append(rejected, provider+": no adapter registered")
			continue
		}

		r.logger.Log(ctx, log.LevelInfo, "channel resolved",
			log.String("channel", spec.Name),
			log.String("kind", string(spec.Kind)),
			log.String("provider", provider),
			log.String("method", string(result.Method)),
			log.String("url", log.RedactURL(result.ConnectionURL)),
		)

		return Resolution{
			Channel:     spec.Name,
			Kind:        spec.Kind,
			Provider:    provider,
			Constructor: constructor,
			Detection:   result,
			Params: adapter.Params{
				Channel:       spec.Name,
				Provider:      provider,
				ConnectionURL: result.ConnectionURL,
				APIURL:        result.APIURL,
				Config:        spec.Config,
				Logger:        r.logger.With(log.String("channel", spec.Name), log.String("provider", provider)),
				Renderer:      r.renderer,
			},
		}, nil
	}

	return Resolution{}, &ConfigError{
		Channel:  spec.Name,
		Kind:     spec.Kind,
		Provider: explicit,
		Reason:   "no available provider: " + strings.Join(rejected, "; "),
	}
}
