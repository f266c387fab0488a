package dispatcher

import (
	"time"

	"github.com/LerianStudio/lib-courier/courier/circuitbreaker"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollInterval       = 2 * time.Second
	defaultBatchSize          = 50
	defaultSendTimeout        = 30 * time.Second
	defaultPublishMaxAttempts = 1
	defaultPublishBackoff     = 200 * time.Millisecond
	defaultStuckAfter         = 10 * time.Minute
)

// Config controls polling, per-send limits and metrics.
type Config struct {
	// PollInterval is the pause between dispatch cycles.
	PollInterval time.Duration
	// BatchSize bounds GetPending per channel and cycle.
	BatchSize int
	// SendTimeout bounds one adapter Send call.
	SendTimeout time.Duration
	// PublishMaxAttempts is the number of in-process sends tried before one
	// failure is recorded against the message. 1 disables in-process retry.
	PublishMaxAttempts int
	// PublishBackoff is the base delay between in-process sends.
	PublishBackoff time.Duration
	// StuckAfter is the age after which PROCESSING rows are released at the
	// start of every cycle. Zero disables reclaiming.
	StuckAfter time.Duration
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:       defaultPollInterval,
		BatchSize:          defaultBatchSize,
		SendTimeout:        defaultSendTimeout,
		PublishMaxAttempts: defaultPublishMaxAttempts,
		PublishBackoff:     defaultPublishBackoff,
		StuckAfter:         defaultStuckAfter,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.StuckAfter < 0 {
		cfg.StuckAfter = 0
	}
}

// Option mutates dispatcher configuration at construction.
type Option func(*Dispatcher)

// WithConfig replaces the whole configuration; zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) {
		d.cfg = cfg
	}
}

// WithPollInterval sets the delay between dispatch cycles.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.cfg.PollInterval = interval
		}
	}
}

// WithBatchSize sets how many pending messages are read per channel per cycle.
func WithBatchSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.cfg.BatchSize = size
		}
	}
}

// WithSendTimeout bounds every adapter Send. A timed out send is a failed
// attempt.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.cfg.SendTimeout = timeout
		}
	}
}

// WithPublishRetry enables bounded in-process retry with jittered
// exponential backoff before a failure is recorded.
func WithPublishRetry(maxAttempts int, base time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.cfg.PublishMaxAttempts = maxAttempts
		}

		if base > 0 {
			d.cfg.PublishBackoff = base
		}
	}
}

// WithStuckAfter sets the PROCESSING age that triggers reclaiming. Zero
// disables it.
func WithStuckAfter(age time.Duration) Option {
	return func(d *Dispatcher) {
		if age >= 0 {
			d.cfg.StuckAfter = age
		}
	}
}

// WithMeterProvider injects a meter provider. Passing nil keeps the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(d *Dispatcher) {
		if nilcheck.Interface(provider) {
			d.cfg.MeterProvider = nil

			return
		}

		d.cfg.MeterProvider = provider
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(logger) {
			d.logger = logger
		}
	}
}

// WithTracer sets the tracer used for cycle and message spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(tracer) {
			d.tracer = tracer
		}
	}
}

// WithCircuitBreaker routes every send through a per-channel breaker.
// Email channels backed by HTTP APIs use circuitbreaker.HTTPServiceConfig.
func WithCircuitBreaker(manager circuitbreaker.Manager) Option {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(manager) {
			d.breakers = manager
		}
	}
}
