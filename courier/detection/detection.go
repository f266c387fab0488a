// Package detection discovers which messaging providers are reachable in the
// current environment.
//
// Each Detector tries, in order: an explicit connection string from the
// environment, a running container whose image matches the provider, and a
// TCP probe of the provider's default local port. Fallback detectors sit at
// FallbackPriority and always report an available, healthy in-process
// substitute. Absence of a provider is an ordinary outcome, reported through
// the boolean of Detect and the Health value, never as an error.
package detection

import "context"

// ChannelKind is the capability family a provider serves.
type ChannelKind string

const (
	KindEmail  ChannelKind = "email"
	KindQueue  ChannelKind = "queue"
	KindStream ChannelKind = "stream"
)

// IsValid reports whether kind is one of the supported families.
func (kind ChannelKind) IsValid() bool {
	return kind == KindEmail || kind == KindQueue || kind == KindStream
}

// Status is the availability verdict of one detection.
type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusUnavailable Status = "UNAVAILABLE"
	StatusDegraded    Status = "DEGRADED"
)

// Method records how a provider was found.
type Method string

const (
	MethodEnv      Method = "env"
	MethodDocker   Method = "docker"
	MethodPort     Method = "port"
	MethodFallback Method = "fallback"
)

// Provider names. Fallback providers share the name "memory" across kinds.
const (
	ProviderRabbitMQ = "rabbitmq"
	ProviderRedis    = "redis"
	ProviderKafka    = "kafka"
	ProviderMailpit  = "mailpit"
	ProviderSendGrid = "sendgrid"
	ProviderFile     = "file"
	ProviderMemory   = "memory"
)

// FallbackPriority is the priority of always-available in-process detectors.
const FallbackPriority = 999

// Result is the outcome of probing one provider. It is never persisted.
type Result struct {
	Provider      string
	Kind          ChannelKind
	Status        Status
	ConnectionURL string
	APIURL        string
	Method        Method
	Metadata      map[string]string
}

// Usable reports whether the result can back a channel.
func (r Result) Usable() bool {
	return r.Status == StatusAvailable
}

// Health is the verdict of re-verifying a detected provider.
type Health struct {
	Healthy bool
	Reason  string
}

// Healthy builds a passing Health.
func Healthy() Health {
	return Health{Healthy: true}
}

// Unhealthy builds a failing Health with a human-readable reason.
func Unhealthy(reason string) Health {
	return Health{Reason: reason}
}

// Detector answers whether one provider of one channel kind is usable.
type Detector interface {
	ProviderName() string
	Kind() ChannelKind
	// Priority orders detectors of the same kind; lower is preferred.
	Priority() int
	// Detect reports the provider when it was found, and false otherwise.
	Detect(ctx context.Context) (Result, bool)
	// HealthCheck independently re-verifies an already detected result.
	HealthCheck(ctx context.Context, result Result) Health
}
