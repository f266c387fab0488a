package channel

import (
	"sort"
	"sync"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/adapter/email"
	"github.com/LerianStudio/lib-courier/courier/adapter/kafka"
	"github.com/LerianStudio/lib-courier/courier/adapter/memory"
	"github.com/LerianStudio/lib-courier/courier/adapter/rabbitmq"
	"github.com/LerianStudio/lib-courier/courier/adapter/redis"
	"github.com/LerianStudio/lib-courier/courier/detection"
)

// Constructor builds an uninitialized adapter from resolved parameters.
type Constructor func(params adapter.Params) (adapter.Adapter, error)

type registryKey struct {
	kind     Kind
	provider string
}

// Registry maps (kind, provider) pairs to adapter constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[registryKey]Constructor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[registryKey]Constructor)}
}

// Register adds or replaces the constructor for kind and provider.
func (r *Registry) Register(kind Kind, provider string, constructor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.constructors[registryKey{kind: kind, provider: provider}] = constructor
}

// Lookup returns the constructor registered for kind and provider.
func (r *Registry) Lookup(kind Kind, provider string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	constructor, ok := r.constructors[registryKey{kind: kind, provider: provider}]

	return constructor, ok
}

// Providers lists the registered providers of kind, sorted by name.
func (r *Registry) Providers(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var providers []string

	for key := range r.constructors {
		if key.kind == kind {
			providers = append(providers, key.provider)
		}
	}

	sort.Strings(providers)

	return providers
}

// Dependencies are shared by the default constructors.
type Dependencies struct {
	// Broker backs the in-memory adapters; nil means memory.DefaultBroker.
	Broker *memory.Broker
	// Env supplies secrets not carried in the connection URL.
	Env detection.EnvLookup
}

// DefaultRegistry registers every built-in provider:
// rabbitmq and memory for queues, redis, kafka and memory for streams,
// mailpit, sendgrid and file for email.
func DefaultRegistry(deps Dependencies) *Registry {
	env := deps.Env
	if env == nil {
		env = detection.OSEnv
	}

	r := NewRegistry()

	r.Register(KindQueue, detection.ProviderRabbitMQ, func(p adapter.Params) (adapter.Adapter, error) {
		a, err := rabbitmq.New(p)

		return built(a, err)
	})
	r.Register(KindQueue, detection.ProviderMemory, func(p adapter.Params) (adapter.Adapter, error) {
		return memory.NewQueueAdapter(deps.Broker, p), nil
	})
	r.Register(KindStream, detection.ProviderRedis, func(p adapter.Params) (adapter.Adapter, error) {
		a, err := redis.New(p)

		return built(a, err)
	})
	r.Register(KindStream, detection.ProviderKafka, func(p adapter.Params) (adapter.Adapter, error) {
		a, err := kafka.New(p)

		return built(a, err)
	})
	r.Register(KindStream, detection.ProviderMemory, func(p adapter.Params) (adapter.Adapter, error) {
		return memory.NewStreamAdapter(deps.Broker, p), nil
	})
	r.Register(KindEmail, detection.ProviderMailpit, func(p adapter.Params) (adapter.Adapter, error) {
		a, err := email.NewSMTPAdapter(p)

		return built(a, err)
	})
	r.Register(KindEmail, detection.ProviderSendGrid, func(p adapter.Params) (adapter.Adapter, error) {
		a, err := email.NewSendGridAdapter(p, env)

		return built(a, err)
	})
	r.Register(KindEmail, detection.ProviderFile, func(p adapter.Params) (adapter.Adapter, error) {
		return email.NewFileAdapter(p), nil
	})

	return r
}

// built drops the typed nil a failed constructor returns alongside its error.
func built[T adapter.Adapter](a T, err error) (adapter.Adapter, error) {
	if err != nil {
		return nil, err
	}

	return a, nil
}
