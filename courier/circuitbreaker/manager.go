package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/sony/gobreaker"
)

// ErrBreakerNotFound is returned by Execute for a channel without a breaker.
var ErrBreakerNotFound = errors.New("circuit breaker not found")

type manager struct {
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	mu        sync.RWMutex
	logger    log.Logger
}

// NewManager creates an empty Manager. A nil logger discards output.
func NewManager(logger log.Logger) Manager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

func (m *manager) GetOrCreate(channel string, config Config) CircuitBreaker {
	m.mu.RLock()
	breaker, exists := m.breakers[channel]
	m.mu.RUnlock()

	if exists {
		return &circuitBreaker{breaker: breaker}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[channel]; exists {
		return &circuitBreaker{breaker: breaker}
	}

	breaker = gobreaker.NewCircuitBreaker(m.settings(channel, config))
	m.breakers[channel] = breaker
	m.configs[channel] = config

	m.logger.Log(context.Background(), log.LevelDebug, "created circuit breaker", log.String("channel", channel))

	return &circuitBreaker{breaker: breaker}
}

func (m *manager) Execute(channel string, fn func() (any, error)) (any, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[channel]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBreakerNotFound, channel)
	}

	result, err := breaker.Execute(fn)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return nil, fmt.Errorf("channel %s is unavailable (circuit breaker open): %w", channel, err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("channel %s is recovering (too many requests): %w", channel, err)
	}

	return result, err
}

func (m *manager) GetState(channel string) State {
	m.mu.RLock()
	breaker, exists := m.breakers[channel]
	m.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertState(breaker.State())
}

func (m *manager) GetCounts(channel string) Counts {
	m.mu.RLock()
	breaker, exists := m.breakers[channel]
	m.mu.RUnlock()

	if !exists {
		return Counts{}
	}

	return convertCounts(breaker.Counts())
}

func (m *manager) IsHealthy(channel string) bool {
	return m.GetState(channel) == StateClosed
}

// Reset replaces the channel's breaker with a fresh, closed one.
func (m *manager) Reset(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	config, exists := m.configs[channel]
	if !exists {
		return
	}

	m.breakers[channel] = gobreaker.NewCircuitBreaker(m.settings(channel, config))

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("channel", channel))
}

func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if nilcheck.Interface(listener) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *manager) settings(channel string, config Config) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "channel-" + channel,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= config.ConsecutiveFailures ||
				(counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			m.handleStateChange(channel, from, to)
		},
	}
}

func (m *manager) handleStateChange(channel string, from gobreaker.State, to gobreaker.State) {
	level := log.LevelInfo
	if to == gobreaker.StateOpen {
		level = log.LevelWarn
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("channel", channel),
		log.String("from", from.String()),
		log.String("to", to.String()),
	)

	fromState, toState := convertState(from), convertState(to)

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Log(context.Background(), log.LevelError, "state change listener panicked",
						log.String("channel", channel), log.Any("panic", r))
				}
			}()

			l.OnStateChange(channel, fromState, toState)
		}(listener)
	}
}
