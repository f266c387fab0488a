package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// Manager owns the breakers of every channel.
type Manager interface {
	// GetOrCreate returns the channel's breaker, creating it with config on
	// first use. Later calls ignore config.
	GetOrCreate(channel string, config Config) CircuitBreaker
	// Execute runs fn through an existing breaker.
	Execute(channel string, fn func() (any, error)) (any, error)
	GetState(channel string) State
	GetCounts(channel string) Counts
	// IsHealthy reports whether the channel's breaker is closed.
	IsHealthy(channel string) bool
	Reset(channel string)
	RegisterStateChangeListener(listener StateChangeListener)
}

// CircuitBreaker is a single channel's breaker.
type CircuitBreaker interface {
	Execute(fn func() (any, error)) (any, error)
	State() State
	Counts() Counts
}

// Config holds circuit breaker thresholds.
type Config struct {
	MaxRequests         uint32        // requests allowed while half-open
	Interval            time.Duration // closed-state counter reset period
	Timeout             time.Duration // open duration before half-open
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32 // requests needed before FailureRatio applies
}

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts mirrors gobreaker.Counts.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified asynchronously when a breaker changes state.
type StateChangeListener interface {
	OnStateChange(channel string, from State, to State)
}

type circuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func (cb *circuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return cb.breaker.Execute(fn)
}

func (cb *circuitBreaker) State() State {
	return convertState(cb.breaker.State())
}

func (cb *circuitBreaker) Counts() Counts {
	return convertCounts(cb.breaker.Counts())
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertCounts(counts gobreaker.Counts) Counts {
	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}
