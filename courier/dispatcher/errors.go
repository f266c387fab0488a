package dispatcher

import "errors"

var (
	ErrDispatcherRequired = errors.New("dispatcher is required")
	ErrResolverRequired   = errors.New("channel resolver is required")
	ErrDispatcherRunning  = errors.New("dispatcher is already running")
	// ErrChannelNotDeclared is recorded as last_error for messages whose
	// channel has no spec.
	ErrChannelNotDeclared = errors.New("channel is not declared")
	ErrSendFailed         = errors.New("send failed")
)
