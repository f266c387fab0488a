package outbox

import "errors"

var (
	ErrOutboxMessageRequired    = errors.New("outbox message is required")
	ErrOutboxMessageNotFound    = errors.New("outbox message not found")
	ErrOutboxRepositoryRequired = errors.New("outbox repository is required")
	ErrChannelNameRequired      = errors.New("channel name is required")
	ErrOperationNameRequired    = errors.New("operation name is required")
	ErrMessageTypeRequired      = errors.New("message type is required")
	ErrRecipientRequired        = errors.New("recipient is required")
	ErrMaxAttemptsInvalid       = errors.New("max attempts must be at least 1")
	ErrPayloadTooLarge          = errors.New("outbox message payload exceeds maximum allowed size")
	ErrPayloadNotJSON           = errors.New("outbox message payload must be JSON encodable")
	ErrOutboxStatusInvalid      = errors.New("invalid outbox status")
	ErrOutboxTransitionInvalid  = errors.New("invalid outbox status transition")
	ErrStateTransitionConflict  = errors.New("outbox message state changed concurrently")
	ErrLimitInvalid             = errors.New("limit must be greater than zero")
	ErrRetentionDaysInvalid     = errors.New("retention days must not be negative")
)
