package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxAttempts is the attempt budget when the producer sets none.
	DefaultMaxAttempts = 3
	// DefaultMaxPayloadBytes bounds the encoded payload size.
	DefaultMaxPayloadBytes = 1 << 20
)

// OutboxMessage is one unit of outbound work.
type OutboxMessage struct {
	ID            uuid.UUID
	ChannelName   string
	OperationName string
	MessageType   string
	Payload       map[string]any
	Recipient     string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ScheduledFor  *time.Time
	Attempts      int
	MaxAttempts   int
	LastError     string
	CorrelationID string
	Metadata      map[string]any
}

// MessageOption customises a message built by NewOutboxMessage.
type MessageOption func(*OutboxMessage)

// WithMessageID sets the message id instead of generating one.
func WithMessageID(id uuid.UUID) MessageOption {
	return func(msg *OutboxMessage) {
		if id != uuid.Nil {
			msg.ID = id
		}
	}
}

// WithMaxAttempts sets the attempt budget. Values below 1 are rejected by Validate.
func WithMaxAttempts(maxAttempts int) MessageOption {
	return func(msg *OutboxMessage) {
		msg.MaxAttempts = maxAttempts
	}
}

// WithScheduledFor delays delivery until at.
func WithScheduledFor(at time.Time) MessageOption {
	return func(msg *OutboxMessage) {
		utc := at.UTC()
		msg.ScheduledFor = &utc
	}
}

// WithCorrelationID sets the correlation id carried to the provider.
func WithCorrelationID(correlationID string) MessageOption {
	return func(msg *OutboxMessage) {
		msg.CorrelationID = strings.TrimSpace(correlationID)
	}
}

// WithMetadata attaches free-form metadata.
func WithMetadata(metadata map[string]any) MessageOption {
	return func(msg *OutboxMessage) {
		msg.Metadata = metadata
	}
}

// NewOutboxMessage builds a validated PENDING message with a UUIDv7 id.
func NewOutboxMessage(
	channelName, operationName, messageType, recipient string,
	payload map[string]any,
	opts ...MessageOption,
) (*OutboxMessage, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate outbox message id: %w", err)
	}

	now := time.Now().UTC()

	msg := &OutboxMessage{
		ID:            id,
		ChannelName:   strings.TrimSpace(channelName),
		OperationName: strings.TrimSpace(operationName),
		MessageType:   strings.TrimSpace(messageType),
		Payload:       payload,
		Recipient:     strings.TrimSpace(recipient),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxAttempts:   DefaultMaxAttempts,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(msg)
		}
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks the fields every repository requires before insert.
func (msg *OutboxMessage) Validate() error {
	if msg == nil {
		return ErrOutboxMessageRequired
	}

	switch {
	case msg.ChannelName == "":
		return ErrChannelNameRequired
	case msg.OperationName == "":
		return ErrOperationNameRequired
	case msg.MessageType == "":
		return ErrMessageTypeRequired
	case msg.Recipient == "":
		return ErrRecipientRequired
	case msg.MaxAttempts < 1:
		return fmt.Errorf("%w: %d", ErrMaxAttemptsInvalid, msg.MaxAttempts)
	}

	encoded, err := msg.EncodedPayload()
	if err != nil {
		return err
	}

	if len(encoded) > DefaultMaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(encoded))
	}

	return nil
}

// EncodedPayload returns the JSON encoding of the payload, "{}" when empty.
func (msg *OutboxMessage) EncodedPayload() ([]byte, error) {
	return encodeObject(msg.Payload)
}

// EncodedMetadata returns the JSON encoding of the metadata, "{}" when empty.
func (msg *OutboxMessage) EncodedMetadata() ([]byte, error) {
	return encodeObject(msg.Metadata)
}

// IsDue reports whether the message may be delivered at now.
func (msg *OutboxMessage) IsDue(now time.Time) bool {
	return msg.ScheduledFor == nil || !msg.ScheduledFor.After(now)
}

// Clone returns a deep enough copy for repositories that hand out snapshots.
func (msg *OutboxMessage) Clone() *OutboxMessage {
	if msg == nil {
		return nil
	}

	out := *msg
	out.Payload = cloneMap(msg.Payload)
	out.Metadata = cloneMap(msg.Metadata)

	if msg.ScheduledFor != nil {
		at := *msg.ScheduledFor
		out.ScheduledFor = &at
	}

	return &out
}

func encodeObject(value map[string]any) ([]byte, error) {
	if len(value) == 0 {
		return []byte("{}"), nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadNotJSON, err)
	}

	return encoded, nil
}

// DecodeObject is the inverse of the payload and metadata encoding.
func DecodeObject(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadNotJSON, err)
	}

	return out, nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}
