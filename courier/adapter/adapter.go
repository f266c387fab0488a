package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/LerianStudio/lib-courier/courier/outbox"
)

var (
	// ErrNotInitialized is returned by operations that need a live connection.
	ErrNotInitialized = errors.New("adapter not initialized")
	// ErrUnknownMessage is returned by Ack and Nack for ids not currently
	// held by this adapter.
	ErrUnknownMessage = errors.New("unknown message id")
	// ErrAlreadySubscribed is returned by Subscribe while a consumer loop runs.
	ErrAlreadySubscribed = errors.New("adapter already subscribed")
)

// Adapter is the contract common to every provider.
type Adapter interface {
	ProviderName() string
	// Initialize acquires the provider connection. Failures here are loud;
	// they happen outside the per-message retry loop.
	Initialize(ctx context.Context) error
	// Send delivers msg. Transport errors come back as a FAILED SendResult.
	Send(ctx context.Context, msg *outbox.OutboxMessage) SendResult
	HealthCheck(ctx context.Context) bool
	// Shutdown releases the connection, even while a send is in flight.
	Shutdown(ctx context.Context) error
}

// RawMessage is one message taken from a queue, pending Ack or Nack.
type RawMessage struct {
	ID       string
	Body     []byte
	Envelope Envelope
}

// QueueAdapter adds point-to-point receive and acknowledgement.
type QueueAdapter interface {
	Adapter
	// Receive returns up to count messages, waiting at most timeout for the
	// first one. An empty slice means the queue stayed empty.
	Receive(ctx context.Context, count int, timeout time.Duration) ([]RawMessage, error)
	Ack(ctx context.Context, messageID string) error
	Nack(ctx context.Context, messageID string, requeue bool) error
}

// Record is one entry read from a stream.
type Record struct {
	// ID is the provider position: a Redis entry id, a Kafka
	// partition/offset pair or an in-memory sequence.
	ID       string
	Stream   string
	Envelope Envelope
}

// Handler consumes one stream record. Returning nil acknowledges it.
type Handler func(ctx context.Context, record Record) error

// StreamAdapter adds consumer-group subscription.
type StreamAdapter interface {
	Adapter
	// Subscribe starts a background consume loop that calls handler per
	// record until ctx is done or Unsubscribe is called.
	Subscribe(ctx context.Context, group, consumer string, handler Handler) error
	// Unsubscribe stops the loop and waits for the in-flight handler.
	Unsubscribe() error
}

// EmailAdapter delivers rendered messages; it has no receive side.
type EmailAdapter interface {
	Adapter
	Compose(msg *outbox.OutboxMessage) (Email, error)
}
