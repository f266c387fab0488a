package memory

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/outbox"
)

// QueueAdapter is the in-memory queue fallback.
type QueueAdapter struct {
	broker      *Broker
	queueName   string
	initialized atomic.Bool
}

var _ adapter.QueueAdapter = (*QueueAdapter)(nil)

// NewQueueAdapter builds a queue adapter over broker; a nil broker means
// DefaultBroker. The queue is named after the channel unless the channel
// config sets "queue".
func NewQueueAdapter(broker *Broker, params adapter.Params) *QueueAdapter {
	if broker == nil {
		broker = DefaultBroker()
	}

	return &QueueAdapter{broker: broker, queueName: params.String("queue", params.Channel)}
}

// ProviderName returns "memory".
func (a *QueueAdapter) ProviderName() string { return detection.ProviderMemory }

// Initialize marks the adapter ready; the broker needs no setup.
func (a *QueueAdapter) Initialize(context.Context) error {
	a.broker.queue(a.queueName)
	a.initialized.Store(true)

	return nil
}

// Send enqueues the encoded envelope on the channel queue.
func (a *QueueAdapter) Send(ctx context.Context, msg *outbox.OutboxMessage) adapter.SendResult {
	started := time.Now()

	if msg == nil {
		return adapter.Failed("", started, outbox.ErrOutboxMessageRequired)
	}

	id := msg.ID.String()

	if !a.initialized.Load() {
		return adapter.Failed(id, started, adapter.ErrNotInitialized)
	}

	if err := ctx.Err(); err != nil {
		return adapter.Failed(id, started, err)
	}

	body, err := adapter.EncodeEnvelope(msg)
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	depth := a.broker.Enqueue(a.queueName, id, body)

	return adapter.Succeeded(id, started, map[string]any{"queue": a.queueName, "depth": depth})
}

// Receive returns up to count messages, waiting up to timeout for the first.
// Received messages stay in flight until acked or nacked.
func (a *QueueAdapter) Receive(ctx context.Context, count int, timeout time.Duration) ([]adapter.RawMessage, error) {
	if !a.initialized.Load() {
		return nil, adapter.ErrNotInitialized
	}

	items, err := a.broker.dequeue(ctx, a.queueName, count, timeout)
	if err != nil {
		return nil, err
	}

	messages := make([]adapter.RawMessage, 0, len(items))

	for _, item := range items {
		envelope, err := adapter.DecodeEnvelope(item.body)
		if err != nil {
			a.broker.Settle(a.queueName, item.id, false)
			continue
		}

		messages = append(messages, adapter.RawMessage{ID: item.id, Body: item.body, Envelope: envelope})
	}

	return messages, nil
}

// Ack settles the oldest in-flight copy of messageID.
func (a *QueueAdapter) Ack(_ context.Context, messageID string) error {
	if !a.broker.Settle(a.queueName, messageID, false) {
		return adapter.ErrUnknownMessage
	}

	return nil
}

// Nack settles the oldest in-flight copy of messageID, putting it back at the
// head of the queue when requeue is set.
func (a *QueueAdapter) Nack(_ context.Context, messageID string, requeue bool) error {
	if !a.broker.Settle(a.queueName, messageID, requeue) {
		return adapter.ErrUnknownMessage
	}

	return nil
}

// HealthCheck reports whether the adapter is initialized.
func (a *QueueAdapter) HealthCheck(context.Context) bool {
	return true
}

// Shutdown only detaches the adapter; queued messages stay in the broker.
func (a *QueueAdapter) Shutdown(context.Context) error {
	a.initialized.Store(false)

	return nil
}
