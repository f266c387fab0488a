package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
)

const streamPollInterval = 50 * time.Millisecond

// StreamAdapter is the in-memory stream fallback.
type StreamAdapter struct {
	broker      *Broker
	streamName  string
	logger      log.Logger
	initialized atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ adapter.StreamAdapter = (*StreamAdapter)(nil)

// NewStreamAdapter builds a stream adapter over broker; a nil broker means
// DefaultBroker. The stream is named after the channel unless the channel
// config sets "stream".
func NewStreamAdapter(broker *Broker, params adapter.Params) *StreamAdapter {
	if broker == nil {
		broker = DefaultBroker()
	}

	return &StreamAdapter{
		broker:     broker,
		streamName: params.String("stream", params.Channel),
		logger:     params.LoggerOrNop(),
	}
}

// ProviderName returns "memory".
func (a *StreamAdapter) ProviderName() string { return detection.ProviderMemory }

// Initialize marks the adapter ready.
func (a *StreamAdapter) Initialize(context.Context) error {
	a.broker.stream(a.streamName)
	a.initialized.Store(true)

	return nil
}

// Send appends the encoded envelope to the channel stream.
func (a *StreamAdapter) Send(ctx context.Context, msg *outbox.OutboxMessage) adapter.SendResult {
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

	entryID := a.broker.Append(a.streamName, body)

	return adapter.Succeeded(id, started, map[string]any{"stream": a.streamName, "stream_id": entryID})
}

// Subscribe starts a background loop delivering records to handler for group.
// Records whose handler fails are redelivered to the group.
func (a *StreamAdapter) Subscribe(ctx context.Context, group, consumer string, handler adapter.Handler) error {
	if !a.initialized.Load() {
		return adapter.ErrNotInitialized
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return adapter.ErrAlreadySubscribed
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.consume(loopCtx, a.broker.stream(a.streamName), group, consumer, handler, a.done)

	return nil
}

func (a *StreamAdapter) consume(ctx context.Context, s *stream, group, consumer string, handler adapter.Handler, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		for {
			if ctx.Err() != nil {
				return
			}

			idx, entry, ok := s.claim(group)
			if !ok {
				break
			}

			envelope, err := adapter.DecodeEnvelope(entry.body)
			if err != nil {
				a.logger.Log(ctx, log.LevelWarn, "dropping undecodable stream record",
					log.String("stream", a.streamName), log.String("id", entry.id), log.Err(err))

				continue
			}

			record := adapter.Record{ID: entry.id, Stream: a.streamName, Envelope: envelope}

			if err := handler(ctx, record); err != nil {
				a.logger.Log(ctx, log.LevelWarn, "stream handler failed; record will be redelivered",
					log.String("stream", a.streamName), log.String("consumer", consumer), log.Err(err))
				s.release(group, idx)

				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		case <-ticker.C:
		}
	}
}

// Unsubscribe stops the consume loop and waits for it to exit.
func (a *StreamAdapter) Unsubscribe() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	return nil
}

// HealthCheck always succeeds.
func (a *StreamAdapter) HealthCheck(context.Context) bool {
	return true
}

// Shutdown stops consuming.
func (a *StreamAdapter) Shutdown(context.Context) error {
	a.initialized.Store(false)

	return a.Unsubscribe()
}
