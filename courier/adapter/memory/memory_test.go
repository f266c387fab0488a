//go:build unit

package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessage(t *testing.T, channel string, payload map[string]any) *outbox.OutboxMessage {
	t.Helper()

	msg, err := outbox.NewOutboxMessage(channel, "order.created", "order_event", "ops@example.com", payload)
	require.NoError(t, err)

	return msg
}

func newQueue(t *testing.T, broker *Broker, channel string) *QueueAdapter {
	t.Helper()

	a := NewQueueAdapter(broker, adapter.Params{Channel: channel})
	require.NoError(t, a.Initialize(context.Background()))

	return a
}

func TestQueueAdapter_RoundTrip(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	producer := newQueue(t, broker, "orders")
	consumer := newQueue(t, broker, "orders")

	payload := map[string]any{"order_id": "o-1", "items": []any{"a", "b"}, "paid": true}
	msg := newMessage(t, "orders", payload)

	result := producer.Send(context.Background(), msg)
	require.True(t, result.OK(), result.Error)
	assert.Equal(t, msg.ID.String(), result.MessageID)
	assert.Equal(t, "orders", result.Response["queue"])

	received, err := consumer.Receive(context.Background(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, payload, received[0].Envelope.Payload)
	assert.Equal(t, msg.ID.String(), received[0].ID)

	require.NoError(t, consumer.Ack(context.Background(), received[0].ID))
	require.ErrorIs(t, consumer.Ack(context.Background(), received[0].ID), adapter.ErrUnknownMessage)

	ready, inflight := broker.QueueDepth("orders")
	assert.Zero(t, ready)
	assert.Zero(t, inflight)
}

func TestQueueAdapter_NackRequeuesAtHead(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	q := newQueue(t, broker, "orders")

	first := newMessage(t, "orders", map[string]any{"n": "1"})
	second := newMessage(t, "orders", map[string]any{"n": "2"})
	require.True(t, q.Send(context.Background(), first).OK())
	require.True(t, q.Send(context.Background(), second).OK())

	got, err := q.Receive(context.Background(), 1, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, q.Nack(context.Background(), got[0].ID, true))

	got, err = q.Receive(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID.String(), got[0].ID)

	require.NoError(t, q.Nack(context.Background(), got[0].ID, false))
	require.NoError(t, q.Ack(context.Background(), got[1].ID))

	ready, inflight := broker.QueueDepth("orders")
	assert.Zero(t, ready)
	assert.Zero(t, inflight)
}

func TestQueueAdapter_ResentCopiesSettleIndependently(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	q := newQueue(t, broker, "orders")

	msg := newMessage(t, "orders", map[string]any{"n": "1"})
	require.True(t, q.Send(context.Background(), msg).OK())
	require.True(t, q.Send(context.Background(), msg).OK())

	got, err := q.Receive(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, got[0].ID, got[1].ID)

	_, inflight := broker.QueueDepth("orders")
	assert.Equal(t, 2, inflight)

	require.NoError(t, q.Nack(context.Background(), got[0].ID, true))
	require.NoError(t, q.Nack(context.Background(), got[1].ID, true))
	require.ErrorIs(t, q.Ack(context.Background(), got[0].ID), adapter.ErrUnknownMessage)

	ready, inflight := broker.QueueDepth("orders")
	assert.Equal(t, 2, ready)
	assert.Zero(t, inflight)
}

func TestQueueAdapter_ReceiveTimesOutEmpty(t *testing.T) {
	t.Parallel()

	q := newQueue(t, NewBroker(), "empty")

	start := time.Now()
	got, err := q.Receive(context.Background(), 5, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = q.Receive(ctx, 5, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueAdapter_ReceiveWakesOnSend(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	q := newQueue(t, broker, "orders")

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Send(context.Background(), newMessage(t, "orders", map[string]any{"n": "1"}))
	}()

	got, err := q.Receive(context.Background(), 1, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueueAdapter_SendFailures(t *testing.T) {
	t.Parallel()

	q := NewQueueAdapter(NewBroker(), adapter.Params{Channel: "orders"})
	msg := newMessage(t, "orders", map[string]any{"n": "1"})

	result := q.Send(context.Background(), msg)
	assert.Equal(t, adapter.SendFailed, result.Status)
	assert.Contains(t, result.Error, "not initialized")

	require.NoError(t, q.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, q.Send(ctx, msg).OK())
	assert.False(t, q.Send(context.Background(), nil).OK())

	require.NoError(t, q.Shutdown(context.Background()))
	assert.False(t, q.Send(context.Background(), msg).OK())
}

func TestBroker_ConcurrentProducersAndConsumers(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	q := newQueue(t, broker, "orders")

	const producers, perProducer = 8, 25

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < perProducer; j++ {
				q.Send(context.Background(), newMessage(t, "orders", map[string]any{"n": "x"}))
			}
		}()
	}

	var received atomic.Int64
	var consumers sync.WaitGroup

	for i := 0; i < 4; i++ {
		consumers.Add(1)

		go func() {
			defer consumers.Done()

			for received.Load() < producers*perProducer {
				got, err := q.Receive(context.Background(), 7, 20*time.Millisecond)
				if err != nil {
					return
				}

				for _, m := range got {
					if q.Ack(context.Background(), m.ID) == nil {
						received.Add(1)
					}
				}
			}
		}()
	}

	wg.Wait()
	consumers.Wait()

	assert.Equal(t, int64(producers*perProducer), received.Load())
}

func TestBroker_Isolation(t *testing.T) {
	t.Parallel()

	a := newQueue(t, NewBroker(), "orders")
	b := newQueue(t, NewBroker(), "orders")

	require.True(t, a.Send(context.Background(), newMessage(t, "orders", map[string]any{"n": "1"})).OK())

	got, err := b.Receive(context.Background(), 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStreamAdapter_SubscribeDeliversAndRedelivers(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	s := NewStreamAdapter(broker, adapter.Params{Channel: "audit"})
	require.NoError(t, s.Initialize(context.Background()))

	for i := 0; i < 3; i++ {
		result := s.Send(context.Background(), newMessage(t, "audit", map[string]any{"seq": i}))
		require.True(t, result.OK())
	}

	assert.Equal(t, 3, broker.StreamLength("audit"))

	var (
		mu       sync.Mutex
		seen     []string
		failOnce atomic.Bool
	)

	done := make(chan struct{})

	err := s.Subscribe(context.Background(), "billing", "worker-1", func(_ context.Context, record adapter.Record) error {
		if record.ID == "2-0" && failOnce.CompareAndSwap(false, true) {
			return errors.New("transient")
		}

		mu.Lock()
		defer mu.Unlock()

		seen = append(seen, record.ID)
		if len(seen) == 4 {
			close(done)
		}

		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, s.Subscribe(context.Background(), "billing", "worker-2", nil), adapter.ErrAlreadySubscribed)

	require.True(t, s.Send(context.Background(), newMessage(t, "audit", map[string]any{"seq": 3})).OK())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("records were not delivered")
	}

	require.NoError(t, s.Unsubscribe())
	require.NoError(t, s.Unsubscribe())

	mu.Lock()
	defer mu.Unlock()

	assert.ElementsMatch(t, []string{"1-0", "2-0", "3-0", "4-0"}, seen)
}

func TestStreamAdapter_ShutdownStopsLoop(t *testing.T) {
	t.Parallel()

	s := NewStreamAdapter(NewBroker(), adapter.Params{Channel: "audit", Config: map[string]any{"stream": "audit-log"}})
	require.ErrorIs(t, s.Subscribe(context.Background(), "g", "c", nil), adapter.ErrNotInitialized)
	require.NoError(t, s.Initialize(context.Background()))

	require.NoError(t, s.Subscribe(context.Background(), "g", "c", func(context.Context, adapter.Record) error { return nil }))
	require.NoError(t, s.Shutdown(context.Background()))

	result := s.Send(context.Background(), newMessage(t, "audit", map[string]any{"n": "1"}))
	assert.False(t, result.OK())
	assert.True(t, s.HealthCheck(context.Background()))
}
