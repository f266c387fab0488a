//go:build unit

package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLog is a single-partition topic shared by the fake writer and reader.
type fakeLog struct {
	mu        sync.Mutex
	records   []kafka.Message
	committed []int64
	writeErr  error
	closed    bool
	signal    chan struct{}
}

func newFakeLog() *fakeLog {
	return &fakeLog{signal: make(chan struct{}, 1)}
}

func (f *fakeLog) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	for _, m := range msgs {
		m.Offset = int64(len(f.records))
		f.records = append(f.records, m)
	}

	select {
	case f.signal <- struct{}{}:
	default:
	}

	return nil
}

func (f *fakeLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

type fakeReader struct {
	log  *fakeLog
	next int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.log.mu.Lock()
		if r.next < len(r.log.records) {
			m := r.log.records[r.next]
			r.next++
			r.log.mu.Unlock()

			return m, nil
		}
		r.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-r.log.signal:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()

	for _, m := range msgs {
		r.log.committed = append(r.log.committed, m.Offset)
	}

	return nil
}

func (r *fakeReader) Close() error { return nil }

func newAdapter(t *testing.T, topic *fakeLog) *Adapter {
	t.Helper()

	a, err := New(adapter.Params{Channel: "audit", ConnectionURL: "kafka://localhost:9092,localhost:9093"},
		WithWriter(func([]string) Writer { return topic }),
		WithReaderFactory(func(_ []string, _, _ string) Reader { return &fakeReader{log: topic} }),
		WithPing(func(context.Context, string) error { return nil }),
	)
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))

	return a
}

func newMessage(t *testing.T) *outbox.OutboxMessage {
	t.Helper()

	msg, err := outbox.NewOutboxMessage("audit", "user.updated", "audit_event", "audit@example.com",
		map[string]any{"user_id": "u-1"})
	require.NoError(t, err)

	return msg
}

func TestNew_RequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := New(adapter.Params{Channel: "audit", ConnectionURL: " , "})
	require.ErrorIs(t, err, ErrBrokersRequired)
}

func TestInitialize_FailsWhenBrokerUnreachable(t *testing.T) {
	t.Parallel()

	a, err := New(adapter.Params{Channel: "audit", ConnectionURL: "localhost:9092"},
		WithPing(func(context.Context, string) error { return errors.New("connection refused") }))
	require.NoError(t, err)

	require.Error(t, a.Initialize(context.Background()))
	assert.False(t, a.HealthCheck(context.Background()))
	assert.False(t, a.Send(context.Background(), newMessage(t)).OK())
}

func TestSend_KeysByMessageID(t *testing.T) {
	t.Parallel()

	topic := newFakeLog()
	a := newAdapter(t, topic)
	msg := newMessage(t)

	result := a.Send(context.Background(), msg)
	require.True(t, result.OK(), result.Error)
	assert.Equal(t, "audit", result.Response["topic"])

	require.Len(t, topic.records, 1)
	record := topic.records[0]
	assert.Equal(t, "audit", record.Topic)
	assert.Equal(t, msg.ID.String(), string(record.Key))

	envelope, err := adapter.DecodeEnvelope(record.Value)
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, envelope.Payload)
	assert.True(t, a.HealthCheck(context.Background()))
}

func TestSend_WriteErrorIsFailedResult(t *testing.T) {
	t.Parallel()

	topic := newFakeLog()
	topic.writeErr = errors.New("leader not available")
	a := newAdapter(t, topic)

	result := a.Send(context.Background(), newMessage(t))
	assert.Equal(t, adapter.SendFailed, result.Status)
	assert.Contains(t, result.Error, "leader not available")
}

func TestSubscribe_CommitsAfterHandlerSucceeds(t *testing.T) {
	t.Parallel()

	topic := newFakeLog()
	a := newAdapter(t, topic)

	var calls atomic.Int32
	done := make(chan adapter.Record, 1)

	require.NoError(t, a.Subscribe(context.Background(), "billing", "worker-1", func(_ context.Context, record adapter.Record) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}

		done <- record

		return nil
	}))
	require.ErrorIs(t, a.Subscribe(context.Background(), "billing", "worker-2", nil), adapter.ErrAlreadySubscribed)

	msg := newMessage(t)
	require.True(t, a.Send(context.Background(), msg).OK())

	select {
	case record := <-done:
		assert.Equal(t, "0/0", record.ID)
		assert.Equal(t, msg.ID.String(), record.Envelope.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("record not delivered")
	}

	require.Eventually(t, func() bool {
		topic.mu.Lock()
		defer topic.mu.Unlock()

		return len(topic.committed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Shutdown(context.Background()))
	assert.True(t, topic.closed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUnsubscribe_LeavesFailingRecordUncommitted(t *testing.T) {
	t.Parallel()

	topic := newFakeLog()
	a := newAdapter(t, topic)

	attempted := make(chan struct{}, 16)

	require.NoError(t, a.Subscribe(context.Background(), "billing", "worker-1", func(context.Context, adapter.Record) error {
		attempted <- struct{}{}
		return errors.New("permanent")
	}))

	require.True(t, a.Send(context.Background(), newMessage(t)).OK())

	select {
	case <-attempted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.NoError(t, a.Unsubscribe())

	topic.mu.Lock()
	defer topic.mu.Unlock()

	assert.Empty(t, topic.committed)
}
