// Package kafka implements the stream adapter on Kafka.
//
// Records are JSON envelopes keyed by message id, so a message always lands
// on the same partition. Subscribers commit an offset only after the handler
// returns nil; a failing record is retried in place, holding its partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/segmentio/kafka-go"
)

const (
	retryBase        = 200 * time.Millisecond
	maxRetryExponent = 5
)

// ErrBrokersRequired is returned when the connection URL names no broker.
var ErrBrokersRequired = errors.New("kafka requires at least one broker")

// Writer is the subset of *kafka.Writer the adapter uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader the adapter uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a consumer-group reader for one topic.
type ReaderFactory func(brokers []string, topic, group string) Reader

func newWriter(brokers []string) Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func newReader(brokers []string, topic, group string) Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
}

func pingBroker(ctx context.Context, broker string) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}

	return conn.Close()
}

// Adapter is the Kafka stream adapter.
type Adapter struct {
	brokers   []string
	topic     string
	logger    log.Logger
	newWriter func(brokers []string) Writer
	newReader ReaderFactory
	ping      func(ctx context.Context, broker string) error

	mu     sync.Mutex
	writer Writer
	reader Reader
	cancel context.CancelFunc
	done   chan struct{}
}

var _ adapter.StreamAdapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithWriter replaces the kafka.Writer factory, mainly for tests.
func WithWriter(factory func(brokers []string) Writer) Option {
	return func(a *Adapter) {
		if factory != nil {
			a.newWriter = factory
		}
	}
}

// WithReaderFactory replaces the consumer-group reader factory.
func WithReaderFactory(factory ReaderFactory) Option {
	return func(a *Adapter) {
		if factory != nil {
			a.newReader = factory
		}
	}
}

// WithPing replaces the broker reachability check used by HealthCheck.
func WithPing(ping func(ctx context.Context, broker string) error) Option {
	return func(a *Adapter) {
		if ping != nil {
			a.ping = ping
		}
	}
}

// New builds an uninitialized adapter from a comma separated broker list.
// The channel config may set "topic".
func New(params adapter.Params, opts ...Option) (*Adapter, error) {
	brokers := detection.SplitBrokers(params.ConnectionURL)
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	a := &Adapter{
		brokers:   brokers,
		topic:     params.String("topic", params.Channel),
		logger:    params.LoggerOrNop(),
		newWriter: newWriter,
		newReader: newReader,
		ping:      pingBroker,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a, nil
}

// ProviderName returns "kafka".
func (a *Adapter) ProviderName() string { return detection.ProviderKafka }

// Initialize verifies a broker answers and creates the writer.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.ping(ctx, a.brokers[0]); err != nil {
		return fmt.Errorf("reach kafka broker %s: %w", a.brokers[0], err)
	}

	a.mu.Lock()
	a.writer = a.newWriter(a.brokers)
	a.mu.Unlock()

	return nil
}

// Send writes one record keyed by the message id, so resends of a message
// land on the same partition.
func (a *Adapter) Send(ctx context.Context, msg *outbox.OutboxMessage) adapter.SendResult {
	started := time.Now()

	if msg == nil {
		return adapter.Failed("", started, outbox.ErrOutboxMessageRequired)
	}

	id := msg.ID.String()

	a.mu.Lock()
	writer := a.writer
	a.mu.Unlock()

	if writer == nil {
		return adapter.Failed(id, started, adapter.ErrNotInitialized)
	}

	body, err := adapter.EncodeEnvelope(msg)
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	headers := []kafka.Header{{Key: "message_type", Value: []byte(msg.MessageType)}}
	for k, v := range opentelemetry.InjectMessageHeaders(ctx) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	record := kafka.Message{
		Topic:   a.topic,
		Key:     []byte(id),
		Value:   body,
		Headers: headers,
		Time:    started.UTC(),
	}

	if err := writer.WriteMessages(ctx, record); err != nil {
		return adapter.Failed(id, started, fmt.Errorf("write to %s: %w", a.topic, err))
	}

	return adapter.Succeeded(id, started, map[string]any{"topic": a.topic, "key": id})
}

// Subscribe starts a consumer-group reader. Offsets are committed only after
// handler returns nil; a failing record is retried in place.
func (a *Adapter) Subscribe(ctx context.Context, group, consumer string, handler adapter.Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer == nil {
		return adapter.ErrNotInitialized
	}

	if a.cancel != nil {
		return adapter.ErrAlreadySubscribed
	}

	reader := a.newReader(a.brokers, a.topic, group)
	loopCtx, cancel := context.WithCancel(ctx)

	a.reader = reader
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.consume(loopCtx, reader, consumer, handler, a.done)

	return nil
}

func (a *Adapter) consume(ctx context.Context, reader Reader, consumer string, handler adapter.Handler, done chan struct{}) {
	defer close(done)

	failures := 0

	for ctx.Err() == nil {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			failures++
			a.logger.Log(ctx, log.LevelWarn, "kafka fetch failed", log.String("topic", a.topic), log.Err(err))
			_ = backoff.WaitContext(ctx, backoff.ExponentialWithJitter(retryBase, min(failures, maxRetryExponent)))

			continue
		}

		failures = 0

		if !a.deliver(ctx, message, consumer, handler) {
			return
		}

		if err := reader.CommitMessages(ctx, message); err != nil && ctx.Err() == nil {
			a.logger.Log(ctx, log.LevelWarn, "kafka commit failed",
				log.String("topic", message.Topic), log.Int64("offset", message.Offset), log.Err(err))
		}
	}
}

// deliver runs handler until it succeeds. It returns false when ctx ended
// first; the record is then left uncommitted.
func (a *Adapter) deliver(ctx context.Context, message kafka.Message, consumer string, handler adapter.Handler) bool {
	envelope, err := adapter.DecodeEnvelope(message.Value)
	if err != nil {
		a.logger.Log(ctx, log.LevelWarn, "committing undecodable kafka record",
			log.String("topic", message.Topic), log.Int64("offset", message.Offset), log.Err(err))

		return true
	}

	record := adapter.Record{
		ID:       strconv.Itoa(message.Partition) + "/" + strconv.FormatInt(message.Offset, 10),
		Stream:   message.Topic,
		Envelope: envelope,
	}

	for attempt := 1; ; attempt++ {
		err := handler(ctx, record)
		if err == nil {
			return true
		}

		a.logger.Log(ctx, log.LevelWarn, "kafka handler failed; retrying record",
			log.String("consumer", consumer), log.String("record", record.ID), log.Int("attempt", attempt), log.Err(err))

		if backoff.WaitContext(ctx, backoff.ExponentialWithJitter(retryBase, min(attempt, maxRetryExponent))) != nil {
			return false
		}
	}
}

// Unsubscribe stops the consume loop and closes its reader.
func (a *Adapter) Unsubscribe() error {
	a.mu.Lock()
	cancel, done, reader := a.cancel, a.done, a.reader
	a.cancel, a.done, a.reader = nil, nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	if err := reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}

	return nil
}

// HealthCheck dials the first broker.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	a.mu.Lock()
	initialized := a.writer != nil
	a.mu.Unlock()

	return initialized && a.ping(ctx, a.brokers[0]) == nil
}

// Shutdown stops consuming and closes the writer.
func (a *Adapter) Shutdown(_ context.Context) error {
	errs := []error{a.Unsubscribe()}

	a.mu.Lock()
	writer := a.writer
	a.writer = nil
	a.mu.Unlock()

	if writer != nil {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka writer: %w", err))
		}
	}

	return errors.Join(errs...)
}
