// Package rabbitmq implements the queue adapter on RabbitMQ.
//
// Messages are published to the default exchange with the queue name as the
// routing key, in confirm mode, one publish in flight per adapter. Queues are
// declared durable on first use.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultConfirmTimeout = 5 * time.Second
	DefaultDialTimeout    = 5 * time.Second

	confirmChannelBuffer = 256
	receivePollInterval  = 25 * time.Millisecond
)

var (
	ErrConnectionURLRequired = errors.New("rabbitmq connection url is required")
	ErrPublishNacked         = errors.New("message was nacked by broker")
	ErrConfirmTimeout        = errors.New("confirmation timed out")
	ErrConfirmStreamClosed   = errors.New("confirmation stream closed")
)

// AMQPChannel is the subset of *amqp.Channel the adapter uses.
type AMQPChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	GetNextPublishSeqNo() uint64
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// Connection is the subset of *amqp.Connection the adapter uses.
type Connection interface {
	Channel() (AMQPChannel, error)
	IsClosed() bool
	Close() error
}

// DialFunc opens a broker connection.
type DialFunc func(url string, timeout time.Duration) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (AMQPChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func dialAMQP(url string, timeout time.Duration) (Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(timeout)})
	if err != nil {
		return nil, err
	}

	return amqpConnection{Connection: conn}, nil
}

// Adapter is the RabbitMQ queue adapter.
type Adapter struct {
	url            string
	queueName      string
	dial           DialFunc
	dialTimeout    time.Duration
	confirmTimeout time.Duration
	logger         log.Logger

	mu       sync.Mutex
	conn     Connection
	ch       AMQPChannel
	confirms chan amqp.Confirmation
	declared map[string]bool
	tags     map[string][]uint64

	publishMu sync.Mutex
}

var _ adapter.QueueAdapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithDialer replaces the AMQP dialer, mainly for tests.
func WithDialer(dial DialFunc) Option {
	return func(a *Adapter) {
		if dial != nil {
			a.dial = dial
		}
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(a *Adapter) {
		if timeout > 0 {
			a.confirmTimeout = timeout
		}
	}
}

// New builds an uninitialized adapter. The channel config may set "queue",
// "confirm_timeout" and "dial_timeout".
func New(params adapter.Params, opts ...Option) (*Adapter, error) {
	if params.ConnectionURL == "" {
		return nil, ErrConnectionURLRequired
	}

	a := &Adapter{
		url:            params.ConnectionURL,
		queueName:      params.String("queue", params.Channel),
		dial:           dialAMQP,
		dialTimeout:    params.Duration("dial_timeout", DefaultDialTimeout),
		confirmTimeout: params.Duration("confirm_timeout", DefaultConfirmTimeout),
		logger:         params.LoggerOrNop(),
		declared:       make(map[string]bool),
		tags:           make(map[string][]uint64),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a, nil
}

// ProviderName returns "rabbitmq".
func (a *Adapter) ProviderName() string { return detection.ProviderRabbitMQ }

// Initialize connects, opens a channel and enables publisher confirms.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := a.dial(a.url, a.dialTimeout)
	if err != nil {
		return fmt.Errorf("connect rabbitmq %s: %s", log.RedactURL(a.url), outbox.SanitizeError(err.Error()))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))

	a.mu.Lock()
	a.conn, a.ch, a.confirms = conn, ch, confirms
	a.declared = make(map[string]bool)
	a.tags = make(map[string][]uint64)
	a.mu.Unlock()

	a.logger.Log(ctx, log.LevelDebug, "rabbitmq adapter initialized",
		log.String("queue", a.queueName), log.String("url", log.RedactURL(a.url)))

	return nil
}

func (a *Adapter) channel() (AMQPChannel, chan amqp.Confirmation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if nilcheck.Interface(a.ch) {
		return nil, nil, adapter.ErrNotInitialized
	}

	return a.ch, a.confirms, nil
}

// ensureQueue declares the durable queue the first time it is used.
func (a *Adapter) ensureQueue(ch AMQPChannel, name string) error {
	a.mu.Lock()
	done := a.declared[name]
	a.mu.Unlock()

	if done {
		return nil
	}

	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}

	a.mu.Lock()
	a.declared[name] = true
	a.mu.Unlock()

	return nil
}

// Send publishes msg persistently and waits for the broker confirm. A nack,
// a timeout or a closed confirm stream is a FAILED result.
func (a *Adapter) Send(ctx context.Context, msg *outbox.OutboxMessage) adapter.SendResult {
	started := time.Now()

	if msg == nil {
		return adapter.Failed("", started, outbox.ErrOutboxMessageRequired)
	}

	id := msg.ID.String()

	body, err := adapter.EncodeEnvelope(msg)
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	ch, confirms, err := a.channel()
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	if err := a.ensureQueue(ch, a.queueName); err != nil {
		return adapter.Failed(id, started, err)
	}

	headers := amqp.Table{}
	for k, v := range opentelemetry.InjectMessageHeaders(ctx) {
		headers[k] = v
	}

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     id,
		CorrelationId: msg.CorrelationID,
		Type:          msg.MessageType,
		Timestamp:     started.UTC(),
		Headers:       headers,
		Body:          body,
	}

	seqNo := ch.GetNextPublishSeqNo()

	if err := ch.PublishWithContext(ctx, "", a.queueName, false, false, publishing); err != nil {
		return adapter.Failed(id, started, fmt.Errorf("publish: %w", err))
	}

	tag, err := waitForConfirm(ctx, confirms, seqNo, a.confirmTimeout)
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	return adapter.Succeeded(id, started, map[string]any{"queue": a.queueName, "delivery_tag": tag})
}

// waitForConfirm waits for the confirmation of the publish numbered seqNo.
// Confirmations for earlier publishes that arrive after their Send gave up
// are dropped; those sends were already reported as failed.
func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, seqNo uint64, timeout time.Duration) (uint64, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case confirmed, ok := <-confirms:
			if !ok {
				return 0, ErrConfirmStreamClosed
			}

			if confirmed.DeliveryTag < seqNo {
				continue
			}

			if !confirmed.Ack {
				return confirmed.DeliveryTag, fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
			}

			return confirmed.DeliveryTag, nil
		case <-timer.C:
			return 0, ErrConfirmTimeout
		case <-ctx.Done():
			return 0, fmt.Errorf("waiting for confirm: %w", ctx.Err())
		}
	}
}

// Receive polls basic.get until count messages arrive or timeout passes
// without any. Undecodable bodies are rejected without requeue.
func (a *Adapter) Receive(ctx context.Context, count int, timeout time.Duration) ([]adapter.RawMessage, error) {
	ch, _, err := a.channel()
	if err != nil {
		return nil, err
	}

	if err := a.ensureQueue(ch, a.queueName); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	messages := make([]adapter.RawMessage, 0, max(count, 0))

	for len(messages) < count {
		delivery, ok, err := ch.Get(a.queueName, false)
		if err != nil {
			return messages, fmt.Errorf("get from %s: %w", a.queueName, err)
		}

		if !ok {
			if len(messages) > 0 || !time.Now().Before(deadline) {
				break
			}

			select {
			case <-ctx.Done():
				return messages, ctx.Err()
			case <-time.After(receivePollInterval):
			}

			continue
		}

		envelope, err := adapter.DecodeEnvelope(delivery.Body)
		if err != nil {
			a.logger.Log(ctx, log.LevelWarn, "rejecting undecodable delivery",
				log.String("queue", a.queueName), log.Err(err))

			_ = ch.Nack(delivery.DeliveryTag, false, false)

			continue
		}

		id := delivery.MessageId
		if id == "" {
			id = envelope.ID
		}

		a.mu.Lock()
		a.tags[id] = append(a.tags[id], delivery.DeliveryTag)
		a.mu.Unlock()

		messages = append(messages, adapter.RawMessage{ID: id, Body: delivery.Body, Envelope: envelope})
	}

	return messages, nil
}

// takeTag pops the oldest unsettled delivery tag received for messageID.
// A resent message can be in flight more than once.
func (a *Adapter) takeTag(messageID string) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tags := a.tags[messageID]
	if len(tags) == 0 {
		return 0, false
	}

	if len(tags) == 1 {
		delete(a.tags, messageID)
	} else {
		a.tags[messageID] = tags[1:]
	}

	return tags[0], true
}

// Ack acknowledges the oldest unsettled delivery of messageID.
func (a *Adapter) Ack(_ context.Context, messageID string) error {
	ch, _, err := a.channel()
	if err != nil {
		return err
	}

	tag, ok := a.takeTag(messageID)
	if !ok {
		return adapter.ErrUnknownMessage
	}

	if err := ch.Ack(tag, false); err != nil {
		return fmt.Errorf("ack %s: %w", messageID, err)
	}

	return nil
}

// Nack rejects the oldest unsettled delivery of messageID.
func (a *Adapter) Nack(_ context.Context, messageID string, requeue bool) error {
	ch, _, err := a.channel()
	if err != nil {
		return err
	}

	tag, ok := a.takeTag(messageID)
	if !ok {
		return adapter.ErrUnknownMessage
	}

	if err := ch.Nack(tag, false, requeue); err != nil {
		return fmt.Errorf("nack %s: %w", messageID, err)
	}

	return nil
}

// HealthCheck reports whether the connection and channel are open.
func (a *Adapter) HealthCheck(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return !nilcheck.Interface(a.conn) && !a.conn.IsClosed() && !nilcheck.Interface(a.ch)
}

// Shutdown closes the channel and connection without waiting for an
// in-flight publish; that send fails with a closed-channel error.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	conn, ch := a.conn, a.ch
	a.conn, a.ch, a.confirms = nil, nil, nil
	a.tags = make(map[string][]uint64)
	a.mu.Unlock()

	var errs []error

	if !nilcheck.Interface(ch) {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	if !nilcheck.Interface(conn) && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	if len(errs) > 0 {
		a.logger.Log(ctx, log.LevelWarn, "rabbitmq shutdown incomplete", log.Err(errors.Join(errs...)))
	}

	return errors.Join(errs...)
}
