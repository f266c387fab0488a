// Package redis implements the stream adapter on Redis Streams.
//
// Each envelope field is stored as a stream entry field; payload and
// metadata are JSON strings. Subscribers use a consumer group created with
// MKSTREAM at "$", read their own pending entries before new ones, and XACK
// only after the handler returns nil.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultBlock     = 2 * time.Second
	DefaultReadCount = 10

	handlerRetryBase = 100 * time.Millisecond
	maxRetryExponent = 6
)

// ErrConnectionURLRequired is returned by New without a connection URL or client.
var ErrConnectionURLRequired = errors.New("redis connection url is required")

// Adapter is the Redis Streams adapter.
type Adapter struct {
	url        string
	streamName string
	maxLen     int64
	block      time.Duration
	readCount  int64
	logger     log.Logger
	injected   redis.UniversalClient

	mu     sync.Mutex
	client redis.UniversalClient
	owned  bool
	cancel context.CancelFunc
	done   chan struct{}
}

var _ adapter.StreamAdapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithClient uses an existing client instead of dialing the connection URL.
// Shutdown does not close an injected client.
func WithClient(client redis.UniversalClient) Option {
	return func(a *Adapter) {
		if !nilcheck.Interface(client) {
			a.injected = client
		}
	}
}

// New builds an uninitialized adapter. The channel config may set "stream",
// "max_len", "block" and "read_count".
func New(params adapter.Params, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		url:        params.ConnectionURL,
		streamName: params.String("stream", params.Channel),
		maxLen:     int64(params.Int("max_len", 0)),
		block:      params.Duration("block", DefaultBlock),
		readCount:  int64(params.Int("read_count", DefaultReadCount)),
		logger:     params.LoggerOrNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	if a.injected == nil && strings.TrimSpace(a.url) == "" {
		return nil, ErrConnectionURLRequired
	}

	return a, nil
}

// ProviderName returns "redis".
func (a *Adapter) ProviderName() string { return detection.ProviderRedis }

// Initialize creates the client unless one was injected and pings it.
func (a *Adapter) Initialize(ctx context.Context) error {
	client := a.injected
	owned := false

	if client == nil {
		opts, err := detection.RedisOptions(a.url)
		if err != nil {
			return err
		}

		client = redis.NewClient(opts)
		owned = true
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if owned {
			_ = client.Close()
		}

		return fmt.Errorf("ping redis %s: %w", log.RedactURL(a.url), err)
	}

	a.mu.Lock()
	a.client, a.owned = client, owned
	a.mu.Unlock()

	return nil
}

func (a *Adapter) redisClient() (redis.UniversalClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return nil, adapter.ErrNotInitialized
	}

	return a.client, nil
}

// Send appends the envelope fields to the channel stream with XADD.
func (a *Adapter) Send(ctx context.Context, msg *outbox.OutboxMessage) adapter.SendResult {
	started := time.Now()

	if msg == nil {
		return adapter.Failed("", started, outbox.ErrOutboxMessageRequired)
	}

	id := msg.ID.String()

	client, err := a.redisClient()
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	envelope, err := adapter.NewEnvelope(msg)
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	values, err := encodeFields(envelope)
	if err != nil {
		return adapter.Failed(id, started, err)
	}

	args := &redis.XAddArgs{Stream: a.streamName, ID: "*", Values: values}
	if a.maxLen > 0 {
		args.MaxLen = a.maxLen
		args.Approx = true
	}

	entryID, err := client.XAdd(ctx, args).Result()
	if err != nil {
		return adapter.Failed(id, started, fmt.Errorf("xadd %s: %w", a.streamName, err))
	}

	return adapter.Succeeded(id, started, map[string]any{"stream": a.streamName, "stream_id": entryID})
}

// Subscribe creates the consumer group at "$" when missing and starts an
// XREADGROUP loop. Entries are acknowledged after handler returns nil.
func (a *Adapter) Subscribe(ctx context.Context, group, consumer string, handler adapter.Handler) error {
	client, err := a.redisClient()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return adapter.ErrAlreadySubscribed
	}

	err = client.XGroupCreateMkStream(ctx, a.streamName, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.consume(loopCtx, client, group, consumer, handler, a.done)

	return nil
}

func (a *Adapter) consume(ctx context.Context, client redis.UniversalClient, group, consumer string, handler adapter.Handler, done chan struct{}) {
	defer close(done)

	failures := 0
	checkPending := true

	for ctx.Err() == nil {
		start := ">"
		block := a.block

		if checkPending {
			start, block = "0", -1
		}

		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{a.streamName, start},
			Count:    a.readCount,
			Block:    block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return
			}

			failures++
			a.logger.Log(ctx, log.LevelWarn, "xreadgroup failed", log.String("stream", a.streamName), log.Err(err))
			_ = backoff.WaitContext(ctx, backoff.ExponentialWithJitter(handlerRetryBase, min(failures, maxRetryExponent)))

			continue
		}

		entries := 0
		for _, stream := range streams {
			entries += len(stream.Messages)
		}

		if checkPending && entries == 0 {
			checkPending = false
			continue
		}

		if a.handle(ctx, client, group, consumer, streams, handler) {
			failures = 0
			continue
		}

		failures++
		checkPending = true
		_ = backoff.WaitContext(ctx, backoff.ExponentialWithJitter(handlerRetryBase, min(failures, maxRetryExponent)))
	}
}

// handle runs handler over every entry and reports whether all succeeded.
func (a *Adapter) handle(ctx context.Context, client redis.UniversalClient, group, consumer string, streams []redis.XStream, handler adapter.Handler) bool {
	ok := true

	for _, stream := range streams {
		for _, message := range stream.Messages {
			envelope, err := decodeFields(message.Values)
			if err != nil {
				a.logger.Log(ctx, log.LevelWarn, "acking undecodable stream entry",
					log.String("stream", stream.Stream), log.String("id", message.ID), log.Err(err))
				_ = client.XAck(ctx, stream.Stream, group, message.ID).Err()

				continue
			}

			record := adapter.Record{ID: message.ID, Stream: stream.Stream, Envelope: envelope}

			if err := handler(ctx, record); err != nil {
				a.logger.Log(ctx, log.LevelWarn, "stream handler failed; entry stays pending",
					log.String("stream", stream.Stream), log.String("consumer", consumer),
					log.String("id", message.ID), log.Err(err))

				ok = false

				continue
			}

			if err := client.XAck(ctx, stream.Stream, group, message.ID).Err(); err != nil {
				a.logger.Log(ctx, log.LevelWarn, "xack failed", log.String("id", message.ID), log.Err(err))
			}
		}
	}

	return ok
}

// Unsubscribe stops the consume loop and waits for it to exit.
func (a *Adapter) Unsubscribe() error {
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

// HealthCheck pings Redis.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	client, err := a.redisClient()
	if err != nil {
		return false
	}

	return client.Ping(ctx).Err() == nil
}

// Shutdown stops consuming and closes the client when the adapter owns it.
func (a *Adapter) Shutdown(_ context.Context) error {
	_ = a.Unsubscribe()

	a.mu.Lock()
	client, owned := a.client, a.owned
	a.client = nil
	a.mu.Unlock()

	if client != nil && owned {
		if err := client.Close(); err != nil {
			return fmt.Errorf("close redis client: %w", err)
		}
	}

	return nil
}

func encodeFields(envelope adapter.Envelope) (map[string]any, error) {
	payload, err := json.Marshal(envelope.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	metadata := []byte("{}")
	if len(envelope.Metadata) > 0 {
		if metadata, err = json.Marshal(envelope.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}

	return map[string]any{
		"id":             envelope.ID,
		"operation":      envelope.Operation,
		"type":           envelope.Type,
		"payload":        string(payload),
		"recipient":      envelope.Recipient,
		"correlation_id": envelope.CorrelationID,
		"metadata":       string(metadata),
	}, nil
}

func decodeFields(values map[string]any) (adapter.Envelope, error) {
	field := func(key string) string {
		s, _ := values[key].(string)
		return s
	}

	envelope := adapter.Envelope{
		ID:            field("id"),
		Operation:     field("operation"),
		Type:          field("type"),
		Recipient:     field("recipient"),
		CorrelationID: field("correlation_id"),
	}

	if envelope.ID == "" {
		return adapter.Envelope{}, errors.New("entry has no id field")
	}

	payload, err := outbox.DecodeObject([]byte(field("payload")))
	if err != nil {
		return adapter.Envelope{}, err
	}

	metadata, err := outbox.DecodeObject([]byte(field("metadata")))
	if err != nil {
		return adapter.Envelope{}, err
	}

	envelope.Payload = payload
	if len(metadata) > 0 {
		envelope.Metadata = metadata
	}

	return envelope, nil
}
