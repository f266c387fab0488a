package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/channel"
	"github.com/LerianStudio/lib-courier/courier/circuitbreaker"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
)

// Outcome is what one dispatch did to one message.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeRetry        Outcome = "retry"
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeSkipped means another dispatcher owned the message.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeStateError means the outbox could not be read or updated.
	OutcomeStateError Outcome = "state_error"
)

// Result counts the outcomes of one dispatch cycle.
type Result struct {
	Processed         int
	Sent              int
	Failed            int
	DeadLettered      int
	Skipped           int
	StateUpdateFailed int
	Reclaimed         int64
}

func (r *Result) add(outcome Outcome) {
	r.Processed++

	switch outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeRetry:
		r.Failed++
	case OutcomeDeadLettered:
		r.Failed++
		r.DeadLettered++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeStateError:
		r.StateUpdateFailed++
	}
}

// Dispatcher polls the outbox for every declared channel. Several
// dispatchers may share one outbox; MarkProcessing decides which of them
// owns a message.
type Dispatcher struct {
	repo     outbox.Repository
	resolver *channel.Resolver
	specs    map[string]channel.Spec
	order    []string
	breakers circuitbreaker.Manager
	logger   log.Logger
	tracer   trace.Tracer
	cfg      Config

	adaptersMu   sync.Mutex
	adapters     map[string]adapter.Adapter
	resolveLocks map[string]*sync.Mutex

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

// New builds a Dispatcher for the declared channels. Channel specs are
// validated here; resolution happens lazily on the first message.
func New(repo outbox.Repository, resolver *channel.Resolver, specs []channel.Spec, opts ...Option) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, outbox.ErrOutboxRepositoryRequired
	}

	if resolver == nil {
		return nil, ErrResolverRequired
	}

	d := &Dispatcher{
		repo:         repo,
		resolver:     resolver,
		specs:        make(map[string]channel.Spec, len(specs)),
		logger:       log.NewNop(),
		tracer:       noop.NewTracerProvider().Tracer("courier.noop"),
		cfg:          DefaultConfig(),
		adapters:     make(map[string]adapter.Adapter),
		resolveLocks: make(map[string]*sync.Mutex),
		stop:         make(chan struct{}),
	}

	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, &channel.ConfigError{Channel: spec.Name, Kind: spec.Kind, Provider: spec.Provider, Reason: err.Error()}
		}

		if _, exists := d.specs[spec.Name]; exists {
			return nil, &channel.ConfigError{Channel: spec.Name, Kind: spec.Kind, Reason: "declared more than once"}
		}

		d.specs[spec.Name] = spec
		d.order = append(d.order, spec.Name)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	d.cfg.normalize()

	metrics, err := newDispatcherMetrics(d.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init dispatcher metrics: %w", err)
	}

	d.metrics = metrics

	return d, nil
}

// Channels returns the declared channel names in declaration order.
func (d *Dispatcher) Channels() []string {
	return append([]string(nil), d.order...)
}

// Run dispatches one cycle immediately and then every PollInterval until
// Stop is called or ctx is cancelled.
func (d *Dispatcher) Run(parentCtx context.Context) error {
	if d == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !d.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer d.clearRun()

	d.logger.Log(ctx, log.LevelInfo, "dispatcher started",
		log.Int("channels", len(d.order)),
		log.String("poll_interval", d.cfg.PollInterval.String()),
	)
	defer d.logger.Log(context.Background(), log.LevelInfo, "dispatcher stopped")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.cycle(ctx)

	for {
		select {
		case <-d.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-d.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			d.cycle(ctx)
		}
	}
}

func (d *Dispatcher) cycle(ctx context.Context) {
	d.dispatchWg.Add(1)
	defer d.dispatchWg.Done()
	defer d.recoverPanic(ctx, "dispatch_cycle")

	d.DispatchOnce(ctx)
}

func (d *Dispatcher) recoverPanic(ctx context.Context, where string) {
	if recovered := recover(); recovered != nil {
		d.logger.Log(ctx, log.LevelError, "dispatcher panic recovered",
			log.String("where", where),
			log.Any("panic", recovered),
		)
	}
}

// Stop signals the Run loop to return. A cycle in flight finishes first.
func (d *Dispatcher) Stop() {
	if d == nil {
		return
	}

	d.stopOnce.Do(func() {
		d.runStateMu.Lock()
		cancel := d.cancelFunc
		stop := d.stop
		d.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop, waits for the cycle in flight and releases every
// cached adapter.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	d.Stop()

	done := make(chan struct{})

	go func() {
		d.dispatchWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}

	return d.releaseAdapters(ctx)
}

// DispatchOnce reclaims stuck messages and then drains one batch per
// declared channel.
func (d *Dispatcher) DispatchOnce(ctx context.Context) Result {
	var result Result

	if d == nil {
		return result
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := d.tracer.Start(ctx, "courier.dispatcher.dispatch_once")
	defer span.End()

	result.Reclaimed = d.reclaimStuck(ctx, span)

	for _, name := range d.order {
		if ctx.Err() != nil {
			break
		}

		d.dispatchChannel(ctx, d.specs[name], &result)
	}

	span.SetAttributes(
		attribute.Int("courier.dispatch.processed", result.Processed),
		attribute.Int("courier.dispatch.sent", result.Sent),
		attribute.Int("courier.dispatch.failed", result.Failed),
		attribute.Int("courier.dispatch.dead_lettered", result.DeadLettered),
		attribute.Int("courier.dispatch.skipped", result.Skipped),
	)

	return result
}

func (d *Dispatcher) reclaimStuck(ctx context.Context, span trace.Span) int64 {
	if d.cfg.StuckAfter <= 0 {
		return 0
	}

	released, err := d.repo.ResetStuckProcessing(ctx, time.Now().UTC().Add(-d.cfg.StuckAfter))
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reset stuck messages", err)
		d.logger.Log(ctx, log.LevelError, "failed to reset stuck messages", log.Err(err))

		return 0
	}

	if released > 0 {
		d.logger.Log(ctx, log.LevelWarn, "released stuck processing messages", log.Int64("count", released))
	}

	return released
}

func (d *Dispatcher) dispatchChannel(ctx context.Context, spec channel.Spec, result *Result) {
	ctx, span := d.tracer.Start(ctx, "courier.dispatcher.channel",
		trace.WithAttributes(attribute.String("courier.channel", spec.Name)))
	defer span.End()

	messages, err := d.repo.GetPending(ctx, d.cfg.BatchSize, spec.Name)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list pending messages", err)
		d.logger.Log(ctx, log.LevelError, "failed to list pending messages",
			log.String("channel", spec.Name), log.Err(err))

		return
	}

	d.metrics.queueDepth.Record(ctx, int64(len(messages)), channelAttrs(spec.Name))

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}

		if msg == nil {
			continue
		}

		result.add(d.Dispatch(ctx, msg))
	}
}

// Dispatch claims msg and delivers it. A message owned by another
// dispatcher is skipped without side effects. Resolution and adapter
// initialization failures count as failed attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *outbox.OutboxMessage) Outcome {
	if msg == nil {
		return OutcomeStateError
	}

	ctx, span := d.tracer.Start(ctx, "courier.dispatcher.message",
		trace.WithAttributes(
			attribute.String("courier.message_id", msg.ID.String()),
			attribute.String("courier.channel", msg.ChannelName),
			attribute.String("courier.message_type", msg.MessageType),
		))
	defer span.End()

	claimed, err := d.repo.MarkProcessing(ctx, msg.ID)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to claim message", err)
		d.logger.Log(ctx, log.LevelError, "failed to claim outbox message",
			log.String("message_id", msg.ID.String()), log.Err(err))

		return OutcomeStateError
	}

	if !claimed {
		d.metrics.claimConflicts.Add(ctx, 1, channelAttrs(msg.ChannelName))

		return OutcomeSkipped
	}

	spec, ok := d.specs[msg.ChannelName]
	if !ok {
		return d.recordFailure(ctx, span, msg, fmt.Errorf("%w: %s", ErrChannelNotDeclared, msg.ChannelName))
	}

	a, err := d.adapterFor(ctx, spec)
	if err != nil {
		return d.recordFailure(ctx, span, msg, err)
	}

	span.SetAttributes(attribute.String("courier.provider", a.ProviderName()))

	sent := d.sendWithRetry(ctx, spec, a, msg)
	if !sent.OK() {
		d.evictIfUnhealthy(ctx, spec.Name, a)

		return d.recordFailure(ctx, span, msg, fmt.Errorf("%w: %s", ErrSendFailed, sent.Error))
	}

	// Delivery is at-least-once: a crash between Send and MarkSent resends.
	if err := d.repo.MarkSent(context.WithoutCancel(ctx), msg.ID); err != nil {
		opentelemetry.HandleSpanError(span, "failed to persist SENT", err)
		d.logger.Log(ctx, log.LevelError, "message delivered but SENT state was not persisted; it may be delivered again",
			log.String("message_id", msg.ID.String()), log.Err(err))

		return OutcomeStateError
	}

	d.metrics.sent.Add(ctx, 1, channelAttrs(spec.Name))

	return OutcomeSent
}

func (d *Dispatcher) recordFailure(ctx context.Context, span trace.Span, msg *outbox.OutboxMessage, cause error) Outcome {
	reason := outbox.SanitizeError(cause.Error())

	opentelemetry.HandleSpanError(span, "delivery attempt failed", cause)

	status, err := d.repo.MarkFailed(context.WithoutCancel(ctx), msg.ID, reason)
	if err != nil {
		d.logger.Log(ctx, log.LevelError, "failed to record delivery failure",
			log.String("message_id", msg.ID.String()), log.Err(err))

		return OutcomeStateError
	}

	d.metrics.failed.Add(ctx, 1, channelAttrs(msg.ChannelName))

	if status == outbox.StatusDeadLetter {
		d.metrics.deadLettered.Add(ctx, 1, channelAttrs(msg.ChannelName))
		d.logger.Log(ctx, log.LevelWarn, "message moved to dead letter",
			log.String("message_id", msg.ID.String()),
			log.String("channel", msg.ChannelName),
			log.String("last_error", reason),
		)

		return OutcomeDeadLettered
	}

	d.logger.Log(ctx, log.LevelInfo, "delivery attempt failed; message will be retried",
		log.String("message_id", msg.ID.String()),
		log.String("channel", msg.ChannelName),
		log.String("last_error", reason),
	)

	return OutcomeRetry
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, spec channel.Spec, a adapter.Adapter, msg *outbox.OutboxMessage) adapter.SendResult {
	var result adapter.SendResult

	for attempt := 0; attempt < d.cfg.PublishMaxAttempts; attempt++ {
		result = d.send(ctx, spec, a, msg)
		if result.OK() || attempt == d.cfg.PublishMaxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(d.cfg.PublishBackoff, attempt)
		if err := backoff.WaitContext(ctx, delay); err != nil {
			break
		}
	}

	return result
}

// send runs one bounded Send. An adapter that ignores its context is
// abandoned when the timeout fires.
func (d *Dispatcher) send(ctx context.Context, spec channel.Spec, a adapter.Adapter, msg *outbox.OutboxMessage) adapter.SendResult {
	started := time.Now()
	id := msg.ID.String()

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	call := func() adapter.SendResult {
		done := make(chan adapter.SendResult, 1)

		go func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					done <- adapter.Failed(id, started, fmt.Errorf("adapter panic: %v", recovered))
				}
			}()

			done <- a.Send(sendCtx, msg)
		}()

		select {
		case result := <-done:
			return result
		case <-sendCtx.Done():
			return adapter.Failed(id, started, fmt.Errorf("send timed out after %s: %w", d.cfg.SendTimeout, sendCtx.Err()))
		}
	}

	var result adapter.SendResult

	if d.breakers == nil {
		result = call()
	} else {
		result = d.sendThroughBreaker(spec, id, started, call)
	}

	latency := result.Latency
	if latency <= 0 {
		latency = time.Since(started)
	}

	d.metrics.sendLatency.Record(ctx, float64(latency)/float64(time.Millisecond),
		metric.WithAttributes(
			attribute.String("channel", spec.Name),
			attribute.String("provider", a.ProviderName()),
			attribute.String("status", string(result.Status)),
		))

	return result
}

func (d *Dispatcher) sendThroughBreaker(spec channel.Spec, id string, started time.Time, call func() adapter.SendResult) adapter.SendResult {
	cb := d.breakers.GetOrCreate(spec.Name, breakerConfig(spec))

	out, err := cb.Execute(func() (any, error) {
		result := call()
		if !result.OK() {
			return result, errors.New(result.Error)
		}

		return result, nil
	})

	if result, ok := out.(adapter.SendResult); ok {
		return result
	}

	return adapter.Failed(id, started, fmt.Errorf("channel %s: %w", spec.Name, err))
}

func breakerConfig(spec channel.Spec) circuitbreaker.Config {
	if spec.Kind == channel.KindEmail && spec.Provider == detection.ProviderSendGrid {
		return circuitbreaker.HTTPServiceConfig()
	}

	return circuitbreaker.DefaultConfig()
}

// Adapter returns the initialized adapter of a declared channel, resolving
// and caching it on first use.
func (d *Dispatcher) Adapter(ctx context.Context, name string) (adapter.Adapter, error) {
	spec, ok := d.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotDeclared, name)
	}

	return d.adapterFor(ctx, spec)
}

func (d *Dispatcher) adapterFor(ctx context.Context, spec channel.Spec) (adapter.Adapter, error) {
	if a, ok := d.cachedAdapter(spec.Name); ok {
		return a, nil
	}

	// Resolution probes the environment and may block up to the probe
	// timeouts; only callers for the same channel wait on it.
	lock := d.resolveLock(spec.Name)
	lock.Lock()
	defer lock.Unlock()

	if a, ok := d.cachedAdapter(spec.Name); ok {
		return a, nil
	}

	resolution, err := d.resolver.Resolve(ctx, spec)
	if err != nil {
		return nil, err
	}

	a, err := resolution.NewAdapter()
	if err != nil {
		return nil, err
	}

	if err := a.Initialize(ctx); err != nil {
		_ = a.Shutdown(context.WithoutCancel(ctx))

		return nil, fmt.Errorf("initialize %s adapter for %s: %w", resolution.Provider, spec.Name, err)
	}

	d.adaptersMu.Lock()
	d.adapters[spec.Name] = a
	d.adaptersMu.Unlock()

	return a, nil
}

func (d *Dispatcher) cachedAdapter(name string) (adapter.Adapter, bool) {
	d.adaptersMu.Lock()
	defer d.adaptersMu.Unlock()

	a, ok := d.adapters[name]

	return a, ok
}

func (d *Dispatcher) resolveLock(name string) *sync.Mutex {
	d.adaptersMu.Lock()
	defer d.adaptersMu.Unlock()

	lock, ok := d.resolveLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		d.resolveLocks[name] = lock
	}

	return lock
}

// evictIfUnhealthy drops a cached adapter whose provider went away so the
// next attempt resolves again, possibly to another provider.
func (d *Dispatcher) evictIfUnhealthy(ctx context.Context, name string, a adapter.Adapter) {
	if ctx.Err() != nil || a.HealthCheck(ctx) {
		return
	}

	d.adaptersMu.Lock()
	if d.adapters[name] == a {
		delete(d.adapters, name)
	}
	d.adaptersMu.Unlock()

	d.logger.Log(ctx, log.LevelWarn, "adapter unhealthy; channel will be resolved again",
		log.String("channel", name), log.String("provider", a.ProviderName()))

	if err := a.Shutdown(context.WithoutCancel(ctx)); err != nil {
		d.logger.Log(ctx, log.LevelWarn, "adapter shutdown failed", log.String("channel", name), log.Err(err))
	}
}

func (d *Dispatcher) releaseAdapters(ctx context.Context) error {
	d.adaptersMu.Lock()
	adapters := d.adapters
	d.adapters = make(map[string]adapter.Adapter)
	d.adaptersMu.Unlock()

	var errs []error

	for name, a := range adapters {
		if err := a.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s adapter: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	d.runStateMu.Lock()
	defer d.runStateMu.Unlock()

	if d.running {
		return false
	}

	if isClosedSignal(d.stop) {
		d.stop = make(chan struct{})
		d.stopOnce = sync.Once{}
	}

	d.running = true
	d.cancelFunc = cancel

	return true
}

func (d *Dispatcher) clearRun() {
	d.runStateMu.Lock()
	defer d.runStateMu.Unlock()

	d.running = false
	d.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func channelAttrs(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("channel", name))
}
