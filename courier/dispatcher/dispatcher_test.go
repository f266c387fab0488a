//go:build unit

package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/LerianStudio/lib-courier/courier/adapter"
	"github.com/LerianStudio/lib-courier/courier/adapter/memory"
	"github.com/LerianStudio/lib-courier/courier/channel"
	"github.com/LerianStudio/lib-courier/courier/circuitbreaker"
	"github.com/LerianStudio/lib-courier/courier/detection"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	outboxmemory "github.com/LerianStudio/lib-courier/courier/outbox/memory"
)

const fakeProvider = "fake"

type fakeAdapter struct {
	mu        sync.Mutex
	sends     int
	failFirst int
	alwaysErr string
	block     bool
	healthy   bool
	shutdown  atomic.Bool
}

func (a *fakeAdapter) ProviderName() string { return fakeProvider }

func (a *fakeAdapter) Initialize(context.Context) error { return nil }

func (a *fakeAdapter) Send(_ context.Context, msg *outbox.OutboxMessage) adapter.SendResult {
	started := time.Now()

	a.mu.Lock()
	a.sends++
	n := a.sends
	block := a.block
	alwaysErr := a.alwaysErr
	failFirst := a.failFirst
	a.mu.Unlock()

	if block {
		select {}
	}

	if alwaysErr != "" {
		return adapter.Failed(msg.ID.String(), started, errors.New(alwaysErr))
	}

	if n <= failFirst {
		return adapter.Failed(msg.ID.String(), started, errors.New("temporary outage"))
	}

	return adapter.Succeeded(msg.ID.String(), started, nil)
}

func (a *fakeAdapter) HealthCheck(context.Context) bool { return a.healthy }

func (a *fakeAdapter) Shutdown(context.Context) error {
	a.shutdown.Store(true)

	return nil
}

func (a *fakeAdapter) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.sends
}

type fakeDetector struct {
	kind channel.Kind
}

func (d fakeDetector) ProviderName() string { return fakeProvider }
func (d fakeDetector) Kind() channel.Kind   { return d.kind }
func (d fakeDetector) Priority() int        { return 1 }

func (d fakeDetector) Detect(context.Context) (detection.Result, bool) {
	return detection.Result{
		Provider: fakeProvider,
		Kind:     d.kind,
		Status:   detection.StatusAvailable,
		Method:   detection.MethodEnv,
	}, true
}

func (d fakeDetector) HealthCheck(context.Context, detection.Result) detection.Health {
	return detection.Healthy()
}

// fakeResolver resolves email channels to the fake provider and counts
// adapter constructions.
func fakeResolver(newAdapter func() *fakeAdapter, built *atomic.Int32) *channel.Resolver {
	registry := channel.NewRegistry()
	registry.Register(channel.KindEmail, fakeProvider, func(adapter.Params) (adapter.Adapter, error) {
		if built != nil {
			built.Add(1)
		}

		return newAdapter(), nil
	})

	return channel.NewResolver([]detection.Detector{fakeDetector{kind: channel.KindEmail}}, registry)
}

func welcomeMessage(t *testing.T, repo outbox.Repository, maxAttempts int) *outbox.OutboxMessage {
	t.Helper()

	msg, err := outbox.NewOutboxMessage(
		"welcome_emails",
		"send_welcome",
		"welcome_email",
		"a@example.com",
		map[string]any{"subject": "Hi", "body": "Welcome aboard"},
		outbox.WithMaxAttempts(maxAttempts),
	)
	require.NoError(t, err)

	created, err := repo.Create(context.Background(), msg)
	require.NoError(t, err)

	return created
}

var welcomeSpec = channel.Spec{Name: "welcome_emails", Kind: channel.KindEmail}

func TestDispatchOnce_FailuresEndInDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := outboxmemory.NewRepository()
	fake := &fakeAdapter{alwaysErr: "smtp 421 service not available", healthy: true}

	d, err := New(repo, fakeResolver(func() *fakeAdapter { return fake }, nil), []channel.Spec{welcomeSpec})
	require.NoError(t, err)

	msg := welcomeMessage(t, repo, 2)

	first := d.DispatchOnce(ctx)
	assert.Equal(t, 1, first.Processed)
	assert.Equal(t, 1, first.Failed)
	assert.Zero(t, first.DeadLettered)

	stored, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)

	second := d.DispatchOnce(ctx)
	assert.Equal(t, 1, second.DeadLettered)

	stored, err = repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDeadLetter, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Contains(t, stored.LastError, "smtp 421 service not available")

	third := d.DispatchOnce(ctx)
	assert.Zero(t, third.Processed)
	assert.Equal(t, 2, fake.sendCount())
}

func TestDispatchOnce_DeliversThroughMemoryQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := outboxmemory.NewRepository()
	broker := memory.NewBroker()
	resolver := channel.NewResolver(
		[]detection.Detector{detection.NewMemoryDetector(channel.KindQueue)},
		channel.DefaultRegistry(channel.Dependencies{Broker: broker}),
	)

	d, err := New(repo, resolver, []channel.Spec{{Name: "orders", Kind: channel.KindQueue}})
	require.NoError(t, err)

	msg, err := outbox.NewOutboxMessage("orders", "publish", "order_created", "order-42",
		map[string]any{"order_id": "42", "total": "10.50"})
	require.NoError(t, err)

	_, err = repo.Create(ctx, msg)
	require.NoError(t, err)

	result := d.DispatchOnce(ctx)
	assert.Equal(t, 1, result.Sent)

	stored, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, stored.Status)

	consumer := memory.NewQueueAdapter(broker, adapter.Params{Channel: "orders"})
	require.NoError(t, consumer.Initialize(ctx))

	received, err := consumer.Receive(ctx, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, msg.ID.String(), received[0].Envelope.ID)
	assert.Equal(t, map[string]any{"order_id": "42", "total": "10.50"}, received[0].Envelope.Payload)

	require.NoError(t, d.Shutdown(ctx))
}

func TestDispatch_SkipsMessageClaimedElsewhere(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := outboxmemory.NewRepository()
	fake := &fakeAdapter{healthy: true}

	d, err := New(repo, fakeResolver(func() *fakeAdapter { return fake }, nil), []channel.Spec{welcomeSpec})
	require.NoError(t, err)

	msg := welcomeMessage(t, repo, 3)

	claimed, err := repo.MarkProcessing(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Equal(t, OutcomeSkipped, d.Dispatch(ctx, msg))
	assert.Zero(t, fake.sendCount())

	stored, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessing, stored.Status)
	assert.Zero(t, stored.Attempts)
}

func TestDispatch_ConcurrentDispatchersDeliverOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := outboxmemory.NewRepository()
	fake := &fakeAdapter{healthy: true}
	resolver := fakeResolver(func() *fakeAdapter { return fake }, nil)

	msg := welcomeMessage(t, repo, 3)

	const competitors = 8

	outcomes := make(chan Outcome, competitors)

	var wg sync.WaitGroup

	for range competitors {
		d, err := New(repo, resolver, []channel.Spec{welcomeSpec})
		require.NoError(t, err)

		wg.Add(1)

		go func() {
			defer wg.Done()
			outcomes <- d.Dispatch(ctx, msg)
		}()
	}

	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for outcome := range outcomes {
		counts[outcome]++
	}

	assert.Equal(t, 1, counts[OutcomeSent])
	assert.Equal(t, competitors-1, counts[OutcomeSkipped])
	assert.Equal(t, 1, fake.sendCount())
}

func TestDispatch_ResolutionFailureCountsAsAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := outboxmemory.NewRepository()
	resolver := channel.NewResolver(
		[]detection.Detector{detection.NewMemoryDetector(channel.KindQueue)},
		channel.DefaultRegistry(channel.Dependencies{Broker: memory.NewBroker()}),
		channel.WithFallbacks(false),
	)

	d, err := New(repo, resolver, []channel.Spec{{Name: "orders", Kind: channel.KindQueue}})
	require.NoError(t, err)

	msg, err := outbox.NewOutboxMessage("orders", "publish", "order_created", "order-1", map[string]any{})
	require.NoError(t, err)

	_, err = repo.Create(ctx, msg)
	require.NoError(t, err)

	result := d.DispatchOnce(ctx)
	assert.Equal(t, 1, result.Failed)

	stored, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "channel configuration error")
}

func TestDispatch_UndeclaredChannelFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := outboxmemory.NewRepository()

	d, err := New(repo, fakeResolver(func() *fakeAdapter { return &fakeAdapter{} }, nil), nil)
	require.NoError(t, err)

	msg, err := outbox.NewOutboxMessage("unknown", "op", "type", "r", map[string]any{}, outbox.WithMaxAttempts(1))
	require.NoError(t, err)

	_, err = repo.Create(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeadLettered, d.Dispatch(ctx, msg))

	stored, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, ErrChannelNotDeclared.Error())
}

func TestDispatch_SendTimeoutIsAFailedAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := outboxmemory.NewRepository()
	fake := &fakeAdapter{block: true, healthy: true}

	d, err := New(repo, fakeResolver(func() *fakeAdapter { return fake }, nil), []channel.Spec{welcomeSpec},
		WithSendTimeout(50*time.Millisecond))
	require.NoError(t, err)

	msg := welcomeMessage(t, repo, 3)

	started := time.Now()
	assert.Equal(t, OutcomeRetry, d.Dispatch(ctx, msg))
	assert.Less(t, time.Since(started), 5*time.Second)

	stored, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, stored.Status)
	assert.Contains(t, stored.LastError, "timed out")
}

func TestDispatch_PublishRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := outboxmemory.NewRepository()
	fake := &fakeAdapter{failFirst: 2, healthy: true}

	d, err := New(repo, fakeResolver(func() *fakeAdapter { return fake }, nil), []channel.Spec{welcomeSpec},
		WithPublishRetry(3, time.Millisecond))
	require.NoError(t, err)

	msg := welcomeMessage(t, repo, 3)

	assert.Equal(t, OutcomeSent, d.Dispatch(ctx, msg))
	assert.Equal(t, 3, fake.sendCount())

	stored, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestDispatch_UnhealthyAdapterIsResolvedAgain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := outboxmemory.NewRepository()

	var (
		built   atomic.Int32
		created []*fakeAdapter
		mu      sync.Mutex
	)

	newAdapter := func() *fakeAdapter {
		mu.Lock()
		defer mu.Unlock()

		a := &fakeAdapter{alwaysErr: "connection reset", healthy: false}
		created = append(created, a)

		return a
	}

	d, err := New(repo, fakeResolver(newAdapter, &built), []channel.Spec{welcomeSpec})
	require.NoError(t, err)

	msg := welcomeMessage(t, repo, 5)

	assert.Equal(t, OutcomeRetry, d.Dispatch(ctx, msg))
	assert.Equal(t, OutcomeRetry, d.Dispatch(ctx, msg))
	assert.Equal(t, int32(2), built.Load())

	mu.Lock()
	defer mu.Unlock()

	assert.True(t, created[0].shutdown.Load())
}

func TestDispatch_CircuitBreakerWrapsSend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := outboxmemory.NewRepository()
	fake := &fakeAdapter{healthy: true}
	breakers := circuitbreaker.NewManager(nil)

	d, err := New(repo, fakeResolver(func() *fakeAdapter { return fake }, nil), []channel.Spec{welcomeSpec},
		WithCircuitBreaker(breakers))
	require.NoError(t, err)

	msg := welcomeMessage(t, repo, 3)

	assert.Equal(t, OutcomeSent, d.Dispatch(ctx, msg))
	assert.Equal(t, uint32(1), breakers.GetCounts("welcome_emails").TotalSuccesses)
	assert.True(t, breakers.IsHealthy("welcome_emails"))
}

func TestRunAndShutdown(t *testing.T) {
	t.Parallel()

	repo := outboxmemory.NewRepository()
	fake := &fakeAdapter{healthy: true}

	d, err := New(repo, fakeResolver(func() *fakeAdapter { return fake }, nil), []channel.Spec{welcomeSpec},
		WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	msg := welcomeMessage(t, repo, 3)

	errCh := make(chan error, 1)

	go func() {
		errCh <- d.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		stored, err := repo.GetByID(context.Background(), msg.ID)

		return err == nil && stored.Status == outbox.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, <-errCh)
	assert.True(t, fake.shutdown.Load())
}

func TestRun_RejectsSecondRun(t *testing.T) {
	t.Parallel()

	d, err := New(outboxmemory.NewRepository(), fakeResolver(func() *fakeAdapter { return &fakeAdapter{} }, nil), nil,
		WithPollInterval(time.Hour))
	require.NoError(t, err)

	errCh := make(chan error, 1)

	go func() {
		errCh <- d.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		d.runStateMu.Lock()
		defer d.runStateMu.Unlock()

		return d.running
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, d.Run(context.Background()), ErrDispatcherRunning)

	d.Stop()
	require.NoError(t, <-errCh)
}

func TestDispatchOnce_ReclaimsStuckMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := time.Now().UTC().Add(-time.Hour)
	repo := outboxmemory.NewRepository(outboxmemory.WithClock(func() time.Time { return clock }))
	fake := &fakeAdapter{healthy: true}

	d, err := New(repo, fakeResolver(func() *fakeAdapter { return fake }, nil), []channel.Spec{welcomeSpec},
		WithStuckAfter(time.Minute))
	require.NoError(t, err)

	msg := welcomeMessage(t, repo, 3)

	claimed, err := repo.MarkProcessing(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	clock = time.Now().UTC()

	result := d.DispatchOnce(ctx)
	assert.Equal(t, int64(1), result.Reclaimed)
	assert.Equal(t, 1, result.Sent)

	stored, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver(func() *fakeAdapter { return &fakeAdapter{} }, nil)

	_, err := New(nil, resolver, nil)
	require.ErrorIs(t, err, outbox.ErrOutboxRepositoryRequired)

	_, err = New(outboxmemory.NewRepository(), nil, nil)
	require.ErrorIs(t, err, ErrResolverRequired)

	_, err = New(outboxmemory.NewRepository(), resolver, []channel.Spec{{Name: "", Kind: channel.KindEmail}})
	require.ErrorIs(t, err, channel.ErrChannelConfig)

	_, err = New(outboxmemory.NewRepository(), resolver, []channel.Spec{welcomeSpec, welcomeSpec})
	require.ErrorIs(t, err, channel.ErrChannelConfig)

	d, err := New(outboxmemory.NewRepository(), resolver, []channel.Spec{welcomeSpec},
		WithBatchSize(-1), WithPollInterval(0), WithConfig(Config{SendTimeout: time.Second}))
	require.NoError(t, err)
	assert.Equal(t, defaultBatchSize, d.cfg.BatchSize)
	assert.Equal(t, time.Second, d.cfg.SendTimeout)
	assert.Equal(t, []string{"welcome_emails"}, d.Channels())
}

type testMeterProvider struct {
	metric.MeterProvider
	meter metric.Meter
}

func (provider testMeterProvider) Meter(string, ...metric.MeterOption) metric.Meter {
	return provider.meter
}

type failingMeter struct {
	metric.Meter
	failOnName string
}

func (meter failingMeter) Int64Counter(name string, options ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	if name == meter.failOnName {
		return nil, errors.New("meter unavailable")
	}

	return meter.Meter.Int64Counter(name, options...)
}

func TestNew_MetricInitFailure(t *testing.T) {
	t.Parallel()

	provider := testMeterProvider{
		MeterProvider: metricnoop.NewMeterProvider(),
		meter: failingMeter{
			Meter:      metricnoop.NewMeterProvider().Meter("test"),
			failOnName: "courier.dispatcher.messages.dead_lettered",
		},
	}

	_, err := New(outboxmemory.NewRepository(), fakeResolver(func() *fakeAdapter { return &fakeAdapter{} }, nil), nil,
		WithMeterProvider(provider))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "courier.dispatcher.messages.dead_lettered")
}

type blockingDetector struct {
	entered chan struct{}
	release chan struct{}
}

func (d blockingDetector) ProviderName() string { return fakeProvider }
func (d blockingDetector) Kind() channel.Kind   { return channel.KindQueue }
func (d blockingDetector) Priority() int        { return 1 }

func (d blockingDetector) Detect(ctx context.Context) (detection.Result, bool) {
	close(d.entered)

	select {
	case <-d.release:
	case <-ctx.Done():
		return detection.Result{}, false
	}

	return detection.Result{Provider: fakeProvider, Kind: channel.KindQueue, Status: detection.StatusAvailable, Method: detection.MethodPort}, true
}

func (d blockingDetector) HealthCheck(context.Context, detection.Result) detection.Health {
	return detection.Healthy()
}

func TestAdapter_SlowResolutionDoesNotBlockOtherChannels(t *testing.T) {
	t.Parallel()

	registry := channel.NewRegistry()
	construct := func(adapter.Params) (adapter.Adapter, error) { return &fakeAdapter{healthy: true}, nil }
	registry.Register(channel.KindEmail, fakeProvider, construct)
	registry.Register(channel.KindQueue, fakeProvider, construct)

	slow := blockingDetector{entered: make(chan struct{}), release: make(chan struct{})}
	resolver := channel.NewResolver([]detection.Detector{fakeDetector{kind: channel.KindEmail}, slow}, registry)

	d, err := New(outboxmemory.NewRepository(), resolver,
		[]channel.Spec{welcomeSpec, {Name: "orders", Kind: channel.KindQueue}})
	require.NoError(t, err)

	queueErr := make(chan error, 1)

	go func() {
		_, err := d.Adapter(context.Background(), "orders")
		queueErr <- err
	}()

	<-slow.entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, err := d.Adapter(ctx, welcomeSpec.Name)
	require.NoError(t, err)
	assert.Equal(t, fakeProvider, a.ProviderName())

	close(slow.release)
	require.NoError(t, <-queueErr)
}
