//go:build unit

package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newMessage(t *testing.T, channel string, opts ...outbox.MessageOption) *outbox.OutboxMessage {
	t.Helper()

	msg, err := outbox.NewOutboxMessage(channel, "send", "email", "a@example.com", map[string]any{"k": "v"}, opts...)
	require.NoError(t, err)

	return msg
}

func failOnce(t *testing.T, repo *Repository, id uuid.UUID, errMsg string) outbox.Status {
	t.Helper()

	ctx := context.Background()

	claimed, err := repo.MarkProcessing(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)

	status, err := repo.MarkFailed(ctx, id, errMsg)
	require.NoError(t, err)

	return status
}

func TestMarkProcessing_ExactlyOneConcurrentWinner(t *testing.T) {
	t.Parallel()

	repo := NewRepository()
	created, err := repo.Create(context.Background(), newMessage(t, "orders"))
	require.NoError(t, err)

	const competitors = 64

	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		losses atomic.Int32
		start  = make(chan struct{})
	)

	for i := 0; i < competitors; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			ok, claimErr := repo.MarkProcessing(context.Background(), created.ID)
			assert.NoError(t, claimErr)

			if ok {
				wins.Add(1)
			} else {
				losses.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(competitors-1), losses.Load())
}

func TestMarkFailed_DeadLetterThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewRepository()

	exhausted, err := repo.Create(ctx, newMessage(t, "orders", outbox.WithMaxAttempts(3)))
	require.NoError(t, err)

	assert.Equal(t, outbox.StatusPending, failOnce(t, repo, exhausted.ID, "e1"))
	assert.Equal(t, outbox.StatusPending, failOnce(t, repo, exhausted.ID, "e2"))
	assert.Equal(t, outbox.StatusDeadLetter, failOnce(t, repo, exhausted.ID, "e3"))

	got, err := repo.GetByID(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDeadLetter, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "e3", got.LastError)

	retrying, err := repo.Create(ctx, newMessage(t, "orders", outbox.WithMaxAttempts(3)))
	require.NoError(t, err)

	failOnce(t, repo, retrying.ID, "e1")
	failOnce(t, repo, retrying.ID, "e2")

	got, err = repo.GetByID(ctx, retrying.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestMarkFailed_RequiresProcessing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewRepository()

	created, err := repo.Create(ctx, newMessage(t, "orders"))
	require.NoError(t, err)

	_, err = repo.MarkFailed(ctx, created.ID, "boom")
	require.ErrorIs(t, err, outbox.ErrStateTransitionConflict)

	_, err = repo.MarkFailed(ctx, uuid.New(), "boom")
	require.ErrorIs(t, err, outbox.ErrOutboxMessageNotFound)

	require.ErrorIs(t, repo.MarkSent(ctx, created.ID), outbox.ErrStateTransitionConflict)
}

func TestMarkSent_IncrementsAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewRepository()

	created, err := repo.Create(ctx, newMessage(t, "orders"))
	require.NoError(t, err)

	claimed, err := repo.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.MarkSent(ctx, created.ID))

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)

	claimed, err = repo.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "SENT is terminal")
}

func TestRetryDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewRepository()

	created, err := repo.Create(ctx, newMessage(t, "orders", outbox.WithMaxAttempts(1)))
	require.NoError(t, err)

	ok, err := repo.RetryDeadLetter(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, ok, "only DEAD_LETTER messages can be retried")

	require.Equal(t, outbox.StatusDeadLetter, failOnce(t, repo, created.ID, "smtp down"))

	letters, err := repo.GetDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	ok, err = repo.RetryDeadLetter(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.LastError)

	ok, err = repo.RetryDeadLetter(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetPending_OrderFilterAndSchedule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	repo := NewRepository(WithClock(clock.Now))

	first, err := repo.Create(ctx, newMessage(t, "orders"))
	require.NoError(t, err)
	clock.Advance(time.Second)

	_, err = repo.Create(ctx, newMessage(t, "welcome_emails"))
	require.NoError(t, err)
	clock.Advance(time.Second)

	third, err := repo.Create(ctx, newMessage(t, "orders"))
	require.NoError(t, err)
	clock.Advance(time.Second)

	future, err := repo.Create(ctx, newMessage(t, "orders", outbox.WithScheduledFor(clock.Now().Add(time.Hour))))
	require.NoError(t, err)

	pending, err := repo.GetPending(ctx, 10, "orders")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, third.ID, pending[1].ID)

	all, err := repo.GetPending(ctx, 2, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	clock.Advance(2 * time.Hour)

	pending, err = repo.GetPending(ctx, 10, "orders")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, future.ID, pending[2].ID)

	_, err = repo.GetPending(ctx, 0, "")
	require.ErrorIs(t, err, outbox.ErrLimitInvalid)
}

func TestCleanupSent_OnlyRemovesOldSent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	repo := NewRepository(WithClock(clock.Now))

	sent, err := repo.Create(ctx, newMessage(t, "orders"))
	require.NoError(t, err)

	ok, err := repo.MarkProcessing(ctx, sent.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.MarkSent(ctx, sent.ID))

	dead, err := repo.Create(ctx, newMessage(t, "orders", outbox.WithMaxAttempts(1)))
	require.NoError(t, err)
	failOnce(t, repo, dead.ID, "boom")

	pending, err := repo.Create(ctx, newMessage(t, "orders"))
	require.NoError(t, err)

	processing, err := repo.Create(ctx, newMessage(t, "orders"))
	require.NoError(t, err)

	ok, err = repo.MarkProcessing(ctx, processing.ID)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(90 * 24 * time.Hour)

	removed, err := repo.CleanupSent(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = repo.GetByID(ctx, sent.ID)
	require.ErrorIs(t, err, outbox.ErrOutboxMessageNotFound)

	for _, id := range []uuid.UUID{dead.ID, pending.ID, processing.ID} {
		_, err = repo.GetByID(ctx, id)
		require.NoError(t, err)
	}

	_, err = repo.CleanupSent(ctx, -1)
	require.ErrorIs(t, err, outbox.ErrRetentionDaysInvalid)
}

func TestCleanupSent_KeepsRecentSent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	repo := NewRepository(WithClock(clock.Now))

	sent, err := repo.Create(ctx, newMessage(t, "orders"))
	require.NoError(t, err)

	_, err = repo.MarkProcessing(ctx, sent.ID)
	require.NoError(t, err)
	require.NoError(t, repo.MarkSent(ctx, sent.ID))

	clock.Advance(24 * time.Hour)

	removed, err := repo.CleanupSent(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStatsAndRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	repo := NewRepository(WithClock(clock.Now))

	var last *outbox.OutboxMessage

	for i := 0; i < 3; i++ {
		created, err := repo.Create(ctx, newMessage(t, "orders"))
		require.NoError(t, err)

		last = created

		clock.Advance(time.Second)
	}

	_, err := repo.MarkProcessing(ctx, last.ID)
	require.NoError(t, err)

	stats, err := repo.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[outbox.StatusPending])
	assert.Equal(t, int64(1), stats[outbox.StatusProcessing])
	assert.Equal(t, int64(0), stats[outbox.StatusDeadLetter])

	recent, err := repo.GetRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, last.ID, recent[0].ID)
}

func TestResetStuckProcessing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	repo := NewRepository(WithClock(clock.Now))

	stuck, err := repo.Create(ctx, newMessage(t, "orders", outbox.WithMaxAttempts(2)))
	require.NoError(t, err)

	_, err = repo.MarkProcessing(ctx, stuck.ID)
	require.NoError(t, err)

	clock.Advance(time.Hour)

	reset, err := repo.ResetStuckProcessing(ctx, clock.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	got, err := repo.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotEmpty(t, got.LastError)
}

func TestWelcomeEmailScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewRepository()

	msg, err := outbox.NewOutboxMessage("welcome_emails", "send_welcome", "email", "a@example.com",
		map[string]any{"subject": "Welcome"}, outbox.WithMaxAttempts(2))
	require.NoError(t, err)

	created, err := repo.Create(ctx, msg)
	require.NoError(t, err)

	failOnce(t, repo, created.ID, "smtp: connection refused")

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	failOnce(t, repo, created.ID, "smtp: connection refused")

	got, err = repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDeadLetter, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.NotEmpty(t, got.LastError)
}

func TestCreate_RejectsInvalidAndDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := NewRepository()

	_, err := repo.Create(ctx, nil)
	require.ErrorIs(t, err, outbox.ErrOutboxMessageRequired)

	msg := newMessage(t, "orders")
	_, err = repo.Create(ctx, msg)
	require.NoError(t, err)

	_, err = repo.Create(ctx, msg)
	require.Error(t, err)
}
