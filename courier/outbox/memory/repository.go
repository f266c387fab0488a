// Package memory is a process-local outbox.Repository. It is not durable and
// serves tests and single-process development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/google/uuid"
)

// Repository keeps messages in a map guarded by one mutex. Every transition
// is a compare-and-set under that mutex, which gives MarkProcessing the same
// exactly-one-winner guarantee the SQL conditional update provides.
type Repository struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*outbox.OutboxMessage
	now      func() time.Time
}

var _ outbox.Repository = (*Repository)(nil)

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRepository returns an empty Repository.
func NewRepository(opts ...Option) *Repository {
	r := &Repository{
		messages: make(map[uuid.UUID]*outbox.OutboxMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

// Create stores a validated copy of msg as PENDING.
func (r *Repository) Create(ctx context.Context, msg *outbox.OutboxMessage) (*outbox.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("create outbox message: %w", err)
	}

	stored := msg.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}

	now := r.now()
	stored.Status = outbox.StatusPending
	stored.Attempts = 0
	stored.LastError = ""
	stored.CreatedAt = now
	stored.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.messages[stored.ID]; exists {
		return nil, fmt.Errorf("create outbox message %s: duplicate id", stored.ID)
	}

	r.messages[stored.ID] = stored

	return stored.Clone(), nil
}

// GetByID returns a copy of the stored message.
func (r *Repository) GetByID(_ context.Context, id uuid.UUID) (*outbox.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, outbox.ErrOutboxMessageNotFound
	}

	return msg.Clone(), nil
}

// GetPending returns due PENDING messages of channelName, oldest first.
func (r *Repository) GetPending(_ context.Context, limit int, channelName string) ([]*outbox.OutboxMessage, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	now := r.now()

	return r.selectSorted(limit, true, func(msg *outbox.OutboxMessage) bool {
		return msg.Status == outbox.StatusPending &&
			msg.IsDue(now) &&
			(channelName == "" || msg.ChannelName == channelName)
	}), nil
}

// MarkProcessing claims a PENDING message. It reports false when another
// caller got there first.
func (r *Repository) MarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok || msg.Status != outbox.StatusPending {
		return false, nil
	}

	msg.Status = outbox.StatusProcessing
	msg.UpdatedAt = r.now()

	return true, nil
}

// MarkSent moves a PROCESSING message to SENT and counts the attempt.
func (r *Repository) MarkSent(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := r.inStatus(id, outbox.StatusProcessing)
	if err != nil {
		return err
	}

	msg.Status = outbox.StatusSent
	msg.Attempts++
	msg.UpdatedAt = r.now()

	return nil
}

// MarkFailed records a failed attempt and returns the resulting status.
func (r *Repository) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) (outbox.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := r.inStatus(id, outbox.StatusProcessing)
	if err != nil {
		return "", err
	}

	r.recordFailure(msg, outbox.SanitizeError(errMsg))

	return msg.Status, nil
}

// GetDeadLetters returns dead-lettered messages, most recently created first.
func (r *Repository) GetDeadLetters(_ context.Context, limit int) ([]*outbox.OutboxMessage, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	return r.selectSorted(limit, false, func(msg *outbox.OutboxMessage) bool {
		return msg.Status == outbox.StatusDeadLetter
	}), nil
}

// RetryDeadLetter resets a dead-lettered message to PENDING with zero attempts.
func (r *Repository) RetryDeadLetter(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok || msg.Status != outbox.StatusDeadLetter {
		return false, nil
	}

	msg.Status = outbox.StatusPending
	msg.Attempts = 0
	msg.LastError = ""
	msg.UpdatedAt = r.now()

	return true, nil
}

// GetStats counts messages per status.
func (r *Repository) GetStats(_ context.Context) (outbox.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := outbox.NewStats()
	for _, msg := range r.messages {
		stats[msg.Status]++
	}

	return stats, nil
}

// GetRecent returns the most recently created messages.
func (r *Repository) GetRecent(_ context.Context, limit int) ([]*outbox.OutboxMessage, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	return r.selectSorted(limit, false, func(*outbox.OutboxMessage) bool { return true }), nil
}

// CleanupSent deletes SENT messages last updated more than olderThanDays ago.
func (r *Repository) CleanupSent(_ context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, outbox.ErrRetentionDaysInvalid
	}

	cutoff := outbox.CleanupCutoff(r.now(), olderThanDays)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64

	for id, msg := range r.messages {
		if msg.Status == outbox.StatusSent && msg.UpdatedAt.Before(cutoff) {
			delete(r.messages, id)
			removed++
		}
	}

	return removed, nil
}

// ResetStuckProcessing returns messages stuck in PROCESSING since before to
// PENDING, counting the interrupted attempt.
func (r *Repository) ResetStuckProcessing(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reset int64

	for _, msg := range r.messages {
		if msg.Status == outbox.StatusProcessing && msg.UpdatedAt.Before(before) {
			r.recordFailure(msg, "processing interrupted before completion")
			reset++
		}
	}

	return reset, nil
}

// recordFailure applies the failure transition. Callers hold r.mu.
func (r *Repository) recordFailure(msg *outbox.OutboxMessage, lastError string) {
	msg.Status = outbox.FailureOutcome(msg.Attempts, msg.MaxAttempts)
	msg.Attempts++
	msg.LastError = lastError
	msg.UpdatedAt = r.now()
}

// inStatus returns the live message when it is in want. Callers hold r.mu.
func (r *Repository) inStatus(id uuid.UUID, want outbox.Status) (*outbox.OutboxMessage, error) {
	msg, ok := r.messages[id]
	if !ok {
		return nil, outbox.ErrOutboxMessageNotFound
	}

	if msg.Status != want {
		return nil, fmt.Errorf("%w: message %s is %s, expected %s", outbox.ErrStateTransitionConflict, id, msg.Status, want)
	}

	return msg, nil
}

// selectSorted returns clones of matching messages ordered by creation time,
// ascending when oldestFirst and descending otherwise.
func (r *Repository) selectSorted(limit int, oldestFirst bool, match func(*outbox.OutboxMessage) bool) []*outbox.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	selected := make([]*outbox.OutboxMessage, 0, len(r.messages))

	for _, msg := range r.messages {
		if match(msg) {
			selected = append(selected, msg)
		}
	}

	sort.Slice(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if oldestFirst {
				return a.CreatedAt.Before(b.CreatedAt)
			}

			return a.CreatedAt.After(b.CreatedAt)
		}

		if oldestFirst {
			return a.ID.String() < b.ID.String()
		}

		return a.ID.String() > b.ID.String()
	})

	if len(selected) > limit {
		selected = selected[:limit]
	}

	out := make([]*outbox.OutboxMessage, len(selected))
	for i, msg := range selected {
		out[i] = msg.Clone()
	}

	return out
}
