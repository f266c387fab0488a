package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Stats maps every status to the number of messages currently in it.
type Stats map[Status]int64

// Repository is the durable ledger behind the dispatcher.
//
// MarkProcessing is the only ownership primitive: implementations must apply
// it as a single conditional update and report false when the message was no
// longer PENDING.
type Repository interface {
	Create(ctx context.Context, msg *OutboxMessage) (*OutboxMessage, error)
	GetByID(ctx context.Context, id uuid.UUID) (*OutboxMessage, error)
	// GetPending returns due PENDING messages, oldest first. An empty
	// channelName means every channel.
	GetPending(ctx context.Context, limit int, channelName string) ([]*OutboxMessage, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	// MarkFailed records a failed attempt and returns the resulting status,
	// PENDING or DEAD_LETTER.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (Status, error)
	GetDeadLetters(ctx context.Context, limit int) ([]*OutboxMessage, error)
	RetryDeadLetter(ctx context.Context, id uuid.UUID) (bool, error)
	GetStats(ctx context.Context) (Stats, error)
	GetRecent(ctx context.Context, limit int) ([]*OutboxMessage, error)
	CleanupSent(ctx context.Context, olderThanDays int) (int64, error)
	// ResetStuckProcessing releases PROCESSING messages untouched since
	// before, counting the interrupted attempt as a failure.
	ResetStuckProcessing(ctx context.Context, before time.Time) (int64, error)
}

// NewStats returns a Stats with every status present and zeroed.
func NewStats() Stats {
	stats := make(Stats, len(AllStatuses))
	for _, status := range AllStatuses {
		stats[status] = 0
	}

	return stats
}

// CleanupCutoff converts a retention in days into the cutoff instant.
func CleanupCutoff(now time.Time, olderThanDays int) time.Time {
	return now.UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
}
