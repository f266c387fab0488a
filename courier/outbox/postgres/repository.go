// Package postgres is the durable outbox.Repository on PostgreSQL.
//
// Every state transition is a single conditional UPDATE whose WHERE clause
// names the expected current status, so concurrent dispatchers in separate
// processes agree on ownership without any application-level lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTableName       = "outbox_messages"
	maxSQLIdentifierLength = 63
	stuckProcessingError   = "processing interrupted before completion"
)

const messageColumns = "id, channel_name, operation_name, message_type, payload, recipient, status, " +
	"created_at, updated_at, scheduled_for, attempts, max_attempts, last_error, correlation_id, metadata"

var (
	ErrDBRequired        = errors.New("postgres db handle is required")
	ErrTxRequired        = errors.New("postgres transaction is required")
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
	ErrIDRequired        = errors.New("id is required")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// DB is the subset of pgx shared by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if !nilcheck.Interface(logger) {
			repo.logger = logger
		}
	}
}

// WithTracer sets the tracer used for repository spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(repo *Repository) {
		if !nilcheck.Interface(tracer) {
			repo.tracer = tracer
		}
	}
}

// WithTableName overrides the table, optionally schema-qualified.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = strings.TrimSpace(tableName)
	}
}

// WithClock overrides the time source used for timestamps and due checks.
func WithClock(now func() time.Time) Option {
	return func(repo *Repository) {
		if now != nil {
			repo.now = now
		}
	}
}

// Repository persists outbox messages in PostgreSQL.
type Repository struct {
	db        DB
	logger    log.Logger
	tracer    trace.Tracer
	tableName string
	table     string
	now       func() time.Time
}

var _ outbox.Repository = (*Repository)(nil)

// NewRepository returns a Repository over db. The table name is validated
// and quoted once here.
func NewRepository(db DB, opts ...Option) (*Repository, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDBRequired
	}

	repo := &Repository{
		db:        db,
		logger:    log.NewNop(),
		tracer:    otel.Tracer("courier.outbox.postgres"),
		tableName: defaultTableName,
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if repo.tableName == "" {
		repo.tableName = defaultTableName
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	repo.table = quoteIdentifierPath(repo.tableName)

	return repo, nil
}

// Create inserts msg as PENDING using the repository handle.
func (repo *Repository) Create(ctx context.Context, msg *outbox.OutboxMessage) (*outbox.OutboxMessage, error) {
	return repo.create(ctx, repo.db, msg)
}

// CreateWithTx inserts msg inside the caller's transaction so the message
// commits or rolls back together with the business write.
func (repo *Repository) CreateWithTx(ctx context.Context, tx pgx.Tx, msg *outbox.OutboxMessage) (*outbox.OutboxMessage, error) {
	if tx == nil {
		return nil, ErrTxRequired
	}

	return repo.create(ctx, tx, msg)
}

func (repo *Repository) create(ctx context.Context, db DB, msg *outbox.OutboxMessage) (*outbox.OutboxMessage, error) {
	ctx, span := repo.tracer.Start(ctx, "postgres.create_outbox_message")
	defer span.End()

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("create outbox message: %w", err)
	}

	stored := msg.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}

	payload, err := stored.EncodedPayload()
	if err != nil {
		return nil, err
	}

	metadata, err := stored.EncodedMetadata()
	if err != nil {
		return nil, err
	}

	now := repo.now()
	stored.Status = outbox.StatusPending
	stored.Attempts = 0
	stored.LastError = ""
	stored.CreatedAt = now
	stored.UpdatedAt = now

	query := "INSERT INTO " + repo.table + " (" + messageColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)"

	_, err = db.Exec(ctx, query,
		stored.ID,
		stored.ChannelName,
		stored.OperationName,
		stored.MessageType,
		payload,
		stored.Recipient,
		string(stored.Status),
		stored.CreatedAt,
		stored.UpdatedAt,
		stored.ScheduledFor,
		stored.Attempts,
		stored.MaxAttempts,
		nullableString(stored.LastError),
		nullableString(stored.CorrelationID),
		metadata,
	)
	if err != nil {
		return nil, repo.fail(ctx, span, "failed to insert outbox message", err)
	}

	return stored, nil
}

// GetByID returns the message or outbox.ErrOutboxMessageNotFound.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.OutboxMessage, error) {
	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.get_outbox_message")
	defer span.End()

	row := repo.db.QueryRow(ctx, "SELECT "+messageColumns+" FROM "+repo.table+" WHERE id = $1", id)

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, outbox.ErrOutboxMessageNotFound
	}

	if err != nil {
		return nil, repo.fail(ctx, span, "failed to load outbox message", err)
	}

	return msg, nil
}

// GetPending returns due PENDING messages of channelName, oldest first.
func (repo *Repository) GetPending(ctx context.Context, limit int, channelName string) ([]*outbox.OutboxMessage, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.get_pending_outbox_messages")
	defer span.End()

	query := "SELECT " + messageColumns + " FROM " + repo.table +
		" WHERE status = $1 AND (scheduled_for IS NULL OR scheduled_for <= $2)"
	args := []any{string(outbox.StatusPending), repo.now()}

	if channelName != "" {
		query += " AND channel_name = $3"
		args = append(args, channelName)
	}

	query += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	messages, err := repo.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, repo.fail(ctx, span, "failed to list pending outbox messages", err)
	}

	return messages, nil
}

// MarkProcessing claims a PENDING message. It returns false, without error,
// when another claimant already moved it or the id is unknown.
func (repo *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_processing")
	defer span.End()

	tag, err := repo.db.Exec(ctx,
		"UPDATE "+repo.table+" SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		string(outbox.StatusProcessing), repo.now(), id, string(outbox.StatusPending),
	)
	if err != nil {
		return false, repo.fail(ctx, span, "failed to claim outbox message", err)
	}

	return tag.RowsAffected() == 1, nil
}

// MarkSent moves a PROCESSING message to SENT and counts the attempt.
func (repo *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_sent")
	defer span.End()

	tag, err := repo.db.Exec(ctx,
		"UPDATE "+repo.table+" SET status = $1, attempts = attempts + 1, updated_at = $2 "+
			"WHERE id = $3 AND status = $4",
		string(outbox.StatusSent), repo.now(), id, string(outbox.StatusProcessing),
	)
	if err != nil {
		return repo.fail(ctx, span, "failed to mark outbox message sent", err)
	}

	if tag.RowsAffected() == 0 {
		return repo.conflict(ctx, id, outbox.StatusProcessing)
	}

	return nil
}

// MarkFailed records a failed attempt. The dead-letter decision is made by
// the database from the row's own attempts and max_attempts.
func (repo *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (outbox.Status, error) {
	if id == uuid.Nil {
		return "", ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	query := "UPDATE " + repo.table + " SET " +
		"status = CASE WHEN attempts + 1 >= max_attempts THEN $1 ELSE $2 END, " +
		"attempts = attempts + 1, last_error = $3, updated_at = $4 " +
		"WHERE id = $5 AND status = $6 RETURNING status"

	var raw string

	err := repo.db.QueryRow(ctx, query,
		string(outbox.StatusDeadLetter),
		string(outbox.StatusPending),
		outbox.SanitizeError(errMsg),
		repo.now(),
		id,
		string(outbox.StatusProcessing),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", repo.conflict(ctx, id, outbox.StatusProcessing)
	}

	if err != nil {
		return "", repo.fail(ctx, span, "failed to mark outbox message failed", err)
	}

	status, err := outbox.ParseStatus(raw)
	if err != nil {
		return "", repo.fail(ctx, span, "unexpected status after failure", err)
	}

	if status == outbox.StatusDeadLetter {
		repo.logger.Log(ctx, log.LevelWarn, "outbox message moved to dead letter",
			log.String("message_id", id.String()))
	}

	return status, nil
}

// GetDeadLetters returns dead-lettered messages, most recently updated first.
func (repo *Repository) GetDeadLetters(ctx context.Context, limit int) ([]*outbox.OutboxMessage, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.get_dead_letters")
	defer span.End()

	messages, err := repo.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM "+repo.table+" WHERE status = $1 ORDER BY updated_at DESC, id DESC LIMIT $2",
		string(outbox.StatusDeadLetter), limit,
	)
	if err != nil {
		return nil, repo.fail(ctx, span, "failed to list dead letters", err)
	}

	return messages, nil
}

// RetryDeadLetter returns a DEAD_LETTER message to PENDING with a fresh
// attempt budget. Any other status leaves the row untouched and reports false.
func (repo *Repository) RetryDeadLetter(ctx context.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.retry_dead_letter")
	defer span.End()

	tag, err := repo.db.Exec(ctx,
		"UPDATE "+repo.table+" SET status = $1, attempts = 0, last_error = NULL, updated_at = $2 "+
			"WHERE id = $3 AND status = $4",
		string(outbox.StatusPending), repo.now(), id, string(outbox.StatusDeadLetter),
	)
	if err != nil {
		return false, repo.fail(ctx, span, "failed to retry dead letter", err)
	}

	return tag.RowsAffected() == 1, nil
}

// GetStats counts messages per status.
func (repo *Repository) GetStats(ctx context.Context) (outbox.Stats, error) {
	ctx, span := repo.tracer.Start(ctx, "postgres.get_outbox_stats")
	defer span.End()

	rows, err := repo.db.Query(ctx, "SELECT status, COUNT(*) FROM "+repo.table+" GROUP BY status")
	if err != nil {
		return nil, repo.fail(ctx, span, "failed to query outbox stats", err)
	}
	defer rows.Close()

	stats := outbox.NewStats()

	for rows.Next() {
		var (
			raw   string
			count int64
		)

		if err := rows.Scan(&raw, &count); err != nil {
			return nil, repo.fail(ctx, span, "failed to scan outbox stats", err)
		}

		stats[outbox.Status(raw)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, repo.fail(ctx, span, "failed to iterate outbox stats", err)
	}

	return stats, nil
}

// GetRecent returns the most recently created messages.
func (repo *Repository) GetRecent(ctx context.Context, limit int) ([]*outbox.OutboxMessage, error) {
	if limit <= 0 {
		return nil, outbox.ErrLimitInvalid
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.get_recent_outbox_messages")
	defer span.End()

	messages, err := repo.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM "+repo.table+" ORDER BY created_at DESC, id DESC LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, repo.fail(ctx, span, "failed to list recent outbox messages", err)
	}

	return messages, nil
}

// CleanupSent hard-deletes SENT rows whose last update is older than the
// retention window. No other status is ever deleted.
func (repo *Repository) CleanupSent(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, outbox.ErrRetentionDaysInvalid
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.cleanup_sent_outbox_messages")
	defer span.End()

	tag, err := repo.db.Exec(ctx,
		"DELETE FROM "+repo.table+" WHERE status = $1 AND updated_at < $2",
		string(outbox.StatusSent), outbox.CleanupCutoff(repo.now(), olderThanDays),
	)
	if err != nil {
		return 0, repo.fail(ctx, span, "failed to clean up sent outbox messages", err)
	}

	return tag.RowsAffected(), nil
}

// ResetStuckProcessing returns rows stuck in PROCESSING since before to
// PENDING, or to DEAD_LETTER when the interrupted attempt was the last one.
func (repo *Repository) ResetStuckProcessing(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := repo.tracer.Start(ctx, "postgres.reset_stuck_processing")
	defer span.End()

	tag, err := repo.db.Exec(ctx,
		"UPDATE "+repo.table+" SET "+
			"status = CASE WHEN attempts + 1 >= max_attempts THEN $1 ELSE $2 END, "+
			"attempts = attempts + 1, last_error = $3, updated_at = $4 "+
			"WHERE status = $5 AND updated_at < $6",
		string(outbox.StatusDeadLetter),
		string(outbox.StatusPending),
		stuckProcessingError,
		repo.now(),
		string(outbox.StatusProcessing),
		before.UTC(),
	)
	if err != nil {
		return 0, repo.fail(ctx, span, "failed to reset stuck outbox messages", err)
	}

	return tag.RowsAffected(), nil
}

func (repo *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]*outbox.OutboxMessage, error) {
	rows, err := repo.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*outbox.OutboxMessage, 0)

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox messages: %w", err)
	}

	return messages, nil
}

// conflict distinguishes a missing row from one in an unexpected status.
func (repo *Repository) conflict(ctx context.Context, id uuid.UUID, expected outbox.Status) error {
	var raw string

	err := repo.db.QueryRow(ctx, "SELECT status FROM "+repo.table+" WHERE id = $1", id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.ErrOutboxMessageNotFound
	}

	if err != nil {
		return fmt.Errorf("%w: message %s: %w", outbox.ErrStateTransitionConflict, id, err)
	}

	return fmt.Errorf("%w: message %s is %s, expected %s", outbox.ErrStateTransitionConflict, id, raw, expected)
}

func (repo *Repository) fail(ctx context.Context, span trace.Span, message string, err error) error {
	opentelemetry.HandleSpanError(span, message, err)
	repo.logger.Log(ctx, log.LevelError, message, log.String("error", outbox.SanitizeError(err.Error())))

	return fmt.Errorf("%s: %w", message, err)
}

func scanMessage(scanner pgx.Row) (*outbox.OutboxMessage, error) {
	var (
		msg           outbox.OutboxMessage
		payload       []byte
		metadata      []byte
		status        string
		lastError     *string
		correlationID *string
	)

	if err := scanner.Scan(
		&msg.ID,
		&msg.ChannelName,
		&msg.OperationName,
		&msg.MessageType,
		&payload,
		&msg.Recipient,
		&status,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&msg.ScheduledFor,
		&msg.Attempts,
		&msg.MaxAttempts,
		&lastError,
		&correlationID,
		&metadata,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox message: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	msg.Status = parsed

	if msg.Payload, err = outbox.DecodeObject(payload); err != nil {
		return nil, err
	}

	if msg.Metadata, err = outbox.DecodeObject(metadata); err != nil {
		return nil, err
	}

	if lastError != nil {
		msg.LastError = *lastError
	}

	if correlationID != nil {
		msg.CorrelationID = *correlationID
	}

	return &msg, nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}

	return &value
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength || !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	return nil
}

func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) > 2 {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, path)
	}

	for _, part := range parts {
		if err := validateIdentifier(part); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		parts[i] = `"` + strings.ReplaceAll(part, `"`, `""`) + `"`
	}

	return strings.Join(parts, ".")
}
