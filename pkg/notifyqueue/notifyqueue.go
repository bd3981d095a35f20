// Package notifyqueue implements the persistent, retrying, dead-lettering
// notification work queue that carries admin-visible side effects of the
// ledger, metering, and recovery subsystems.
package notifyqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const defaultMaxAttempts = 3

// Input describes a notification to enqueue.
type Input struct {
	TenantID       string
	EmailType      string
	RecipientEmail string
	Payload        json.RawMessage
	MaxAttempts    int
}

// Entry is a stored notification_queue row.
type Entry struct {
	ID             uuid.UUID
	TenantID       string
	EmailType      string
	RecipientEmail string
	Payload        json.RawMessage
	Status         string
	Attempts       int
	MaxAttempts    int
	LastAttemptAt  *time.Time
	LastError      *string
	RetryAfter     *time.Time
	SentAt         *time.Time
	CreatedAt      time.Time
}

// wakeChannel is the pub/sub channel dispatchers subscribe to so newly
// enqueued notifications are picked up promptly instead of waiting for the
// next poll tick.
const wakeChannel = "notifyqueue:wake"

// Queue is the persistent notification work queue.
type Queue struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Queue.
func New(pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{pool: pool, rdb: rdb, logger: logger}
}

// Enqueue inserts a pending notification and wakes any subscribed
// dispatchers.
func (q *Queue) Enqueue(ctx context.Context, in Input) (*Entry, error) {
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	payload := in.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	e := &Entry{
		ID:             uuid.New(),
		TenantID:       in.TenantID,
		EmailType:      in.EmailType,
		RecipientEmail: in.RecipientEmail,
		Payload:        payload,
		Status:         "pending",
		MaxAttempts:    maxAttempts,
	}

	err := q.pool.QueryRow(ctx, `
		INSERT INTO notification_queue (id, tenant_id, email_type, recipient_email, payload, status, max_attempts)
		VALUES ($1,$2,$3,$4,$5,'pending',$6)
		RETURNING created_at`,
		e.ID, e.TenantID, e.EmailType, e.RecipientEmail, e.Payload, e.MaxAttempts,
	).Scan(&e.CreatedAt)
	if err != nil {
		return nil, err
	}

	if q.rdb != nil {
		if err := q.rdb.Publish(ctx, wakeChannel, "1").Err(); err != nil {
			q.logger.Warn("publishing notification wake signal", "error", err)
		}
	}

	return e, nil
}

// GetPending returns up to limit pending entries whose retry_after is null
// or due, oldest first.
func (q *Queue) GetPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 10 {
		limit = 10
	}

	rows, err := q.pool.Query(ctx, `
		SELECT id, tenant_id, email_type, recipient_email, payload, status, attempts, max_attempts,
			last_attempt_at, last_error, retry_after, sent_at, created_at
		FROM notification_queue
		WHERE status IN ('pending','failed') AND (retry_after IS NULL OR retry_after <= now())
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EmailType, &e.RecipientEmail, &e.Payload, &e.Status,
			&e.Attempts, &e.MaxAttempts, &e.LastAttemptAt, &e.LastError, &e.RetryAfter, &e.SentAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListByTenant returns the most recent entries for tenantID, newest first,
// for admin visibility into what notifications were queued and their
// delivery state.
func (q *Queue) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := q.pool.Query(ctx, `
		SELECT id, tenant_id, email_type, recipient_email, payload, status, attempts, max_attempts,
			last_attempt_at, last_error, retry_after, sent_at, created_at
		FROM notification_queue
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EmailType, &e.RecipientEmail, &e.Payload, &e.Status,
			&e.Attempts, &e.MaxAttempts, &e.LastAttemptAt, &e.LastError, &e.RetryAfter, &e.SentAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkSent records a successful delivery.
func (q *Queue) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE notification_queue
		SET status = 'sent', sent_at = now(), attempts = attempts + 1, last_attempt_at = now()
		WHERE id = $1`, id)
	return err
}

// MarkFailed records a failed delivery attempt and applies exponential
// backoff: the ith retry waits 4^(i-1) minutes. Once attempts reaches
// max_attempts the entry becomes a terminal dead_letter.
func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	if err := tx.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM notification_queue WHERE id = $1 FOR UPDATE`, id,
	).Scan(&attempts, &maxAttempts); err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		return err
	}

	newAttempts := attempts + 1

	if newAttempts >= maxAttempts {
		if _, err := tx.Exec(ctx, `
			UPDATE notification_queue
			SET status = 'dead_letter', attempts = $1, last_error = $2, last_attempt_at = now(), retry_after = NULL
			WHERE id = $3`, newAttempts, reason, id); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	retryAfter := time.Now().Add(backoffFor(newAttempts))
	if _, err := tx.Exec(ctx, `
		UPDATE notification_queue
		SET status = 'failed', attempts = $1, last_error = $2, last_attempt_at = now(), retry_after = $3
		WHERE id = $4`, newAttempts, reason, retryAfter, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// backoffFor returns the retry delay for the nth attempt: 4^(n-1) minutes,
// so the 1st retry waits 1 minute, the 2nd 4 minutes, the 3rd 16, and so on.
func backoffFor(attempt int) time.Duration {
	return time.Duration(math.Pow(4, float64(attempt-1))) * time.Minute
}
