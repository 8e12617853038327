// Package queue implements the delivery/routing work queues against the
// pkg/queue.Queue producer/consumer contract. PgQueue is the durable,
// at-least-once backend: leases are SELECT ... FOR UPDATE SKIP LOCKED
// rows with a visibility deadline, under the same no-driver-import
// discipline as internal/store (the postgres driver is registered once,
// in cmd/*/main.go).
package queue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pq "github.com/leadforge/core/pkg/queue"
)

type PgQueue struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPgQueue(db *sql.DB) *PgQueue {
	return &PgQueue{db: db, clock: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the generic work-item table backing every named
// queue. It is idempotent, matching internal/store.Store.EnsureSchema.
func (q *PgQueue) EnsureSchema(ctx context.Context) error {
	const stmt = `CREATE TABLE IF NOT EXISTS queue_items (
		id BIGSERIAL PRIMARY KEY,
		queue_name TEXT NOT NULL,
		envelope JSONB NOT NULL,
		available_at TIMESTAMPTZ NOT NULL,
		locked_until TIMESTAMPTZ,
		receipt TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := q.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("queue: ensure schema: %w", err)
	}
	const idx = `CREATE INDEX IF NOT EXISTS queue_items_poll_idx ON queue_items (queue_name, available_at)`
	if _, err := q.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("queue: ensure schema index: %w", err)
	}
	return nil
}

func (q *PgQueue) Enqueue(ctx context.Context, name pq.QueueName, env pq.Envelope) error {
	return q.EnqueueBatch(ctx, name, []pq.Envelope{env})
}

func (q *PgQueue) EnqueueBatch(ctx context.Context, name pq.QueueName, envs []pq.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	now := q.clock()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: begin enqueue: %w", err)
	}
	defer tx.Rollback()

	const stmt = `INSERT INTO queue_items (queue_name, envelope, available_at, created_at) VALUES ($1, $2, $3, $4)`
	for _, env := range envs {
		norm, err := pq.NormalizeEnvelope(env)
		if err != nil {
			return fmt.Errorf("queue: invalid envelope: %w", err)
		}
		if norm.ProducedAt.IsZero() {
			norm.ProducedAt = now
		}
		body, err := json.Marshal(norm)
		if err != nil {
			return fmt.Errorf("queue: marshal envelope: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt, string(name), body, now, now); err != nil {
			return fmt.Errorf("queue: insert: %w", err)
		}
	}
	return tx.Commit()
}

// Dequeue leases one visible item for name. It does not honor pollTimeout
// by blocking (callers poll in a loop); on no item it returns ErrEmpty
// immediately, matching the contract's documented option.
func (q *PgQueue) Dequeue(ctx context.Context, name pq.QueueName, pollTimeout, visibilityTimeout time.Duration) (pq.DequeueResult, error) {
	now := q.clock()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return pq.DequeueResult{}, fmt.Errorf("queue: begin dequeue: %w", err)
	}
	defer tx.Rollback()

	const sel = `SELECT id, envelope FROM queue_items
		WHERE queue_name = $1 AND available_at <= $2 AND (locked_until IS NULL OR locked_until <= $2)
		ORDER BY id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`
	var id int64
	var body []byte
	if err := tx.QueryRowContext(ctx, sel, string(name), now).Scan(&id, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pq.DequeueResult{}, pq.ErrEmpty
		}
		return pq.DequeueResult{}, fmt.Errorf("queue: dequeue select: %w", err)
	}

	var env pq.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return pq.DequeueResult{}, fmt.Errorf("queue: unmarshal envelope: %w", err)
	}

	receipt := newReceipt()
	lockedUntil := now.Add(visibilityTimeout)
	env.Attempt++
	env.VisibilityDeadline = lockedUntil
	body, err = json.Marshal(env)
	if err != nil {
		return pq.DequeueResult{}, fmt.Errorf("queue: remarshal envelope: %w", err)
	}

	const upd = `UPDATE queue_items SET locked_until = $2, receipt = $3, envelope = $4 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, upd, id, lockedUntil, receipt, body); err != nil {
		return pq.DequeueResult{}, fmt.Errorf("queue: dequeue lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return pq.DequeueResult{}, fmt.Errorf("queue: commit dequeue: %w", err)
	}
	return pq.DequeueResult{Env: env, Receipt: fmt.Sprintf("%d:%s", id, receipt)}, nil
}

func (q *PgQueue) Ack(ctx context.Context, name pq.QueueName, receipt string) error {
	id, tok, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	const stmt = `DELETE FROM queue_items WHERE id = $1 AND queue_name = $2 AND receipt = $3`
	res, err := q.db.ExecContext(ctx, stmt, id, string(name), tok)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return pq.ErrInvalid
	}
	return nil
}

func (q *PgQueue) Nack(ctx context.Context, name pq.QueueName, receipt string, delay time.Duration) error {
	id, tok, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	availableAt := q.clock().Add(delay)
	const stmt = `UPDATE queue_items SET available_at = $3, locked_until = NULL, receipt = NULL
		WHERE id = $1 AND queue_name = $2 AND receipt = $4`
	res, err := q.db.ExecContext(ctx, stmt, id, string(name), availableAt, tok)
	if err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return pq.ErrInvalid
	}
	return nil
}

// NackWithDeadLetter moves the item to a queue named "<name>.dlq" instead
// of requeuing it. The spec's delivery outcomes (exhausted/permanent) are
// recorded on the Lead itself via DeliveryAttempt rows; the DLQ here is an
// operational backstop for items the executor never manages to classify.
func (q *PgQueue) NackWithDeadLetter(ctx context.Context, name pq.QueueName, receipt string, delay time.Duration, reason string) error {
	id, tok, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	var body []byte
	const sel = `SELECT envelope FROM queue_items WHERE id = $1 AND queue_name = $2 AND receipt = $3`
	if err := q.db.QueryRowContext(ctx, sel, id, string(name), tok).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pq.ErrInvalid
		}
		return fmt.Errorf("queue: dlq lookup: %w", err)
	}
	var env pq.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("queue: dlq unmarshal: %w", err)
	}
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	env.Headers["dlq_reason"] = reason

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: dlq begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("queue: dlq delete: %w", err)
	}
	if err := q.enqueueTx(ctx, tx, pq.QueueName(string(name)+".dlq"), env); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *PgQueue) enqueueTx(ctx context.Context, tx *sql.Tx, name pq.QueueName, env pq.Envelope) error {
	now := q.clock()
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: dlq marshal: %w", err)
	}
	const stmt = `INSERT INTO queue_items (queue_name, envelope, available_at, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, stmt, string(name), body, now, now); err != nil {
		return fmt.Errorf("queue: dlq insert: %w", err)
	}
	return nil
}

func (q *PgQueue) ExtendVisibility(ctx context.Context, name pq.QueueName, receipt string, visibilityTimeout time.Duration) error {
	id, tok, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	lockedUntil := q.clock().Add(visibilityTimeout)
	const stmt = `UPDATE queue_items SET locked_until = $3 WHERE id = $1 AND queue_name = $2 AND receipt = $4`
	res, err := q.db.ExecContext(ctx, stmt, id, string(name), lockedUntil, tok)
	if err != nil {
		return fmt.Errorf("queue: extend: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return pq.ErrInvalid
	}
	return nil
}

func newReceipt() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func parseReceipt(receipt string) (int64, string, error) {
	var id int64
	var tok string
	_, err := fmt.Sscanf(receipt, "%d:%s", &id, &tok)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed receipt", pq.ErrInvalid)
	}
	return id, tok, nil
}

var _ pq.Queue = (*PgQueue)(nil)
