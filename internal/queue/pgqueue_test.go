package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	pq "github.com/leadforge/core/pkg/queue"
)

func newMockQueue(t *testing.T) (*PgQueue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q := NewPgQueue(db)
	q.clock = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return q, mock
}

func TestPgQueue_EnqueueInsertsNormalizedEnvelope(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO queue_items")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	env := pq.Envelope{Type: "lead.route", Payload: []byte(`{"lead_id":1}`)}
	if err := q.Enqueue(context.Background(), RouteQueue, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPgQueue_EnqueueRejectsInvalidEnvelope(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	if err := q.Enqueue(context.Background(), RouteQueue, pq.Envelope{}); err == nil {
		t.Fatal("expected invalid envelope (missing type) to be rejected")
	}
}

func TestPgQueue_DequeueLeasesWithSkipLocked(t *testing.T) {
	q, mock := newMockQueue(t)

	env := pq.Envelope{Type: "lead.deliver", Payload: []byte(`{"lead_id":7}`), PayloadBytes: 13}
	body, _ := json.Marshal(env)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, envelope FROM queue_items.*FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "envelope"}).AddRow(int64(42), body))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_items SET locked_until")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := q.Dequeue(context.Background(), DeliveryQueue, 0, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Env.Attempt != 1 {
		t.Fatalf("expected attempt bumped to 1, got %d", res.Env.Attempt)
	}
	if res.Receipt == "" {
		t.Fatal("expected an opaque receipt")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("lease protocol mismatch: %v", err)
	}
}

func TestPgQueue_DequeueEmpty(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, envelope FROM queue_items`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := q.Dequeue(context.Background(), DeliveryQueue, 0, time.Second)
	if !errors.Is(err, pq.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestPgQueue_AckRequiresMatchingReceipt(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM queue_items")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.Ack(context.Background(), DeliveryQueue, "42:deadbeef")
	if !errors.Is(err, pq.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for stale receipt, got %v", err)
	}
}
