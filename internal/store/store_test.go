package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/leadforge/core/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return New(db, clock), mock
}

func testLead() domain.Lead {
	return domain.Lead{
		MarketID:       1,
		OfferID:        2,
		VerticalID:     3,
		SourceID:       4,
		IdempotencyKey: "k-0123456789abcdef",
		Name:           "Jane",
		Email:          "j@x.com",
		Phone:          "+15125550123",
		PostalCode:     "78701",
		CountryCode:    "US",
	}
}

func TestInsertLead_WinnerCreatesRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO leads")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(11), true))

	res, err := s.InsertLead(context.Background(), testLead())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Winner || res.LeadID != 11 {
		t.Fatalf("expected winning insert of lead 11, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInsertLead_LoserLearnsExistingIdentity(t *testing.T) {
	s, mock := newMockStore(t)

	// xmax != 0 marks the conflict arm: the row already existed.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO leads")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(int64(11), false))

	res, err := s.InsertLead(context.Background(), testLead())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Winner || res.LeadID != 11 {
		t.Fatalf("expected losing insert pointing at lead 11, got %+v", res)
	}
}

func TestInsertLead_RequiresSourceAndKey(t *testing.T) {
	s, _ := newMockStore(t)
	lead := testLead()
	lead.IdempotencyKey = ""
	if _, err := s.InsertLead(context.Background(), lead); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMarkValidated_GuardedOnReceived(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE leads SET status = 'validated'")).
		WithArgs(int64(11), nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	advanced, err := s.MarkValidated(context.Background(), 11, nil, nil)
	if err != nil || !advanced {
		t.Fatalf("expected guarded advance, got %v %v", advanced, err)
	}
}

func TestMarkRouted_ZeroRowsIsBenignRaceLoss(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE leads SET status = 'routed'")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	advanced, err := s.MarkRouted(context.Background(), 11, 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advanced {
		t.Fatal("expected zero-rows race loss to report no advance")
	}
}

func TestMarkRouted_GuardIncludesValidatedStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE leads SET status = 'routed'.*WHERE id = \$1 AND status = 'validated'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	advanced, err := s.MarkRouted(context.Background(), 11, 99)
	if err != nil || !advanced {
		t.Fatalf("expected guarded routed transition, got %v %v", advanced, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("guard clause missing from UPDATE: %v", err)
	}
}

func TestMarkDelivered_GuardIncludesRoutedStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE leads SET status = 'delivered'.*WHERE id = \$1 AND status = 'routed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	advanced, err := s.MarkDelivered(context.Background(), 11)
	if err != nil || !advanced {
		t.Fatalf("expected guarded delivered transition, got %v %v", advanced, err)
	}
}

func TestMarkDuplicateRejected_WritesReasonToBothColumns(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE leads SET status = 'rejected', is_duplicate = true.*validation_reason = \$3, rejection_reason = \$3`).
		WithArgs(int64(11), int64(5), "duplicate_recent", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	advanced, err := s.MarkDuplicateRejected(context.Background(), 11, 5, "duplicate_recent")
	if err != nil || !advanced {
		t.Fatalf("expected duplicate rejection, got %v %v", advanced, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetLead_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetLead(context.Background(), 404)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected domain sentinel to match, got %v", err)
	}
}
