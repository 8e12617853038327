package store

import (
	"context"
	"fmt"
)

// transition runs a guarded UPDATE and reports whether it advanced a row;
// zero rows affected means another worker already moved the Lead past the
// expected current status, which callers treat as a benign race loss, not
// an error.
func (s *Store) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%w: transition: %v", ErrDB, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: transition rows affected: %v", ErrDB, err)
	}
	return n == 1, nil
}

// MarkValidated guards received -> validated.
func (s *Store) MarkValidated(ctx context.Context, leadID int64, normalizedEmail, normalizedPhone *string) (bool, error) {
	const q = `UPDATE leads SET status = 'validated', normalized_email = $2, normalized_phone = $3
		WHERE id = $1 AND status = 'received'`
	return s.transition(ctx, q, leadID, normalizedEmail, normalizedPhone)
}

// MarkRejected guards received|validated -> rejected.
// The reason lands in both validation_reason (what callers inspect) and
// rejection_reason (terminal-state audit).
func (s *Store) MarkRejected(ctx context.Context, leadID int64, reason string) (bool, error) {
	now := s.now()
	const q = `UPDATE leads SET status = 'rejected', validation_reason = $2, rejection_reason = $2, rejected_at = $3
		WHERE id = $1 AND status IN ('received', 'validated')`
	return s.transition(ctx, q, leadID, reason, now)
}

// MarkDuplicateFlagged annotates a duplicate without touching status:
// is_duplicate plus the back-reference.
func (s *Store) MarkDuplicateFlagged(ctx context.Context, leadID, matchedLeadID int64) (bool, error) {
	const q = `UPDATE leads SET is_duplicate = true, duplicate_of = $2
		WHERE id = $1 AND status IN ('received', 'validated')`
	return s.transition(ctx, q, leadID, matchedLeadID)
}

// MarkDuplicateAccepted persists only the back-reference: the lead proceeds as if unique but the match is kept.
func (s *Store) MarkDuplicateAccepted(ctx context.Context, leadID, matchedLeadID int64) (bool, error) {
	const q = `UPDATE leads SET duplicate_of = $2
		WHERE id = $1 AND status IN ('received', 'validated')`
	return s.transition(ctx, q, leadID, matchedLeadID)
}

func (s *Store) MarkDuplicateRejected(ctx context.Context, leadID, matchedLeadID int64, reason string) (bool, error) {
	now := s.now()
	const q = `UPDATE leads SET status = 'rejected', is_duplicate = true, duplicate_of = $2,
		validation_reason = $3, rejection_reason = $3, rejected_at = $4
		WHERE id = $1 AND status IN ('received', 'validated')`
	return s.transition(ctx, q, leadID, matchedLeadID, reason, now)
}

// MarkRouted guards validated -> routed.
func (s *Store) MarkRouted(ctx context.Context, leadID, buyerID int64) (bool, error) {
	now := s.now()
	const q = `UPDATE leads SET status = 'routed', buyer_id = $2, routed_at = $3
		WHERE id = $1 AND status = 'validated'`
	return s.transition(ctx, q, leadID, buyerID, now)
}

// MarkDelivered guards routed -> delivered.
func (s *Store) MarkDelivered(ctx context.Context, leadID int64) (bool, error) {
	now := s.now()
	const q = `UPDATE leads SET status = 'delivered', delivered_at = $2
		WHERE id = $1 AND status = 'routed'`
	return s.transition(ctx, q, leadID, now)
}

