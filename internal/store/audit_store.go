package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/leadforge/core/internal/audit"
)

// LastHash returns the Hash of the most recently appended audit event for
// leadID, or "" if the lead has none yet -- the PrevHash the next Event in
// the chain must carry.
func (s *Store) LastHash(ctx context.Context, leadID int64) (string, error) {
	var hash string
	const q = `SELECT hash FROM audit_events WHERE lead_id = $1 ORDER BY id DESC LIMIT 1`
	err := s.db.QueryRowContext(ctx, q, leadID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: audit last hash: %v", ErrDB, err)
	}
	return hash, nil
}

// AppendEvent persists a validated, hash-chained audit.Event. Callers must
// derive PrevHash from LastHash within the same transaction as whatever
// state change the event records, or accept the race as benign: a lost
// race here only means two audit rows briefly reference the same
// PrevHash, not a corrupted Lead.
func (s *Store) AppendEvent(ctx context.Context, ev audit.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	const q = `INSERT INTO audit_events (lead_id, type, occurred, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, q, ev.LeadID, string(ev.Type), ev.Occurred, []byte(ev.Payload), ev.PrevHash, ev.Hash)
	if err != nil {
		return fmt.Errorf("%w: append audit event: %v", ErrDB, err)
	}
	return nil
}
