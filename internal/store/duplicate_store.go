package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/duplicate"
	"github.com/leadforge/core/internal/policy"
)

// FindCandidates implements duplicate.Lookup: it pushes the window,
// status-exclusion, and include_sources scoping into SQL so the Go layer
// only has to apply match_keys/match_mode and the tie-break.
func (s *Store) FindCandidates(ctx context.Context, lead domain.Lead, dd policy.DuplicateDetection, now time.Time) ([]duplicate.Candidate, error) {
	since := now.Add(-time.Duration(dd.WindowHours) * time.Hour)

	// scope="offer" is the only supported scope and always applies; include_sources only decides whether it additionally narrows
	// to the submitting source.
	query := `SELECT id, created_at, COALESCE(normalized_email, ''), COALESCE(normalized_phone, '')
		FROM leads
		WHERE created_at >= $1 AND id != $2 AND offer_id = $3`

	args := []any{since, lead.ID, lead.OfferID}
	if dd.IncludeSources == "same_source_only" {
		query += ` AND source_id = $4`
		args = append(args, lead.SourceID)
	}

	if len(dd.ExcludeStatuses) > 0 {
		placeholders := make([]string, len(dd.ExcludeStatuses))
		for i, st := range dd.ExcludeStatuses {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, st)
		}
		query += ` AND status NOT IN (` + strings.Join(placeholders, ", ") + `)`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: find duplicate candidates: %v", ErrDB, err)
	}
	defer rows.Close()

	var out []duplicate.Candidate
	for rows.Next() {
		var c duplicate.Candidate
		if err := rows.Scan(&c.LeadID, &c.CreatedAt, &c.NormalizedEmail, &c.NormalizedPhone); err != nil {
			return nil, fmt.Errorf("%w: scan duplicate candidate: %v", ErrDB, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
