package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/leadforge/core/internal/classify"
)

// classify.Lookup implementation. Callers are expected to put a
// short-TTL reference-data cache in front rather than hit these queries
// on every request.

func scanSourceRow(row interface{ Scan(dest ...any) error }) (classify.SourceRow, bool, error) {
	var sr classify.SourceRow
	var hostname, pathPrefix sql.NullString
	err := row.Scan(&sr.ID, &sr.OfferID, &sr.MarketID, &sr.VerticalID, &sr.SourceKey, &hostname, &pathPrefix, &sr.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return classify.SourceRow{}, false, nil
	}
	if err != nil {
		return classify.SourceRow{}, false, err
	}
	sr.Hostname = hostname.String
	sr.PathPrefix = pathPrefix.String
	return sr, true, nil
}

const sourceSelect = `SELECT s.id, s.offer_id, o.market_id, o.vertical_id, s.source_key, s.hostname, s.path_prefix, s.active
	FROM sources s JOIN offers o ON o.id = s.offer_id`

func (s *Store) SourceByID(ctx context.Context, id int64) (classify.SourceRow, bool, error) {
	row := s.db.QueryRowContext(ctx, sourceSelect+` WHERE s.id = $1`, id)
	sr, ok, err := scanSourceRow(row)
	if err != nil {
		return classify.SourceRow{}, false, fmt.Errorf("%w: source by id: %v", ErrDB, err)
	}
	return sr, ok, nil
}

func (s *Store) SourceByKey(ctx context.Context, key string) (classify.SourceRow, bool, error) {
	row := s.db.QueryRowContext(ctx, sourceSelect+` WHERE s.source_key = $1`, key)
	sr, ok, err := scanSourceRow(row)
	if err != nil {
		return classify.SourceRow{}, false, fmt.Errorf("%w: source by key: %v", ErrDB, err)
	}
	return sr, ok, nil
}

func (s *Store) SourcesByHost(ctx context.Context, hostname string) ([]classify.SourceRow, error) {
	rows, err := s.db.QueryContext(ctx, sourceSelect+` WHERE s.hostname = $1`, hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: sources by host: %v", ErrDB, err)
	}
	defer rows.Close()

	var out []classify.SourceRow
	for rows.Next() {
		sr, ok, err := scanSourceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: sources by host scan: %v", ErrDB, err)
		}
		if ok {
			out = append(out, sr)
		}
	}
	return out, rows.Err()
}
