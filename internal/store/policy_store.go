package store

import (
	"context"
	"fmt"
)

// policy.ValidationLoader / policy.RoutingLoader implementation.

func (s *Store) LoadValidationPolicy(ctx context.Context, id int64) (int, []byte, error) {
	var version int
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT version, raw_json FROM validation_policies WHERE id = $1 AND active`, id).Scan(&version, &raw)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: load validation policy: %v", ErrDB, err)
	}
	return version, raw, nil
}

func (s *Store) LoadRoutingPolicy(ctx context.Context, id int64) (int, []byte, error) {
	var version int
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT version, raw_json FROM routing_policies WHERE id = $1 AND active`, id).Scan(&version, &raw)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: load routing policy: %v", ErrDB, err)
	}
	return version, raw, nil
}
