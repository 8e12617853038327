package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/route"
)

// RoutingCandidates loads every BuyerOffer enrollment for lead's Offer,
// pre-joined with whether the buyer's service areas cover lead's
// Market/scope and with the counters the Router's eligibility predicate needs. Eligibility itself -- active
// flags, capacity, pause, min balance, service-area match -- is evaluated
// by internal/route, not here; this query only assembles the candidate
// rows and their BuyerServiceArea match.
func (s *Store) RoutingCandidates(ctx context.Context, lead domain.Lead, now time.Time) ([]route.Candidate, error) {
	scopeType, scopeValue := lead.ScopeForRouting()

	const q = `
SELECT bo.id, bo.buyer_id, (b.active AND bo.active) AS active,
	bo.routing_priority, bo.capacity_per_day, bo.capacity_per_hour,
	bo.min_balance_required, b.balance, bo.pause_until,
	EXISTS (
		SELECT 1 FROM buyer_service_areas sa
		WHERE sa.buyer_id = bo.buyer_id AND sa.market_id = $2 AND sa.active
		AND sa.scope_type = $3 AND sa.scope_value = $4
	) AS service_area_match,
	(SELECT COUNT(*) FROM leads d WHERE d.buyer_id = bo.buyer_id AND d.offer_id = bo.offer_id
		AND d.status = 'delivered' AND d.delivered_at >= $5) AS delivered_today,
	(SELECT COUNT(*) FROM leads d WHERE d.buyer_id = bo.buyer_id AND d.offer_id = bo.offer_id
		AND d.status = 'delivered' AND d.delivered_at >= $6) AS delivered_this_hour,
	(SELECT MAX(d.delivered_at) FROM leads d WHERE d.buyer_id = bo.buyer_id AND d.offer_id = bo.offer_id
		AND d.status = 'delivered') AS last_delivered_at
FROM buyer_offers bo
JOIN buyers b ON b.id = bo.buyer_id
WHERE bo.offer_id = $1`

	dayStart := now.UTC().Truncate(24 * time.Hour)
	hourStart := now.UTC().Truncate(time.Hour)

	rows, err := s.db.QueryContext(ctx, q, lead.OfferID, lead.MarketID, string(scopeType), scopeValue, dayStart, hourStart)
	if err != nil {
		return nil, fmt.Errorf("%w: routing candidates: %v", ErrDB, err)
	}
	defer rows.Close()

	var out []route.Candidate
	for rows.Next() {
		var c route.Candidate
		var lastDelivered *time.Time
		if err := rows.Scan(
			&c.BuyerOfferID, &c.BuyerID, &c.Active,
			&c.RoutingPriority, &c.CapacityPerDay, &c.CapacityPerHour,
			&c.MinBalanceRequired, &c.BuyerBalance, &c.PauseUntil,
			&c.ServiceAreaMatch,
			&c.DeliveredToday, &c.DeliveredThisHour,
			&lastDelivered,
		); err != nil {
			return nil, fmt.Errorf("%w: scan routing candidate: %v", ErrDB, err)
		}
		c.LastDeliveredAt = lastDelivered
		out = append(out, c)
	}
	return out, rows.Err()
}

// Exclusivity returns the buyer holding the OfferExclusivity grant over
// lead's scope, if any.
func (s *Store) Exclusivity(ctx context.Context, lead domain.Lead) (*int64, error) {
	scopeType, scopeValue := lead.ScopeForRouting()
	var buyerID int64
	const q = `SELECT buyer_id FROM offer_exclusivities WHERE offer_id = $1 AND scope_type = $2 AND scope_value = $3`
	err := s.db.QueryRowContext(ctx, q, lead.OfferID, string(scopeType), scopeValue).Scan(&buyerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: exclusivity: %v", ErrDB, err)
	}
	return &buyerID, nil
}
