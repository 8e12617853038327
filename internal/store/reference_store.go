package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/leadforge/core/internal/domain"
)

// OfferByID loads the Offer row the ingestion and worker paths resolve
// policy ids, market/vertical, and the default price from.
func (s *Store) OfferByID(ctx context.Context, id int64) (domain.Offer, error) {
	const q = `SELECT id, market_id, vertical_id, name, validation_policy_id, routing_policy_id, default_price, active
		FROM offers WHERE id = $1`
	var o domain.Offer
	var defaultPrice sql.NullFloat64
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&o.ID, &o.MarketID, &o.VerticalID, &o.Name, &o.ValidationPolicyID, &o.RoutingPolicyID, &defaultPrice, &o.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Offer{}, ErrNotFound
	}
	if err != nil {
		return domain.Offer{}, fmt.Errorf("%w: offer by id: %v", ErrDB, err)
	}
	if defaultPrice.Valid {
		o.DefaultPrice = &defaultPrice.Float64
	}
	return o, nil
}

// BuyerByID loads a Buyer, used to resolve default webhook destination and
// notification preferences when a BuyerOffer does not override them.
func (s *Store) BuyerByID(ctx context.Context, id int64) (domain.Buyer, error) {
	const q = `SELECT id, name, email, active, balance, credit_limit,
		default_webhook_url, default_secret, notify_webhook, notify_email, notify_sms
		FROM buyers WHERE id = $1`
	var b domain.Buyer
	var creditLimit sql.NullFloat64
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&b.ID, &b.Name, &b.Email, &b.Active, &b.Balance, &creditLimit,
		&b.DefaultWebhookURL, &b.DefaultSecret, &b.NotifyWebhook, &b.NotifyEmail, &b.NotifySMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Buyer{}, ErrNotFound
	}
	if err != nil {
		return domain.Buyer{}, fmt.Errorf("%w: buyer by id: %v", ErrDB, err)
	}
	if creditLimit.Valid {
		b.CreditLimit = &creditLimit.Float64
	}
	return b, nil
}

// BuyerOfferByBuyerAndOffer loads the enrollment row a routed Lead's buyer
// holds in its Offer, the source of webhook/price overrides the delivery
// worker layers on top of the Buyer's defaults.
func (s *Store) BuyerOfferByBuyerAndOffer(ctx context.Context, buyerID, offerID int64) (domain.BuyerOffer, error) {
	const q = `SELECT id, buyer_id, offer_id, active, routing_priority, capacity_per_day, capacity_per_hour,
		price, webhook_url_override, secret_override, email_override, sms_override, min_balance_required, pause_until
		FROM buyer_offers WHERE buyer_id = $1 AND offer_id = $2`
	var bo domain.BuyerOffer
	var capDay, capHour sql.NullInt64
	var price, minBalance sql.NullFloat64
	var webhookOverride, secretOverride, emailOverride, smsOverride sql.NullString
	var pauseUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, q, buyerID, offerID).Scan(
		&bo.ID, &bo.BuyerID, &bo.OfferID, &bo.Active, &bo.RoutingPriority, &capDay, &capHour,
		&price, &webhookOverride, &secretOverride, &emailOverride, &smsOverride, &minBalance, &pauseUntil,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BuyerOffer{}, ErrNotFound
	}
	if err != nil {
		return domain.BuyerOffer{}, fmt.Errorf("%w: buyer offer: %v", ErrDB, err)
	}
	if capDay.Valid {
		v := int(capDay.Int64)
		bo.CapacityPerDay = &v
	}
	if capHour.Valid {
		v := int(capHour.Int64)
		bo.CapacityPerHour = &v
	}
	if price.Valid {
		bo.Price = &price.Float64
	}
	if minBalance.Valid {
		bo.MinBalanceRequired = &minBalance.Float64
	}
	if webhookOverride.Valid {
		bo.WebhookURLOverride = &webhookOverride.String
	}
	if secretOverride.Valid {
		bo.SecretOverride = &secretOverride.String
	}
	if emailOverride.Valid {
		bo.EmailOverride = &emailOverride.String
	}
	if smsOverride.Valid {
		bo.SMSOverride = &smsOverride.String
	}
	if pauseUntil.Valid {
		bo.PauseUntil = &pauseUntil.Time
	}
	return bo, nil
}

// RecordDuplicateEvent persists the outcome of the duplicate-detection
// engine for a Lead, independent of the status transition it
// may or may not have caused.
func (s *Store) RecordDuplicateEvent(ctx context.Context, ev domain.DuplicateEvent) error {
	const q = `INSERT INTO duplicate_events
		(lead_id, matched_lead_id, match_keys, window_hours, match_mode, include_sources, action, reason_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	keys := joinKeys(ev.MatchKeys)
	now := s.now()
	if _, err := s.db.ExecContext(ctx, q,
		ev.LeadID, ev.MatchedLeadID, keys, ev.WindowHours, ev.MatchMode, ev.IncludeSources,
		string(ev.Action), ev.ReasonCode, now,
	); err != nil {
		return fmt.Errorf("%w: record duplicate event: %v", ErrDB, err)
	}
	return nil
}

// RecordDeliveryAttempt appends one webhook attempt outcome for a Lead
//; attempts accumulate even across retries of the same Lead.
func (s *Store) RecordDeliveryAttempt(ctx context.Context, att domain.DeliveryAttempt) error {
	const q = `INSERT INTO delivery_attempts (lead_id, attempt_number, outcome, http_status, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	now := s.now()
	if _, err := s.db.ExecContext(ctx, q, att.LeadID, att.AttemptNumber, string(att.Outcome), att.HTTPStatus, att.LastError, now); err != nil {
		return fmt.Errorf("%w: record delivery attempt: %v", ErrDB, err)
	}
	return nil
}

// DeliveryAttemptCount reports how many attempts have been recorded for a
// Lead, the input to internal/delivery.BackoffPolicy.Next.
func (s *Store) DeliveryAttemptCount(ctx context.Context, leadID int64) (int, error) {
	var n int
	const q = `SELECT COUNT(*) FROM delivery_attempts WHERE lead_id = $1`
	if err := s.db.QueryRowContext(ctx, q, leadID).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: delivery attempt count: %v", ErrDB, err)
	}
	return n, nil
}

// HasSuccessfulAttempt reports whether a Lead already has a success
// outcome on record, the operator-replay eligibility check.
func (s *Store) HasSuccessfulAttempt(ctx context.Context, leadID int64) (bool, error) {
	var n int
	const q = `SELECT COUNT(*) FROM delivery_attempts WHERE lead_id = $1 AND outcome = 'success'`
	if err := s.db.QueryRowContext(ctx, q, leadID).Scan(&n); err != nil {
		return false, fmt.Errorf("%w: successful attempt lookup: %v", ErrDB, err)
	}
	return n > 0, nil
}

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k
	}
	return out
}
