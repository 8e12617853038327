// Package store is the PostgreSQL-backed persistence layer for the lead
// distribution core. It is standard-library-only with respect to
// database/sql: the postgres driver is registered once via a blank import
// in the cmd/ binaries, never here. Every state transition is a single
// guarded UPDATE so that two workers racing on the same Lead can both
// attempt it and at most one succeeds.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/leadforge/core/internal/domain"
)

var (
	ErrNotFound     = fmt.Errorf("store: %w", domain.ErrNotFound)
	ErrConflict     = errors.New("store: conflicting state transition")
	ErrInvalidInput = errors.New("store: invalid input")
	ErrDB           = errors.New("store: db error")
)

// Clock is injected so tests can control CreatedAt/transition timestamps.
type Clock func() time.Time

type Store struct {
	db    *sql.DB
	clock Clock
}

func New(db *sql.DB, clock Clock) *Store {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: db, clock: clock}
}

func (s *Store) now() time.Time { return s.clock() }

// EnsureSchema creates every table this package owns if missing. It is
// idempotent and safe to run on every process start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", ErrDB, err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS markets (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		time_zone TEXT NOT NULL,
		currency TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS verticals (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS validation_policies (
		id SERIAL PRIMARY KEY,
		version INT NOT NULL DEFAULT 1,
		active BOOLEAN NOT NULL DEFAULT true,
		raw_json JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS routing_policies (
		id SERIAL PRIMARY KEY,
		version INT NOT NULL DEFAULT 1,
		active BOOLEAN NOT NULL DEFAULT true,
		raw_json JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS offers (
		id SERIAL PRIMARY KEY,
		market_id INT NOT NULL REFERENCES markets(id),
		vertical_id INT NOT NULL REFERENCES verticals(id),
		name TEXT NOT NULL,
		validation_policy_id INT NOT NULL REFERENCES validation_policies(id),
		routing_policy_id INT NOT NULL REFERENCES routing_policies(id),
		default_price DOUBLE PRECISION,
		active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS sources (
		id SERIAL PRIMARY KEY,
		offer_id INT NOT NULL REFERENCES offers(id),
		source_key TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		hostname TEXT,
		path_prefix TEXT,
		hashed_api_key TEXT,
		active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS buyers (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		balance DOUBLE PRECISION NOT NULL DEFAULT 0,
		credit_limit DOUBLE PRECISION,
		default_webhook_url TEXT NOT NULL DEFAULT '',
		default_secret TEXT NOT NULL DEFAULT '',
		notify_webhook BOOLEAN NOT NULL DEFAULT true,
		notify_email BOOLEAN NOT NULL DEFAULT false,
		notify_sms BOOLEAN NOT NULL DEFAULT false
	)`,
	`CREATE TABLE IF NOT EXISTS buyer_offers (
		id SERIAL PRIMARY KEY,
		buyer_id INT NOT NULL REFERENCES buyers(id),
		offer_id INT NOT NULL REFERENCES offers(id),
		active BOOLEAN NOT NULL DEFAULT true,
		routing_priority INT NOT NULL DEFAULT 100,
		capacity_per_day INT,
		capacity_per_hour INT,
		price DOUBLE PRECISION,
		webhook_url_override TEXT,
		secret_override TEXT,
		email_override TEXT,
		sms_override TEXT,
		min_balance_required DOUBLE PRECISION,
		pause_until TIMESTAMPTZ,
		UNIQUE (buyer_id, offer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS buyer_service_areas (
		id SERIAL PRIMARY KEY,
		buyer_id INT NOT NULL REFERENCES buyers(id),
		market_id INT NOT NULL REFERENCES markets(id),
		scope_type TEXT NOT NULL,
		scope_value TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS offer_exclusivities (
		id SERIAL PRIMARY KEY,
		offer_id INT NOT NULL REFERENCES offers(id),
		buyer_id INT NOT NULL REFERENCES buyers(id),
		scope_type TEXT NOT NULL,
		scope_value TEXT NOT NULL,
		UNIQUE (offer_id, scope_type, scope_value)
	)`,
	`CREATE TABLE IF NOT EXISTS leads (
		id BIGSERIAL PRIMARY KEY,
		market_id INT NOT NULL REFERENCES markets(id),
		offer_id INT NOT NULL REFERENCES offers(id),
		vertical_id INT NOT NULL REFERENCES verticals(id),
		source_id INT NOT NULL REFERENCES sources(id),
		idempotency_key TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		postal_code TEXT NOT NULL DEFAULT '',
		country_code TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		region TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		normalized_email TEXT,
		normalized_phone TEXT,
		status TEXT NOT NULL DEFAULT 'received',
		billing_status TEXT NOT NULL DEFAULT 'pending',
		buyer_id INT REFERENCES buyers(id),
		is_duplicate BOOLEAN NOT NULL DEFAULT false,
		duplicate_of BIGINT,
		validation_reason TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		routed_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		accepted_at TIMESTAMPTZ,
		rejected_at TIMESTAMPTZ,
		UNIQUE (source_id, idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS leads_dedupe_lookup_idx ON leads (offer_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id BIGSERIAL PRIMARY KEY,
		lead_id BIGINT NOT NULL REFERENCES leads(id),
		attempt_number INT NOT NULL,
		outcome TEXT NOT NULL,
		http_status INT,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS duplicate_events (
		id BIGSERIAL PRIMARY KEY,
		lead_id BIGINT NOT NULL REFERENCES leads(id),
		matched_lead_id BIGINT NOT NULL,
		match_keys TEXT NOT NULL,
		window_hours INT NOT NULL,
		match_mode TEXT NOT NULL,
		include_sources TEXT NOT NULL,
		action TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		lead_id BIGINT NOT NULL REFERENCES leads(id),
		type TEXT NOT NULL,
		occurred TIMESTAMPTZ NOT NULL,
		payload JSONB,
		prev_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_lead_idx ON audit_events (lead_id, id)`,
	`CREATE INDEX IF NOT EXISTS leads_buyer_offer_delivered_idx ON leads (buyer_id, offer_id, delivered_at DESC)`,
	`CREATE INDEX IF NOT EXISTS leads_dedupe_phone_idx ON leads (offer_id, normalized_phone, created_at DESC) WHERE normalized_phone IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS leads_dedupe_email_idx ON leads (offer_id, normalized_email, created_at DESC) WHERE normalized_email IS NOT NULL`,
}

func scanLead(row interface{ Scan(dest ...any) error }) (domain.Lead, error) {
	var l domain.Lead
	var normEmail, normPhone sql.NullString
	var buyerID sql.NullInt64
	var duplicateOf sql.NullInt64
	var routedAt, deliveredAt, acceptedAt, rejectedAt sql.NullTime

	err := row.Scan(
		&l.ID, &l.MarketID, &l.OfferID, &l.VerticalID, &l.SourceID, &l.IdempotencyKey,
		&l.Name, &l.Email, &l.Phone, &l.PostalCode, &l.CountryCode, &l.City, &l.Region, &l.Message,
		&normEmail, &normPhone,
		&l.Status, &l.BillingStatus, &buyerID,
		&l.IsDuplicate, &duplicateOf,
		&l.ValidationReason, &l.RejectionReason,
		&l.CreatedAt, &routedAt, &deliveredAt, &acceptedAt, &rejectedAt,
	)
	if err != nil {
		return domain.Lead{}, err
	}
	if normEmail.Valid {
		l.NormalizedEmail = &normEmail.String
	}
	if normPhone.Valid {
		l.NormalizedPhone = &normPhone.String
	}
	if buyerID.Valid {
		l.BuyerID = &buyerID.Int64
	}
	if duplicateOf.Valid {
		l.DuplicateOf = &duplicateOf.Int64
	}
	if routedAt.Valid {
		l.RoutedAt = &routedAt.Time
	}
	if deliveredAt.Valid {
		l.DeliveredAt = &deliveredAt.Time
	}
	if acceptedAt.Valid {
		l.AcceptedAt = &acceptedAt.Time
	}
	if rejectedAt.Valid {
		l.RejectedAt = &rejectedAt.Time
	}
	return l, nil
}

const leadColumns = `id, market_id, offer_id, vertical_id, source_id, idempotency_key,
	name, email, phone, postal_code, country_code, city, region, message,
	normalized_email, normalized_phone,
	status, billing_status, buyer_id,
	is_duplicate, duplicate_of,
	validation_reason, rejection_reason,
	created_at, routed_at, delivered_at, accepted_at, rejected_at`

// GetLead fetches a Lead by id.
func (s *Store) GetLead(ctx context.Context, id int64) (domain.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("%w: get lead: %v", ErrDB, err)
	}
	return lead, nil
}

// InsertResult reports whether this call won the race to create the Lead
// row for (source_id, idempotency_key), or lost it to a concurrent insert.
type InsertResult struct {
	LeadID  int64
	Winner  bool // true: this call created the row. false: row already existed.
}

// InsertLead performs the race-safe idempotent insert:
// INSERT ... ON CONFLICT DO UPDATE SET id = leads.id is a no-op write that
// still returns the existing row, letting xmax distinguish the inserting
// transaction (xmax = 0) from one that hit the conflict arm.
func (s *Store) InsertLead(ctx context.Context, lead domain.Lead) (InsertResult, error) {
	if lead.SourceID == 0 || lead.IdempotencyKey == "" {
		return InsertResult{}, fmt.Errorf("%w: source_id and idempotency_key are required", ErrInvalidInput)
	}
	now := s.now()

	const q = `
INSERT INTO leads
	(market_id, offer_id, vertical_id, source_id, idempotency_key,
	 name, email, phone, postal_code, country_code, city, region, message,
	 normalized_email, normalized_phone,
	 status, billing_status, created_at)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (source_id, idempotency_key) DO UPDATE SET id = leads.id
RETURNING id, (xmax = 0) AS inserted`

	var id int64
	var winner bool
	err := s.db.QueryRowContext(ctx, q,
		lead.MarketID, lead.OfferID, lead.VerticalID, lead.SourceID, lead.IdempotencyKey,
		lead.Name, lead.Email, lead.Phone, lead.PostalCode, lead.CountryCode, lead.City, lead.Region, lead.Message,
		lead.NormalizedEmail, lead.NormalizedPhone,
		string(domain.LeadReceived), string(domain.BillingPending), now,
	).Scan(&id, &winner)
	if err != nil {
		return InsertResult{}, fmt.Errorf("%w: insert lead: %v", ErrDB, err)
	}
	return InsertResult{LeadID: id, Winner: winner}, nil
}
