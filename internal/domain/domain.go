// Package domain holds the entities and status vocabulary of the lead
// distribution core. These are plain structs, not ORM models:
// persistence shapes live in internal/store.
package domain

import (
	"errors"
	"time"
)

// ErrNotFound is the shared lookup-miss sentinel; the store wraps it so
// packages that cannot import the store (layering) can still match it.
var ErrNotFound = errors.New("not found")

// LeadStatus is the lifecycle status of a Lead. It is monotonic along
// received -> validated -> routed -> delivered, with rejected absorbing
// from received or validated.
type LeadStatus string

const (
	LeadReceived  LeadStatus = "received"
	LeadValidated LeadStatus = "validated"
	LeadRouted    LeadStatus = "routed"
	LeadDelivered LeadStatus = "delivered"
	LeadAccepted  LeadStatus = "accepted"
	LeadRejected  LeadStatus = "rejected"
)

// Rank gives a total order over the non-terminal happy-path statuses, used
// to check invariant 3 (monotonicity) and invariant 4 (buyer iff routed+).
// Rejected/Accepted are terminal and not comparable by rank.
func (s LeadStatus) Rank() int {
	switch s {
	case LeadReceived:
		return 0
	case LeadValidated:
		return 1
	case LeadRouted:
		return 2
	case LeadDelivered:
		return 3
	default:
		return -1
	}
}

func (s LeadStatus) AtLeastRouted() bool { return s.Rank() >= LeadRouted.Rank() }

type BillingStatus string

const (
	BillingPending  BillingStatus = "pending"
	BillingBilled   BillingStatus = "billed"
	BillingPaid     BillingStatus = "paid"
	BillingDisputed BillingStatus = "disputed"
	BillingRefunded BillingStatus = "refunded"
)

type SourceKind string

const (
	SourceLandingPage SourceKind = "landing_page"
	SourcePartnerAPI  SourceKind = "partner_api"
	SourceEmbedForm   SourceKind = "embed_form"
)

type ScopeType string

const (
	ScopePostalCode ScopeType = "postal_code"
	ScopeCity       ScopeType = "city"
)

// Market is immutable reference data from the core's viewpoint.
type Market struct {
	ID       int64
	Name     string
	TimeZone string
	Currency string
	Active   bool
}

type Vertical struct {
	ID     int64
	Name   string
	Slug   string
	Active bool
}

// Offer binds exactly one Market and one Vertical and references a
// Validation Policy and a Routing Policy.
type Offer struct {
	ID                 int64
	MarketID           int64
	VerticalID         int64
	Name               string
	ValidationPolicyID int64
	RoutingPolicyID    int64
	DefaultPrice       *float64
	Active             bool
}

// Source is bound to exactly one Offer and is the ingress mapping target of
// the Classifier.
type Source struct {
	ID           int64
	OfferID      int64
	SourceKey    string
	Kind         SourceKind
	Hostname     *string
	PathPrefix   *string
	HashedAPIKey *string
	Active       bool
}

// ValidationPolicy wraps a parsed policy document; see internal/policy.
type ValidationPolicy struct {
	ID      int64
	Version int
	Active  bool
	RawJSON []byte
}

type RoutingPolicy struct {
	ID      int64
	Version int
	Active  bool
	RawJSON []byte
}

type Buyer struct {
	ID                int64
	Name              string
	Email             string
	Active            bool
	Balance           float64
	CreditLimit       *float64
	DefaultWebhookURL string
	DefaultSecret     string
	NotifyWebhook     bool
	NotifyEmail       bool
	NotifySMS         bool
}

// BuyerOffer is a buyer's enrollment in an Offer, carrying routing priority,
// capacity limits, and per-offer overrides.
type BuyerOffer struct {
	ID                 int64
	BuyerID            int64
	OfferID            int64
	Active             bool
	RoutingPriority    int
	CapacityPerDay     *int
	CapacityPerHour    *int
	Price              *float64
	WebhookURLOverride *string
	SecretOverride     *string
	EmailOverride      *string
	SMSOverride        *string
	MinBalanceRequired *float64
	PauseUntil         *time.Time
}

type BuyerServiceArea struct {
	ID         int64
	BuyerID    int64
	MarketID   int64
	ScopeType  ScopeType
	ScopeValue string
	Active     bool
}

// OfferExclusivity grants a sole-recipient buyer for a scope within an
// offer; at most one active row per (offer, scope_type, scope_value).
type OfferExclusivity struct {
	ID         int64
	OfferID    int64
	BuyerID    int64
	ScopeType  ScopeType
	ScopeValue string
}

// Lead is the mutable heart of the pipeline. Its classification tuple is
// immutable after insert.
type Lead struct {
	ID int64

	MarketID   int64
	OfferID    int64
	VerticalID int64
	SourceID   int64

	IdempotencyKey string

	Name        string
	Email       string
	Phone       string
	PostalCode  string
	CountryCode string
	City        string
	Region      string
	Message     string

	NormalizedEmail *string
	NormalizedPhone *string

	Status        LeadStatus
	BillingStatus BillingStatus

	BuyerID *int64

	IsDuplicate  bool
	DuplicateOf  *int64

	ValidationReason string
	RejectionReason  string

	CreatedAt   time.Time
	RoutedAt    *time.Time
	DeliveredAt *time.Time
	AcceptedAt  *time.Time
	RejectedAt  *time.Time
}

// ScopeForRouting returns the geographic scope a Lead presents for
// exclusivity/service-area matching: postal code takes precedence over
// city, mirroring the Router's eligibility predicate.
func (l Lead) ScopeForRouting() (ScopeType, string) {
	if l.PostalCode != "" {
		return ScopePostalCode, l.PostalCode
	}
	return ScopeCity, l.City
}

// DeliveryOutcome classifies a single webhook attempt.
type DeliveryOutcome string

const (
	OutcomeSuccess          DeliveryOutcome = "success"
	OutcomeTransientFailure DeliveryOutcome = "transient_failure"
	OutcomePermanentFailure DeliveryOutcome = "permanent_failure"
	OutcomeTimeout          DeliveryOutcome = "timeout"
)

type DeliveryAttempt struct {
	ID            int64
	LeadID        int64
	AttemptNumber int
	Outcome       DeliveryOutcome
	HTTPStatus    *int
	LastError     string
	CreatedAt     time.Time
}

// DuplicateAction is the configured effect of a duplicate match.
type DuplicateAction string

const (
	DupActionReject DuplicateAction = "reject"
	DupActionFlag   DuplicateAction = "flag"
	DupActionAccept DuplicateAction = "accept"
)

type DuplicateEvent struct {
	ID             int64
	LeadID         int64
	MatchedLeadID  int64
	MatchKeys      []string
	WindowHours    int
	MatchMode      string
	IncludeSources string
	Action         DuplicateAction
	ReasonCode     string
	CreatedAt      time.Time
}
