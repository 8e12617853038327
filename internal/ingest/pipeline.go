// Package ingest is the front-door pipeline: classification,
// idempotent insert, duplicate detection, and validation run inline on
// the request path, then a routing job is enqueued for the workers. No
// step holds a DB transaction across queue or HTTP I/O.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/leadforge/core/internal/audit"
	"github.com/leadforge/core/internal/classify"
	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/duplicate"
	"github.com/leadforge/core/internal/normalize"
	"github.com/leadforge/core/internal/policy"
	"github.com/leadforge/core/internal/queue"
	"github.com/leadforge/core/internal/route"
	"github.com/leadforge/core/internal/store"
	"github.com/leadforge/core/internal/validate"
	pkgerrors "github.com/leadforge/core/pkg/errors"
	"github.com/leadforge/core/pkg/idempotency"
	pq "github.com/leadforge/core/pkg/queue"
	"github.com/leadforge/core/pkg/telemetry"
)

// Submission is a decoded ingestion request: the JSON body fields plus
// the HTTP envelope the Classifier needs.
type Submission struct {
	SourceID  int64
	SourceKey string
	Host      string
	Path      string

	IdempotencyKey string

	Name        string
	Email       string
	Phone       string
	PostalCode  string
	CountryCode string
	City        string
	Region      string
	Message     string

	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	Consent     bool
	GDPRConsent bool
}

// Result is the ingestion response body. Replay is true when
// the request mapped onto an existing Lead.
type Result struct {
	LeadID     int64
	Status     domain.LeadStatus
	BuyerID    *int64
	SourceID   int64
	OfferID    int64
	MarketID   int64
	VerticalID int64
	Price      *float64
	Replay     bool
}

// Failure is a classified synchronous ingestion error. LeadCreated is set
// only for a malformed validation policy found after the insert; backend
// faults after the insert also leave a lead row but do not set it.
type Failure struct {
	Code        pkgerrors.Code
	Status      int
	Message     string
	LeadCreated bool
}

func (f *Failure) Error() string { return string(f.Code) + ": " + f.Message }

// Store is the persistence surface the pipeline needs; *store.Store
// satisfies it.
type Store interface {
	InsertLead(ctx context.Context, lead domain.Lead) (store.InsertResult, error)
	GetLead(ctx context.Context, id int64) (domain.Lead, error)
	OfferByID(ctx context.Context, id int64) (domain.Offer, error)
	BuyerOfferByBuyerAndOffer(ctx context.Context, buyerID, offerID int64) (domain.BuyerOffer, error)
	MarkValidated(ctx context.Context, leadID int64, normalizedEmail, normalizedPhone *string) (bool, error)
	MarkRejected(ctx context.Context, leadID int64, reason string) (bool, error)
	MarkDuplicateFlagged(ctx context.Context, leadID, matchedLeadID int64) (bool, error)
	MarkDuplicateAccepted(ctx context.Context, leadID, matchedLeadID int64) (bool, error)
	MarkDuplicateRejected(ctx context.Context, leadID, matchedLeadID int64, reason string) (bool, error)
	RecordDuplicateEvent(ctx context.Context, ev domain.DuplicateEvent) error
}

type Pipeline struct {
	Store      Store
	Sources    classify.Lookup
	Duplicates duplicate.Lookup
	Policies   *policy.Cache
	Loader     policy.ValidationLoader
	IdemCache  *idempotency.Cache
	Producer   pq.Producer
	Disposable validate.DisposableEmailChecker
	Audit      audit.Recorder
	Logger     *telemetry.Logger
	Meter      telemetry.Meter
	Clock      func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now().UTC()
}

// Process runs one submission through the full inline pipeline.
func (p *Pipeline) Process(ctx context.Context, sub Submission) (Result, *Failure) {
	if f := checkRequired(sub); f != nil {
		return Result{}, f
	}
	if sub.CountryCode == "" {
		sub.CountryCode = "US"
	}

	cls, err := classify.Classify(ctx, p.Sources, classify.Request{
		SourceID:  sub.SourceID,
		SourceKey: sub.SourceKey,
		Host:      sub.Host,
		Path:      sub.Path,
	})
	if err != nil {
		return Result{}, classifyFailure(err)
	}

	key, f := p.resolveKey(cls.SourceID, sub)
	if f != nil {
		return Result{}, f
	}

	now := p.now()

	// Fast replay path: a cache hit skips the insert round-trip entirely.
	if p.IdemCache != nil {
		if leadID, ok := p.IdemCache.Get(cls.SourceID, key, now); ok {
			if res, err := p.replayResult(ctx, leadID); err == nil {
				return res, nil
			}
			// Cache pointed at a row we cannot read; fall through to the
			// authoritative insert.
		}
	}

	lead := domain.Lead{
		MarketID:        cls.MarketID,
		OfferID:         cls.OfferID,
		VerticalID:      cls.VerticalID,
		SourceID:        cls.SourceID,
		IdempotencyKey:  key,
		Name:            strings.TrimSpace(sub.Name),
		Email:           strings.TrimSpace(sub.Email),
		Phone:           strings.TrimSpace(sub.Phone),
		PostalCode:      normalize.Postal(sub.PostalCode),
		CountryCode:     strings.ToUpper(strings.TrimSpace(sub.CountryCode)),
		City:            strings.TrimSpace(sub.City),
		Region:          strings.TrimSpace(sub.Region),
		Message:         strings.TrimSpace(sub.Message),
		NormalizedEmail: normalize.EmailPtr(sub.Email),
		NormalizedPhone: normalize.PhonePtr(sub.Phone),
	}

	ins, err := p.Store.InsertLead(ctx, lead)
	if err != nil {
		return Result{}, systemFailure("insert lead", err)
	}
	if p.IdemCache != nil {
		p.IdemCache.Put(cls.SourceID, key, ins.LeadID, now)
	}
	if !ins.Winner {
		res, err := p.replayResult(ctx, ins.LeadID)
		if err != nil {
			return Result{}, systemFailure("load replayed lead", err)
		}
		p.count(ctx, telemetry.MetricLeadsReplayed)
		return res, nil
	}
	p.count(ctx, telemetry.MetricLeadsIngested)

	lead.ID = ins.LeadID
	lead.Status = domain.LeadReceived
	lead.CreatedAt = now

	offer, err := p.Store.OfferByID(ctx, lead.OfferID)
	if err != nil {
		return Result{}, systemFailure("load offer", err)
	}

	vp, err := p.Policies.Validation(ctx, p.Loader, offer.ValidationPolicyID, now)
	if err != nil {
		var perr *policy.Error
		if errors.As(err, &perr) {
			p.logError(ctx, "validation policy misconfigured", map[string]any{
				"lead_id": lead.ID, "offer_id": offer.ID, "policy_id": offer.ValidationPolicyID, "error": err,
			})
			return Result{}, &Failure{Code: pkgerrors.PolicyMisconfigured, Status: 500, Message: "validation policy misconfigured", LeadCreated: true}
		}
		return Result{}, systemFailure("load validation policy", err)
	}

	status, f := p.runDetection(ctx, lead, vp, now)
	if f != nil {
		return Result{}, f
	}

	res := Result{
		LeadID:     lead.ID,
		Status:     status,
		SourceID:   lead.SourceID,
		OfferID:    lead.OfferID,
		MarketID:   lead.MarketID,
		VerticalID: lead.VerticalID,
	}
	return res, nil
}

// runDetection applies the duplicate engine and the validator, in that
// order, and enqueues the routing job on validated.
func (p *Pipeline) runDetection(ctx context.Context, lead domain.Lead, vp policy.ValidationPolicy, now time.Time) (domain.LeadStatus, *Failure) {
	outcome, err := duplicate.Check(ctx, p.Duplicates, lead, vp.DuplicateDetection, now)
	if err != nil {
		return "", systemFailure("duplicate check", err)
	}
	if outcome.IsDuplicate {
		dd := vp.DuplicateDetection
		devent := domain.DuplicateEvent{
			LeadID:         lead.ID,
			MatchedLeadID:  outcome.MatchedLeadID,
			MatchKeys:      dd.MatchKeys,
			WindowHours:    dd.WindowHours,
			MatchMode:      string(dd.MatchMode),
			IncludeSources: dd.IncludeSources,
			Action:         outcome.Action,
			ReasonCode:     outcome.ReasonCode,
		}
		if err := p.Store.RecordDuplicateEvent(ctx, devent); err != nil {
			return "", systemFailure("record duplicate event", err)
		}
		p.recordAudit(ctx, lead.ID, audit.EventDuplicateDetected, map[string]any{
			"matched_lead_id": outcome.MatchedLeadID,
			"action":          string(outcome.Action),
			"reason_code":     outcome.ReasonCode,
		})
		p.count(ctx, telemetry.MetricLeadsDuplicate)

		switch outcome.Action {
		case domain.DupActionReject:
			if _, err := p.Store.MarkDuplicateRejected(ctx, lead.ID, outcome.MatchedLeadID, outcome.ReasonCode); err != nil {
				return "", systemFailure("reject duplicate", err)
			}
			p.recordTransition(ctx, lead.ID, string(domain.LeadReceived), string(domain.LeadRejected), outcome.ReasonCode)
			return domain.LeadRejected, nil
		case domain.DupActionFlag:
			if _, err := p.Store.MarkDuplicateFlagged(ctx, lead.ID, outcome.MatchedLeadID); err != nil {
				return "", systemFailure("flag duplicate", err)
			}
		case domain.DupActionAccept:
			if _, err := p.Store.MarkDuplicateAccepted(ctx, lead.ID, outcome.MatchedLeadID); err != nil {
				return "", systemFailure("accept duplicate", err)
			}
		}
	}

	vres := validate.Validate(vp, lead, p.Disposable)
	if !vres.Accepted {
		if _, err := p.Store.MarkRejected(ctx, lead.ID, vres.Reason); err != nil {
			return "", systemFailure("reject lead", err)
		}
		p.recordTransition(ctx, lead.ID, string(domain.LeadReceived), string(domain.LeadRejected), vres.Reason)
		p.count(ctx, telemetry.MetricLeadsRejected)
		return domain.LeadRejected, nil
	}

	advanced, err := p.Store.MarkValidated(ctx, lead.ID, vres.NormalizedEmail, vres.NormalizedPhone)
	if err != nil {
		return "", systemFailure("validate lead", err)
	}
	if advanced {
		p.recordTransition(ctx, lead.ID, string(domain.LeadReceived), string(domain.LeadValidated), "")
		p.count(ctx, telemetry.MetricLeadsValidated)

		env, err := queue.NewRouteEnvelope(queue.RouteJob{LeadID: lead.ID, EnqueuedAt: now})
		if err != nil {
			return "", systemFailure("build route job", err)
		}
		if err := p.Producer.Enqueue(ctx, queue.RouteQueue, env); err != nil {
			// The lead is validated; a missed enqueue is recoverable via
			// operator replay, so surface but do not roll back.
			p.logError(ctx, "enqueue route job failed", map[string]any{"lead_id": lead.ID, "error": err})
			return "", systemFailure("enqueue route job", err)
		}
	}
	return domain.LeadValidated, nil
}

// replayResult rebuilds the ingestion response body from an existing Lead.
func (p *Pipeline) replayResult(ctx context.Context, leadID int64) (Result, error) {
	lead, err := p.Store.GetLead(ctx, leadID)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		LeadID:     lead.ID,
		Status:     lead.Status,
		BuyerID:    lead.BuyerID,
		SourceID:   lead.SourceID,
		OfferID:    lead.OfferID,
		MarketID:   lead.MarketID,
		VerticalID: lead.VerticalID,
		Replay:     true,
	}
	if lead.BuyerID != nil {
		offer, err := p.Store.OfferByID(ctx, lead.OfferID)
		if err == nil {
			if bo, err := p.Store.BuyerOfferByBuyerAndOffer(ctx, *lead.BuyerID, lead.OfferID); err == nil {
				price := route.ResolvePrice(bo.Price, offer.DefaultPrice)
				res.Price = &price
			}
		}
	}
	return res, nil
}

func (p *Pipeline) resolveKey(sourceID int64, sub Submission) (string, *Failure) {
	if strings.TrimSpace(sub.IdempotencyKey) != "" {
		key, err := idempotency.ValidateClientKey(sub.IdempotencyKey)
		if err != nil {
			return "", &Failure{Code: pkgerrors.IdempotencyInvalidKey, Status: 400, Message: "idempotency_key has an invalid format"}
		}
		return key, nil
	}
	key, err := idempotency.Derive(idempotency.DeriveInput{
		SourceID:    sourceID,
		Name:        sub.Name,
		Email:       sub.Email,
		Phone:       sub.Phone,
		CountryCode: sub.CountryCode,
		PostalCode:  sub.PostalCode,
		Message:     sub.Message,
	})
	if err != nil {
		return "", &Failure{Code: pkgerrors.IdempotencyDerivationFailed, Status: 400, Message: "cannot derive idempotency key without email, phone, and postal_code"}
	}
	return key, nil
}

func checkRequired(sub Submission) *Failure {
	for _, pair := range [...]struct{ name, value string }{
		{"name", sub.Name},
		{"email", sub.Email},
		{"phone", sub.Phone},
		{"postal_code", sub.PostalCode},
	} {
		if strings.TrimSpace(pair.value) == "" {
			return &Failure{Code: pkgerrors.InputInvalid, Status: 400, Message: "missing required field: " + pair.name}
		}
	}
	return nil
}

func classifyFailure(err error) *Failure {
	var cerr *classify.Error
	if !errors.As(err, &cerr) {
		return systemFailure("classify", err)
	}
	code := map[classify.Code]pkgerrors.Code{
		classify.CodeInvalidSource:          pkgerrors.ClassificationInvalidSource,
		classify.CodeInvalidSourceKey:       pkgerrors.ClassificationInvalidSourceKey,
		classify.CodeInvalidSourceKeyFormat: pkgerrors.ClassificationInvalidSourceKeyFormat,
		classify.CodeUnmappedSource:         pkgerrors.ClassificationUnmappedSource,
		classify.CodeAmbiguousSourceMapping: pkgerrors.ClassificationAmbiguousSourceMapping,
		classify.CodeMissingHostHeader:      pkgerrors.ClassificationMissingHostHeader,
	}[cerr.Code]
	if code == "" {
		code = pkgerrors.Internal
	}
	return &Failure{Code: code, Status: cerr.HTTPStatus, Message: cerr.Message}
}

func systemFailure(step string, err error) *Failure {
	return &Failure{Code: pkgerrors.Internal, Status: 500, Message: step + " failed: " + err.Error()}
}

func (p *Pipeline) recordTransition(ctx context.Context, leadID int64, from, to, reason string) {
	if p.Audit.Sink == nil {
		return
	}
	if err := p.Audit.Transition(ctx, leadID, from, to, reason); err != nil {
		p.logError(ctx, "audit write failed", map[string]any{"lead_id": leadID, "error": err})
	}
}

func (p *Pipeline) recordAudit(ctx context.Context, leadID int64, typ audit.EventType, payload any) {
	if p.Audit.Sink == nil {
		return
	}
	if err := p.Audit.Record(ctx, leadID, typ, payload); err != nil {
		p.logError(ctx, "audit write failed", map[string]any{"lead_id": leadID, "error": err})
	}
}

func (p *Pipeline) count(ctx context.Context, name string) {
	if p.Meter != nil {
		_ = telemetry.IncCounter(p.Meter, ctx, name, 1, nil)
	}
}

func (p *Pipeline) logError(ctx context.Context, msg string, fields map[string]any) {
	if p.Logger != nil {
		p.Logger.Error(ctx, msg, fields)
	}
}
