package route

import (
	"context"
	"errors"
	"time"

	"github.com/leadforge/core/internal/audit"
	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/policy"
	"github.com/leadforge/core/internal/queue"
	pq "github.com/leadforge/core/pkg/queue"
	"github.com/leadforge/core/pkg/telemetry"
)

// Stores is the persistence surface the Runner needs; *store.Store
// satisfies it.
type Stores interface {
	GetLead(ctx context.Context, id int64) (domain.Lead, error)
	OfferByID(ctx context.Context, id int64) (domain.Offer, error)
	RoutingCandidates(ctx context.Context, lead domain.Lead, now time.Time) ([]Candidate, error)
	Exclusivity(ctx context.Context, lead domain.Lead) (*int64, error)
	MarkRouted(ctx context.Context, leadID, buyerID int64) (bool, error)
}

// Runner consumes routing jobs: it loads the lead, applies the Offer's
// Routing Policy via Select, performs the guarded validated->routed
// transition, and enqueues the delivery job. It is safe under duplicate
// deliveries of the same job.
type Runner struct {
	Store    Stores
	Policies *policy.Cache
	Loader   policy.RoutingLoader
	Producer pq.Producer
	Audit    audit.Recorder
	Logger   *telemetry.Logger
	Meter    telemetry.Meter
	Clock    func() time.Time

	// RetryDelay is the nack delay after a backend fault.
	RetryDelay time.Duration
}

func (r *Runner) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *Runner) retry() pq.Disposition {
	d := r.RetryDelay
	if d <= 0 {
		d = 10 * time.Second
	}
	return pq.Retry(d)
}

// Handle processes one routing job and returns its queue disposition.
func (r *Runner) Handle(ctx context.Context, msg pq.DequeueResult) (pq.Disposition, error) {
	job, err := queue.DecodeRouteJob(msg.Env)
	if err != nil {
		return pq.DeadLetter("malformed route job"), err
	}

	lead, err := r.Store.GetLead(ctx, job.LeadID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return pq.DeadLetter("lead not found"), err
		}
		return r.retry(), err
	}

	switch lead.Status {
	case domain.LeadValidated:
		// fall through to selection
	case domain.LeadRouted:
		// A previous run won the transition but may have died before the
		// delivery job landed; re-enqueue it. The executor tolerates
		// duplicates.
		if err := r.enqueueDelivery(ctx, lead.ID); err != nil {
			return r.retry(), err
		}
		return pq.Ack(), nil
	default:
		// rejected, delivered, accepted, or still received: nothing for
		// the router to do.
		return pq.Ack(), nil
	}

	offer, err := r.Store.OfferByID(ctx, lead.OfferID)
	if err != nil {
		return r.retry(), err
	}
	now := r.now()

	rp, err := r.Policies.Routing(ctx, r.Loader, offer.RoutingPolicyID, now)
	if err != nil {
		var perr *policy.Error
		if errors.As(err, &perr) {
			r.logError(ctx, "routing policy misconfigured", map[string]any{
				"lead_id": lead.ID, "offer_id": offer.ID, "policy_id": offer.RoutingPolicyID, "error": err,
			})
			r.recordDecision(ctx, lead.ID, "policy_misconfigured", nil)
			return pq.Ack(), nil
		}
		return r.retry(), err
	}

	candidates, err := r.Store.RoutingCandidates(ctx, lead, now)
	if err != nil {
		return r.retry(), err
	}
	exclusive, err := r.Store.Exclusivity(ctx, lead)
	if err != nil {
		return r.retry(), err
	}

	outcome := Select(rp, candidates, exclusive, now, lead.ID)
	if !outcome.Routed {
		// no_route / no_route_exclusive_fail_closed: the lead stays
		// validated and is surfaced via audit + operator replay.
		r.recordDecision(ctx, lead.ID, outcome.Reason, nil)
		r.count(ctx, telemetry.MetricLeadsNoRoute)
		return pq.Ack(), nil
	}

	advanced, err := r.Store.MarkRouted(ctx, lead.ID, outcome.BuyerID)
	if err != nil {
		return r.retry(), err
	}
	if !advanced {
		r.recordDecision(ctx, lead.ID, "already_routed", nil)
		return pq.Ack(), nil
	}

	r.recordTransition(ctx, lead.ID, string(domain.LeadValidated), string(domain.LeadRouted), outcome.Reason)
	r.recordDecision(ctx, lead.ID, outcome.Reason, &outcome.BuyerID)
	r.count(ctx, telemetry.MetricLeadsRouted)

	if err := r.enqueueDelivery(ctx, lead.ID); err != nil {
		// The routed transition is durable; redelivery of this job will
		// land in the LeadRouted arm above and re-enqueue.
		return r.retry(), err
	}
	return pq.Ack(), nil
}

func (r *Runner) enqueueDelivery(ctx context.Context, leadID int64) error {
	env, err := queue.NewDeliveryEnvelope(queue.DeliveryJob{LeadID: leadID, EnqueuedAt: r.now()})
	if err != nil {
		return err
	}
	return r.Producer.Enqueue(ctx, queue.DeliveryQueue, env)
}

func (r *Runner) recordDecision(ctx context.Context, leadID int64, reason string, buyerID *int64) {
	if r.Audit.Sink == nil {
		return
	}
	payload := map[string]any{"reason": reason}
	if buyerID != nil {
		payload["buyer_id"] = *buyerID
	}
	if err := r.Audit.Record(ctx, leadID, audit.EventRoutingDecision, payload); err != nil {
		r.logError(ctx, "audit write failed", map[string]any{"lead_id": leadID, "error": err})
	}
}

func (r *Runner) recordTransition(ctx context.Context, leadID int64, from, to, reason string) {
	if r.Audit.Sink == nil {
		return
	}
	if err := r.Audit.Transition(ctx, leadID, from, to, reason); err != nil {
		r.logError(ctx, "audit write failed", map[string]any{"lead_id": leadID, "error": err})
	}
}

func (r *Runner) count(ctx context.Context, name string) {
	if r.Meter != nil {
		_ = telemetry.IncCounter(r.Meter, ctx, name, 1, nil)
	}
}

func (r *Runner) logError(ctx context.Context, msg string, fields map[string]any) {
	if r.Logger != nil {
		r.Logger.Error(ctx, msg, fields)
	}
}
