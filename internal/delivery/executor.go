package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/leadforge/core/internal/audit"
	"github.com/leadforge/core/internal/classify"
	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/queue"
	"github.com/leadforge/core/internal/route"
	"github.com/leadforge/core/internal/store"
	pq "github.com/leadforge/core/pkg/queue"
	"github.com/leadforge/core/pkg/telemetry"
)

// Stores is the persistence surface the Executor needs; *store.Store
// satisfies it.
type Stores interface {
	GetLead(ctx context.Context, id int64) (domain.Lead, error)
	OfferByID(ctx context.Context, id int64) (domain.Offer, error)
	BuyerByID(ctx context.Context, id int64) (domain.Buyer, error)
	BuyerOfferByBuyerAndOffer(ctx context.Context, buyerID, offerID int64) (domain.BuyerOffer, error)
	SourceByID(ctx context.Context, id int64) (classify.SourceRow, bool, error)
	DeliveryAttemptCount(ctx context.Context, leadID int64) (int, error)
	RecordDeliveryAttempt(ctx context.Context, att domain.DeliveryAttempt) error
	MarkDelivered(ctx context.Context, leadID int64) (bool, error)
}

// WebhookPoster posts one signed payload; *Poster satisfies it.
type WebhookPoster interface {
	Post(ctx context.Context, cfg EndpointConfig, payload Payload, attemptNumber int) (domain.DeliveryOutcome, *int, string)
}

// ExecutorConfig carries the webhook defaults from configuration:
// attempt cap, fixed nack-delay schedule, per-attempt timeout.
type ExecutorConfig struct {
	MaxAttempts int
	// Schedule[n] is the requeue delay after failed attempt n (1-based);
	// past the end the last entry repeats. Empty falls back to Backoff.
	Schedule []time.Duration
	Backoff  BackoffPolicy
	Timeout  time.Duration
}

// Executor processes delivery jobs: re-read authoritative lead state,
// resolve the effective endpoint, post, persist the attempt, and guard
// the routed->delivered transition. At-least-once job delivery
// plus the guarded UPDATE gives exactly-once status advancement.
type Executor struct {
	Store  Stores
	Poster WebhookPoster
	Config ExecutorConfig
	Audit  audit.Recorder
	Logger *telemetry.Logger
	Meter  telemetry.Meter
	Clock  func() time.Time

	// RetryDelay is the nack delay after a backend (not webhook) fault.
	RetryDelay time.Duration
}

func (e *Executor) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now().UTC()
}

func (e *Executor) retryBackend() pq.Disposition {
	d := e.RetryDelay
	if d <= 0 {
		d = 10 * time.Second
	}
	return pq.Retry(d)
}

// Handle processes one delivery job and returns its queue disposition.
func (e *Executor) Handle(ctx context.Context, msg pq.DequeueResult) (pq.Disposition, error) {
	job, err := queue.DecodeDeliveryJob(msg.Env)
	if err != nil {
		return pq.DeadLetter("malformed delivery job"), err
	}

	lead, err := e.Store.GetLead(ctx, job.LeadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return pq.DeadLetter("lead not found"), err
		}
		return e.retryBackend(), err
	}

	// Steps 1-2: already-terminal or out-of-band leads are acked silently.
	switch lead.Status {
	case domain.LeadDelivered, domain.LeadAccepted, domain.LeadRejected:
		return pq.Ack(), nil
	}
	if lead.Status != domain.LeadRouted || lead.BuyerID == nil {
		return pq.Ack(), nil
	}

	// Step 3: effective delivery config, BuyerOffer overrides over Buyer
	// defaults.
	cfg, price, failure, err := e.resolveEndpoint(ctx, lead)
	if err != nil {
		return e.retryBackend(), err
	}
	attemptNumber, err := e.nextAttemptNumber(ctx, lead.ID)
	if err != nil {
		return e.retryBackend(), err
	}
	if failure != "" {
		att := domain.DeliveryAttempt{
			LeadID:        lead.ID,
			AttemptNumber: attemptNumber,
			Outcome:       domain.OutcomePermanentFailure,
			LastError:     failure,
		}
		if err := e.Store.RecordDeliveryAttempt(ctx, att); err != nil {
			return e.retryBackend(), err
		}
		e.recordOutcome(ctx, lead.ID, attemptNumber, domain.OutcomePermanentFailure, nil, failure)
		return pq.Ack(), nil
	}

	sourceName := ""
	if src, ok, err := e.Store.SourceByID(ctx, lead.SourceID); err == nil && ok {
		sourceName = src.SourceKey
	}

	// Steps 4-5: construct, sign, post, classify.
	payload := NewPayload(lead, sourceName, *lead.BuyerID, price, e.now())
	postStart := time.Now()
	outcome, httpStatus, postErr := e.Poster.Post(ctx, cfg, payload, attemptNumber)
	e.observeLatency(ctx, time.Since(postStart))

	// Step 6: persist the attempt regardless of outcome.
	att := domain.DeliveryAttempt{
		LeadID:        lead.ID,
		AttemptNumber: attemptNumber,
		Outcome:       outcome,
		HTTPStatus:    httpStatus,
		LastError:     postErr,
	}
	if err := e.Store.RecordDeliveryAttempt(ctx, att); err != nil {
		return e.retryBackend(), err
	}
	e.recordOutcome(ctx, lead.ID, attemptNumber, outcome, httpStatus, postErr)
	e.count(ctx, telemetry.MetricDeliveryAttempts)

	switch outcome {
	case domain.OutcomeSuccess:
		// Step 7: guarded routed->delivered; a lost race is still a win.
		advanced, err := e.Store.MarkDelivered(ctx, lead.ID)
		if err != nil {
			return e.retryBackend(), err
		}
		if advanced {
			e.recordTransition(ctx, lead.ID, string(domain.LeadRouted), string(domain.LeadDelivered), "")
			e.count(ctx, telemetry.MetricLeadsDelivered)
		}
		return pq.Ack(), nil

	case domain.OutcomeTransientFailure, domain.OutcomeTimeout:
		// Step 8: retry within the attempt budget, else surface
		// retry_exhausted and leave the lead routed for operator replay.
		if attemptNumber < e.maxAttempts() {
			return pq.Retry(e.delayAfter(lead.ID, attemptNumber)), nil
		}
		e.recordAudit(ctx, lead.ID, map[string]any{"reason": "retry_exhausted", "attempts": attemptNumber})
		e.count(ctx, telemetry.MetricDeliveryExhausted)
		return pq.Ack(), nil

	default:
		// Step 9: permanent failure, no retry, no transition.
		return pq.Ack(), nil
	}
}

// resolveEndpoint returns the effective webhook endpoint and price for a
// routed lead. A non-empty failure string means no channel exists.
func (e *Executor) resolveEndpoint(ctx context.Context, lead domain.Lead) (EndpointConfig, *float64, string, error) {
	buyer, err := e.Store.BuyerByID(ctx, *lead.BuyerID)
	if err != nil {
		return EndpointConfig{}, nil, "", err
	}
	offer, err := e.Store.OfferByID(ctx, lead.OfferID)
	if err != nil {
		return EndpointConfig{}, nil, "", err
	}

	url := buyer.DefaultWebhookURL
	secret := buyer.DefaultSecret
	var price *float64

	bo, err := e.Store.BuyerOfferByBuyerAndOffer(ctx, buyer.ID, lead.OfferID)
	switch {
	case err == nil:
		if bo.WebhookURLOverride != nil && *bo.WebhookURLOverride != "" {
			url = *bo.WebhookURLOverride
		}
		if bo.SecretOverride != nil && *bo.SecretOverride != "" {
			secret = *bo.SecretOverride
		}
		if bo.Price != nil || offer.DefaultPrice != nil {
			v := route.ResolvePrice(bo.Price, offer.DefaultPrice)
			price = &v
		}
	case errors.Is(err, store.ErrNotFound):
		if offer.DefaultPrice != nil {
			price = offer.DefaultPrice
		}
	default:
		return EndpointConfig{}, nil, "", err
	}

	if url == "" {
		return EndpointConfig{}, nil, "no_channel", nil
	}
	return EndpointConfig{URL: url, Secret: secret, Timeout: e.Config.Timeout}, price, "", nil
}

func (e *Executor) nextAttemptNumber(ctx context.Context, leadID int64) (int, error) {
	n, err := e.Store.DeliveryAttemptCount(ctx, leadID)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

func (e *Executor) maxAttempts() int {
	if e.Config.MaxAttempts > 0 {
		return e.Config.MaxAttempts
	}
	return 3
}

// delayAfter picks the requeue delay following failed attempt n: the
// fixed schedule when configured, else the deterministic exponential
// backoff.
func (e *Executor) delayAfter(leadID int64, n int) time.Duration {
	if len(e.Config.Schedule) > 0 {
		idx := n
		if idx >= len(e.Config.Schedule) {
			idx = len(e.Config.Schedule) - 1
		}
		return e.Config.Schedule[idx]
	}
	bp := e.Config.Backoff
	if bp.MaxAttempts == 0 {
		bp = DefaultBackoffPolicy()
	}
	delay, ok, _ := bp.Next(leadID, n+1)
	if !ok {
		return 30 * time.Second
	}
	return delay
}

func (e *Executor) recordOutcome(ctx context.Context, leadID int64, attempt int, outcome domain.DeliveryOutcome, httpStatus *int, errStr string) {
	payload := map[string]any{"attempt": attempt, "outcome": string(outcome)}
	if httpStatus != nil {
		payload["http_status"] = *httpStatus
	}
	if errStr != "" {
		payload["error"] = errStr
	}
	e.recordAudit(ctx, leadID, payload)
}

func (e *Executor) recordAudit(ctx context.Context, leadID int64, payload any) {
	if e.Audit.Sink == nil {
		return
	}
	if err := e.Audit.Record(ctx, leadID, audit.EventDeliveryOutcome, payload); err != nil {
		e.logError(ctx, "audit write failed", map[string]any{"lead_id": leadID, "error": err})
	}
}

func (e *Executor) recordTransition(ctx context.Context, leadID int64, from, to, reason string) {
	if e.Audit.Sink == nil {
		return
	}
	if err := e.Audit.Transition(ctx, leadID, from, to, reason); err != nil {
		e.logError(ctx, "audit write failed", map[string]any{"lead_id": leadID, "error": err})
	}
}

func (e *Executor) count(ctx context.Context, name string) {
	if e.Meter != nil {
		_ = telemetry.IncCounter(e.Meter, ctx, name, 1, nil)
	}
}

func (e *Executor) observeLatency(ctx context.Context, d time.Duration) {
	if e.Meter != nil {
		_ = telemetry.ObserveHistogram(e.Meter, ctx, telemetry.MetricDeliverySeconds, d.Seconds(), telemetry.DeliveryLatencyBuckets(), nil)
	}
}

func (e *Executor) logError(ctx context.Context, msg string, fields map[string]any) {
	if e.Logger != nil {
		e.Logger.Error(ctx, msg, fields)
	}
}
