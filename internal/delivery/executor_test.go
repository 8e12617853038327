package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/leadforge/core/internal/classify"
	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/queue"
	"github.com/leadforge/core/internal/store"
	pq "github.com/leadforge/core/pkg/queue"
)

type execStore struct {
	lead     domain.Lead
	buyer    domain.Buyer
	offer    domain.Offer
	bo       *domain.BuyerOffer
	attempts []domain.DeliveryAttempt
}

func (s *execStore) GetLead(ctx context.Context, id int64) (domain.Lead, error) {
	if id != s.lead.ID {
		return domain.Lead{}, store.ErrNotFound
	}
	return s.lead, nil
}

func (s *execStore) OfferByID(ctx context.Context, id int64) (domain.Offer, error) {
	return s.offer, nil
}

func (s *execStore) BuyerByID(ctx context.Context, id int64) (domain.Buyer, error) {
	return s.buyer, nil
}

func (s *execStore) BuyerOfferByBuyerAndOffer(ctx context.Context, buyerID, offerID int64) (domain.BuyerOffer, error) {
	if s.bo == nil {
		return domain.BuyerOffer{}, store.ErrNotFound
	}
	return *s.bo, nil
}

func (s *execStore) SourceByID(ctx context.Context, id int64) (classify.SourceRow, bool, error) {
	return classify.SourceRow{ID: id, SourceKey: "aus-plb-v1"}, true, nil
}

func (s *execStore) DeliveryAttemptCount(ctx context.Context, leadID int64) (int, error) {
	return len(s.attempts), nil
}

func (s *execStore) RecordDeliveryAttempt(ctx context.Context, att domain.DeliveryAttempt) error {
	s.attempts = append(s.attempts, att)
	return nil
}

func (s *execStore) MarkDelivered(ctx context.Context, leadID int64) (bool, error) {
	if s.lead.Status != domain.LeadRouted {
		return false, nil
	}
	s.lead.Status = domain.LeadDelivered
	return true, nil
}

type scriptedPoster struct {
	outcomes []domain.DeliveryOutcome
	statuses []int
	calls    int
	lastCfg  EndpointConfig
	lastBody Payload
}

func (p *scriptedPoster) Post(ctx context.Context, cfg EndpointConfig, payload Payload, attemptNumber int) (domain.DeliveryOutcome, *int, string) {
	p.lastCfg = cfg
	p.lastBody = payload
	i := p.calls
	if i >= len(p.outcomes) {
		i = len(p.outcomes) - 1
	}
	p.calls++
	status := p.statuses[i]
	var sp *int
	if status != 0 {
		sp = &status
	}
	return p.outcomes[i], sp, ""
}

func routedLead() domain.Lead {
	buyer := int64(9)
	return domain.Lead{
		ID:             1,
		OfferID:        20,
		SourceID:       4,
		IdempotencyKey: "k-0123456789abcdef",
		Status:         domain.LeadRouted,
		BuyerID:        &buyer,
		Name:           "Jane",
		Email:          "j@x.com",
		Phone:          "+15125550123",
		PostalCode:     "78701",
		CreatedAt:      time.Unix(1700000000, 0),
	}
}

func deliveryMsg(t *testing.T, leadID int64) pq.DequeueResult {
	t.Helper()
	env, err := queue.NewDeliveryEnvelope(queue.DeliveryJob{LeadID: leadID, EnqueuedAt: time.Unix(1700000000, 0)})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	norm, err := pq.NormalizeEnvelope(env)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return pq.DequeueResult{Env: norm, Receipt: "r"}
}

func newExecutor(st *execStore, p WebhookPoster) *Executor {
	return &Executor{
		Store:  st,
		Poster: p,
		Config: ExecutorConfig{
			MaxAttempts: 3,
			Schedule:    []time.Duration{0, 5 * time.Second, 15 * time.Second},
			Timeout:     time.Second,
		},
		Clock: func() time.Time { return time.Unix(1700000100, 0).UTC() },
	}
}

func TestExecutor_SuccessDeliversOnce(t *testing.T) {
	st := &execStore{
		lead:  routedLead(),
		buyer: domain.Buyer{ID: 9, DefaultWebhookURL: "https://buyer.example.com/hook", DefaultSecret: "s"},
		offer: domain.Offer{ID: 20},
	}
	poster := &scriptedPoster{outcomes: []domain.DeliveryOutcome{domain.OutcomeSuccess}, statuses: []int{200}}
	ex := newExecutor(st, poster)

	disp, err := ex.Handle(context.Background(), deliveryMsg(t, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disp.Requeue || disp.DeadLetter {
		t.Fatalf("expected ack, got %+v", disp)
	}
	if st.lead.Status != domain.LeadDelivered {
		t.Fatalf("expected delivered, got %s", st.lead.Status)
	}
	if len(st.attempts) != 1 || st.attempts[0].Outcome != domain.OutcomeSuccess || st.attempts[0].AttemptNumber != 1 {
		t.Fatalf("expected one success attempt, got %+v", st.attempts)
	}
	if poster.lastBody.Data.Idempotency != "k-0123456789abcdef" {
		t.Fatalf("payload idempotency must be the lead's ingestion key, got %q", poster.lastBody.Data.Idempotency)
	}
	if poster.lastBody.Data.Details.Source != "aus-plb-v1" {
		t.Fatalf("payload source mismatch: %q", poster.lastBody.Data.Details.Source)
	}
}

func TestExecutor_TransientFailuresFollowBackoffSchedule(t *testing.T) {
	st := &execStore{
		lead:  routedLead(),
		buyer: domain.Buyer{ID: 9, DefaultWebhookURL: "https://buyer.example.com/hook"},
		offer: domain.Offer{ID: 20},
	}
	poster := &scriptedPoster{
		outcomes: []domain.DeliveryOutcome{domain.OutcomeTransientFailure, domain.OutcomeTransientFailure, domain.OutcomeSuccess},
		statuses: []int{503, 503, 200},
	}
	ex := newExecutor(st, poster)
	msg := deliveryMsg(t, 1)

	disp, _ := ex.Handle(context.Background(), msg)
	if !disp.Requeue || disp.Delay != 5*time.Second {
		t.Fatalf("after attempt 1 expected 5s requeue, got %+v", disp)
	}
	disp, _ = ex.Handle(context.Background(), msg)
	if !disp.Requeue || disp.Delay != 15*time.Second {
		t.Fatalf("after attempt 2 expected 15s requeue, got %+v", disp)
	}
	disp, _ = ex.Handle(context.Background(), msg)
	if disp.Requeue {
		t.Fatalf("attempt 3 succeeded, expected ack, got %+v", disp)
	}

	if len(st.attempts) != 3 {
		t.Fatalf("expected 3 attempt rows, got %d", len(st.attempts))
	}
	wantOutcomes := []domain.DeliveryOutcome{domain.OutcomeTransientFailure, domain.OutcomeTransientFailure, domain.OutcomeSuccess}
	for i, att := range st.attempts {
		if att.Outcome != wantOutcomes[i] || att.AttemptNumber != i+1 {
			t.Fatalf("attempt %d wrong: %+v", i+1, att)
		}
	}
	if st.lead.Status != domain.LeadDelivered {
		t.Fatalf("expected delivered after third attempt, got %s", st.lead.Status)
	}
}

func TestExecutor_RetryExhaustedLeavesLeadRouted(t *testing.T) {
	st := &execStore{
		lead:  routedLead(),
		buyer: domain.Buyer{ID: 9, DefaultWebhookURL: "https://buyer.example.com/hook"},
		offer: domain.Offer{ID: 20},
	}
	poster := &scriptedPoster{outcomes: []domain.DeliveryOutcome{domain.OutcomeTransientFailure}, statuses: []int{503}}
	ex := newExecutor(st, poster)
	msg := deliveryMsg(t, 1)

	var disp pq.Disposition
	for i := 0; i < 3; i++ {
		disp, _ = ex.Handle(context.Background(), msg)
	}
	if disp.Requeue {
		t.Fatalf("third failure must exhaust retries, got %+v", disp)
	}
	if st.lead.Status != domain.LeadRouted {
		t.Fatalf("exhausted lead stays routed for operator replay, got %s", st.lead.Status)
	}
	if len(st.attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(st.attempts))
	}
}

func TestExecutor_PermanentFailureDoesNotRetry(t *testing.T) {
	st := &execStore{
		lead:  routedLead(),
		buyer: domain.Buyer{ID: 9, DefaultWebhookURL: "https://buyer.example.com/hook"},
		offer: domain.Offer{ID: 20},
	}
	poster := &scriptedPoster{outcomes: []domain.DeliveryOutcome{domain.OutcomePermanentFailure}, statuses: []int{422}}
	ex := newExecutor(st, poster)

	disp, _ := ex.Handle(context.Background(), deliveryMsg(t, 1))
	if disp.Requeue || disp.DeadLetter {
		t.Fatalf("permanent failure must ack, got %+v", disp)
	}
	if st.lead.Status != domain.LeadRouted {
		t.Fatalf("lead must not transition on permanent failure, got %s", st.lead.Status)
	}
}

func TestExecutor_NoChannelIsTerminal(t *testing.T) {
	st := &execStore{
		lead:  routedLead(),
		buyer: domain.Buyer{ID: 9}, // no webhook URL anywhere
		offer: domain.Offer{ID: 20},
	}
	poster := &scriptedPoster{outcomes: []domain.DeliveryOutcome{domain.OutcomeSuccess}, statuses: []int{200}}
	ex := newExecutor(st, poster)

	disp, _ := ex.Handle(context.Background(), deliveryMsg(t, 1))
	if disp.Requeue {
		t.Fatalf("no_channel must not retry, got %+v", disp)
	}
	if poster.calls != 0 {
		t.Fatal("no HTTP attempt may be made without a webhook URL")
	}
	if len(st.attempts) != 1 || st.attempts[0].Outcome != domain.OutcomePermanentFailure || st.attempts[0].LastError != "no_channel" {
		t.Fatalf("expected recorded no_channel permanent failure, got %+v", st.attempts)
	}
}

func TestExecutor_AlreadyDeliveredIsNoOpAck(t *testing.T) {
	lead := routedLead()
	lead.Status = domain.LeadDelivered
	st := &execStore{lead: lead, offer: domain.Offer{ID: 20}}
	poster := &scriptedPoster{outcomes: []domain.DeliveryOutcome{domain.OutcomeSuccess}, statuses: []int{200}}
	ex := newExecutor(st, poster)

	disp, err := ex.Handle(context.Background(), deliveryMsg(t, 1))
	if err != nil || disp.Requeue {
		t.Fatalf("expected silent ack, got %+v %v", disp, err)
	}
	if poster.calls != 0 || len(st.attempts) != 0 {
		t.Fatal("already-delivered lead must not produce attempts")
	}
}

func TestExecutor_BuyerOfferOverridesWin(t *testing.T) {
	override := "https://override.example.com/hook"
	secret := "override-secret"
	price := 42.5
	defaultPrice := 10.0
	st := &execStore{
		lead:  routedLead(),
		buyer: domain.Buyer{ID: 9, DefaultWebhookURL: "https://default.example.com", DefaultSecret: "d"},
		offer: domain.Offer{ID: 20, DefaultPrice: &defaultPrice},
		bo:    &domain.BuyerOffer{BuyerID: 9, OfferID: 20, WebhookURLOverride: &override, SecretOverride: &secret, Price: &price},
	}
	poster := &scriptedPoster{outcomes: []domain.DeliveryOutcome{domain.OutcomeSuccess}, statuses: []int{200}}
	ex := newExecutor(st, poster)

	if _, err := ex.Handle(context.Background(), deliveryMsg(t, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if poster.lastCfg.URL != override || poster.lastCfg.Secret != secret {
		t.Fatalf("expected overrides to win, got %+v", poster.lastCfg)
	}
	if poster.lastBody.Data.Metadata.Price == nil || *poster.lastBody.Data.Metadata.Price != 42.5 {
		t.Fatalf("expected BuyerOffer price override, got %+v", poster.lastBody.Data.Metadata.Price)
	}
}

func TestPayload_WireShape(t *testing.T) {
	price := 25.0
	lead := routedLead()
	payload := NewPayload(lead, "aus-plb-v1", 9, &price, time.Unix(1700000100, 0).UTC())
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event"] != "lead.delivered" {
		t.Fatalf("expected event lead.delivered, got %v", decoded["event"])
	}
	data := decoded["data"].(map[string]any)
	if data["idempotency"] != lead.IdempotencyKey {
		t.Fatalf("idempotency mismatch: %v", data["idempotency"])
	}
	contact := data["contact"].(map[string]any)
	if contact["postal_code"] != "78701" {
		t.Fatalf("contact postal mismatch: %v", contact)
	}
	meta := data["metadata"].(map[string]any)
	if meta["buyer_id"].(float64) != 9 {
		t.Fatalf("metadata buyer mismatch: %v", meta)
	}
}
