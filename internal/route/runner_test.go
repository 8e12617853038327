package route

import (
	"context"
	"testing"
	"time"

	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/policy"
	"github.com/leadforge/core/internal/queue"
	pq "github.com/leadforge/core/pkg/queue"
)

type runnerStore struct {
	lead       domain.Lead
	candidates []Candidate
	exclusive  *int64
	markedWith *int64
}

func (s *runnerStore) GetLead(ctx context.Context, id int64) (domain.Lead, error) {
	if id != s.lead.ID {
		return domain.Lead{}, domain.ErrNotFound
	}
	return s.lead, nil
}

func (s *runnerStore) OfferByID(ctx context.Context, id int64) (domain.Offer, error) {
	return domain.Offer{ID: id, RoutingPolicyID: 6}, nil
}

func (s *runnerStore) RoutingCandidates(ctx context.Context, lead domain.Lead, now time.Time) ([]Candidate, error) {
	return s.candidates, nil
}

func (s *runnerStore) Exclusivity(ctx context.Context, lead domain.Lead) (*int64, error) {
	return s.exclusive, nil
}

func (s *runnerStore) MarkRouted(ctx context.Context, leadID, buyerID int64) (bool, error) {
	if s.lead.Status != domain.LeadValidated {
		return false, nil
	}
	s.lead.Status = domain.LeadRouted
	s.lead.BuyerID = &buyerID
	s.markedWith = &buyerID
	return true, nil
}

type routingLoader struct{ raw []byte }

func (l routingLoader) LoadRoutingPolicy(ctx context.Context, id int64) (int, []byte, error) {
	return 1, l.raw, nil
}

func validatedLead() domain.Lead {
	return domain.Lead{ID: 1, OfferID: 20, MarketID: 1, Status: domain.LeadValidated, PostalCode: "78701"}
}

func routeMsg(t *testing.T, leadID int64) pq.DequeueResult {
	t.Helper()
	env, err := queue.NewRouteEnvelope(queue.RouteJob{LeadID: leadID, EnqueuedAt: time.Unix(1700000000, 0)})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return pq.DequeueResult{Env: env, Receipt: "r"}
}

func newRunner(st *runnerStore, mq *queue.MemQueue) *Runner {
	return &Runner{
		Store:    st,
		Policies: policy.NewCache(time.Minute),
		Loader:   routingLoader{raw: []byte(`{"strategy":"priority","exclusivity_behavior":"fail_closed"}`)},
		Producer: mq,
		Clock:    func() time.Time { return time.Unix(1700000050, 0).UTC() },
	}
}

func TestRunner_RoutesAndEnqueuesDelivery(t *testing.T) {
	st := &runnerStore{
		lead: validatedLead(),
		candidates: []Candidate{
			{BuyerOfferID: 1, BuyerID: 9, Active: true, RoutingPriority: 3, ServiceAreaMatch: true},
		},
	}
	mq := queue.NewMemQueue()
	r := newRunner(st, mq)

	disp, err := r.Handle(context.Background(), routeMsg(t, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disp.Requeue || disp.DeadLetter {
		t.Fatalf("expected ack, got %+v", disp)
	}
	if st.markedWith == nil || *st.markedWith != 9 {
		t.Fatalf("expected buyer 9 assigned, got %v", st.markedWith)
	}

	msg, err := mq.Dequeue(context.Background(), queue.DeliveryQueue, 0, time.Second)
	if err != nil {
		t.Fatalf("expected a delivery job: %v", err)
	}
	job, err := queue.DecodeDeliveryJob(msg.Env)
	if err != nil || job.LeadID != 1 {
		t.Fatalf("delivery job mismatch: %+v err=%v", job, err)
	}
}

func TestRunner_NoEligibleBuyerLeavesLeadValidated(t *testing.T) {
	st := &runnerStore{lead: validatedLead()}
	mq := queue.NewMemQueue()
	r := newRunner(st, mq)

	disp, err := r.Handle(context.Background(), routeMsg(t, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if disp.Requeue {
		t.Fatalf("no_route must ack, got %+v", disp)
	}
	if st.lead.Status != domain.LeadValidated {
		t.Fatalf("lead must stay validated, got %s", st.lead.Status)
	}
	if _, err := mq.Dequeue(context.Background(), queue.DeliveryQueue, 0, time.Second); err != pq.ErrEmpty {
		t.Fatal("no delivery job may be enqueued without a route")
	}
}

func TestRunner_ExclusivityFailClosed(t *testing.T) {
	holder := int64(99) // not among eligible candidates
	st := &runnerStore{
		lead: validatedLead(),
		candidates: []Candidate{
			{BuyerOfferID: 1, BuyerID: 9, Active: true, RoutingPriority: 3, ServiceAreaMatch: true},
		},
		exclusive: &holder,
	}
	mq := queue.NewMemQueue()
	r := newRunner(st, mq)

	disp, err := r.Handle(context.Background(), routeMsg(t, 1))
	if err != nil || disp.Requeue {
		t.Fatalf("fail-closed must ack, got %+v %v", disp, err)
	}
	if st.lead.Status != domain.LeadValidated {
		t.Fatalf("lead must stay validated under fail_closed, got %s", st.lead.Status)
	}
}

func TestRunner_AlreadyRoutedReenqueuesDelivery(t *testing.T) {
	buyer := int64(9)
	lead := validatedLead()
	lead.Status = domain.LeadRouted
	lead.BuyerID = &buyer
	st := &runnerStore{lead: lead}
	mq := queue.NewMemQueue()
	r := newRunner(st, mq)

	disp, err := r.Handle(context.Background(), routeMsg(t, 1))
	if err != nil || disp.Requeue {
		t.Fatalf("expected ack, got %+v %v", disp, err)
	}
	// Redelivered routing jobs for an already-routed lead re-enqueue the
	// delivery job rather than dropping it.
	if _, err := mq.Dequeue(context.Background(), queue.DeliveryQueue, 0, time.Second); err != nil {
		t.Fatalf("expected re-enqueued delivery job: %v", err)
	}
}

func TestRunner_TerminalLeadIsDropped(t *testing.T) {
	lead := validatedLead()
	lead.Status = domain.LeadRejected
	st := &runnerStore{lead: lead}
	mq := queue.NewMemQueue()
	r := newRunner(st, mq)

	disp, err := r.Handle(context.Background(), routeMsg(t, 1))
	if err != nil || disp.Requeue || disp.DeadLetter {
		t.Fatalf("expected plain ack for terminal lead, got %+v %v", disp, err)
	}
}

func TestRunner_MalformedJobDeadLetters(t *testing.T) {
	st := &runnerStore{lead: validatedLead()}
	r := newRunner(st, queue.NewMemQueue())

	disp, err := r.Handle(context.Background(), pq.DequeueResult{Env: pq.Envelope{Type: "garbage"}})
	if err == nil || !disp.DeadLetter {
		t.Fatalf("expected dead-letter for malformed job, got %+v %v", disp, err)
	}
}
