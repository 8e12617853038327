package duplicate

import (
	"context"
	"testing"
	"time"

	"github.com/leadforge/core/internal/domain"
	"github.com/leadforge/core/internal/policy"
)

type fakeLookup struct {
	candidates []Candidate
}

func (f fakeLookup) FindCandidates(ctx context.Context, lead domain.Lead, dd policy.DuplicateDetection, now time.Time) ([]Candidate, error) {
	return f.candidates, nil
}

func emailPtr(s string) *string { return &s }

func TestCheck_DisabledIsNoOp(t *testing.T) {
	lead := domain.Lead{NormalizedEmail: emailPtr("a@b.com")}
	out, err := Check(context.Background(), fakeLookup{}, lead, nil, time.Now())
	if err != nil || out.IsDuplicate {
		t.Fatalf("expected no-op outcome, got %+v err=%v", out, err)
	}
}

func TestCheck_AnyModeMatchesOnOneKey(t *testing.T) {
	lead := domain.Lead{NormalizedEmail: emailPtr("a@b.com"), NormalizedPhone: emailPtr("5125550123")}
	lookup := fakeLookup{candidates: []Candidate{
		{LeadID: 5, CreatedAt: time.Unix(1000, 0), NormalizedEmail: "a@b.com", NormalizedPhone: "9995550000"},
	}}
	dd := &policy.DuplicateDetection{Enabled: true, MatchKeys: []string{"email", "phone"}, MatchMode: policy.MatchAny, Action: "reject"}
	out, err := Check(context.Background(), lookup, lead, dd, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsDuplicate || out.MatchedLeadID != 5 || out.Action != domain.DupActionReject {
		t.Fatalf("expected duplicate match on lead 5, got %+v", out)
	}
}

func TestCheck_AllModeRequiresEveryKey(t *testing.T) {
	lead := domain.Lead{NormalizedEmail: emailPtr("a@b.com"), NormalizedPhone: emailPtr("5125550123")}
	lookup := fakeLookup{candidates: []Candidate{
		{LeadID: 5, CreatedAt: time.Unix(1000, 0), NormalizedEmail: "a@b.com", NormalizedPhone: "9995550000"},
	}}
	dd := &policy.DuplicateDetection{Enabled: true, MatchKeys: []string{"email", "phone"}, MatchMode: policy.MatchAll, Action: "reject"}
	out, err := Check(context.Background(), lookup, lead, dd, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsDuplicate {
		t.Fatalf("expected no match under 'all' mode with one mismatched key, got %+v", out)
	}
}

func TestCheck_TieBreakPicksLatestThenHighestID(t *testing.T) {
	lead := domain.Lead{NormalizedEmail: emailPtr("a@b.com")}
	lookup := fakeLookup{candidates: []Candidate{
		{LeadID: 3, CreatedAt: time.Unix(1000, 0), NormalizedEmail: "a@b.com"},
		{LeadID: 9, CreatedAt: time.Unix(2000, 0), NormalizedEmail: "a@b.com"},
		{LeadID: 4, CreatedAt: time.Unix(2000, 0), NormalizedEmail: "a@b.com"},
	}}
	dd := &policy.DuplicateDetection{Enabled: true, MatchKeys: []string{"email"}, MatchMode: policy.MatchAny, Action: "flag"}
	out, err := Check(context.Background(), lookup, lead, dd, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.MatchedLeadID != 9 {
		t.Fatalf("expected tie-break to pick lead 9 (latest, then highest id), got %d", out.MatchedLeadID)
	}
}
