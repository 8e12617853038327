package audit

import (
	"testing"
	"time"
)

func TestNew_ProducesStableHashForSameInput(t *testing.T) {
	occurred := time.Unix(1700000000, 0)
	e1, err := New(42, EventDuplicateDetected, occurred, map[string]string{"matched_lead_id": "7"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e2, err := New(42, EventDuplicateDetected, occurred, map[string]string{"matched_lead_id": "7"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e1.Hash != e2.Hash {
		t.Fatalf("expected identical hash for identical input, got %q vs %q", e1.Hash, e2.Hash)
	}
}

func TestNew_DifferentPrevHashChangesHash(t *testing.T) {
	occurred := time.Unix(1700000000, 0)
	e1, _ := New(42, EventStatusTransitioned, occurred, nil, "")
	e2, _ := New(42, EventStatusTransitioned, occurred, nil, e1.Hash)
	if e1.Hash == e2.Hash {
		t.Fatal("expected chained event to produce a different hash")
	}
}

func TestNew_RejectsZeroLeadID(t *testing.T) {
	if _, err := New(0, EventStatusTransitioned, time.Now(), nil, ""); err == nil {
		t.Fatal("expected error for zero lead id")
	}
}
