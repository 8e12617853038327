package telemetry

import (
	"context"
	"testing"
)

type capturingMeter struct {
	NopMeter
	counters map[string]int64
	labels   Labels
}

func (m *capturingMeter) IncCounter(ctx context.Context, name string, delta int64, labels Labels) error {
	if m.counters == nil {
		m.counters = map[string]int64{}
	}
	m.counters[name] += delta
	m.labels = labels
	return nil
}

func TestIncCounter_NormalizesLabels(t *testing.T) {
	m := &capturingMeter{}
	err := IncCounter(m, context.Background(), MetricLeadsIngested, 1, Labels{" Offer ": "plumbing-austin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.counters[MetricLeadsIngested] != 1 {
		t.Fatalf("counter not incremented: %+v", m.counters)
	}
	if m.labels["offer"] != "plumbing-austin" {
		t.Fatalf("label key not normalized: %+v", m.labels)
	}
}

func TestIncCounter_RejectsBadName(t *testing.T) {
	if err := IncCounter(&capturingMeter{}, context.Background(), "Bad Name!", 1, nil); err == nil {
		t.Fatal("expected invalid metric name to be rejected")
	}
}

func TestNormalizeLabels_RejectsHostileValue(t *testing.T) {
	if _, err := NormalizeLabels(Labels{"k": "line\nbreak"}); err == nil {
		t.Fatal("expected control characters to be rejected")
	}
}

func TestNormalizeLabels_CapsPairsDeterministically(t *testing.T) {
	in := Labels{}
	for _, k := range []string{"a", "b", "c"} {
		in[k] = "v"
	}
	out, err := NormalizeLabels(in)
	if err != nil || len(out) != 3 {
		t.Fatalf("expected all three labels, got %v %v", out, err)
	}

	big := Labels{}
	for i := 0; i < MaxLabelPairs+2; i++ {
		big[string(rune('a'+i))] = "v" // keys a..r
	}
	out, err = NormalizeLabels(big)
	if err != nil || len(out) != MaxLabelPairs {
		t.Fatalf("expected cap at %d labels, got %v %v", MaxLabelPairs, out, err)
	}
	if _, ok := out["r"]; ok {
		t.Fatalf("expected last sorted key dropped by the cap, got %v", out)
	}
}

func TestDeliveryLatencyBucketsAreValid(t *testing.T) {
	if err := validBuckets(DeliveryLatencyBuckets()); err != nil {
		t.Fatalf("default buckets invalid: %v", err)
	}
}

func TestNilMeterIsNoOp(t *testing.T) {
	if err := IncCounter(nil, context.Background(), MetricLeadsRouted, 1, nil); err != nil {
		t.Fatalf("nil meter must degrade to no-op, got %v", err)
	}
	if err := ObserveHistogram(nil, context.Background(), MetricDeliverySeconds, 0.2, DeliveryLatencyBuckets(), nil); err != nil {
		t.Fatalf("nil meter histogram must no-op, got %v", err)
	}
}
