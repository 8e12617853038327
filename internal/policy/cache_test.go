package policy

import (
	"context"
	"testing"
	"time"
)

type fakeValidationLoader struct {
	calls int
	raw   []byte
}

func (f *fakeValidationLoader) LoadValidationPolicy(ctx context.Context, id int64) (int, []byte, error) {
	f.calls++
	return 1, f.raw, nil
}

func TestCache_Validation_HitsWithinTTL(t *testing.T) {
	loader := &fakeValidationLoader{raw: []byte(`{"required_fields":["email"]}`)}
	c := NewCache(time.Minute)
	now := time.Unix(1000, 0)

	if _, err := c.Validation(context.Background(), loader, 7, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Validation(context.Background(), loader, 7, now.Add(time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected 1 loader call, got %d", loader.calls)
	}
}

func TestCache_Validation_RefetchesAfterTTL(t *testing.T) {
	loader := &fakeValidationLoader{raw: []byte(`{"required_fields":["email"]}`)}
	c := NewCache(time.Second)
	now := time.Unix(1000, 0)

	if _, err := c.Validation(context.Background(), loader, 7, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Validation(context.Background(), loader, 7, now.Add(2*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loader.calls != 2 {
		t.Fatalf("expected 2 loader calls after TTL expiry, got %d", loader.calls)
	}
}

func TestCache_Invalidate_ForcesRefetch(t *testing.T) {
	loader := &fakeValidationLoader{raw: []byte(`{"required_fields":["email"]}`)}
	c := NewCache(time.Minute)
	now := time.Unix(1000, 0)

	if _, err := c.Validation(context.Background(), loader, 7, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Invalidate(7)
	if _, err := c.Validation(context.Background(), loader, 7, now.Add(time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loader.calls != 2 {
		t.Fatalf("expected 2 loader calls after invalidate, got %d", loader.calls)
	}
}
