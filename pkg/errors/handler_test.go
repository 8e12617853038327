package errors

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestNewEnvelope_KnownCodeCarriesMeta(t *testing.T) {
	env := NewEnvelope(ClassificationAmbiguousSourceMapping, "two sources tie", "req_1", "", nil)
	if env.Detail.Code != ClassificationAmbiguousSourceMapping {
		t.Fatalf("code lost: %+v", env.Detail)
	}
	if env.Detail.Kind != "client" || env.Detail.Retryable {
		t.Fatalf("meta mismatch: %+v", env.Detail)
	}
	if HTTPStatusFor(ClassificationAmbiguousSourceMapping) != 409 {
		t.Fatalf("ambiguous mapping must map to 409")
	}
}

func TestNewEnvelope_UnknownCodeFallsBackToInternal(t *testing.T) {
	env := NewEnvelope(Code("does.not.exist"), "boom", "", "", nil)
	if env.Detail.Code != Internal {
		t.Fatalf("expected internal fallback, got %v", env.Detail.Code)
	}
}

func TestNewEnvelope_DetailsAreSortedAndBounded(t *testing.T) {
	env := NewEnvelope(InputInvalid, "bad", "", "", map[string]any{
		"zeta":  "1",
		"alpha": 2,
	})
	if len(env.Detail.Details) != 2 {
		t.Fatalf("expected 2 details, got %+v", env.Detail.Details)
	}
	if env.Detail.Details[0].K != "alpha" || env.Detail.Details[1].K != "zeta" {
		t.Fatalf("details must be sorted: %+v", env.Detail.Details)
	}
}

func TestWriteHTTP_WireShapeUsesDetailKey(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, 400, NewEnvelope(InputInvalid, "missing field", "req_9", "", nil))

	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["detail"]; !ok {
		t.Fatalf("expected top-level detail key, got %s", rec.Body.String())
	}
}

func TestRegistry_EveryCodeHasStatus(t *testing.T) {
	for _, code := range List() {
		meta, ok := Meta(code)
		if !ok || meta.HTTPStatus == 0 {
			t.Fatalf("code %s lacks metadata", code)
		}
	}
}
