package audit

import (
	"context"
	"time"
)

// Sink is where chained events land; internal/store implements it.
type Sink interface {
	LastHash(ctx context.Context, leadID int64) (string, error)
	AppendEvent(ctx context.Context, ev Event) error
}

// Recorder reads the chain tip and appends one event. Audit failures are
// surfaced to the caller but are expected to be logged-and-continued:
// losing an audit row must never fail a lead's pipeline step.
type Recorder struct {
	Sink  Sink
	Clock func() time.Time
}

func (r Recorder) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r Recorder) Record(ctx context.Context, leadID int64, typ EventType, payload any) error {
	prev, err := r.Sink.LastHash(ctx, leadID)
	if err != nil {
		return err
	}
	ev, err := New(leadID, typ, r.now(), payload, prev)
	if err != nil {
		return err
	}
	return r.Sink.AppendEvent(ctx, ev)
}

// Transition records a status change in the standard payload shape.
func (r Recorder) Transition(ctx context.Context, leadID int64, from, to, reason string) error {
	payload := map[string]string{"from": from, "to": to}
	if reason != "" {
		payload["reason"] = reason
	}
	return r.Record(ctx, leadID, EventStatusTransitioned, payload)
}
