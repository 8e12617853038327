// Package audit builds tamper-evident event envelopes for the pipeline's
// audit trail: duplicate-detection decisions, Lead state transitions,
// routing decisions, and delivery outcomes. Events hash-chain per lead over canonical JSON
// bytes, so any retroactive edit to a lead's history breaks the chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventDuplicateDetected  EventType = "lead.duplicate_detected"
	EventStatusTransitioned EventType = "lead.status_transitioned"
	EventRoutingDecision    EventType = "lead.routing_decision"
	EventDeliveryOutcome    EventType = "lead.delivery_outcome"
)

// Event is the audit envelope persisted alongside a Lead. Hash chains per
// lead: PrevHash is the previous audit row's Hash for the same LeadID, or
// empty for the first event.
type Event struct {
	LeadID   int64           `json:"lead_id"`
	Type     EventType       `json:"type"`
	Occurred time.Time       `json:"occurred"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	PrevHash string          `json:"prev_hash,omitempty"`
	Hash     string          `json:"hash,omitempty"`
}

var (
	ErrEmptyLeadID   = errors.New("audit: lead_id is required")
	ErrEmptyType     = errors.New("audit: type is required")
	ErrEmptyOccurred = errors.New("audit: occurred time is required")
)

func (e Event) Validate() error {
	if e.LeadID == 0 {
		return ErrEmptyLeadID
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return ErrEmptyType
	}
	if e.Occurred.IsZero() {
		return ErrEmptyOccurred
	}
	return nil
}

// canonicalBytes returns deterministic JSON for hashing; Hash itself is
// excluded since it would be self-referential.
func (e Event) canonicalBytes() ([]byte, error) {
	canon := struct {
		LeadID   int64           `json:"lead_id"`
		Type     EventType       `json:"type"`
		Occurred string          `json:"occurred"`
		Payload  json.RawMessage `json:"payload,omitempty"`
		PrevHash string          `json:"prev_hash,omitempty"`
	}{
		LeadID:   e.LeadID,
		Type:     e.Type,
		Occurred: e.Occurred.UTC().Format(time.RFC3339Nano),
		Payload:  e.Payload,
		PrevHash: strings.TrimSpace(strings.ToLower(e.PrevHash)),
	}
	return json.Marshal(canon)
}

// New builds a validated, hash-chained Event. prevHash is the chain's
// current tip for leadID (empty for the first event on that lead).
func New(leadID int64, typ EventType, occurred time.Time, payload any, prevHash string) (Event, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("audit: marshal payload: %w", err)
		}
		raw = b
	}
	e := Event{
		LeadID:   leadID,
		Type:     typ,
		Occurred: occurred.UTC(),
		Payload:  raw,
		PrevHash: strings.TrimSpace(strings.ToLower(prevHash)),
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	b, err := e.canonicalBytes()
	if err != nil {
		return Event{}, err
	}
	sum := sha256.Sum256(b)
	e.Hash = hex.EncodeToString(sum[:])
	return e, nil
}
