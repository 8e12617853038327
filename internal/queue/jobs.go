package queue

import (
	"encoding/json"
	"fmt"
	"time"

	pq "github.com/leadforge/core/pkg/queue"
)

// Queue names. Routing and delivery are separate queues so their worker
// pools scale independently.
const (
	RouteQueue    pq.QueueName = "lead.route"
	DeliveryQueue pq.QueueName = "lead.deliver"
)

const (
	routeJobType    = "lead.route"
	deliveryJobType = "lead.deliver"
)

// RouteJob asks a route worker to run the Router over a validated Lead.
type RouteJob struct {
	LeadID     int64     `json:"lead_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeliveryJob asks a delivery worker to attempt the webhook for a routed
// Lead. No mutable lead data is embedded; the executor re-reads
// authoritative state.
type DeliveryJob struct {
	LeadID            int64     `json:"lead_id"`
	AttemptNumberHint int       `json:"attempt_number_hint"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
}

func NewRouteEnvelope(job RouteJob) (pq.Envelope, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return pq.Envelope{}, fmt.Errorf("queue: marshal route job: %w", err)
	}
	return pq.Envelope{
		Type:       routeJobType,
		ProducedAt: job.EnqueuedAt,
		DedupKey:   fmt.Sprintf("route:%d", job.LeadID),
		Payload:    body,
	}, nil
}

func NewDeliveryEnvelope(job DeliveryJob) (pq.Envelope, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return pq.Envelope{}, fmt.Errorf("queue: marshal delivery job: %w", err)
	}
	return pq.Envelope{
		Type:       deliveryJobType,
		ProducedAt: job.EnqueuedAt,
		DedupKey:   fmt.Sprintf("deliver:%d", job.LeadID),
		Payload:    body,
	}, nil
}

func DecodeRouteJob(env pq.Envelope) (RouteJob, error) {
	var job RouteJob
	if env.Type != routeJobType {
		return RouteJob{}, fmt.Errorf("%w: unexpected type %q", pq.ErrInvalid, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		return RouteJob{}, fmt.Errorf("%w: route job payload: %v", pq.ErrInvalid, err)
	}
	if job.LeadID == 0 {
		return RouteJob{}, fmt.Errorf("%w: route job missing lead_id", pq.ErrInvalid)
	}
	return job, nil
}

func DecodeDeliveryJob(env pq.Envelope) (DeliveryJob, error) {
	var job DeliveryJob
	if env.Type != deliveryJobType {
		return DeliveryJob{}, fmt.Errorf("%w: unexpected type %q", pq.ErrInvalid, env.Type)
	}
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		return DeliveryJob{}, fmt.Errorf("%w: delivery job payload: %v", pq.ErrInvalid, err)
	}
	if job.LeadID == 0 {
		return DeliveryJob{}, fmt.Errorf("%w: delivery job missing lead_id", pq.ErrInvalid)
	}
	return job, nil
}
