package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	pq "github.com/leadforge/core/pkg/queue"
)

type memItem struct {
	id          int64
	env         pq.Envelope
	availableAt time.Time
	lockedUntil time.Time
	receipt     string
}

// MemQueue is an in-process implementation of pq.Queue used by tests and
// by cmd binaries run without a database.
// Unlike a bare channel it honors visibility timeouts, so redelivery
// semantics match the durable backend.
type MemQueue struct {
	mu    sync.Mutex
	items map[pq.QueueName][]*memItem
	seq   int64
	clock func() time.Time
}

func NewMemQueue() *MemQueue {
	return &MemQueue{
		items: make(map[pq.QueueName][]*memItem),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemQueue) Enqueue(ctx context.Context, name pq.QueueName, env pq.Envelope) error {
	return q.EnqueueBatch(ctx, name, []pq.Envelope{env})
}

func (q *MemQueue) EnqueueBatch(ctx context.Context, name pq.QueueName, envs []pq.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	for _, env := range envs {
		norm, err := pq.NormalizeEnvelope(env)
		if err != nil {
			return err
		}
		if norm.ProducedAt.IsZero() {
			norm.ProducedAt = now
		}
		q.seq++
		q.items[name] = append(q.items[name], &memItem{id: q.seq, env: norm, availableAt: now})
	}
	return nil
}

func (q *MemQueue) Dequeue(ctx context.Context, name pq.QueueName, pollTimeout, visibilityTimeout time.Duration) (pq.DequeueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	for _, it := range q.items[name] {
		if it.receipt != "" && now.Before(it.lockedUntil) {
			continue
		}
		if now.Before(it.availableAt) {
			continue
		}
		it.receipt = newReceipt()
		it.lockedUntil = now.Add(visibilityTimeout)
		it.env.Attempt++
		it.env.VisibilityDeadline = it.lockedUntil
		return pq.DequeueResult{Env: it.env, Receipt: fmt.Sprintf("%d:%s", it.id, it.receipt)}, nil
	}
	return pq.DequeueResult{}, pq.ErrEmpty
}

func (q *MemQueue) Ack(ctx context.Context, name pq.QueueName, receipt string) error {
	id, tok, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.items[name]
	for i, it := range list {
		if it.id == id && it.receipt == tok {
			q.items[name] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return pq.ErrInvalid
}

func (q *MemQueue) Nack(ctx context.Context, name pq.QueueName, receipt string, delay time.Duration) error {
	id, tok, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items[name] {
		if it.id == id && it.receipt == tok {
			it.receipt = ""
			it.availableAt = q.clock().Add(delay)
			return nil
		}
	}
	return pq.ErrInvalid
}

func (q *MemQueue) NackWithDeadLetter(ctx context.Context, name pq.QueueName, receipt string, delay time.Duration, reason string) error {
	id, tok, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.items[name]
	for i, it := range list {
		if it.id == id && it.receipt == tok {
			it.env.Headers = map[string]string{"dlq_reason": reason}
			q.items[name] = append(list[:i], list[i+1:]...)
			q.seq++
			it.id = q.seq
			it.receipt = ""
			it.availableAt = q.clock()
			q.items[pq.QueueName(string(name)+".dlq")] = append(q.items[pq.QueueName(string(name)+".dlq")], it)
			return nil
		}
	}
	return pq.ErrInvalid
}

func (q *MemQueue) ExtendVisibility(ctx context.Context, name pq.QueueName, receipt string, visibilityTimeout time.Duration) error {
	id, tok, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items[name] {
		if it.id == id && it.receipt == tok {
			it.lockedUntil = q.clock().Add(visibilityTimeout)
			return nil
		}
	}
	return pq.ErrInvalid
}

var _ pq.Queue = (*MemQueue)(nil)
