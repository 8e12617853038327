package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scriptedConsumer hands out one message, then reports empty; it records
// how the lease was settled.
type scriptedConsumer struct {
	mu        sync.Mutex
	served    bool
	acked     []string
	nacked    []string
	nackDelay time.Duration
	dlq       []string
}

func (c *scriptedConsumer) Dequeue(ctx context.Context, q QueueName, pollTimeout, visibilityTimeout time.Duration) (DequeueResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.served {
		return DequeueResult{}, ErrEmpty
	}
	c.served = true
	return DequeueResult{Env: Envelope{Type: "job", Attempt: 1}, Receipt: "r1"}, nil
}

func (c *scriptedConsumer) Ack(ctx context.Context, q QueueName, receipt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, receipt)
	return nil
}

func (c *scriptedConsumer) Nack(ctx context.Context, q QueueName, receipt string, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked = append(c.nacked, receipt)
	c.nackDelay = delay
	return nil
}

func (c *scriptedConsumer) NackWithDeadLetter(ctx context.Context, q QueueName, receipt string, delay time.Duration, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dlq = append(c.dlq, reason)
	return nil
}

func (c *scriptedConsumer) ExtendVisibility(ctx context.Context, q QueueName, receipt string, visibilityTimeout time.Duration) error {
	return nil
}

func runBriefly(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)
}

func TestRunner_AckDisposition(t *testing.T) {
	c := &scriptedConsumer{}
	r, err := NewRunner(c, func(ctx context.Context, msg DequeueResult) (Disposition, error) {
		return Ack(), nil
	}, RunnerOptions{Queue: "q", Concurrency: 1, EmptyBackoffMin: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	runBriefly(t, r)
	if len(c.acked) != 1 {
		t.Fatalf("expected one ack, got %+v", c)
	}
}

func TestRunner_RetryDisposition(t *testing.T) {
	c := &scriptedConsumer{}
	r, _ := NewRunner(c, func(ctx context.Context, msg DequeueResult) (Disposition, error) {
		return Retry(5 * time.Second), nil
	}, RunnerOptions{Queue: "q", Concurrency: 1, EmptyBackoffMin: 10 * time.Millisecond})
	runBriefly(t, r)
	if len(c.nacked) != 1 || c.nackDelay != 5*time.Second {
		t.Fatalf("expected nack with 5s delay, got %+v", c)
	}
}

func TestRunner_DeadLetterDisposition(t *testing.T) {
	c := &scriptedConsumer{}
	r, _ := NewRunner(c, func(ctx context.Context, msg DequeueResult) (Disposition, error) {
		return DeadLetter("poison"), nil
	}, RunnerOptions{Queue: "q", Concurrency: 1, EmptyBackoffMin: 10 * time.Millisecond})
	runBriefly(t, r)
	if len(c.dlq) != 1 || c.dlq[0] != "poison" {
		t.Fatalf("expected dead-letter, got %+v", c)
	}
}

func TestNewRunner_Validation(t *testing.T) {
	if _, err := NewRunner(nil, func(ctx context.Context, m DequeueResult) (Disposition, error) { return Ack(), nil }, RunnerOptions{Queue: "q"}); err == nil {
		t.Fatal("expected error for nil consumer")
	}
	if _, err := NewRunner(&scriptedConsumer{}, nil, RunnerOptions{Queue: "q"}); err == nil {
		t.Fatal("expected error for nil handler")
	}
	if _, err := NewRunner(&scriptedConsumer{}, func(ctx context.Context, m DequeueResult) (Disposition, error) { return Ack(), nil }, RunnerOptions{}); err == nil {
		t.Fatal("expected error for missing queue name")
	}
}
