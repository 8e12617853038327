package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Disposition tells the Runner what to do with a leased message after the
// handler returns. The pipeline's handlers own retry decisions (the
// delivery executor computes its own backoff schedule), so the runner
// never second-guesses them.
type Disposition struct {
	// Requeue returns the message to the queue after Delay. When neither
	// Requeue nor DeadLetter is set the message is acked (removed)
	// regardless of handler outcome.
	Requeue bool
	Delay   time.Duration

	// DeadLetter moves the message aside instead of requeuing; Reason is
	// recorded on the dead-lettered envelope.
	DeadLetter bool
	Reason     string
}

// Ack is the common "done, remove it" disposition.
func Ack() Disposition { return Disposition{} }

// Retry requeues the message after delay.
func Retry(delay time.Duration) Disposition { return Disposition{Requeue: true, Delay: delay} }

// DeadLetter moves the message to the queue's DLQ.
func DeadLetter(reason string) Disposition { return Disposition{DeadLetter: true, Reason: reason} }

// Handler processes one leased message. A returned error with an Ack
// disposition is logged but still acked; a handler that wants the message
// back must say so via the disposition.
type Handler func(ctx context.Context, msg DequeueResult) (Disposition, error)

type Logger interface {
	Printf(format string, args ...any)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type RunnerOptions struct {
	Queue QueueName

	Concurrency int

	PollTimeout       time.Duration
	VisibilityTimeout time.Duration

	// Backoff applied between polls when the queue is empty, doubling from
	// Min up to Max and resetting on the next non-empty poll.
	EmptyBackoffMin time.Duration
	EmptyBackoffMax time.Duration

	HandlerTimeout time.Duration

	// MaxConsecutiveErrors aborts the worker loop when the backend itself
	// keeps failing (not when handlers fail).
	MaxConsecutiveErrors int

	Logger Logger
	Clock  Clock
}

// Runner drives N worker goroutines over a Consumer, leasing messages and
// applying handler dispositions. It drains gracefully on context
// cancellation: in-flight handlers finish, no new leases are taken.
type Runner struct {
	consumer Consumer
	handler  Handler
	opts     RunnerOptions
	clock    Clock
}

func NewRunner(consumer Consumer, handler Handler, opts RunnerOptions) (*Runner, error) {
	if consumer == nil {
		return nil, fmt.Errorf("%w: consumer is nil", ErrInvalid)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is nil", ErrInvalid)
	}
	if strings.TrimSpace(string(opts.Queue)) == "" {
		return nil, fmt.Errorf("%w: queue name required", ErrInvalid)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Concurrency > 256 {
		opts.Concurrency = 256
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.EmptyBackoffMin <= 0 {
		opts.EmptyBackoffMin = 200 * time.Millisecond
	}
	if opts.EmptyBackoffMax <= 0 {
		opts.EmptyBackoffMax = 5 * time.Second
	}
	if opts.EmptyBackoffMax < opts.EmptyBackoffMin {
		opts.EmptyBackoffMax = opts.EmptyBackoffMin
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = 25
	}
	clk := opts.Clock
	if clk == nil {
		clk = systemClock{}
	}
	return &Runner{consumer: consumer, handler: handler, opts: opts, clock: clk}, nil
}

// Run blocks until ctx is cancelled or a worker loop aborts on repeated
// backend errors.
func (r *Runner) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var wg sync.WaitGroup
	errCh := make(chan error, r.opts.Concurrency)
	for i := 0; i < r.opts.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			if err := r.workerLoop(ctx, workerID); err != nil &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded) {
				select {
				case errCh <- err:
				default:
				}
			}
		}(i + 1)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		<-done
		return ctx.Err()
	case err := <-errCh:
		<-done
		return err
	case <-done:
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, workerID int) error {
	logf := func(format string, args ...any) {
		if r.opts.Logger != nil {
			r.opts.Logger.Printf(format, args...)
		}
	}

	backoff := r.opts.EmptyBackoffMin
	consecutiveErrs := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := r.consumer.Dequeue(ctx, r.opts.Queue, r.opts.PollTimeout, r.opts.VisibilityTimeout)
		if err != nil {
			if errors.Is(err, ErrEmpty) {
				consecutiveErrs = 0
				if !sleepCtx(ctx, backoff) {
					return ctx.Err()
				}
				backoff *= 2
				if backoff > r.opts.EmptyBackoffMax {
					backoff = r.opts.EmptyBackoffMax
				}
				continue
			}
			consecutiveErrs++
			logf("queue=%s worker=%d dequeue error (%d consecutive): %v", r.opts.Queue, workerID, consecutiveErrs, err)
			if consecutiveErrs >= r.opts.MaxConsecutiveErrors {
				return fmt.Errorf("queue %s: %d consecutive dequeue errors: %w", r.opts.Queue, consecutiveErrs, err)
			}
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			continue
		}
		consecutiveErrs = 0
		backoff = r.opts.EmptyBackoffMin

		hctx := ctx
		var cancel context.CancelFunc
		if r.opts.HandlerTimeout > 0 {
			hctx, cancel = context.WithTimeout(ctx, r.opts.HandlerTimeout)
		}
		start := r.clock.Now()
		disp, herr := r.handler(hctx, msg)
		if cancel != nil {
			cancel()
		}
		if herr != nil {
			logf("queue=%s worker=%d handler error after %s: %v", r.opts.Queue, workerID, r.clock.Now().Sub(start), herr)
		}

		// Apply the disposition with a background-derived context so a
		// cancelled run still settles the lease it holds.
		ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		switch {
		case disp.DeadLetter:
			if err := r.consumer.NackWithDeadLetter(ackCtx, r.opts.Queue, msg.Receipt, 0, disp.Reason); err != nil {
				logf("queue=%s worker=%d dead-letter failed: %v", r.opts.Queue, workerID, err)
			}
		case disp.Requeue:
			if err := r.consumer.Nack(ackCtx, r.opts.Queue, msg.Receipt, disp.Delay); err != nil {
				logf("queue=%s worker=%d nack failed: %v", r.opts.Queue, workerID, err)
			}
		default:
			if err := r.consumer.Ack(ackCtx, r.opts.Queue, msg.Receipt); err != nil {
				logf("queue=%s worker=%d ack failed: %v", r.opts.Queue, workerID, err)
			}
		}
		ackCancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
