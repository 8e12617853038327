package delivery

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"time"
)

// BackoffPolicy is the exponential retry schedule for webhook delivery.
// Delay is deterministic per (lead id, attempt) so a crashed worker that
// recomputes the next attempt time after a restart arrives at the same
// answer.
type BackoffPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterPct    float64
}

var ErrBackoffInvalid = errors.New("delivery: backoff policy invalid")

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:  8,
		InitialDelay: 30 * time.Second,
		MaxDelay:     30 * time.Minute,
		Multiplier:   2.0,
		JitterPct:    0.2,
	}
}

func (p BackoffPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max_attempts", ErrBackoffInvalid)
	}
	if p.InitialDelay <= 0 {
		return fmt.Errorf("%w: initial_delay", ErrBackoffInvalid)
	}
	if p.Multiplier < 1.0 {
		return fmt.Errorf("%w: multiplier", ErrBackoffInvalid)
	}
	if p.JitterPct < 0 || p.JitterPct >= 1.0 {
		return fmt.Errorf("%w: jitter_pct", ErrBackoffInvalid)
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return fmt.Errorf("%w: initial_delay > max_delay", ErrBackoffInvalid)
	}
	return nil
}

// Next returns the delay before attempt (1-based) should run, and whether
// another attempt is permitted at all. ok=false with reason
// "max_attempts_exceeded" signals the caller to record delivery.exhausted.
func (p BackoffPolicy) Next(leadID int64, attempt int) (delay time.Duration, ok bool, reason string) {
	if attempt <= 0 {
		return 0, false, "invalid_attempt"
	}
	if attempt > p.MaxAttempts {
		return 0, false, "max_attempts_exceeded"
	}
	if err := p.Validate(); err != nil {
		return 0, false, "invalid_policy"
	}

	exp := math.Pow(p.Multiplier, float64(attempt-1))
	raw := time.Duration(float64(p.InitialDelay) * exp)
	if p.MaxDelay > 0 && raw > p.MaxDelay {
		raw = p.MaxDelay
	}
	if p.JitterPct <= 0 {
		return raw, true, "ok"
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(leadID, 10)))
	_, _ = h.Write([]byte(":"))
	_, _ = h.Write([]byte(strconv.Itoa(attempt)))
	sum := h.Sum64()

	u := float64(sum%1_000_000) / 1_000_000.0
	x := (u * 2.0) - 1.0
	j := 1.0 + (x * p.JitterPct)

	jittered := time.Duration(float64(raw) * j)
	if jittered < 0 {
		jittered = 0
	}
	if p.MaxDelay > 0 && jittered > p.MaxDelay {
		jittered = p.MaxDelay
	}
	return jittered, true, "ok_jittered"
}
