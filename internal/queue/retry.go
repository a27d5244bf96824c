// Copyright 2025 James Ross
package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// NextAttemptDelay computes the delay before a failed job's next attempt,
// per spec.md section 4.3. attempts is the job's attempts count *after*
// the failing claim was recorded (i.e. the value already on the job).
//
// This generalizes the teacher's internal/worker.backoff (a fixed
// exponential-with-cap formula) into the full policy the spec describes:
// a legacy no-jitter exponential default, and an opt-in fixed-or-backoff
// policy once any retry field is set. The fixed delay is returned as-is;
// only the backoff path applies full jitter.
func NextAttemptDelay(policy RetryPolicy, attempts int) time.Duration {
	if policy.IsZero() {
		// legacy formula: delayMs = 2^attempts * 60_000, no jitter.
		return time.Duration(math.Pow(2, float64(attempts))) * 60 * time.Second
	}

	base := 60 * time.Second
	if policy.RetryDelay != nil {
		base = time.Duration(*policy.RetryDelay) * time.Second
	}

	backoff := true
	if policy.RetryBackoff != nil {
		backoff = *policy.RetryBackoff
	}

	if !backoff {
		return base
	}

	delay := base * time.Duration(math.Pow(2, float64(attempts)))
	if policy.RetryDelayMax != nil {
		max := time.Duration(*policy.RetryDelayMax) * time.Second
		if delay > max {
			delay = max
		}
	}

	// full jitter in [delay/2, delay]
	half := delay / 2
	if half <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Int64N(int64(delay - half + 1)))
	return half + jitter
}
