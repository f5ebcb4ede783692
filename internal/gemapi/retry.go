package gemapi

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/MarkoPoloResearchLab/gemledger/pkg/ledger"
)

const maxBackoffShift = 20

// retryOnConflict reruns operation while it fails with a concurrency conflict,
// sleeping with exponential backoff and full jitter between attempts.
func retryOnConflict[T any](ctx context.Context, attempts int, baseDelay time.Duration, operation func(context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		result, err = operation(ctx)
		if err == nil || !ledger.IsRetryable(err) || attempt == attempts-1 {
			return result, err
		}
		timer := time.NewTimer(fullJitter(exponentialDelay(baseDelay, attempt)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
	}
	return result, err
}

func exponentialDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return base * time.Duration(int64(1)<<attempt)
}

func fullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay)))
}
