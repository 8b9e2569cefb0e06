package attestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// RetryPolicy bounds how often and how patiently a root fetch is retried.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// RetryingRoots retries transient relay failures with exponential backoff.
// Observe, when set, receives "success", "retry" or "failed" per attempt.
type RetryingRoots struct {
	Roots   RootSource
	Policy  RetryPolicy
	Observe func(result string)
	Log     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func (r *RetryingRoots) observe(result string) {
	if r.Observe != nil {
		r.Observe(result)
	}
}

func (r *RetryingRoots) MerkleRoot(ctx context.Context, votingRound uint64) (common.Hash, error) {
	attempts := r.Policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := r.Policy.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for i := 1; i <= attempts; i++ {
		root, err := r.Roots.MerkleRoot(ctx, votingRound)
		if err == nil {
			r.observe("success")
			return root, nil
		}
		if !isRetryable(ctx, err) || i == attempts {
			r.observe("failed")
			return common.Hash{}, err
		}

		r.observe("retry")
		wait := backoff
		if r.Policy.MaxBackoff > 0 && wait > r.Policy.MaxBackoff {
			wait = r.Policy.MaxBackoff
		}
		if r.Log != nil {
			r.Log.Warn("relay root fetch failed, retrying",
				zap.Uint64("round", votingRound),
				zap.Int("attempt", i),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}
		if err := sleep(ctx, wait); err != nil {
			return common.Hash{}, err
		}
		if r.Policy.BackoffMultiplier > 1 {
			backoff *= time.Duration(r.Policy.BackoffMultiplier)
		}
	}
	return common.Hash{}, fmt.Errorf("exhausted retries")
}

func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrInvalidProof)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
