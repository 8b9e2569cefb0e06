package attestation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type flakyRoots struct {
	failures int
	err      error
	calls    int
}

func (f *flakyRoots) MerkleRoot(_ context.Context, round uint64) (common.Hash, error) {
	f.calls++
	if f.calls <= f.failures {
		return common.Hash{}, f.err
	}
	return common.BigToHash(common.Big1), nil
}

func recordingRetry(src RootSource, policy RetryPolicy) (*RetryingRoots, *[]string, *[]time.Duration) {
	var results []string
	var waits []time.Duration
	r := &RetryingRoots{
		Roots:   src,
		Policy:  policy,
		Observe: func(res string) { results = append(results, res) },
		sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}
	return r, &results, &waits
}

func TestRetryingRootsRecovers(t *testing.T) {
	src := &flakyRoots{failures: 3, err: errors.New("connection reset")}
	r, results, waits := recordingRetry(src, RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        300 * time.Millisecond,
		BackoffMultiplier: 2,
	})

	root, err := r.MerkleRoot(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, common.BigToHash(common.Big1), root)
	require.Equal(t, 4, src.calls)
	require.Equal(t, []string{"retry", "retry", "retry", "success"}, *results)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, *waits)
}

func TestRetryingRootsGivesUp(t *testing.T) {
	src := &flakyRoots{failures: 10, err: errors.New("503")}
	r, results, _ := recordingRetry(src, RetryPolicy{MaxAttempts: 2})

	_, err := r.MerkleRoot(context.Background(), 3)
	require.Error(t, err)
	require.Equal(t, 2, src.calls)
	require.Equal(t, []string{"retry", "failed"}, *results)
}

func TestRetryingRootsStopsOnPermanentErrors(t *testing.T) {
	src := &flakyRoots{failures: 10, err: ErrInvalidProof}
	r, results, _ := recordingRetry(src, RetryPolicy{MaxAttempts: 5})
	_, err := r.MerkleRoot(context.Background(), 3)
	require.ErrorIs(t, err, ErrInvalidProof)
	require.Equal(t, 1, src.calls)
	require.Equal(t, []string{"failed"}, *results)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src = &flakyRoots{failures: 10, err: errors.New("dial tcp")}
	r, _, _ = recordingRetry(src, RetryPolicy{MaxAttempts: 5})
	_, err = r.MerkleRoot(ctx, 3)
	require.Error(t, err)
	require.Equal(t, 1, src.calls)
}
