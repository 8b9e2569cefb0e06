package attestation

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticRoots struct {
	roots map[uint64]common.Hash
	calls int
}

func (s *staticRoots) MerkleRoot(_ context.Context, round uint64) (common.Hash, error) {
	s.calls++
	return s.roots[round], nil
}

func samplePayment(amount int64) *Payment {
	return &Payment{
		Header:  Header{VotingRound: 7, SourceID: SourceID("testBTC")},
		Request: PaymentRequest{TransactionID: common.HexToHash("0x01")},
		Response: PaymentResponse{
			BlockNumber:          100,
			BlockTimestamp:       1_700_000_000,
			ReceivingAddressHash: AddressHash("tb1qagent"),
			ReceivedAmount:       amount,
			SpentAmount:          amount,
			Status:               StatusSuccess,
		},
	}
}

func TestLeafHashDependsOnResponse(t *testing.T) {
	a, err := samplePayment(10).LeafHash()
	require.NoError(t, err)
	b, err := samplePayment(11).LeafHash()
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	again, err := samplePayment(10).LeafHash()
	require.NoError(t, err)
	require.Equal(t, a, again)

	nonPayment := &ReferencedPaymentNonexistence{Header: Header{VotingRound: 7}}
	c, err := nonPayment.LeafHash()
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	block := &ConfirmedBlockHeightExists{}
	_, err = block.LeafHash()
	require.NoError(t, err)
	bdt := &BalanceDecreasingTransaction{Response: BalanceDecreasingTransactionResponse{SpentAmount: -5}}
	_, err = bdt.LeafHash()
	require.NoError(t, err)
}

func TestMerkleProof(t *testing.T) {
	leaves := []common.Hash{common.HexToHash("0x0a"), common.HexToHash("0x0b"), common.HexToHash("0x0c")}
	root := MerkleRoot(leaves)

	// leaf 0: sibling leaf 1, then the promoted leaf 2
	require.True(t, VerifyMerkleProof([]common.Hash{leaves[1], leaves[2]}, root, leaves[0]))
	// leaf 2: sibling is the pair hash of 0 and 1
	require.True(t, VerifyMerkleProof([]common.Hash{HashPair(leaves[0], leaves[1])}, root, leaves[2]))
	require.False(t, VerifyMerkleProof([]common.Hash{leaves[2]}, root, leaves[0]))
	require.Equal(t, HashPair(leaves[0], leaves[1]), HashPair(leaves[1], leaves[0]))
}

func TestMockVerifier(t *testing.T) {
	ctx := context.Background()
	strict := NewMockVerifier(false)
	p := samplePayment(10)
	require.ErrorIs(t, strict.VerifyPayment(ctx, p), ErrInvalidProof)
	require.NoError(t, strict.Register(p))
	require.NoError(t, Verify(ctx, strict, p))
	require.ErrorIs(t, strict.VerifyPayment(ctx, samplePayment(11)), ErrInvalidProof)
	require.Equal(t, 3, strict.Calls())

	require.NoError(t, NewMockVerifier(true).VerifyPayment(ctx, samplePayment(99)))
}

func TestRelayVerifier(t *testing.T) {
	ctx := context.Background()
	p := samplePayment(10)
	leaf, err := p.LeafHash()
	require.NoError(t, err)
	other := common.HexToHash("0xbeef")
	p.MerkleProof = []common.Hash{other}

	roots := &staticRoots{roots: map[uint64]common.Hash{7: HashPair(leaf, other)}}
	v, err := NewRelayVerifier(roots, 16, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, v.VerifyPayment(ctx, p))
	require.NoError(t, v.VerifyPayment(ctx, p))
	require.Equal(t, 1, roots.calls)
	hits, misses := v.CacheStats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(1), misses)

	bad := samplePayment(11)
	bad.MerkleProof = []common.Hash{other}
	require.ErrorIs(t, v.VerifyPayment(ctx, bad), ErrInvalidProof)

	unfinalized := samplePayment(10)
	unfinalized.VotingRound = 8
	err = v.VerifyPayment(ctx, unfinalized)
	require.True(t, errors.Is(err, ErrRootNotAvailable))
}
