package attestation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidProof         = errors.New("invalid attestation proof")
	ErrRootNotAvailable     = errors.New("merkle root not available for voting round")
	ErrUnsupportedProofKind = errors.New("unsupported proof kind")
)

// Verifier checks that an attested fact was finalized by the attestation layer.
type Verifier interface {
	VerifyPayment(ctx context.Context, p *Payment) error
	VerifyBalanceDecreasingTransaction(ctx context.Context, p *BalanceDecreasingTransaction) error
	VerifyConfirmedBlockHeightExists(ctx context.Context, p *ConfirmedBlockHeightExists) error
	VerifyReferencedPaymentNonexistence(ctx context.Context, p *ReferencedPaymentNonexistence) error
}

// Verify dispatches a proof to the matching Verifier method.
func Verify(ctx context.Context, v Verifier, p Proof) error {
	switch proof := p.(type) {
	case *Payment:
		return v.VerifyPayment(ctx, proof)
	case *BalanceDecreasingTransaction:
		return v.VerifyBalanceDecreasingTransaction(ctx, proof)
	case *ConfirmedBlockHeightExists:
		return v.VerifyConfirmedBlockHeightExists(ctx, proof)
	case *ReferencedPaymentNonexistence:
		return v.VerifyReferencedPaymentNonexistence(ctx, proof)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedProofKind, p)
	}
}

// MockVerifier accepts registered proofs, or all proofs when AcceptAll is set.
// It stands in for the relay in tests and local runs.
type MockVerifier struct {
	AcceptAll bool

	mu       sync.Mutex
	accepted map[common.Hash]struct{}
	calls    int
}

func NewMockVerifier(acceptAll bool) *MockVerifier {
	return &MockVerifier{AcceptAll: acceptAll, accepted: make(map[common.Hash]struct{})}
}

// Register marks the proof's leaf as finalized.
func (m *MockVerifier) Register(p Proof) error {
	leaf, err := p.LeafHash()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.accepted[leaf] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Calls returns how many proofs were checked.
func (m *MockVerifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockVerifier) check(p Proof) error {
	leaf, err := p.LeafHash()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.AcceptAll {
		return nil
	}
	if _, ok := m.accepted[leaf]; !ok {
		return fmt.Errorf("%w: %s leaf %s not registered", ErrInvalidProof, p.Kind(), leaf.Hex())
	}
	return nil
}

func (m *MockVerifier) VerifyPayment(_ context.Context, p *Payment) error {
	return m.check(p)
}

func (m *MockVerifier) VerifyBalanceDecreasingTransaction(_ context.Context, p *BalanceDecreasingTransaction) error {
	return m.check(p)
}

func (m *MockVerifier) VerifyConfirmedBlockHeightExists(_ context.Context, p *ConfirmedBlockHeightExists) error {
	return m.check(p)
}

func (m *MockVerifier) VerifyReferencedPaymentNonexistence(_ context.Context, p *ReferencedPaymentNonexistence) error {
	return m.check(p)
}

// HashPair hashes two nodes in sorted order, so proofs need no direction bits.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// VerifyMerkleProof folds the siblings into leaf and compares with root.
func VerifyMerkleProof(siblings []common.Hash, root, leaf common.Hash) bool {
	node := leaf
	for _, s := range siblings {
		node = HashPair(node, s)
	}
	return node == root
}

// MerkleRoot builds the sorted-pair tree over leaves. An odd node is promoted unchanged.
func MerkleRoot(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.Hash{}
	}
	level := append([]common.Hash(nil), leaves...)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, HashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}
