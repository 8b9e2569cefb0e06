package attestation

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const relayABI = `[{"inputs":[{"internalType":"uint256","name":"_protocolId","type":"uint256"},{"internalType":"uint256","name":"_votingRoundId","type":"uint256"}],"name":"merkleRoots","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"}]`

// RootSource returns the finalized Merkle root of a voting round, or the zero hash
// while the round is not finalized.
type RootSource interface {
	MerkleRoot(ctx context.Context, votingRound uint64) (common.Hash, error)
}

// EthRootSource reads roots from the relay contract over JSON-RPC.
type EthRootSource struct {
	client     *ethclient.Client
	contract   *bind.BoundContract
	protocolID *big.Int
}

type EthRootSourceConfig struct {
	RPCURL       string
	RelayAddress string
	ProtocolID   uint64
}

func NewEthRootSource(ctx context.Context, cfg EthRootSourceConfig) (*EthRootSource, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.RelayAddress) {
		return nil, fmt.Errorf("relay address is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(relayABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.RelayAddress)
	return &EthRootSource{
		client:     cli,
		contract:   bind.NewBoundContract(address, parsedABI, cli, cli, cli),
		protocolID: new(big.Int).SetUint64(cfg.ProtocolID),
	}, nil
}

func (s *EthRootSource) MerkleRoot(ctx context.Context, votingRound uint64) (common.Hash, error) {
	var out []interface{}
	err := s.contract.Call(&bind.CallOpts{Context: ctx}, &out, "merkleRoots", s.protocolID, new(big.Int).SetUint64(votingRound))
	if err != nil {
		return common.Hash{}, fmt.Errorf("merkleRoots call: %w", err)
	}
	if len(out) != 1 {
		return common.Hash{}, fmt.Errorf("merkleRoots: unexpected %d outputs", len(out))
	}
	root := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	return common.Hash(root), nil
}

func (s *EthRootSource) Ping(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := s.client.BlockNumber(ctx)
	return err
}

func (s *EthRootSource) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// RelayVerifier checks Merkle inclusion of proof leaves against relay roots.
// Verified leaves are cached; failures are not, since a round may finalize later.
type RelayVerifier struct {
	roots RootSource
	log   *zap.Logger
	cache *lru.Cache

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

func NewRelayVerifier(roots RootSource, cacheSize int, log *zap.Logger) (*RelayVerifier, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RelayVerifier{roots: roots, log: log, cache: cache}, nil
}

func (v *RelayVerifier) verify(ctx context.Context, p Proof) error {
	leaf, err := p.LeafHash()
	if err != nil {
		return err
	}
	if _, ok := v.cache.Get(leaf); ok {
		v.cacheHits.Add(1)
		return nil
	}
	v.cacheMisses.Add(1)

	root, err := v.roots.MerkleRoot(ctx, p.Round())
	if err != nil {
		return fmt.Errorf("fetch root for round %d: %w", p.Round(), err)
	}
	if root == (common.Hash{}) {
		return fmt.Errorf("%w: round %d", ErrRootNotAvailable, p.Round())
	}
	if !VerifyMerkleProof(p.Siblings(), root, leaf) {
		v.log.Debug("merkle proof rejected",
			zap.String("kind", string(p.Kind())),
			zap.Uint64("round", p.Round()),
			zap.String("leaf", leaf.Hex()))
		return fmt.Errorf("%w: %s not included in round %d", ErrInvalidProof, p.Kind(), p.Round())
	}
	v.cache.Add(leaf, struct{}{})
	return nil
}

// CacheStats returns cache hits and misses since start.
func (v *RelayVerifier) CacheStats() (hits, misses uint64) {
	return v.cacheHits.Load(), v.cacheMisses.Load()
}

func (v *RelayVerifier) VerifyPayment(ctx context.Context, p *Payment) error {
	return v.verify(ctx, p)
}

func (v *RelayVerifier) VerifyBalanceDecreasingTransaction(ctx context.Context, p *BalanceDecreasingTransaction) error {
	return v.verify(ctx, p)
}

func (v *RelayVerifier) VerifyConfirmedBlockHeightExists(ctx context.Context, p *ConfirmedBlockHeightExists) error {
	return v.verify(ctx, p)
}

func (v *RelayVerifier) VerifyReferencedPaymentNonexistence(ctx context.Context, p *ReferencedPaymentNonexistence) error {
	return v.verify(ctx, p)
}
