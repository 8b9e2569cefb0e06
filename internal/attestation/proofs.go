// Package attestation models the verified facts about the underlying chain that the
// asset manager consumes. Proofs arrive already attested; the package only checks
// Merkle inclusion against a finalized root and exposes the response fields.
package attestation

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Kind string

const (
	KindPayment                       Kind = "Payment"
	KindBalanceDecreasingTransaction  Kind = "BalanceDecreasingTransaction"
	KindConfirmedBlockHeightExists    Kind = "ConfirmedBlockHeightExists"
	KindReferencedPaymentNonexistence Kind = "ReferencedPaymentNonexistence"
)

// Status is the payment outcome reported by the attestation layer.
type Status uint8

const (
	StatusSuccess         Status = 0
	StatusSenderFailure   Status = 1
	StatusReceiverFailure Status = 2
)

// Proof is implemented by every attested fact.
type Proof interface {
	Kind() Kind
	Round() uint64
	Source() common.Hash
	Siblings() []common.Hash
	LeafHash() (common.Hash, error)
}

// Header holds the fields common to all attestation responses.
type Header struct {
	MerkleProof []common.Hash `json:"merkleProof"`
	VotingRound uint64        `json:"votingRound"`
	SourceID    common.Hash   `json:"sourceId"`
}

func (h Header) Round() uint64           { return h.VotingRound }
func (h Header) Source() common.Hash     { return h.SourceID }
func (h Header) Siblings() []common.Hash { return h.MerkleProof }

type PaymentRequest struct {
	TransactionID common.Hash `json:"transactionId"`
	InUtxo        uint64      `json:"inUtxo"`
	Utxo          uint64      `json:"utxo"`
}

type PaymentResponse struct {
	BlockNumber                  uint64      `json:"blockNumber"`
	BlockTimestamp               uint64      `json:"blockTimestamp"`
	SourceAddressHash            common.Hash `json:"sourceAddressHash"`
	ReceivingAddressHash         common.Hash `json:"receivingAddressHash"`
	IntendedReceivingAddressHash common.Hash `json:"intendedReceivingAddressHash"`
	SpentAmount                  int64       `json:"spentAmount"`
	IntendedSpentAmount          int64       `json:"intendedSpentAmount"`
	ReceivedAmount               int64       `json:"receivedAmount"`
	IntendedReceivedAmount       int64       `json:"intendedReceivedAmount"`
	StandardPaymentReference     common.Hash `json:"standardPaymentReference"`
	OneToOne                     bool        `json:"oneToOne"`
	Status                       Status      `json:"status"`
}

// Payment proves a transaction with a standard payment reference.
type Payment struct {
	Header
	Request  PaymentRequest  `json:"request"`
	Response PaymentResponse `json:"response"`
}

func (p *Payment) Kind() Kind { return KindPayment }

func (p *Payment) LeafHash() (common.Hash, error) {
	r := p.Response
	return leaf(
		[]abi.Type{tBytes32, tBytes32, tUint64,
			tBytes32, tUint64, tUint64,
			tUint64, tUint64, tBytes32, tBytes32, tBytes32,
			tInt256, tInt256, tInt256, tInt256, tBytes32, tBool, tUint8},
		TypeID(KindPayment), [32]byte(p.SourceID), p.VotingRound,
		[32]byte(p.Request.TransactionID), p.Request.InUtxo, p.Request.Utxo,
		r.BlockNumber, r.BlockTimestamp, [32]byte(r.SourceAddressHash), [32]byte(r.ReceivingAddressHash), [32]byte(r.IntendedReceivingAddressHash),
		big.NewInt(r.SpentAmount), big.NewInt(r.IntendedSpentAmount), big.NewInt(r.ReceivedAmount), big.NewInt(r.IntendedReceivedAmount),
		[32]byte(r.StandardPaymentReference), r.OneToOne, uint8(r.Status),
	)
}

type BalanceDecreasingTransactionRequest struct {
	TransactionID          common.Hash `json:"transactionId"`
	SourceAddressIndicator common.Hash `json:"sourceAddressIndicator"`
}

type BalanceDecreasingTransactionResponse struct {
	BlockNumber              uint64      `json:"blockNumber"`
	BlockTimestamp           uint64      `json:"blockTimestamp"`
	SourceAddressHash        common.Hash `json:"sourceAddressHash"`
	SpentAmount              int64       `json:"spentAmount"`
	StandardPaymentReference common.Hash `json:"standardPaymentReference"`
}

// BalanceDecreasingTransaction proves that an address spent funds in a transaction.
type BalanceDecreasingTransaction struct {
	Header
	Request  BalanceDecreasingTransactionRequest  `json:"request"`
	Response BalanceDecreasingTransactionResponse `json:"response"`
}

func (p *BalanceDecreasingTransaction) Kind() Kind { return KindBalanceDecreasingTransaction }

func (p *BalanceDecreasingTransaction) LeafHash() (common.Hash, error) {
	r := p.Response
	return leaf(
		[]abi.Type{tBytes32, tBytes32, tUint64, tBytes32, tBytes32,
			tUint64, tUint64, tBytes32, tInt256, tBytes32},
		TypeID(KindBalanceDecreasingTransaction), [32]byte(p.SourceID), p.VotingRound,
		[32]byte(p.Request.TransactionID), [32]byte(p.Request.SourceAddressIndicator),
		r.BlockNumber, r.BlockTimestamp, [32]byte(r.SourceAddressHash), big.NewInt(r.SpentAmount), [32]byte(r.StandardPaymentReference),
	)
}

type ConfirmedBlockHeightExistsRequest struct {
	BlockNumber uint64 `json:"blockNumber"`
	QueryWindow uint64 `json:"queryWindow"`
}

type ConfirmedBlockHeightExistsResponse struct {
	BlockTimestamp                  uint64 `json:"blockTimestamp"`
	NumberOfConfirmations           uint64 `json:"numberOfConfirmations"`
	LowestQueryWindowBlockNumber    uint64 `json:"lowestQueryWindowBlockNumber"`
	LowestQueryWindowBlockTimestamp uint64 `json:"lowestQueryWindowBlockTimestamp"`
}

// ConfirmedBlockHeightExists proves that a block is confirmed and reports the
// lowest block still inside the provider's query window.
type ConfirmedBlockHeightExists struct {
	Header
	Request  ConfirmedBlockHeightExistsRequest  `json:"request"`
	Response ConfirmedBlockHeightExistsResponse `json:"response"`
}

func (p *ConfirmedBlockHeightExists) Kind() Kind { return KindConfirmedBlockHeightExists }

func (p *ConfirmedBlockHeightExists) LeafHash() (common.Hash, error) {
	r := p.Response
	return leaf(
		[]abi.Type{tBytes32, tBytes32, tUint64, tUint64, tUint64,
			tUint64, tUint64, tUint64, tUint64},
		TypeID(KindConfirmedBlockHeightExists), [32]byte(p.SourceID), p.VotingRound,
		p.Request.BlockNumber, p.Request.QueryWindow,
		r.BlockTimestamp, r.NumberOfConfirmations, r.LowestQueryWindowBlockNumber, r.LowestQueryWindowBlockTimestamp,
	)
}

type ReferencedPaymentNonexistenceRequest struct {
	MinimalBlockNumber       uint64      `json:"minimalBlockNumber"`
	DeadlineBlockNumber      uint64      `json:"deadlineBlockNumber"`
	DeadlineTimestamp        uint64      `json:"deadlineTimestamp"`
	DestinationAddressHash   common.Hash `json:"destinationAddressHash"`
	Amount                   uint64      `json:"amount"`
	StandardPaymentReference common.Hash `json:"standardPaymentReference"`
	CheckSourceAddresses     bool        `json:"checkSourceAddresses"`
	SourceAddressesRoot      common.Hash `json:"sourceAddressesRoot"`
}

type ReferencedPaymentNonexistenceResponse struct {
	MinimalBlockTimestamp       uint64 `json:"minimalBlockTimestamp"`
	FirstOverflowBlockNumber    uint64 `json:"firstOverflowBlockNumber"`
	FirstOverflowBlockTimestamp uint64 `json:"firstOverflowBlockTimestamp"`
}

// ReferencedPaymentNonexistence proves that no payment with the reference and at
// least the amount reached the destination inside the block/time window.
type ReferencedPaymentNonexistence struct {
	Header
	Request  ReferencedPaymentNonexistenceRequest  `json:"request"`
	Response ReferencedPaymentNonexistenceResponse `json:"response"`
}

func (p *ReferencedPaymentNonexistence) Kind() Kind { return KindReferencedPaymentNonexistence }

func (p *ReferencedPaymentNonexistence) LeafHash() (common.Hash, error) {
	q, r := p.Request, p.Response
	return leaf(
		[]abi.Type{tBytes32, tBytes32, tUint64,
			tUint64, tUint64, tUint64, tBytes32, tUint64, tBytes32, tBool, tBytes32,
			tUint64, tUint64, tUint64},
		TypeID(KindReferencedPaymentNonexistence), [32]byte(p.SourceID), p.VotingRound,
		q.MinimalBlockNumber, q.DeadlineBlockNumber, q.DeadlineTimestamp, [32]byte(q.DestinationAddressHash), q.Amount,
		[32]byte(q.StandardPaymentReference), q.CheckSourceAddresses, [32]byte(q.SourceAddressesRoot),
		r.MinimalBlockTimestamp, r.FirstOverflowBlockNumber, r.FirstOverflowBlockTimestamp,
	)
}

var (
	tBytes32 = mustType("bytes32")
	tUint64  = mustType("uint64")
	tUint8   = mustType("uint8")
	tInt256  = mustType("int256")
	tBool    = mustType("bool")
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

func leaf(types []abi.Type, values ...interface{}) (common.Hash, error) {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		args[i] = abi.Argument{Type: t}
	}
	packed, err := args.Pack(values...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode leaf: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// TypeID returns the bytes32 attestation type identifier.
func TypeID(k Kind) [32]byte {
	return toBytes32(string(k))
}

// SourceID returns the bytes32 identifier of an underlying chain, e.g. "testBTC".
func SourceID(chain string) common.Hash {
	return common.Hash(toBytes32(chain))
}

// AddressHash is the hash under which attestations report underlying addresses.
func AddressHash(underlyingAddress string) common.Hash {
	return crypto.Keccak256Hash([]byte(underlyingAddress))
}

func toBytes32(value string) [32]byte {
	var out [32]byte
	copy(out[:], []byte(value))
	return out
}
