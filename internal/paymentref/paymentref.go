// Package paymentref encodes the 32-byte references that correlate underlying-chain
// payments with on-chain requests. The high 64 bits carry a type tag and the low
// 192 bits carry the request id (or an agent vault address for per-agent references).
package paymentref

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type Type uint64

const (
	Minting                 Type = 0x4642505266410001
	Redemption              Type = 0x4642505266410002
	AnnouncedWithdrawal     Type = 0x4642505266410003
	ReturnFromCoreVault     Type = 0x4642505266410004
	RedemptionFromCoreVault Type = 0x4642505266410005
	Topup                   Type = 0x4642505266410011
	SelfMint                Type = 0x4642505266410012
)

func (t Type) String() string {
	switch t {
	case Minting:
		return "minting"
	case Redemption:
		return "redemption"
	case AnnouncedWithdrawal:
		return "announced_withdrawal"
	case ReturnFromCoreVault:
		return "return_from_core_vault"
	case RedemptionFromCoreVault:
		return "redemption_from_core_vault"
	case Topup:
		return "topup"
	case SelfMint:
		return "self_mint"
	default:
		return fmt.Sprintf("unknown(%#x)", uint64(t))
	}
}

func encode(t Type, low [24]byte) common.Hash {
	var ref common.Hash
	binary.BigEndian.PutUint64(ref[:8], uint64(t))
	copy(ref[8:], low[:])
	return ref
}

func withID(t Type, id uint64) common.Hash {
	var low [24]byte
	binary.BigEndian.PutUint64(low[16:], id)
	return encode(t, low)
}

func withAddress(t Type, addr common.Address) common.Hash {
	var low [24]byte
	copy(low[4:], addr.Bytes())
	return encode(t, low)
}

func ForMinting(crID uint64) common.Hash                { return withID(Minting, crID) }
func ForRedemption(requestID uint64) common.Hash        { return withID(Redemption, requestID) }
func ForAnnouncedWithdrawal(id uint64) common.Hash      { return withID(AnnouncedWithdrawal, id) }
func ForReturnFromCoreVault(id uint64) common.Hash      { return withID(ReturnFromCoreVault, id) }
func ForRedemptionFromCoreVault(id uint64) common.Hash  { return withID(RedemptionFromCoreVault, id) }
func ForTopup(agentVault common.Address) common.Hash    { return withAddress(Topup, agentVault) }
func ForSelfMint(agentVault common.Address) common.Hash { return withAddress(SelfMint, agentVault) }

// TypeOf returns the tag stored in the high 64 bits.
func TypeOf(ref common.Hash) Type {
	return Type(binary.BigEndian.Uint64(ref[:8]))
}

// IsValid reports whether ref carries tag t and a non-zero payload.
func IsValid(ref common.Hash, t Type) bool {
	if TypeOf(ref) != t {
		return false
	}
	for _, b := range ref[8:] {
		if b != 0 {
			return true
		}
	}
	return false
}

// DecodeID returns the numeric id of an id-carrying reference. Ids wider than
// 64 bits are never produced, so any bits above them make the reference unknown.
func DecodeID(ref common.Hash) (uint64, bool) {
	for _, b := range ref[8:24] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.BigEndian.Uint64(ref[24:]), true
}

// DecodeAddress returns the agent vault address stored in a per-agent reference.
func DecodeAddress(ref common.Hash) common.Address {
	return common.BytesToAddress(ref[12:])
}
