package paymentref

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestIDReferences(t *testing.T) {
	ref := ForMinting(42)
	require.Equal(t, "0x4642505266410001"+strings.Repeat("0", 46)+"2a", ref.Hex())
	require.Equal(t, Minting, TypeOf(ref))
	require.True(t, IsValid(ref, Minting))
	require.False(t, IsValid(ref, Redemption))

	id, ok := DecodeID(ref)
	require.True(t, ok)
	require.Equal(t, uint64(42), id)

	require.NotEqual(t, ForMinting(1), ForRedemption(1))
	require.False(t, IsValid(ForRedemption(0), Redemption))
}

func TestAddressReferences(t *testing.T) {
	vault := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ref := ForSelfMint(vault)
	require.Equal(t, SelfMint, TypeOf(ref))
	require.Equal(t, vault, DecodeAddress(ref))
	require.NotEqual(t, ref, ForTopup(vault))
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "redemption", Redemption.String())
	require.Contains(t, Type(7).String(), "unknown")
}
