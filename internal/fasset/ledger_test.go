package fasset

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestMintBurnTransfer(t *testing.T) {
	alice := common.HexToAddress("0x01")
	bob := common.HexToAddress("0x02")
	l := NewLedger()

	require.NoError(t, l.Mint(alice, 100))
	require.NoError(t, l.Transfer(alice, bob, 40))
	require.ErrorIs(t, l.Burn(bob, 41), ErrBalanceTooLow)
	require.NoError(t, l.Burn(bob, 40))
	require.Equal(t, uint64(60), l.BalanceOf(alice))
	require.Zero(t, l.BalanceOf(bob))
	require.Equal(t, uint64(60), l.TotalSupply())

	restored := NewLedger()
	restored.Import(l.Export())
	require.Equal(t, uint64(60), restored.TotalSupply())
}
