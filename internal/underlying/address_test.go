package underlying

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForChain(t *testing.T) {
	v, err := ForChain("btc")
	require.NoError(t, err)
	require.NoError(t, v.Validate("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"))
	require.NoError(t, v.Validate("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"))
	require.ErrorIs(t, v.Validate("tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"), ErrInvalidAddress)
	require.ErrorIs(t, v.Validate("not-an-address"), ErrInvalidAddress)

	testnet, err := ForChain("testBTC")
	require.NoError(t, err)
	require.NoError(t, testnet.Validate("tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"))

	_, err = ForChain("doge")
	require.Error(t, err)
}

func TestAnyValidator(t *testing.T) {
	v, err := ForChain("any")
	require.NoError(t, err)
	require.NoError(t, v.Validate("r9cZA1mLK5R5Am25ArfXFmqgNwjZgnfk59"))
	require.ErrorIs(t, v.Validate(""), ErrInvalidAddress)
	require.ErrorIs(t, v.Validate("two words"), ErrInvalidAddress)
}
