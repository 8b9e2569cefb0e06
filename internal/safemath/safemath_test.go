package safemath

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddSubMul(t *testing.T) {
	v, err := Add[uint64](1, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)

	_, err = Add[uint64](math.MaxUint64, 1)
	require.ErrorIs(t, err, ErrOverflow)

	_, err = Sub[uint64](1, 2)
	require.ErrorIs(t, err, ErrUnderflow)

	_, err = Mul[uint64](math.MaxUint64, 2)
	require.ErrorIs(t, err, ErrOverflow)

	v, err = Mul[uint64](0, math.MaxUint64)
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestMulDivUsesWideProduct(t *testing.T) {
	v, err := MulDiv(math.MaxUint64, 10, 20)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64/2), v)

	_, err = MulDiv(math.MaxUint64, 3, 2)
	require.ErrorIs(t, err, ErrOverflow)

	_, err = MulDiv(1, 1, 0)
	require.Error(t, err)
}

func TestMulBips(t *testing.T) {
	require.Equal(t, uint64(50), MulBips(1000, 500))
	require.Equal(t, uint64(0), MulBips(1, 9999))
	require.Equal(t, uint64(math.MaxUint64), MulBips(math.MaxUint64, MaxBIPS))

	got := BigMulBips(big.NewInt(1_000_000), 250)
	require.Equal(t, int64(25_000), got.Int64())
}

func TestFloors(t *testing.T) {
	require.Equal(t, uint64(0), SubFloor(1, 5))
	require.Equal(t, uint64(4), SubFloor(5, 1))
	require.Equal(t, int64(0), BigSubFloor(big.NewInt(1), big.NewInt(5)).Int64())
	require.Equal(t, int64(1), BigMin(big.NewInt(1), big.NewInt(5)).Int64())
}
