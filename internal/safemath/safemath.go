package safemath

import (
	"errors"
	"math/big"
	"math/bits"
)

// MaxBIPS is 100% expressed in basis points.
const MaxBIPS = 10_000

type Unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

var (
	ErrOverflow  = errors.New("overflow")
	ErrUnderflow = errors.New("underflow")
)

func MaxUint[T Unsigned]() T {
	return ^T(0)
}

// Add returns a + b or ErrOverflow.
func Add[T Unsigned](a, b T) (T, error) {
	if a > MaxUint[T]()-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a - b or ErrUnderflow.
func Sub[T Unsigned](a, b T) (T, error) {
	if a < b {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// Mul returns a * b or ErrOverflow.
func Mul[T Unsigned](a, b T) (T, error) {
	if b != 0 && a > MaxUint[T]()/b {
		return 0, ErrOverflow
	}
	return a * b, nil
}

// MulDiv computes floor(a * b / d) with a 128-bit intermediate product.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, errors.New("division by zero")
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, nil
}

// MulBips returns floor(x * bips / 10000). The quotient never exceeds x for bips <= MaxBIPS.
func MulBips(x, bips uint64) uint64 {
	hi, lo := bits.Mul64(x, bips)
	q, _ := bits.Div64(hi, lo, MaxBIPS)
	return q
}

// BigMulBips returns floor(x * bips / 10000) as a new big.Int.
func BigMulBips(x *big.Int, bips uint64) *big.Int {
	out := new(big.Int).Mul(x, new(big.Int).SetUint64(bips))
	return out.Quo(out, big.NewInt(MaxBIPS))
}

// SubFloor returns a - b clamped at zero.
func SubFloor(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// BigSubFloor returns a - b clamped at zero as a new big.Int.
func BigSubFloor(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Sub(a, b)
}

// BigMin returns a copy of the smaller operand.
func BigMin(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
