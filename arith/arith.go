// Package arith holds the unsigned 128-bit helpers used by reward and fee
// calculations. All results are bit-exact floors.
package arith

import (
	"errors"
	"math/bits"
)

// ErrOverflow is returned when a quotient does not fit in 64 bits.
var ErrOverflow = errors.New("arith: 128-bit result overflows uint64")

// ErrDivideByZero is returned for a zero divisor.
var ErrDivideByZero = errors.New("arith: division by zero")

// Mul128 returns the full 128-bit product of a and b.
func Mul128(a, b uint64) (hi, lo uint64) {
	return bits.Mul64(a, b)
}

// Div128By32 divides the 128-bit value hi:lo by a 32-bit divisor and returns
// the 128-bit quotient and the remainder.
func Div128By32(hi, lo uint64, divisor uint32) (qhi, qlo uint64, rem uint32) {
	d := uint64(divisor)
	qhi = hi / d
	r := hi % d
	qlo, r = bits.Div64(r, lo, d)
	return qhi, qlo, uint32(r)
}

// Div128By64 divides the 128-bit value hi:lo by a 64-bit divisor and returns
// the 128-bit quotient and the remainder.
func Div128By64(hi, lo, divisor uint64) (qhi, qlo, rem uint64) {
	qhi = hi / divisor
	r := hi % divisor
	qlo, rem = bits.Div64(r, lo, divisor)
	return qhi, qlo, rem
}

// MulDiv returns floor(a*b/c) computed with a 128-bit intermediate.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrDivideByZero
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

// MustMulDiv is MulDiv for callers that have already bounded a*b/c.
func MustMulDiv(a, b, c uint64) uint64 {
	q, err := MulDiv(a, b, c)
	if err != nil {
		panic(err)
	}
	return q
}

// AddOverflows reports whether a+b wraps.
func AddOverflows(a, b uint64) bool {
	_, carry := bits.Add64(a, b, 0)
	return carry != 0
}
