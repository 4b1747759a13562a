// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/big"
	"sync"

	sdkmath "cosmossdk.io/math"
)

// PrecisionDecimals is the number of decimals carried by reward-per-share values.
const PrecisionDecimals = 18

// maxBits is the width of every stored amount (sdkmath.Uint range).
const maxBits = 256

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrUnderflow      = errors.New("fixed-point underflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
)

// Precision is 10^18, the scale of the reward-per-share accumulator.
var Precision = sdkmath.NewUintFromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(PrecisionDecimals), nil))

// wide is a pooled big.Int for 512-bit intermediate products
var widePool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return widePool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	widePool.Put(v)
}

// Zero returns the unsigned zero amount.
func Zero() sdkmath.Uint {
	return sdkmath.ZeroUint()
}

// OrZero replaces an uninitialized Uint (nil backing int) with zero.
// Zero-value Uints come out of JSON decoding of absent fields.
func OrZero(u sdkmath.Uint) sdkmath.Uint {
	if u.IsNil() {
		return sdkmath.ZeroUint()
	}
	return u
}

// MulDiv computes a * b / denominator, truncating toward zero.
// The product is held at full width, so only the quotient must fit in 256 bits.
func MulDiv(a, b, denominator sdkmath.Uint) (sdkmath.Uint, error) {
	a, b, denominator = OrZero(a), OrZero(b), OrZero(denominator)
	if denominator.IsZero() {
		return sdkmath.Uint{}, ErrDivisionByZero
	}

	product := getWide()
	defer putWide(product)
	product.Mul(a.BigIntMut(), b.BigIntMut())

	quotient := getWide()
	defer putWide(quotient)
	quotient.Quo(product, denominator.BigIntMut())

	if quotient.BitLen() > maxBits {
		return sdkmath.Uint{}, ErrOverflow
	}
	return sdkmath.NewUintFromBigInt(quotient), nil
}

// MulPrecision returns amount * perShare / Precision.
func MulPrecision(amount, perShare sdkmath.Uint) (sdkmath.Uint, error) {
	return MulDiv(amount, perShare, Precision)
}

// CheckedAdd returns a + b or ErrOverflow past 256 bits.
func CheckedAdd(a, b sdkmath.Uint) (sdkmath.Uint, error) {
	a, b = OrZero(a), OrZero(b)
	sum := getWide()
	defer putWide(sum)
	sum.Add(a.BigIntMut(), b.BigIntMut())
	if sum.BitLen() > maxBits {
		return sdkmath.Uint{}, ErrOverflow
	}
	return sdkmath.NewUintFromBigInt(sum), nil
}

// CheckedSub returns a - b or ErrUnderflow when b > a.
func CheckedSub(a, b sdkmath.Uint) (sdkmath.Uint, error) {
	a, b = OrZero(a), OrZero(b)
	if b.GT(a) {
		return sdkmath.Uint{}, ErrUnderflow
	}
	return a.Sub(b), nil
}

// CheckedMul returns a * b or ErrOverflow past 256 bits.
func CheckedMul(a, b sdkmath.Uint) (sdkmath.Uint, error) {
	return MulDiv(a, b, sdkmath.OneUint())
}

// ParseAmount parses a base-10 unsigned amount.
func ParseAmount(s string) (sdkmath.Uint, error) {
	if s == "" {
		return sdkmath.Uint{}, errors.New("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return sdkmath.Uint{}, errors.New("amount is not a base-10 integer")
	}
	if v.Sign() < 0 {
		return sdkmath.Uint{}, ErrUnderflow
	}
	if v.BitLen() > maxBits {
		return sdkmath.Uint{}, ErrOverflow
	}
	return sdkmath.NewUintFromBigInt(v), nil
}

// AppendUint appends a length-prefixed big-endian encoding of u to buf.
func AppendUint(buf []byte, u sdkmath.Uint) []byte {
	b := OrZero(u).BigIntMut().Bytes()
	buf = append(buf, byte(len(b)))
	return append(buf, b...)
}
