package math

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// BasisPointsTotal is 100% in basis points.
const BasisPointsTotal = 10_000

var ErrInvalidAllocation = errors.New("invalid allocation")

// ValidateBasisPoints checks that every weight is positive and the weights
// sum to exactly BasisPointsTotal.
func ValidateBasisPoints(weights []uint32) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: no allocations", ErrInvalidAllocation)
	}

	var sum uint64
	for i, w := range weights {
		if w == 0 {
			return fmt.Errorf("%w: allocation %d is zero", ErrInvalidAllocation, i)
		}
		sum += uint64(w)
	}
	if sum != BasisPointsTotal {
		return fmt.Errorf("%w: allocations sum to %d, want %d", ErrInvalidAllocation, sum, BasisPointsTotal)
	}
	return nil
}

// SplitBasisPoints splits total by weights, truncating each share.
// dust = total - sum(shares) and is at most len(weights)-1.
func SplitBasisPoints(total sdkmath.Uint, weights []uint32) (shares []sdkmath.Uint, dust sdkmath.Uint, err error) {
	total = OrZero(total)
	denom := sdkmath.NewUint(BasisPointsTotal)

	shares = make([]sdkmath.Uint, len(weights))
	allocated := Zero()
	for i, w := range weights {
		share, err := MulDiv(total, sdkmath.NewUint(uint64(w)), denom)
		if err != nil {
			return nil, sdkmath.Uint{}, err
		}
		shares[i] = share
		allocated = allocated.Add(share)
	}

	dust, err = CheckedSub(total, allocated)
	if err != nil {
		return nil, sdkmath.Uint{}, err
	}
	return shares, dust, nil
}
