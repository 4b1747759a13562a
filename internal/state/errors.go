package state

import "errors"

// Validation failures. Each is detected before any record is mutated.
var (
	ErrUnknownPool        = errors.New("unknown pool")
	ErrUnknownStrategy    = errors.New("unknown strategy")
	ErrPoolInactive       = errors.New("pool is not active")
	ErrStrategyInactive   = errors.New("strategy is not active")
	ErrBelowMinimum       = errors.New("amount below minimum stake")
	ErrCapacityExceeded   = errors.New("pool capacity exceeded")
	ErrAssetNotAuthorized = errors.New("asset not authorized")
	ErrAssetMismatch      = errors.New("staking and reward assets differ")
	ErrNothingStaked      = errors.New("nothing staked")
	ErrAmountExceedsStake = errors.New("amount exceeds staked balance")
	ErrDuplicatePool      = errors.New("pool listed more than once")
	ErrMixedStakingAssets = errors.New("strategy pools use different staking assets")
	ErrZeroAmount         = errors.New("amount must be positive")
)

// ErrInvariant marks a broken ledger invariant. Reaching it is a programming fault.
var ErrInvariant = errors.New("ledger invariant violated")
