package core

import (
	"StakeLedger/internal/access"
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"errors"
	"fmt"
)

// Kind classifies a failed command.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransfer
	KindInvariant
	KindAccess
	KindReentrant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransfer:
		return "transfer"
	case KindInvariant:
		return "invariant"
	case KindAccess:
		return "access"
	case KindReentrant:
		return "reentrant"
	default:
		return "unknown"
	}
}

// Sentinel errors, matched with errors.Is.
var (
	ErrUnknownPool         = state.ErrUnknownPool
	ErrUnknownStrategy     = state.ErrUnknownStrategy
	ErrPoolInactive        = state.ErrPoolInactive
	ErrStrategyInactive    = state.ErrStrategyInactive
	ErrBelowMinimum        = state.ErrBelowMinimum
	ErrCapacityExceeded    = state.ErrCapacityExceeded
	ErrAssetNotAuthorized  = state.ErrAssetNotAuthorized
	ErrAssetMismatch       = state.ErrAssetMismatch
	ErrNothingStaked       = state.ErrNothingStaked
	ErrAmountExceedsStake  = state.ErrAmountExceedsStake
	ErrZeroAmount          = state.ErrZeroAmount
	ErrInvariant           = state.ErrInvariant
	ErrInvalidAllocation   = fpmath.ErrInvalidAllocation
	ErrUnderflow           = fpmath.ErrUnderflow
	ErrOverflow            = fpmath.ErrOverflow
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrPaused              = access.ErrPaused
	ErrNotOwner            = access.ErrNotOwner

	ErrReentrantCall      = errors.New("reentrant call rejected")
	ErrMissingKey         = errors.New("missing idempotency key")
	ErrUnsupportedCustody = errors.New("custody does not support this operation")
)

// Error is the failure returned by StakingEngine.Process.
type Error struct {
	Kind Kind
	Op   string // command type
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Errors not produced by the engine are classified by
// their sentinel where possible.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrReentrantCall):
		return KindReentrant
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrPaused):
		return KindAccess
	case errors.Is(err, state.ErrInvariant), errors.Is(err, ErrUnderflow), errors.Is(err, ErrOverflow):
		return KindInvariant
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ledger.ErrUnknownAsset):
		return KindTransfer
	default:
		return KindValidation
	}
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
