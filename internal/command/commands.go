package command

import (
	"StakeLedger/internal/state"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// --- User commands (caller is the staker) ---

type Stake struct {
	Meta
	PoolID state.PoolID `json:"pool_id"`
	Amount sdkmath.Uint `json:"amount"`
}

func (*Stake) CommandType() CommandType { return CommandTypeStake }

// Withdraw returns principal and pays owed reward. Zero Amount withdraws everything.
type Withdraw struct {
	Meta
	PoolID state.PoolID `json:"pool_id"`
	Amount sdkmath.Uint `json:"amount"`
}

func (*Withdraw) CommandType() CommandType { return CommandTypeWithdraw }

type Harvest struct {
	Meta
	PoolID state.PoolID `json:"pool_id"`
}

func (*Harvest) CommandType() CommandType { return CommandTypeHarvest }

type Restake struct {
	Meta
	PoolID state.PoolID `json:"pool_id"`
}

func (*Restake) CommandType() CommandType { return CommandTypeRestake }

type EmergencyWithdraw struct {
	Meta
	PoolID state.PoolID `json:"pool_id"`
}

func (*EmergencyWithdraw) CommandType() CommandType { return CommandTypeEmergencyWithdraw }

type ExecuteStrategy struct {
	Meta
	StrategyID state.StrategyID `json:"strategy_id"`
	Amount     sdkmath.Uint     `json:"amount"`
}

func (*ExecuteStrategy) CommandType() CommandType { return CommandTypeExecuteStrategy }

// --- Admin commands (caller must be the owner) ---

type CreatePool struct {
	Meta
	StakingAsset string       `json:"staking_asset"`
	RewardAsset  string       `json:"reward_asset"`
	RewardRate   sdkmath.Uint `json:"reward_rate"`
	Capacity     sdkmath.Uint `json:"capacity"`
}

func (*CreatePool) CommandType() CommandType { return CommandTypeCreatePool }

type UpdatePoolRate struct {
	Meta
	PoolID     state.PoolID `json:"pool_id"`
	RewardRate sdkmath.Uint `json:"reward_rate"`
}

func (*UpdatePoolRate) CommandType() CommandType { return CommandTypeUpdatePoolRate }

type TogglePoolActive struct {
	Meta
	PoolID state.PoolID `json:"pool_id"`
}

func (*TogglePoolActive) CommandType() CommandType { return CommandTypeTogglePoolActive }

type CreateStrategy struct {
	Meta
	Name        string             `json:"name"`
	Allocations []state.Allocation `json:"allocations"`
}

func (*CreateStrategy) CommandType() CommandType { return CommandTypeCreateStrategy }

type ToggleStrategyActive struct {
	Meta
	StrategyID state.StrategyID `json:"strategy_id"`
}

func (*ToggleStrategyActive) CommandType() CommandType { return CommandTypeToggleStrategyActive }

type AuthorizeAsset struct {
	Meta
	Asset string `json:"asset"`
}

func (*AuthorizeAsset) CommandType() CommandType { return CommandTypeAuthorizeAsset }

// FundRewards moves the pool's reward asset from the owner's wallet into the
// reward reserve that payouts draw on.
type FundRewards struct {
	Meta
	PoolID state.PoolID `json:"pool_id"`
	Amount sdkmath.Uint `json:"amount"`
}

func (*FundRewards) CommandType() CommandType { return CommandTypeFundRewards }

// CreditWallet records value arriving from outside custody into a user wallet.
type CreditWallet struct {
	Meta
	UserID uuid.UUID    `json:"user_id"`
	Asset  string       `json:"asset"`
	Amount sdkmath.Uint `json:"amount"`
}

func (*CreditWallet) CommandType() CommandType { return CommandTypeCreditWallet }

type Pause struct{ Meta }

func (*Pause) CommandType() CommandType { return CommandTypePause }

type Unpause struct{ Meta }

func (*Unpause) CommandType() CommandType { return CommandTypeUnpause }
