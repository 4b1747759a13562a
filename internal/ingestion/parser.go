package ingestion

import (
	"StakeLedger/internal/command"
	"StakeLedger/internal/state"
	"encoding/json"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// ParseRawCommand converts a RawCommand into a typed command.Command. The
// ingestion shell validates and converts payloads before they reach the engine.
func ParseRawCommand(raw RawCommand) (command.Command, error) {
	return ParseCommand(raw.CommandType, raw.Data, raw.Timestamp.Unix())
}

// ParseCommand decodes a snake_case JSON payload and stamps it with
// receivedAt, the server-side receive time. Payloads cannot choose their own
// accrual clock. The stamped value is what the event log records, so replay
// stays deterministic.
func ParseCommand(ct command.CommandType, data []byte, receivedAt int64) (command.Command, error) {
	var m metaJSON
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ct, err)
	}
	meta, err := m.toMeta(receivedAt)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", ct, err)
	}

	switch ct {
	case command.CommandTypeStake:
		var j poolAmountJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", j.Amount, true)
		if err != nil {
			return nil, err
		}
		return &command.Stake{Meta: meta, PoolID: state.PoolID(j.PoolID), Amount: amount}, nil

	case command.CommandTypeWithdraw:
		var j poolAmountJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		// An omitted amount withdraws the whole stake.
		amount, err := parseAmount("amount", j.Amount, false)
		if err != nil {
			return nil, err
		}
		return &command.Withdraw{Meta: meta, PoolID: state.PoolID(j.PoolID), Amount: amount}, nil

	case command.CommandTypeHarvest:
		var j poolJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		return &command.Harvest{Meta: meta, PoolID: state.PoolID(j.PoolID)}, nil

	case command.CommandTypeRestake:
		var j poolJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		return &command.Restake{Meta: meta, PoolID: state.PoolID(j.PoolID)}, nil

	case command.CommandTypeEmergencyWithdraw:
		var j poolJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		return &command.EmergencyWithdraw{Meta: meta, PoolID: state.PoolID(j.PoolID)}, nil

	case command.CommandTypeExecuteStrategy:
		var j strategyAmountJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", j.Amount, true)
		if err != nil {
			return nil, err
		}
		return &command.ExecuteStrategy{Meta: meta, StrategyID: state.StrategyID(j.StrategyID), Amount: amount}, nil

	case command.CommandTypeCreatePool:
		var j createPoolJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		rate, err := parseAmount("reward_rate", j.RewardRate, false)
		if err != nil {
			return nil, err
		}
		capacity, err := parseAmount("capacity", j.Capacity, true)
		if err != nil {
			return nil, err
		}
		return &command.CreatePool{
			Meta:         meta,
			StakingAsset: j.StakingAsset,
			RewardAsset:  j.RewardAsset,
			RewardRate:   rate,
			Capacity:     capacity,
		}, nil

	case command.CommandTypeUpdatePoolRate:
		var j poolRateJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		rate, err := parseAmount("reward_rate", j.RewardRate, true)
		if err != nil {
			return nil, err
		}
		return &command.UpdatePoolRate{Meta: meta, PoolID: state.PoolID(j.PoolID), RewardRate: rate}, nil

	case command.CommandTypeTogglePoolActive:
		var j poolJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		return &command.TogglePoolActive{Meta: meta, PoolID: state.PoolID(j.PoolID)}, nil

	case command.CommandTypeCreateStrategy:
		var j createStrategyJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		allocs := make([]state.Allocation, len(j.Allocations))
		for i, a := range j.Allocations {
			allocs[i] = state.Allocation{PoolID: state.PoolID(a.PoolID), BasisPoints: a.BasisPoints}
		}
		return &command.CreateStrategy{Meta: meta, Name: j.Name, Allocations: allocs}, nil

	case command.CommandTypeToggleStrategyActive:
		var j strategyJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		return &command.ToggleStrategyActive{Meta: meta, StrategyID: state.StrategyID(j.StrategyID)}, nil

	case command.CommandTypeAuthorizeAsset:
		var j assetJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		return &command.AuthorizeAsset{Meta: meta, Asset: j.Asset}, nil

	case command.CommandTypeFundRewards:
		var j poolAmountJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", j.Amount, true)
		if err != nil {
			return nil, err
		}
		return &command.FundRewards{Meta: meta, PoolID: state.PoolID(j.PoolID), Amount: amount}, nil

	case command.CommandTypeCreditWallet:
		var j creditWalletJSON
		if err := decode(ct, data, &j); err != nil {
			return nil, err
		}
		userID, err := uuid.Parse(j.UserID)
		if err != nil {
			return nil, fmt.Errorf("parse user_id: %w", err)
		}
		amount, err := parseAmount("amount", j.Amount, true)
		if err != nil {
			return nil, err
		}
		return &command.CreditWallet{Meta: meta, UserID: userID, Asset: j.Asset, Amount: amount}, nil

	case command.CommandTypePause:
		return &command.Pause{Meta: meta}, nil

	case command.CommandTypeUnpause:
		return &command.Unpause{Meta: meta}, nil

	default:
		return nil, fmt.Errorf("unknown command type: %s", ct)
	}
}

func decode(ct command.CommandType, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", ct, err)
	}
	return nil
}

// parseAmount reads a base-10 integer amount. Amounts travel as strings so
// 256-bit values survive JSON.
func parseAmount(field, s string, required bool) (sdkmath.Uint, error) {
	if s == "" {
		if required {
			return sdkmath.Uint{}, fmt.Errorf("%s is required", field)
		}
		return sdkmath.ZeroUint(), nil
	}
	u, err := sdkmath.ParseUint(s)
	if err != nil {
		return sdkmath.Uint{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return u, nil
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS and the
// gateway. Field names use snake_case to match upstream producers.

type metaJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	CallerID       string `json:"caller_id"`
}

func (m metaJSON) toMeta(receivedAt int64) (command.Meta, error) {
	if m.IdempotencyKey == "" {
		return command.Meta{}, fmt.Errorf("idempotency_key is required")
	}
	caller, err := uuid.Parse(m.CallerID)
	if err != nil {
		return command.Meta{}, fmt.Errorf("parse caller_id: %w", err)
	}
	if receivedAt < 0 {
		return command.Meta{}, fmt.Errorf("receive time must not be negative")
	}
	return command.Meta{Key: m.IdempotencyKey, CallerID: caller, At: receivedAt}, nil
}

type poolJSON struct {
	PoolID uint64 `json:"pool_id"`
}

type poolAmountJSON struct {
	PoolID uint64 `json:"pool_id"`
	Amount string `json:"amount"`
}

type poolRateJSON struct {
	PoolID     uint64 `json:"pool_id"`
	RewardRate string `json:"reward_rate"`
}

type strategyJSON struct {
	StrategyID uint64 `json:"strategy_id"`
}

type strategyAmountJSON struct {
	StrategyID uint64 `json:"strategy_id"`
	Amount     string `json:"amount"`
}

type createPoolJSON struct {
	StakingAsset string `json:"staking_asset"`
	RewardAsset  string `json:"reward_asset"`
	RewardRate   string `json:"reward_rate"`
	Capacity     string `json:"capacity"`
}

type allocationJSON struct {
	PoolID      uint64 `json:"pool_id"`
	BasisPoints uint32 `json:"basis_points"`
}

type createStrategyJSON struct {
	Name        string           `json:"name"`
	Allocations []allocationJSON `json:"allocations"`
}

type assetJSON struct {
	Asset string `json:"asset"`
}

type creditWalletJSON struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}
