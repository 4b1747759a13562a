package command

import (
	"StakeLedger/internal/state"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeStake
	CommandTypeWithdraw
	CommandTypeHarvest
	CommandTypeRestake
	CommandTypeEmergencyWithdraw
	CommandTypeExecuteStrategy
	CommandTypeCreatePool
	CommandTypeUpdatePoolRate
	CommandTypeTogglePoolActive
	CommandTypeCreateStrategy
	CommandTypeToggleStrategyActive
	CommandTypeAuthorizeAsset
	CommandTypeFundRewards
	CommandTypeCreditWallet
	CommandTypePause
	CommandTypeUnpause
)

var commandTypeNames = map[CommandType]string{
	CommandTypeStake:                "stake",
	CommandTypeWithdraw:             "withdraw",
	CommandTypeHarvest:              "harvest",
	CommandTypeRestake:              "restake",
	CommandTypeEmergencyWithdraw:    "emergency_withdraw",
	CommandTypeExecuteStrategy:      "execute_strategy",
	CommandTypeCreatePool:           "create_pool",
	CommandTypeUpdatePoolRate:       "update_pool_rate",
	CommandTypeTogglePoolActive:     "toggle_pool_active",
	CommandTypeCreateStrategy:       "create_strategy",
	CommandTypeToggleStrategyActive: "toggle_strategy_active",
	CommandTypeAuthorizeAsset:       "authorize_asset",
	CommandTypeFundRewards:          "fund_rewards",
	CommandTypeCreditWallet:         "credit_wallet",
	CommandTypePause:                "pause",
	CommandTypeUnpause:              "unpause",
}

// String returns the snake_case wire name used in subjects and the event log.
func (ct CommandType) String() string {
	if name, ok := commandTypeNames[ct]; ok {
		return name
	}
	return "unknown"
}

// ParseCommandType is the inverse of String.
func ParseCommandType(s string) (CommandType, error) {
	for ct, name := range commandTypeNames {
		if name == s {
			return ct, nil
		}
	}
	return CommandTypeUnknown, fmt.Errorf("unknown command type: %q", s)
}

// IsAdmin reports whether the command requires the owner.
func (ct CommandType) IsAdmin() bool {
	switch ct {
	case CommandTypeCreatePool, CommandTypeUpdatePoolRate, CommandTypeTogglePoolActive,
		CommandTypeCreateStrategy, CommandTypeToggleStrategyActive, CommandTypeAuthorizeAsset,
		CommandTypeFundRewards, CommandTypeCreditWallet, CommandTypePause, CommandTypeUnpause:
		return true
	}
	return false
}

// Command is the interface all command payloads implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Caller is the acting user, or the owner for admin commands
	Caller() uuid.UUID

	// Timestamp is the versioned input time in unix seconds (never wall-clock)
	Timestamp() int64
}

// Meta carries the fields every command shares.
type Meta struct {
	Key      string    `json:"idempotency_key"`
	CallerID uuid.UUID `json:"caller_id"`
	At       int64     `json:"timestamp"`
}

func (m Meta) IdempotencyKey() string { return m.Key }
func (m Meta) Caller() uuid.UUID      { return m.CallerID }
func (m Meta) Timestamp() int64       { return m.At }

// Envelope wraps every applied command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	CommandType CommandType

	// Pool context (nil for commands not bound to one pool)
	PoolID *state.PoolID

	// Versioned input timestamp (unix seconds)
	Timestamp int64

	// JSON-encoded command; replay decodes and re-applies it
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Marshal encodes a command payload for the event log.
func Marshal(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// Decode rebuilds a command from its type and payload.
func Decode(ct CommandType, payload []byte) (Command, error) {
	cmd, err := newCommand(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}

func newCommand(ct CommandType) (Command, error) {
	switch ct {
	case CommandTypeStake:
		return &Stake{}, nil
	case CommandTypeWithdraw:
		return &Withdraw{}, nil
	case CommandTypeHarvest:
		return &Harvest{}, nil
	case CommandTypeRestake:
		return &Restake{}, nil
	case CommandTypeEmergencyWithdraw:
		return &EmergencyWithdraw{}, nil
	case CommandTypeExecuteStrategy:
		return &ExecuteStrategy{}, nil
	case CommandTypeCreatePool:
		return &CreatePool{}, nil
	case CommandTypeUpdatePoolRate:
		return &UpdatePoolRate{}, nil
	case CommandTypeTogglePoolActive:
		return &TogglePoolActive{}, nil
	case CommandTypeCreateStrategy:
		return &CreateStrategy{}, nil
	case CommandTypeToggleStrategyActive:
		return &ToggleStrategyActive{}, nil
	case CommandTypeAuthorizeAsset:
		return &AuthorizeAsset{}, nil
	case CommandTypeFundRewards:
		return &FundRewards{}, nil
	case CommandTypeCreditWallet:
		return &CreditWallet{}, nil
	case CommandTypePause:
		return &Pause{}, nil
	case CommandTypeUnpause:
		return &Unpause{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", ct)
	}
}

// PoolOf returns the pool a command targets, if any.
func PoolOf(cmd Command) (state.PoolID, bool) {
	switch c := cmd.(type) {
	case *Stake:
		return c.PoolID, true
	case *Withdraw:
		return c.PoolID, true
	case *Harvest:
		return c.PoolID, true
	case *Restake:
		return c.PoolID, true
	case *EmergencyWithdraw:
		return c.PoolID, true
	case *UpdatePoolRate:
		return c.PoolID, true
	case *TogglePoolActive:
		return c.PoolID, true
	case *FundRewards:
		return c.PoolID, true
	}
	return 0, false
}
