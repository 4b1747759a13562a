package query

import (
	"StakeLedger/internal/state"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// PoolResponse is a pool with its accumulator projected to the query time.
type PoolResponse struct {
	*state.Pool
	RewardPerShareNow sdkmath.Uint `json:"reward_per_share_now"`
	AsOf              int64        `json:"as_of"`
	AsOfSequence      int64        `json:"as_of_sequence"`
}

// PositionResponse is a position with the reward claimable at the query time.
type PositionResponse struct {
	*state.Position
	PendingNow   sdkmath.Uint `json:"pending_now"`
	AsOf         int64        `json:"as_of"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

// PendingRewardsResponse answers the single pending-reward view.
type PendingRewardsResponse struct {
	PoolID       state.PoolID `json:"pool_id"`
	UserID       uuid.UUID    `json:"user_id"`
	Pending      sdkmath.Uint `json:"pending"`
	AsOf         int64        `json:"as_of"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

// OverviewResponse summarizes the engine.
type OverviewResponse struct {
	Pools            []*state.Pool     `json:"pools"`
	Strategies       []*state.Strategy `json:"strategies"`
	AuthorizedAssets []string          `json:"authorized_assets"`
	TotalValueLocked sdkmath.Uint      `json:"total_value_locked"`
	Paused           bool              `json:"paused"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// ActivityEntry is one applied command from the activity projection.
// Amounts are decimal strings.
type ActivityEntry struct {
	Sequence     int64     `json:"sequence"`
	CommandType  string    `json:"command_type"`
	CallerID     uuid.UUID `json:"caller_id"`
	PoolID       *int64    `json:"pool_id,omitempty"`
	StrategyID   *int64    `json:"strategy_id,omitempty"`
	Principal    string    `json:"principal"`
	Owed         string    `json:"owed"`
	Paid         string    `json:"paid"`
	PayoutFailed bool      `json:"payout_failed"`
	Dust         string    `json:"dust"`
	Timestamp    int64     `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	AssetID       int32     `json:"asset_id"`
	Amount        string    `json:"amount"`
	JournalType   int32     `json:"journal_type"`
	Timestamp     int64     `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	AssetID   int32  `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}

// Page bounds a history query. Before is an exclusive sequence cursor.
type Page struct {
	Limit  int
	Before *int64
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func (p Page) limit() int {
	switch {
	case p.Limit <= 0:
		return defaultPageLimit
	case p.Limit > maxPageLimit:
		return maxPageLimit
	}
	return p.Limit
}
