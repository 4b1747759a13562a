package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeSystemVault         // staked principal held in custody
	SubTypeSystemRewardReserve // funded rewards awaiting payout

	// External sub-types
	SubTypeExternalDeposits
)

// AssetID maps asset names to compact numeric IDs.
type AssetID uint16

var ErrUnknownAsset = errors.New("asset not registered with custody")

// AssetRegistry interns asset names. IDs are assigned from 1 in
// registration order, so replaying the same commands yields the same IDs.
type AssetRegistry struct {
	mu     sync.RWMutex
	byName map[string]AssetID
	byID   map[AssetID]string
}

func NewAssetRegistry() *AssetRegistry {
	return &AssetRegistry{
		byName: make(map[string]AssetID),
		byID:   make(map[AssetID]string),
	}
}

// Register returns the asset's ID, assigning one if needed.
func (r *AssetRegistry) Register(name string) (AssetID, error) {
	if name == "" {
		return 0, fmt.Errorf("empty asset name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		return id, nil
	}
	if len(r.byID) == int(^AssetID(0)) {
		return 0, fmt.Errorf("asset registry full")
	}
	id := AssetID(len(r.byID) + 1)
	r.byName[name] = id
	r.byID[id] = name
	return id, nil
}

func (r *AssetRegistry) ID(name string) (AssetID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

func (r *AssetRegistry) Name(id AssetID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byID[id]
	return name, ok
}

// Names returns registered names in ID order.
func (r *AssetRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]AssetID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = r.byID[id]
	}
	return names
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user UUID; zero for system and external accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for a user's wallet
func NewUserAccountKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for custody-held accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (r *AssetRegistry) AccountPath(k AccountKey) string {
	assetName, ok := r.Name(k.AssetID)
	if !ok {
		assetName = fmt.Sprintf("asset-%d", k.AssetID)
	}

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemVault:
		return "vault"
	case SubTypeSystemRewardReserve:
		return "reward_reserve"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}
