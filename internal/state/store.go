package state

import (
	fpmath "StakeLedger/internal/math"
	"fmt"
	"math/big"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// Store is the ledger state owned by the staking engine: pools, positions,
// strategies, the authorized asset list and the global TVL counter.
// Not thread-safe; the engine serializes access.
type Store struct {
	pools          map[PoolID]*Pool
	positions      map[PositionKey]*Position
	strategies     map[StrategyID]*Strategy
	assets         map[string]struct{}
	nextPoolID     PoolID
	nextStrategyID StrategyID
	tvl            sdkmath.Uint
}

func NewStore() *Store {
	return &Store{
		pools:          make(map[PoolID]*Pool),
		positions:      make(map[PositionKey]*Position),
		strategies:     make(map[StrategyID]*Strategy),
		assets:         make(map[string]struct{}),
		nextPoolID:     1,
		nextStrategyID: 1,
		tvl:            fpmath.Zero(),
	}
}

// --- Reads (return copies) ---

// GetPool returns a copy of the pool.
func (s *Store) GetPool(id PoolID) (*Pool, bool) {
	p, ok := s.pools[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// GetPosition returns a copy of the position, or an empty one if the user
// never staked in the pool.
func (s *Store) GetPosition(poolID PoolID, userID uuid.UUID) *Position {
	if u, ok := s.positions[PositionKey{PoolID: poolID, UserID: userID}]; ok {
		return u.Clone()
	}
	return NewPosition(poolID, userID)
}

// GetStrategy returns a copy of the strategy.
func (s *Store) GetStrategy(id StrategyID) (*Strategy, bool) {
	st, ok := s.strategies[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// IsAssetAuthorized reports whether asset may back a pool.
func (s *Store) IsAssetAuthorized(asset string) bool {
	_, ok := s.assets[asset]
	return ok
}

// GetAllPools returns copies of all pools ordered by id.
func (s *Store) GetAllPools() []*Pool {
	out := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetUserPositions returns copies of a user's positions ordered by pool id.
func (s *Store) GetUserPositions(userID uuid.UUID) []*Position {
	var out []*Position
	for key, u := range s.positions {
		if key.UserID == userID {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

// GetAllStrategies returns copies of all strategies ordered by id.
func (s *Store) GetAllStrategies() []*Strategy {
	out := make([]*Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AuthorizedAssets returns the authorized asset names, sorted.
func (s *Store) AuthorizedAssets() []string {
	out := make([]string, 0, len(s.assets))
	for a := range s.assets {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// TotalValueLocked is the sum of TotalStaked over all pools.
func (s *Store) TotalValueLocked() sdkmath.Uint {
	return s.tvl
}

// CheckConservation verifies TotalStaked equals the sum of staked amounts in
// every pool and that the TVL counter matches. O(positions); used on restore
// and in tests, never on the command path.
func (s *Store) CheckConservation() error {
	sums := make(map[PoolID]sdkmath.Uint, len(s.pools))
	for key, u := range s.positions {
		cur, ok := sums[key.PoolID]
		if !ok {
			cur = fpmath.Zero()
		}
		sums[key.PoolID] = cur.Add(u.StakedAmount)
	}

	tvl := fpmath.Zero()
	for id, p := range s.pools {
		sum, ok := sums[id]
		if !ok {
			sum = fpmath.Zero()
		}
		if !sum.Equal(p.TotalStaked) {
			return fmt.Errorf("%w: pool %d total staked %s, positions sum %s",
				ErrInvariant, id, p.TotalStaked, sum)
		}
		tvl = tvl.Add(p.TotalStaked)
	}
	if !tvl.Equal(s.tvl) {
		return fmt.Errorf("%w: tvl %s, pools sum %s", ErrInvariant, s.tvl, tvl)
	}
	return nil
}

// ============================================================================
// Txn: staged mutations, applied all-or-nothing by Commit
// ============================================================================

// Txn stages record changes on copies. Nothing reaches the Store until Commit.
type Txn struct {
	store *Store

	pools      map[PoolID]*Pool
	positions  map[PositionKey]*Position
	strategies map[StrategyID]*Strategy
	assets     []string

	origPools     map[PoolID]*Pool
	origPositions map[PositionKey]*Position

	nextPoolID     PoolID
	nextStrategyID StrategyID
}

// Begin opens a transaction against the store.
func (s *Store) Begin() *Txn {
	return &Txn{
		store:          s,
		pools:          make(map[PoolID]*Pool),
		positions:      make(map[PositionKey]*Position),
		strategies:     make(map[StrategyID]*Strategy),
		origPools:      make(map[PoolID]*Pool),
		origPositions:  make(map[PositionKey]*Position),
		nextPoolID:     s.nextPoolID,
		nextStrategyID: s.nextStrategyID,
	}
}

// Pool returns the staged copy of a pool, loading it on first access.
func (t *Txn) Pool(id PoolID) (*Pool, error) {
	if p, ok := t.pools[id]; ok {
		return p, nil
	}
	p, ok := t.store.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPool, id)
	}
	t.origPools[id] = p
	staged := p.Clone()
	t.pools[id] = staged
	return staged, nil
}

// Position returns the staged copy of a position, creating an empty one if needed.
func (t *Txn) Position(poolID PoolID, userID uuid.UUID) *Position {
	key := PositionKey{PoolID: poolID, UserID: userID}
	if u, ok := t.positions[key]; ok {
		return u
	}
	var staged *Position
	if u, ok := t.store.positions[key]; ok {
		t.origPositions[key] = u
		staged = u.Clone()
	} else {
		t.origPositions[key] = nil
		staged = NewPosition(poolID, userID)
	}
	t.positions[key] = staged
	return staged
}

// Strategy returns the staged copy of a strategy.
func (t *Txn) Strategy(id StrategyID) (*Strategy, error) {
	if st, ok := t.strategies[id]; ok {
		return st, nil
	}
	st, ok := t.store.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStrategy, id)
	}
	staged := st.Clone()
	t.strategies[id] = staged
	return staged, nil
}

// IsAssetAuthorized includes assets authorized earlier in this transaction.
func (t *Txn) IsAssetAuthorized(asset string) bool {
	for _, a := range t.assets {
		if a == asset {
			return true
		}
	}
	return t.store.IsAssetAuthorized(asset)
}

// CreatePool stages a new pool with the next id.
func (t *Txn) CreatePool(stakingAsset, rewardAsset string, rate, capacity sdkmath.Uint, now int64) *Pool {
	p := NewPool(t.nextPoolID, stakingAsset, rewardAsset, rate, capacity, now)
	t.nextPoolID++
	t.pools[p.ID] = p
	t.origPools[p.ID] = nil
	return p
}

// CreateStrategy stages a new strategy with the next id.
func (t *Txn) CreateStrategy(name string, allocs []Allocation, now int64) *Strategy {
	st := &Strategy{
		ID:          t.nextStrategyID,
		Name:        name,
		Allocations: append([]Allocation(nil), allocs...),
		Active:      true,
		CreatedAt:   now,
	}
	t.nextStrategyID++
	t.strategies[st.ID] = st
	return st
}

// AuthorizeAsset stages an asset authorization.
func (t *Txn) AuthorizeAsset(asset string) {
	if !t.IsAssetAuthorized(asset) {
		t.assets = append(t.assets, asset)
	}
}

// Verify checks the staged records against the originals:
// conservation of TotalStaked against position deltas, and
// monotone accumulator and LastUpdateTime per pool.
func (t *Txn) Verify() error {
	deltas := make(map[PoolID]*big.Int)
	for key, u := range t.positions {
		before := fpmath.Zero()
		if orig := t.origPositions[key]; orig != nil {
			before = orig.StakedAmount
		}
		d, ok := deltas[key.PoolID]
		if !ok {
			d = new(big.Int)
			deltas[key.PoolID] = d
		}
		d.Add(d, u.StakedAmount.BigInt())
		d.Sub(d, before.BigInt())
	}

	for id, p := range t.pools {
		orig := t.origPools[id]
		before := fpmath.Zero()
		if orig != nil {
			before = orig.TotalStaked
			if p.RewardPerShareStored.LT(orig.RewardPerShareStored) {
				return fmt.Errorf("%w: pool %d accumulator decreased from %s to %s",
					ErrInvariant, id, orig.RewardPerShareStored, p.RewardPerShareStored)
			}
			if p.LastUpdateTime < orig.LastUpdateTime {
				return fmt.Errorf("%w: pool %d last update moved back from %d to %d",
					ErrInvariant, id, orig.LastUpdateTime, p.LastUpdateTime)
			}
		}

		poolDelta := new(big.Int).Sub(p.TotalStaked.BigInt(), before.BigInt())
		posDelta, ok := deltas[id]
		if !ok {
			posDelta = new(big.Int)
		}
		if poolDelta.Cmp(posDelta) != 0 {
			return fmt.Errorf("%w: pool %d total staked moved by %s, positions by %s",
				ErrInvariant, id, poolDelta, posDelta)
		}
		delete(deltas, id)
	}

	for id, d := range deltas {
		if d.Sign() != 0 {
			return fmt.Errorf("%w: positions in pool %d moved by %s without the pool", ErrInvariant, id, d)
		}
	}
	return nil
}

// Changes lists the staged records in deterministic order.
type Changes struct {
	Pools      []*Pool
	Positions  []*Position
	Strategies []*Strategy
	Assets     []string
}

// Changes returns copies of everything staged, sorted by key.
func (t *Txn) Changes() Changes {
	var c Changes
	for _, p := range t.pools {
		c.Pools = append(c.Pools, p.Clone())
	}
	for _, u := range t.positions {
		c.Positions = append(c.Positions, u.Clone())
	}
	for _, st := range t.strategies {
		c.Strategies = append(c.Strategies, st.Clone())
	}
	c.Assets = append(c.Assets, t.assets...)

	sort.Slice(c.Pools, func(i, j int) bool { return c.Pools[i].ID < c.Pools[j].ID })
	sort.Slice(c.Positions, func(i, j int) bool {
		if c.Positions[i].PoolID != c.Positions[j].PoolID {
			return c.Positions[i].PoolID < c.Positions[j].PoolID
		}
		return c.Positions[i].UserID.String() < c.Positions[j].UserID.String()
	})
	sort.Slice(c.Strategies, func(i, j int) bool { return c.Strategies[i].ID < c.Strategies[j].ID })
	sort.Strings(c.Assets)
	return c
}

// Commit applies every staged record and the TVL delta to the store.
func (t *Txn) Commit() error {
	tvl := t.store.tvl.BigInt()
	for id, p := range t.pools {
		if orig := t.origPools[id]; orig != nil {
			tvl.Sub(tvl, orig.TotalStaked.BigInt())
		}
		tvl.Add(tvl, p.TotalStaked.BigInt())
	}
	if tvl.Sign() < 0 {
		return fmt.Errorf("%w: tvl would go negative", ErrInvariant)
	}

	for id, p := range t.pools {
		t.store.pools[id] = p
	}
	for key, u := range t.positions {
		t.store.positions[key] = u
	}
	for id, st := range t.strategies {
		t.store.strategies[id] = st
	}
	for _, a := range t.assets {
		t.store.assets[a] = struct{}{}
	}
	t.store.nextPoolID = t.nextPoolID
	t.store.nextStrategyID = t.nextStrategyID
	t.store.tvl = sdkmath.NewUintFromBigInt(tvl)

	// The store now owns the staged records.
	t.pools, t.positions, t.strategies, t.assets = nil, nil, nil, nil
	return nil
}

// ============================================================================
// Snapshot & restore
// ============================================================================

// Snapshot is the serializable form of a Store.
type Snapshot struct {
	Pools          []*Pool      `json:"pools"`
	Positions      []*Position  `json:"positions"`
	Strategies     []*Strategy  `json:"strategies"`
	Assets         []string     `json:"assets"`
	NextPoolID     PoolID       `json:"next_pool_id"`
	NextStrategyID StrategyID   `json:"next_strategy_id"`
	TVL            sdkmath.Uint `json:"tvl"`
}

// Snapshot captures a deep copy of the store.
func (s *Store) Snapshot() *Snapshot {
	positions := make([]*Position, 0, len(s.positions))
	for _, u := range s.positions {
		positions = append(positions, u.Clone())
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].PoolID != positions[j].PoolID {
			return positions[i].PoolID < positions[j].PoolID
		}
		return positions[i].UserID.String() < positions[j].UserID.String()
	})

	return &Snapshot{
		Pools:          s.GetAllPools(),
		Positions:      positions,
		Strategies:     s.GetAllStrategies(),
		Assets:         s.AuthorizedAssets(),
		NextPoolID:     s.nextPoolID,
		NextStrategyID: s.nextStrategyID,
		TVL:            s.tvl,
	}
}

// RestoreStore rebuilds a store from a snapshot and verifies conservation.
func RestoreStore(snap *Snapshot) (*Store, error) {
	s := NewStore()
	for _, p := range snap.Pools {
		c := p.Clone()
		c.normalize()
		s.pools[c.ID] = c
	}
	for _, u := range snap.Positions {
		c := u.Clone()
		c.normalize()
		s.positions[c.Key()] = c
	}
	for _, st := range snap.Strategies {
		s.strategies[st.ID] = st.Clone()
	}
	for _, a := range snap.Assets {
		s.assets[a] = struct{}{}
	}
	if snap.NextPoolID > 0 {
		s.nextPoolID = snap.NextPoolID
	}
	if snap.NextStrategyID > 0 {
		s.nextStrategyID = snap.NextStrategyID
	}
	s.tvl = fpmath.OrZero(snap.TVL)

	if err := s.CheckConservation(); err != nil {
		return nil, fmt.Errorf("restore store: %w", err)
	}
	return s, nil
}
