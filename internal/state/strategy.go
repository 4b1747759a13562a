package state

import (
	fpmath "StakeLedger/internal/math"
	"encoding/binary"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

// StrategyID is the opaque strategy identifier, assigned sequentially from 1.
type StrategyID uint64

// Allocation is one pool's weight in a strategy.
type Allocation struct {
	PoolID      PoolID `json:"pool_id"`
	BasisPoints uint32 `json:"basis_points"`
}

// Strategy splits one deposit across pools by fixed weights, in stored order.
type Strategy struct {
	ID          StrategyID   `json:"id"`
	Name        string       `json:"name"`
	Allocations []Allocation `json:"allocations"`
	Active      bool         `json:"active"`
	CreatedAt   int64        `json:"created_at"`
}

// Share is the amount routed to one pool by Split.
type Share struct {
	PoolID PoolID
	Amount sdkmath.Uint
}

func (s *Strategy) Clone() *Strategy {
	c := *s
	c.Allocations = append([]Allocation(nil), s.Allocations...)
	return &c
}

func (s *Strategy) weights() []uint32 {
	w := make([]uint32, len(s.Allocations))
	for i, a := range s.Allocations {
		w[i] = a.BasisPoints
	}
	return w
}

// Validate checks the weights sum to 10,000 and no pool repeats.
func (s *Strategy) Validate() error {
	if err := fpmath.ValidateBasisPoints(s.weights()); err != nil {
		return fmt.Errorf("strategy %d: %w", s.ID, err)
	}

	seen := make(map[PoolID]struct{}, len(s.Allocations))
	for _, a := range s.Allocations {
		if _, dup := seen[a.PoolID]; dup {
			return fmt.Errorf("strategy %d: %w: %d", s.ID, ErrDuplicatePool, a.PoolID)
		}
		seen[a.PoolID] = struct{}{}
	}
	return nil
}

// Split divides total by the strategy weights. The truncation remainder is
// returned as dust and is not deposited anywhere.
func (s *Strategy) Split(total sdkmath.Uint) ([]Share, sdkmath.Uint, error) {
	amounts, dust, err := fpmath.SplitBasisPoints(total, s.weights())
	if err != nil {
		return nil, sdkmath.Uint{}, err
	}

	shares := make([]Share, len(amounts))
	for i, amt := range amounts {
		shares[i] = Share{PoolID: s.Allocations[i].PoolID, Amount: amt}
	}
	return shares, dust, nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (s *Strategy) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32+len(s.Allocations)*12)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.ID))
	buf = append(buf, byte(len(s.Name)))
	buf = append(buf, s.Name...)
	for _, a := range s.Allocations {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(a.PoolID))
		buf = binary.LittleEndian.AppendUint32(buf, a.BasisPoints)
	}
	if s.Active {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}
