package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// UnbondedAt is the bonded_at sentinel for an asset still in its pre-bond
// sale phase.
const UnbondedAt int64 = -1

// AssetLedger is the per-asset aggregate: issuance metadata plus the total
// asset units held in treasury custody across all user positions
// (locked + claimable). One ledger exists per issued asset, addressed by the
// storage key derived from its symbol and name.
type AssetLedger struct {
	Creator       uuid.UUID
	AssetID       uuid.UUID
	Name          string
	Symbol        string
	URI           string
	Decimals      uint8
	LockedTotal   uint64
	CreatedAtUs   int64
	BondedAtUs    int64
	PoolReference string
	Version       int64
}

// IsBonded reports whether the one-way bond transition has happened.
func (a *AssetLedger) IsBonded() bool {
	return a.BondedAtUs != UnbondedAt
}

// Bond performs the PreBond -> Bonded transition. It is a replay guard: a
// ledger bonds exactly once, and a second attempt fails with ErrAlreadyBonded
// regardless of the pool reference supplied.
func (a *AssetLedger) Bond(poolReference string, atUs int64) error {
	if a.IsBonded() {
		return ErrAlreadyBonded
	}
	if atUs < a.CreatedAtUs {
		return fmt.Errorf("bond timestamp %d precedes asset creation %d", atUs, a.CreatedAtUs)
	}
	a.BondedAtUs = atUs
	a.PoolReference = poolReference
	a.Version++
	return nil
}

// Clone returns an independent copy, used for snapshots handed to the
// persistence and publishing channels.
func (a *AssetLedger) Clone() *AssetLedger {
	cp := *a
	return &cp
}
