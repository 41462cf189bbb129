package ledger

import "github.com/google/uuid"

// UserPosition tracks one user's holdings in one asset. Locked units were
// bought on the curve or locked post-bond; Claimable units have passed the
// unlock schedule and may be withdrawn. Both are held in treasury custody
// until claimed, so the owning ledger's LockedTotal always equals the sum of
// Locked + Claimable over its positions.
//
// Positions are created lazily on first interaction and never deleted; a
// zeroed position is indistinguishable from an absent one.
type UserPosition struct {
	User          uuid.UUID
	AssetID       uuid.UUID
	Locked        uint64
	Claimable     uint64
	LastAccrualUs int64
	Version       int64
}

// Custody is the position's share of treasury custody.
func (p *UserPosition) Custody() uint64 {
	return p.Locked + p.Claimable
}

// Clone returns an independent copy for channel snapshots.
func (p *UserPosition) Clone() *UserPosition {
	cp := *p
	return &cp
}
