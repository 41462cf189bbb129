// Package event defines the inbound command types the ledger core consumes
// and the outbound records it emits. Commands are plain data: the ingestion
// shell builds them from wire messages and the core never sees transport
// details.
package event

import "github.com/google/uuid"

type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeIssueAsset
	OpTypeTradePreBond
	OpTypeLockClaim
	OpTypeBondAsset
	OpTypeAccrueUnlock
)

func (t OpType) String() string {
	switch t {
	case OpTypeIssueAsset:
		return "issue_asset"
	case OpTypeTradePreBond:
		return "trade_pre_bond"
	case OpTypeLockClaim:
		return "lock_claim_post_bond"
	case OpTypeBondAsset:
		return "bond_asset"
	case OpTypeAccrueUnlock:
		return "accrue_unlock"
	default:
		return "unknown"
	}
}

// Command is what the dispatcher routes on. OpID is the idempotency key:
// the same id is never applied twice. TimestampUs is the versioned input
// timestamp; the core never reads the wall clock.
type Command interface {
	OpID() uuid.UUID
	Type() OpType
	TimestampUs() int64
}

// Meta carries the fields common to every command.
type Meta struct {
	ID    uuid.UUID
	Actor uuid.UUID
	TsUs  int64
}

func (m Meta) OpID() uuid.UUID    { return m.ID }
func (m Meta) TimestampUs() int64 { return m.TsUs }

// IssueAsset creates an asset and its ledger. The actor becomes the ledger's
// creator.
type IssueAsset struct {
	Meta
	Name     string
	Symbol   string
	URI      string
	Decimals uint8
}

func (IssueAsset) Type() OpType { return OpTypeIssueAsset }

// TradePreBond buys (positive BaseAmount) or sells (negative) on the curve.
// Symbol and Name resolve the ledger; AssetID is cross-checked against it.
// User names the position owner, which must equal the actor.
type TradePreBond struct {
	Meta
	User       uuid.UUID
	AssetID    uuid.UUID
	Symbol     string
	Name       string
	BaseAmount int64
}

func (TradePreBond) Type() OpType { return OpTypeTradePreBond }

// LockClaim locks (positive AssetAmount) or claims (negative) asset units
// after bonding.
type LockClaim struct {
	Meta
	User        uuid.UUID
	AssetID     uuid.UUID
	Symbol      string
	Name        string
	AssetAmount int64
}

func (LockClaim) Type() OpType { return OpTypeLockClaim }

// BondAsset performs the one-way transition out of the sale phase, recording
// the external liquidity pool the asset graduated to.
type BondAsset struct {
	Meta
	AssetID       uuid.UUID
	Symbol        string
	Name          string
	PoolReference string
}

func (BondAsset) Type() OpType { return OpTypeBondAsset }

// AccrueUnlock advances the unlock schedule for one position up to the
// command timestamp.
type AccrueUnlock struct {
	Meta
	User    uuid.UUID
	AssetID uuid.UUID
	Symbol  string
	Name    string
}

func (AccrueUnlock) Type() OpType { return OpTypeAccrueUnlock }
