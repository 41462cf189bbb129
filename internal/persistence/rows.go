package persistence

// Row types for the bond schema. Quantities are bounded above by the mint
// supply (1e18 < 2^63), so uint64 ledger values are stored losslessly in
// BIGINT columns.

// OpRow is one applied operation in bond.op_log. The unique (op_type, op_id)
// index doubles as the cold idempotency tier.
type OpRow struct {
	Sequence    int64
	OpID        string
	OpType      string
	AssetID     string
	Actor       string
	TimestampUs int64
}

// AssetRow is the persisted image of one asset ledger.
type AssetRow struct {
	StorageKey    string
	AssetID       string
	Creator       string
	Name          string
	Symbol        string
	URI           string
	Decimals      int16
	LockedTotal   int64
	CreatedAtUs   int64
	BondedAtUs    int64
	PoolReference string
	Version       int64
}

// PositionRow is the persisted image of one user position.
type PositionRow struct {
	StorageKey    string
	AssetID       string
	UserID        string
	Locked        int64
	Claimable     int64
	LastAccrualUs int64
	Version       int64
}

// Outcome mirrors core.Output in row form to avoid an import cycle; the
// orchestrator (cmd main) bridges between the two.
type Outcome struct {
	Op       OpRow
	Asset    *AssetRow
	Position *PositionRow
}
