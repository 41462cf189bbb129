package query

// AssetResponse is the API view of one asset ledger. as_of_sequence is the
// last persisted op sequence at read time, so callers can reason about
// freshness relative to the write path.
type AssetResponse struct {
	AssetID       string `json:"asset_id"`
	Creator       string `json:"creator"`
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	URI           string `json:"uri"`
	Decimals      int16  `json:"decimals"`
	LockedTotal   int64  `json:"locked_total"`
	CreatedAtUs   int64  `json:"created_at_us"`
	BondedAtUs    int64  `json:"bonded_at_us"`
	Bonded        bool   `json:"bonded"`
	PoolReference string `json:"pool_reference,omitempty"`
	Version       int64  `json:"version"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// PositionResponse is the API view of one user position.
type PositionResponse struct {
	AssetID       string `json:"asset_id"`
	UserID        string `json:"user_id"`
	Locked        int64  `json:"locked"`
	Claimable     int64  `json:"claimable"`
	LastAccrualUs int64  `json:"last_accrual_us"`
	Version       int64  `json:"version"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// OpLogEntry is one applied operation from the audit log.
type OpLogEntry struct {
	Sequence    int64  `json:"sequence"`
	OpID        string `json:"op_id"`
	OpType      string `json:"op_type"`
	AssetID     string `json:"asset_id"`
	Actor       string `json:"actor"`
	TimestampUs int64  `json:"timestamp_us"`
}

// CustodyReport is the result of the treasury custody invariant check: for
// every asset, locked_total must equal the sum of locked + claimable over
// its positions.
type CustodyReport struct {
	IsHealthy  bool            `json:"is_healthy"`
	Violations []CustodyBreach `json:"violations,omitempty"`
}

// CustodyBreach names one asset whose persisted custody does not add up.
type CustodyBreach struct {
	AssetID     string `json:"asset_id"`
	Symbol      string `json:"symbol"`
	LockedTotal int64  `json:"locked_total"`
	PositionSum int64  `json:"position_sum"`
}
