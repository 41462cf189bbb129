package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the persisted ledger state.
// Reads go to Postgres, not the in-memory book, so results trail the write
// path by at most one persistence batch; every response carries
// as_of_sequence so callers can see how far behind they are.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetAsset returns one asset ledger by symbol and name.
func (qs *QueryService) GetAsset(ctx context.Context, symbol, name string) (*AssetResponse, error) {
	asOfSeq, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var a AssetResponse
	err = qs.db.QueryRowContext(ctx, `
		SELECT asset_id, creator, name, symbol, uri, decimals,
		       locked_total, created_at_us, bonded_at_us, pool_reference, version
		FROM bond.asset_ledgers
		WHERE symbol = $1 AND name = $2
	`, symbol, name).Scan(
		&a.AssetID, &a.Creator, &a.Name, &a.Symbol, &a.URI, &a.Decimals,
		&a.LockedTotal, &a.CreatedAtUs, &a.BondedAtUs, &a.PoolReference, &a.Version,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Bonded = a.BondedAtUs >= 0
	a.AsOfSequence = asOfSeq
	return &a, nil
}

// GetAssetByID returns one asset ledger by its asset id.
func (qs *QueryService) GetAssetByID(ctx context.Context, assetID uuid.UUID) (*AssetResponse, error) {
	asOfSeq, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var a AssetResponse
	err = qs.db.QueryRowContext(ctx, `
		SELECT asset_id, creator, name, symbol, uri, decimals,
		       locked_total, created_at_us, bonded_at_us, pool_reference, version
		FROM bond.asset_ledgers
		WHERE asset_id = $1
	`, assetID).Scan(
		&a.AssetID, &a.Creator, &a.Name, &a.Symbol, &a.URI, &a.Decimals,
		&a.LockedTotal, &a.CreatedAtUs, &a.BondedAtUs, &a.PoolReference, &a.Version,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Bonded = a.BondedAtUs >= 0
	a.AsOfSequence = asOfSeq
	return &a, nil
}

// ListAssets returns all asset ledgers, newest first.
func (qs *QueryService) ListAssets(ctx context.Context, limit int) ([]AssetResponse, error) {
	asOfSeq, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, creator, name, symbol, uri, decimals,
		       locked_total, created_at_us, bonded_at_us, pool_reference, version
		FROM bond.asset_ledgers
		ORDER BY created_at_us DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []AssetResponse
	for rows.Next() {
		var a AssetResponse
		if err := rows.Scan(
			&a.AssetID, &a.Creator, &a.Name, &a.Symbol, &a.URI, &a.Decimals,
			&a.LockedTotal, &a.CreatedAtUs, &a.BondedAtUs, &a.PoolReference, &a.Version,
		); err != nil {
			return nil, err
		}
		a.Bonded = a.BondedAtUs >= 0
		a.AsOfSequence = asOfSeq
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// GetPosition returns one user's position in one asset. An absent row is
// reported as a zeroed position, matching the lazy-creation semantics of
// the write path.
func (qs *QueryService) GetPosition(ctx context.Context, assetID, userID uuid.UUID) (*PositionResponse, error) {
	asOfSeq, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}

	p := PositionResponse{
		AssetID:      assetID.String(),
		UserID:       userID.String(),
		AsOfSequence: asOfSeq,
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT locked, claimable, last_accrual_us, version
		FROM bond.user_positions
		WHERE asset_id = $1 AND user_id = $2
	`, assetID, userID).Scan(&p.Locked, &p.Claimable, &p.LastAccrualUs, &p.Version)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return &p, nil
}

// ListPositions returns all positions in one asset, largest custody first.
func (qs *QueryService) ListPositions(ctx context.Context, assetID uuid.UUID, limit int) ([]PositionResponse, error) {
	asOfSeq, err := qs.watermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT user_id, locked, claimable, last_accrual_us, version
		FROM bond.user_positions
		WHERE asset_id = $1
		ORDER BY locked + claimable DESC
		LIMIT $2
	`, assetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p := PositionResponse{AssetID: assetID.String(), AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.UserID, &p.Locked, &p.Claimable, &p.LastAccrualUs, &p.Version); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetOpLog returns applied operations for one asset with cursor pagination.
func (qs *QueryService) GetOpLog(ctx context.Context, assetID uuid.UUID, limit int, beforeSequence *int64) ([]OpLogEntry, error) {
	query := `
		SELECT sequence, op_id, op_type, asset_id, actor, timestamp_us
		FROM bond.op_log
		WHERE asset_id = $1
	`
	args := []interface{}{assetID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OpLogEntry
	for rows.Next() {
		var e OpLogEntry
		if err := rows.Scan(&e.Sequence, &e.OpID, &e.OpType, &e.AssetID, &e.Actor, &e.TimestampUs); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyCustody checks the treasury custody invariant over the persisted
// state: per asset, locked_total == SUM(locked + claimable).
func (qs *QueryService) VerifyCustody(ctx context.Context) (*CustodyReport, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT a.asset_id, a.symbol, a.locked_total,
		       COALESCE(SUM(p.locked + p.claimable), 0) AS position_sum
		FROM bond.asset_ledgers a
		LEFT JOIN bond.user_positions p ON p.asset_id = a.asset_id
		GROUP BY a.asset_id, a.symbol, a.locked_total
		HAVING a.locked_total != COALESCE(SUM(p.locked + p.claimable), 0)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := &CustodyReport{}
	for rows.Next() {
		var b CustodyBreach
		if err := rows.Scan(&b.AssetID, &b.Symbol, &b.LockedTotal, &b.PositionSum); err != nil {
			return nil, err
		}
		report.Violations = append(report.Violations, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	report.IsHealthy = len(report.Violations) == 0
	return report, nil
}

func (qs *QueryService) watermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM bond.op_log`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
