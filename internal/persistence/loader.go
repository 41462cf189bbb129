package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// StateLoader restores the book and the dedup LRU from Postgres at startup.
type StateLoader struct {
	db *sql.DB
}

func NewStateLoader(db *sql.DB) *StateLoader {
	return &StateLoader{db: db}
}

// LoadAssets reads every persisted asset ledger.
func (l *StateLoader) LoadAssets(ctx context.Context) ([]AssetRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT storage_key, asset_id, creator, name, symbol, uri, decimals,
		       locked_total, created_at_us, bonded_at_us, pool_reference, version
		FROM bond.asset_ledgers
	`)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	defer rows.Close()

	var out []AssetRow
	for rows.Next() {
		var a AssetRow
		if err := rows.Scan(
			&a.StorageKey, &a.AssetID, &a.Creator, &a.Name, &a.Symbol, &a.URI, &a.Decimals,
			&a.LockedTotal, &a.CreatedAtUs, &a.BondedAtUs, &a.PoolReference, &a.Version,
		); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoadPositions reads every persisted user position.
func (l *StateLoader) LoadPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT storage_key, asset_id, user_id, locked, claimable, last_accrual_us, version
		FROM bond.user_positions
	`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var p PositionRow
		if err := rows.Scan(
			&p.StorageKey, &p.AssetID, &p.UserID, &p.Locked, &p.Claimable, &p.LastAccrualUs, &p.Version,
		); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LastSequence returns the highest persisted op sequence, or 0 for an empty
// log. The core resumes numbering from here.
func (l *StateLoader) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM bond.op_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("load last sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// RecentOpKeys returns the newest composite dedup keys ("op_type:op_id") for
// warming the idempotency LRU.
func (l *StateLoader) RecentOpKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT op_type || ':' || op_id
		FROM bond.op_log
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent op keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan op key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
