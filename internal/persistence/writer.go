package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// LedgerWriter writes applied operations and aggregate snapshots to Postgres
// using multi-row statements. The worker drives it inside one transaction
// per batch so the op log never runs ahead of the state tables.
type LedgerWriter struct {
	db *sql.DB
}

func NewLedgerWriter(db *sql.DB) *LedgerWriter {
	return &LedgerWriter{db: db}
}

// WriteOpBatch appends to bond.op_log. ON CONFLICT DO NOTHING keeps retried
// batches idempotent.
func (w *LedgerWriter) WriteOpBatch(ctx context.Context, tx *sql.Tx, ops []OpRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO bond.op_log
		(sequence, op_id, op_type, asset_id, actor, timestamp_us)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*6)
	for i, op := range ops {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, op.Sequence, op.OpID, op.OpType, op.AssetID, op.Actor, op.TimestampUs)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertAssets writes asset ledger snapshots. The version guard keeps an
// out-of-order retry from clobbering a newer image.
func (w *LedgerWriter) UpsertAssets(ctx context.Context, tx *sql.Tx, assets []AssetRow) error {
	if len(assets) == 0 {
		return nil
	}

	query := `INSERT INTO bond.asset_ledgers
		(storage_key, asset_id, creator, name, symbol, uri, decimals,
		 locked_total, created_at_us, bonded_at_us, pool_reference, version)
		VALUES `

	values := make([]string, 0, len(assets))
	args := make([]interface{}, 0, len(assets)*12)
	for i, a := range assets {
		base := i * 12
		placeholders := make([]string, 12)
		for p := range placeholders {
			placeholders[p] = fmt.Sprintf("$%d", base+p+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			a.StorageKey, a.AssetID, a.Creator, a.Name, a.Symbol, a.URI, a.Decimals,
			a.LockedTotal, a.CreatedAtUs, a.BondedAtUs, a.PoolReference, a.Version,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (storage_key) DO UPDATE SET
		locked_total = EXCLUDED.locked_total,
		bonded_at_us = EXCLUDED.bonded_at_us,
		pool_reference = EXCLUDED.pool_reference,
		version = EXCLUDED.version
		WHERE bond.asset_ledgers.version < EXCLUDED.version`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// UpsertPositions writes position snapshots with the same version guard.
func (w *LedgerWriter) UpsertPositions(ctx context.Context, tx *sql.Tx, positions []PositionRow) error {
	if len(positions) == 0 {
		return nil
	}

	query := `INSERT INTO bond.user_positions
		(storage_key, asset_id, user_id, locked, claimable, last_accrual_us, version)
		VALUES `

	values := make([]string, 0, len(positions))
	args := make([]interface{}, 0, len(positions)*7)
	for i, p := range positions {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			p.StorageKey, p.AssetID, p.UserID, p.Locked, p.Claimable, p.LastAccrualUs, p.Version,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (storage_key) DO UPDATE SET
		locked = EXCLUDED.locked,
		claimable = EXCLUDED.claimable,
		last_accrual_us = EXCLUDED.last_accrual_us,
		version = EXCLUDED.version
		WHERE bond.user_positions.version < EXCLUDED.version`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
