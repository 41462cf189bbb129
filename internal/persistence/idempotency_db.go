package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresOpChecker is the cold idempotency tier: it looks applied
// operations up in bond.op_log when the in-memory LRU misses.
type PostgresOpChecker struct {
	db *sql.DB
}

func NewPostgresOpChecker(db *sql.DB) *PostgresOpChecker {
	return &PostgresOpChecker{db: db}
}

// IsDuplicate reports whether an operation with this (op_type, op_id) was
// already applied. The lookup is bounded so a slow database degrades into a
// cold-tier miss rather than stalling dispatch.
func (c *PostgresOpChecker) IsDuplicate(opType string, opID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM bond.op_log
        WHERE op_type = $1 AND op_id = $2
        LIMIT 1
    `

	var exists int
	err := c.db.QueryRowContext(ctx, query, opType, opID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
