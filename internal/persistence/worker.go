package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"BondLedger/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The persist channel uses BLOCKING sends from the ledger core, so if this
// worker falls behind the core stalls rather than losing an outcome.
type PersistenceWorker struct {
	writer       *LedgerWriter
	db           *sql.DB
	inputChan    <-chan Outcome
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan Outcome,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewLedgerWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run batches incoming outcomes and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]Outcome, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops an
// outcome: it retries until the write succeeds or, on shutdown, attempts one
// final flush with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []Outcome) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, outcomes=%d)",
				attempt, backoff, len(batch))
			select {
			case <-ctx.Done():
				if finalErr := pw.flush(context.Background(), batch); finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []Outcome) error {
	start := time.Now()

	ops := make([]OpRow, 0, len(batch))
	// Later snapshots of the same aggregate supersede earlier ones inside a
	// batch; only the newest needs to hit the upsert.
	latestAssets := make(map[string]AssetRow)
	latestPositions := make(map[string]PositionRow)
	for _, out := range batch {
		ops = append(ops, out.Op)
		if out.Asset != nil {
			latestAssets[out.Asset.StorageKey] = *out.Asset
		}
		if out.Position != nil {
			latestPositions[out.Position.StorageKey] = *out.Position
		}
	}
	assets := make([]AssetRow, 0, len(latestAssets))
	for _, a := range latestAssets {
		assets = append(assets, a)
	}
	positions := make([]PositionRow, 0, len(latestPositions))
	for _, p := range latestPositions {
		positions = append(positions, p)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteOpBatch(ctx, tx, ops); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_ops").Inc()
		}
		return err
	}
	if err := pw.writer.UpsertAssets(ctx, tx, assets); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("upsert_assets").Inc()
		}
		return err
	}
	if err := pw.writer.UpsertPositions(ctx, tx, positions); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("upsert_positions").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch)))
		pw.metrics.PersistRowsWritten.Add(float64(len(ops) + len(assets) + len(positions)))
		pw.metrics.PersistLastSequence.Set(float64(ops[len(ops)-1].Sequence))
	}

	return nil
}
