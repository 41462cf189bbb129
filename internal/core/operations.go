package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"BondLedger/internal/curve"
	"BondLedger/internal/event"
	"BondLedger/internal/gateway"
	"BondLedger/internal/issuance"
	"BondLedger/internal/ledger"
	"BondLedger/internal/observability"
)

// ErrDuplicateOp marks a command whose op id was already applied. Ingestion
// acks these without redelivery.
var ErrDuplicateOp = errors.New("duplicate operation")

// Output is the result of one applied operation: the envelope plus cloned
// snapshots of the aggregates it touched. Position is nil for issue and bond
// operations.
type Output struct {
	Envelope event.Envelope
	Asset    *ledger.AssetLedger
	Position *ledger.UserPosition
}

// LedgerOps applies commands against the book. Every operation follows the
// same shape: reserve the op id, acquire aggregate locks (asset before
// position), load and validate, stage new values with checked arithmetic,
// perform the single gateway transfer, commit the staged values, emit, and
// commit the op id reservation.
//
// The gateway transfer is deliberately the last failure-sensitive step:
// nothing is committed before it succeeds, so a transfer failure leaves no
// observable mutation and there is never anything to roll back.
type LedgerOps struct {
	params  Params
	book    *ledger.Book
	gw      gateway.Gateway
	issuer  issuance.Issuer
	deduper *OpDeduper
	metrics *observability.Metrics
	log     zerolog.Logger

	sequence atomic.Int64

	// persistCh is the durability path: sends block, the book never runs
	// ahead of what will eventually reach Postgres. publishCh is best-effort
	// fan-out: sends drop when the consumer lags.
	persistCh chan<- Output
	publishCh chan<- Output
}

func NewLedgerOps(
	params Params,
	book *ledger.Book,
	gw gateway.Gateway,
	issuer issuance.Issuer,
	deduper *OpDeduper,
	metrics *observability.Metrics,
	startSequence int64,
	persistCh chan<- Output,
	publishCh chan<- Output,
) *LedgerOps {
	o := &LedgerOps{
		params:    params,
		book:      book,
		gw:        gw,
		issuer:    issuer,
		deduper:   deduper,
		metrics:   metrics,
		log:       observability.NewLogger("ledger_ops"),
		persistCh: persistCh,
		publishCh: publishCh,
	}
	o.sequence.Store(startSequence)
	return o
}

// Dispatch routes one command to its operation. The returned error is the
// single outcome the caller observes; on any non-nil error the book is
// unchanged.
func (o *LedgerOps) Dispatch(ctx context.Context, cmd event.Command) error {
	opType := cmd.Type().String()
	opID := cmd.OpID().String()

	// The reservation makes duplicate detection atomic with the apply: a
	// concurrent delivery of the same op id fails with ErrConflict and is
	// redelivered after this dispatch has committed or released.
	duplicate, err := o.deduper.Reserve(opType, opID)
	if err != nil {
		o.metrics.OpsRejected.WithLabelValues(opType, rejectionReason(err)).Inc()
		return fmt.Errorf("op %s %s: %w", opType, opID, err)
	}
	if duplicate {
		o.metrics.DedupDuplicates.WithLabelValues(opType).Inc()
		o.metrics.OpsRejected.WithLabelValues(opType, "duplicate").Inc()
		return fmt.Errorf("%w: %s %s", ErrDuplicateOp, opType, opID)
	}

	start := time.Now()
	switch c := cmd.(type) {
	case event.IssueAsset:
		err = o.applyIssueAsset(ctx, c)
	case event.TradePreBond:
		err = o.applyTradePreBond(ctx, c)
	case event.LockClaim:
		err = o.applyLockClaim(ctx, c)
	case event.BondAsset:
		err = o.applyBondAsset(ctx, c)
	case event.AccrueUnlock:
		err = o.applyAccrueUnlock(ctx, c)
	default:
		err = fmt.Errorf("unhandled command type %T", cmd)
	}

	if err != nil {
		o.deduper.Release(opType, opID)
		o.metrics.OpsRejected.WithLabelValues(opType, rejectionReason(err)).Inc()
		o.log.Warn().
			Str("op_type", opType).
			Str("op_id", opID).
			Err(err).
			Msg("operation rejected")
		return err
	}

	o.deduper.Commit(opType, opID)
	o.metrics.OpsApplied.WithLabelValues(opType).Inc()
	o.metrics.OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	o.metrics.DedupLRUSize.Set(float64(o.deduper.Size()))
	return nil
}

func (o *LedgerOps) applyIssueAsset(ctx context.Context, cmd event.IssueAsset) error {
	if cmd.Decimals != o.params.Decimals {
		return fmt.Errorf("issue %q: declared %d decimals, system uses %d: %w",
			cmd.Symbol, cmd.Decimals, o.params.Decimals, ledger.ErrInvalidPrecision)
	}

	key := ledger.AssetKey(cmd.Symbol, cmd.Name)
	if err := o.book.Acquire(key); err != nil {
		return err
	}
	defer o.book.Release(key)

	if _, err := o.book.Asset(key); err == nil {
		return fmt.Errorf("issue %q/%q: %w", cmd.Symbol, cmd.Name, ledger.ErrAssetExists)
	}

	spec := issuance.AssetSpec{
		Name:     cmd.Name,
		Symbol:   cmd.Symbol,
		URI:      cmd.URI,
		Decimals: cmd.Decimals,
	}
	assetID, err := o.issuer.CreateAsset(ctx, cmd.Actor, spec, o.params.MintSupply)
	if err != nil {
		return fmt.Errorf("issue %q: %w", cmd.Symbol, err)
	}

	asset := &ledger.AssetLedger{
		Creator:     cmd.Actor,
		AssetID:     assetID,
		Name:        cmd.Name,
		Symbol:      cmd.Symbol,
		URI:         cmd.URI,
		Decimals:    cmd.Decimals,
		CreatedAtUs: cmd.TsUs,
		BondedAtUs:  ledger.UnbondedAt,
	}
	if err := o.book.CreateAsset(asset); err != nil {
		return fmt.Errorf("issue %q/%q: %w", cmd.Symbol, cmd.Name, err)
	}

	o.metrics.AssetsIssued.Inc()
	o.log.Info().
		Str("symbol", cmd.Symbol).
		Str("asset_id", assetID.String()).
		Str("creator", cmd.Actor.String()).
		Msg("asset issued")
	o.emit(cmd.Meta, cmd.Type(), asset, nil)
	return nil
}

func (o *LedgerOps) applyTradePreBond(ctx context.Context, cmd event.TradePreBond) error {
	if cmd.BaseAmount == 0 {
		return fmt.Errorf("trade on %q: %w", cmd.Symbol, ledger.ErrInvalidAmount)
	}
	if cmd.Actor != cmd.User {
		return fmt.Errorf("trade on %q: actor %s, owner %s: %w",
			cmd.Symbol, cmd.Actor, cmd.User, ledger.ErrUnauthorized)
	}

	asset, release, err := o.lockAsset(cmd.Symbol, cmd.Name, cmd.AssetID)
	if err != nil {
		return err
	}
	defer release()

	if asset.IsBonded() {
		return fmt.Errorf("trade on %q: %w", cmd.Symbol, ledger.ErrAlreadyBonded)
	}

	posKey := ledger.PositionKey(asset.AssetID, cmd.User)
	if err := o.book.Acquire(posKey); err != nil {
		return err
	}
	defer o.book.Release(posKey)
	pos := o.book.Position(asset.AssetID, cmd.User)

	if cmd.BaseAmount > 0 {
		return o.applyBuy(ctx, cmd, asset, pos)
	}
	return o.applySell(ctx, cmd, asset, pos)
}

func (o *LedgerOps) applyBuy(ctx context.Context, cmd event.TradePreBond, asset *ledger.AssetLedger, pos *ledger.UserPosition) error {
	baseIn := uint64(cmd.BaseAmount)

	assetOut, baseConsumed, err := curve.BuyQuote(baseIn, asset.LockedTotal, o.params.SupplyCap, o.params.Rate)
	if err != nil {
		return fmt.Errorf("buy on %q: %w", cmd.Symbol, err)
	}
	newLocked, err := ledger.CheckedAdd(pos.Locked, assetOut)
	if err != nil {
		return fmt.Errorf("buy on %q: position locked: %w", cmd.Symbol, err)
	}
	newTotal, err := ledger.CheckedAdd(asset.LockedTotal, assetOut)
	if err != nil {
		return fmt.Errorf("buy on %q: locked total: %w", cmd.Symbol, err)
	}

	if err := o.transfer(ctx, gateway.UserRef(cmd.User), gateway.TreasuryRef(), o.params.BaseDenom, baseConsumed); err != nil {
		return fmt.Errorf("buy on %q: %w", cmd.Symbol, err)
	}

	pos.Locked = newLocked
	pos.Version++
	asset.LockedTotal = newTotal
	asset.Version++
	o.metrics.LockedTotal.WithLabelValues(asset.Symbol).Set(float64(newTotal))

	o.log.Info().
		Str("symbol", cmd.Symbol).
		Str("user", cmd.User.String()).
		Uint64("base_in", baseIn).
		Uint64("base_consumed", baseConsumed).
		Uint64("asset_out", assetOut).
		Msg("curve buy applied")
	o.emit(cmd.Meta, cmd.Type(), asset, pos)
	return nil
}

func (o *LedgerOps) applySell(ctx context.Context, cmd event.TradePreBond, asset *ledger.AssetLedger, pos *ledger.UserPosition) error {
	baseOut := uint64(-cmd.BaseAmount)

	deduction, err := curve.SellQuote(baseOut, o.params.Rate)
	if err != nil {
		return fmt.Errorf("sell on %q: %w", cmd.Symbol, err)
	}
	newLocked, err := ledger.CheckedSub(pos.Locked, deduction)
	if err != nil {
		return fmt.Errorf("sell on %q: position locked %d, deducting %d: %w",
			cmd.Symbol, pos.Locked, deduction, err)
	}
	newTotal, err := ledger.CheckedSub(asset.LockedTotal, deduction)
	if err != nil {
		return fmt.Errorf("sell on %q: locked total: %w", cmd.Symbol, err)
	}

	if err := o.transfer(ctx, gateway.TreasuryRef(), gateway.UserRef(cmd.User), o.params.BaseDenom, baseOut); err != nil {
		return fmt.Errorf("sell on %q: %w", cmd.Symbol, err)
	}

	pos.Locked = newLocked
	pos.Version++
	asset.LockedTotal = newTotal
	asset.Version++
	o.metrics.LockedTotal.WithLabelValues(asset.Symbol).Set(float64(newTotal))

	o.log.Info().
		Str("symbol", cmd.Symbol).
		Str("user", cmd.User.String()).
		Uint64("base_out", baseOut).
		Uint64("asset_deduction", deduction).
		Msg("curve sell applied")
	o.emit(cmd.Meta, cmd.Type(), asset, pos)
	return nil
}

func (o *LedgerOps) applyLockClaim(ctx context.Context, cmd event.LockClaim) error {
	if cmd.AssetAmount == 0 {
		return fmt.Errorf("lock/claim on %q: %w", cmd.Symbol, ledger.ErrInvalidAmount)
	}
	if cmd.Actor != cmd.User {
		return fmt.Errorf("lock/claim on %q: actor %s, owner %s: %w",
			cmd.Symbol, cmd.Actor, cmd.User, ledger.ErrUnauthorized)
	}

	asset, release, err := o.lockAsset(cmd.Symbol, cmd.Name, cmd.AssetID)
	if err != nil {
		return err
	}
	defer release()

	if !asset.IsBonded() {
		return fmt.Errorf("lock/claim on %q: %w", cmd.Symbol, ledger.ErrNotBonded)
	}

	posKey := ledger.PositionKey(asset.AssetID, cmd.User)
	if err := o.book.Acquire(posKey); err != nil {
		return err
	}
	defer o.book.Release(posKey)
	pos := o.book.Position(asset.AssetID, cmd.User)

	assetDenom := asset.AssetID.String()

	if cmd.AssetAmount > 0 {
		amount := uint64(cmd.AssetAmount)
		newLocked, err := ledger.CheckedAdd(pos.Locked, amount)
		if err != nil {
			return fmt.Errorf("lock on %q: position locked: %w", cmd.Symbol, err)
		}
		newTotal, err := ledger.CheckedAdd(asset.LockedTotal, amount)
		if err != nil {
			return fmt.Errorf("lock on %q: locked total: %w", cmd.Symbol, err)
		}
		if err := o.transfer(ctx, gateway.UserRef(cmd.User), gateway.TreasuryRef(), assetDenom, amount); err != nil {
			return fmt.Errorf("lock on %q: %w", cmd.Symbol, err)
		}
		pos.Locked = newLocked
		asset.LockedTotal = newTotal
	} else {
		amount := uint64(-cmd.AssetAmount)
		newClaimable, err := ledger.CheckedSub(pos.Claimable, amount)
		if err != nil {
			return fmt.Errorf("claim on %q: claimable %d, claiming %d: %w",
				cmd.Symbol, pos.Claimable, amount, err)
		}
		newTotal, err := ledger.CheckedSub(asset.LockedTotal, amount)
		if err != nil {
			return fmt.Errorf("claim on %q: locked total: %w", cmd.Symbol, err)
		}
		if err := o.transfer(ctx, gateway.TreasuryRef(), gateway.UserRef(cmd.User), assetDenom, amount); err != nil {
			return fmt.Errorf("claim on %q: %w", cmd.Symbol, err)
		}
		pos.Claimable = newClaimable
		asset.LockedTotal = newTotal
	}

	pos.Version++
	asset.Version++
	o.metrics.LockedTotal.WithLabelValues(asset.Symbol).Set(float64(asset.LockedTotal))

	o.log.Info().
		Str("symbol", cmd.Symbol).
		Str("user", cmd.User.String()).
		Int64("asset_amount", cmd.AssetAmount).
		Msg("lock/claim applied")
	o.emit(cmd.Meta, cmd.Type(), asset, pos)
	return nil
}

func (o *LedgerOps) applyBondAsset(_ context.Context, cmd event.BondAsset) error {
	asset, release, err := o.lockAsset(cmd.Symbol, cmd.Name, cmd.AssetID)
	if err != nil {
		return err
	}
	defer release()

	if err := asset.Bond(cmd.PoolReference, cmd.TsUs); err != nil {
		return fmt.Errorf("bond %q: %w", cmd.Symbol, err)
	}

	o.metrics.AssetsBonded.Inc()
	o.log.Info().
		Str("symbol", cmd.Symbol).
		Str("pool_reference", cmd.PoolReference).
		Int64("bonded_at_us", cmd.TsUs).
		Msg("asset bonded")
	o.emit(cmd.Meta, cmd.Type(), asset, nil)
	return nil
}

func (o *LedgerOps) applyAccrueUnlock(_ context.Context, cmd event.AccrueUnlock) error {
	if cmd.Actor != cmd.User {
		return fmt.Errorf("accrue on %q: actor %s, owner %s: %w",
			cmd.Symbol, cmd.Actor, cmd.User, ledger.ErrUnauthorized)
	}

	asset, release, err := o.lockAsset(cmd.Symbol, cmd.Name, cmd.AssetID)
	if err != nil {
		return err
	}
	defer release()

	if !asset.IsBonded() {
		return fmt.Errorf("accrue on %q: %w", cmd.Symbol, ledger.ErrNotBonded)
	}

	posKey := ledger.PositionKey(asset.AssetID, cmd.User)
	if err := o.book.Acquire(posKey); err != nil {
		return err
	}
	defer o.book.Release(posKey)
	pos := o.book.Position(asset.AssetID, cmd.User)

	// The schedule starts at bonding, or at the position's last accrual if
	// it has advanced since. Only whole elapsed intervals unlock.
	since := pos.LastAccrualUs
	if since < asset.BondedAtUs {
		since = asset.BondedAtUs
	}
	if cmd.TsUs < since {
		return fmt.Errorf("accrue on %q: timestamp %d behind schedule %d", cmd.Symbol, cmd.TsUs, since)
	}
	intervals := (cmd.TsUs - since) / o.params.UnlockIntervalUs

	var moved uint64
	for i := int64(0); i < intervals; i++ {
		scaled, err := ledger.CheckedMul(pos.Locked, o.params.UnlockPercent)
		if err != nil {
			return fmt.Errorf("accrue on %q: %w", cmd.Symbol, err)
		}
		step := scaled / 100
		if step == 0 {
			// Integer decay has bottomed out; every remaining interval
			// moves nothing, so the loop stays bounded however far behind
			// the schedule the command timestamp is.
			break
		}
		pos.Locked -= step
		pos.Claimable += step
		moved += step
	}
	// Value moved inside the position only; locked_total (treasury custody)
	// is untouched. No gateway transfer happens until the user claims.
	if intervals > 0 {
		pos.LastAccrualUs = since + intervals*o.params.UnlockIntervalUs
		pos.Version++
	}

	o.log.Info().
		Str("symbol", cmd.Symbol).
		Str("user", cmd.User.String()).
		Int64("intervals", intervals).
		Uint64("unlocked", moved).
		Msg("unlock accrued")
	o.emit(cmd.Meta, cmd.Type(), asset, pos)
	return nil
}

// lockAsset resolves a ledger by its derived key under the aggregate lock
// and cross-checks the command's declared asset id. On success the caller
// holds the lock and must call release.
func (o *LedgerOps) lockAsset(symbol, name string, declared uuid.UUID) (*ledger.AssetLedger, func(), error) {
	key := ledger.AssetKey(symbol, name)
	if err := o.book.Acquire(key); err != nil {
		return nil, nil, err
	}
	asset, err := o.book.Asset(key)
	if err != nil {
		o.book.Release(key)
		return nil, nil, fmt.Errorf("resolve %q/%q: %w", symbol, name, err)
	}
	if asset.AssetID != declared {
		o.book.Release(key)
		return nil, nil, fmt.Errorf("resolve %q/%q: declared %s, ledger %s: %w",
			symbol, name, declared, asset.AssetID, ledger.ErrMintMismatch)
	}
	return asset, func() { o.book.Release(key) }, nil
}

func (o *LedgerOps) transfer(ctx context.Context, from, to gateway.AccountRef, denom string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := o.gw.Transfer(ctx, from, to, denom, amount); err != nil {
		o.metrics.TransferFailures.Inc()
		return fmt.Errorf("%w: %v", ledger.ErrTransferFailed, err)
	}
	return nil
}

// emit assigns the next sequence and fans the outcome out: blocking to the
// persistence worker, best-effort to the publisher.
func (o *LedgerOps) emit(meta event.Meta, op event.OpType, asset *ledger.AssetLedger, pos *ledger.UserPosition) {
	seq := o.sequence.Add(1)
	out := Output{
		Envelope: event.Envelope{
			Sequence:    seq,
			OpID:        meta.ID,
			Op:          op,
			AssetID:     asset.AssetID,
			Actor:       meta.Actor,
			TimestampUs: meta.TsUs,
		},
		Asset: asset.Clone(),
	}
	if pos != nil {
		out.Position = pos.Clone()
	}
	o.metrics.Sequence.Set(float64(seq))

	select {
	case o.persistCh <- out:
	default:
		o.metrics.PersistBackpressure.Inc()
		o.persistCh <- out
	}

	select {
	case o.publishCh <- out:
	default:
		o.metrics.PublishDrops.Inc()
	}
}

// rejectionReason maps the error taxonomy onto metric labels.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidPrecision):
		return "invalid_precision"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrMintMismatch):
		return "mint_mismatch"
	case errors.Is(err, ledger.ErrAlreadyBonded):
		return "already_bonded"
	case errors.Is(err, ledger.ErrNotBonded):
		return "not_bonded"
	case errors.Is(err, ledger.ErrOverflow):
		return "overflow"
	case errors.Is(err, ledger.ErrUnderflow):
		return "underflow"
	case errors.Is(err, ledger.ErrSupplyExhausted):
		return "supply_exhausted"
	case errors.Is(err, ledger.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ledger.ErrAssetExists):
		return "asset_exists"
	case errors.Is(err, ledger.ErrAssetNotFound):
		return "asset_not_found"
	case errors.Is(err, ErrDuplicateOp):
		return "duplicate"
	default:
		return "internal"
	}
}
