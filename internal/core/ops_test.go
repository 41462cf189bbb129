package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"BondLedger/internal/core"
	"BondLedger/internal/event"
	"BondLedger/internal/gateway"
	"BondLedger/internal/issuance"
	"BondLedger/internal/ledger"
	"BondLedger/internal/observability"
)

// Prometheus collectors register on the default registry, so the metrics
// bundle is created once for the whole test binary.
var testMetrics = observability.NewMetrics()

var dayUs = (24 * time.Hour).Microseconds()

type testEnv struct {
	ops     *core.LedgerOps
	book    *ledger.Book
	gw      *gateway.InMemoryGateway
	issuer  *issuance.InMemoryIssuer
	deduper *core.OpDeduper
	params  core.Params
	persist chan core.Output
	publish chan core.Output
}

func testParams() core.Params {
	return core.Params{
		Decimals:         9,
		Rate:             2,
		SupplyCap:        1000,
		MintSupply:       100_000,
		BaseDenom:        "native",
		UnlockIntervalUs: dayUs,
		UnlockPercent:    10,
	}
}

func newTestEnv(t *testing.T, params core.Params) *testEnv {
	t.Helper()
	book := ledger.NewBook()
	gw := gateway.NewInMemoryGateway()
	issuer := issuance.NewInMemoryIssuer(gw)
	persist := make(chan core.Output, 256)
	publish := make(chan core.Output, 256)
	deduper := core.NewOpDeduper(1024, nil)
	ops := core.NewLedgerOps(
		params, book, gw, issuer, deduper,
		testMetrics, 0, persist, publish,
	)
	return &testEnv{
		ops:     ops,
		book:    book,
		gw:      gw,
		issuer:  issuer,
		deduper: deduper,
		params:  params,
		persist: persist,
		publish: publish,
	}
}

func meta(actor uuid.UUID, tsUs int64) event.Meta {
	return event.Meta{ID: uuid.New(), Actor: actor, TsUs: tsUs}
}

// issue creates an asset ledger and returns it resolved from the book.
func (e *testEnv) issue(t *testing.T, creator uuid.UUID, symbol, name string) *ledger.AssetLedger {
	t.Helper()
	cmd := event.IssueAsset{
		Meta:     meta(creator, 1_000_000),
		Name:     name,
		Symbol:   symbol,
		Decimals: e.params.Decimals,
	}
	if err := e.ops.Dispatch(context.Background(), cmd); err != nil {
		t.Fatalf("issue %s: %v", symbol, err)
	}
	asset, err := e.book.Asset(ledger.AssetKey(symbol, name))
	if err != nil {
		t.Fatalf("resolve %s after issue: %v", symbol, err)
	}
	return asset
}

func (e *testEnv) bond(t *testing.T, asset *ledger.AssetLedger, atUs int64) {
	t.Helper()
	cmd := event.BondAsset{
		Meta:          meta(uuid.New(), atUs),
		AssetID:       asset.AssetID,
		Symbol:        asset.Symbol,
		Name:          asset.Name,
		PoolReference: "pool-test",
	}
	if err := e.ops.Dispatch(context.Background(), cmd); err != nil {
		t.Fatalf("bond %s: %v", asset.Symbol, err)
	}
}

func (e *testEnv) trade(asset *ledger.AssetLedger, user uuid.UUID, baseAmount int64) error {
	cmd := event.TradePreBond{
		Meta:       meta(user, 1_500_000),
		User:       user,
		AssetID:    asset.AssetID,
		Symbol:     asset.Symbol,
		Name:       asset.Name,
		BaseAmount: baseAmount,
	}
	return e.ops.Dispatch(context.Background(), cmd)
}

func (e *testEnv) lockClaim(asset *ledger.AssetLedger, user uuid.UUID, assetAmount, tsUs int64) error {
	cmd := event.LockClaim{
		Meta:        meta(user, tsUs),
		User:        user,
		AssetID:     asset.AssetID,
		Symbol:      asset.Symbol,
		Name:        asset.Name,
		AssetAmount: assetAmount,
	}
	return e.ops.Dispatch(context.Background(), cmd)
}

func (e *testEnv) accrue(asset *ledger.AssetLedger, user uuid.UUID, tsUs int64) error {
	cmd := event.AccrueUnlock{
		Meta:    meta(user, tsUs),
		User:    user,
		AssetID: asset.AssetID,
		Symbol:  asset.Symbol,
		Name:    asset.Name,
	}
	return e.ops.Dispatch(context.Background(), cmd)
}

func drainOutputs(ch chan core.Output) []core.Output {
	var outs []core.Output
	for {
		select {
		case out := <-ch:
			outs = append(outs, out)
		default:
			return outs
		}
	}
}

func TestIssueAsset(t *testing.T) {
	env := newTestEnv(t, testParams())
	creator := uuid.New()

	asset := env.issue(t, creator, "EXT", "Example Token")

	if asset.Creator != creator {
		t.Errorf("creator: got %s, want %s", asset.Creator, creator)
	}
	if asset.IsBonded() {
		t.Error("fresh ledger must not be bonded")
	}
	if got := env.gw.Balance(gateway.TreasuryRef(), asset.AssetID.String()); got != env.params.MintSupply {
		t.Errorf("treasury supply: got %d, want %d", got, env.params.MintSupply)
	}

	outs := drainOutputs(env.persist)
	if len(outs) != 1 {
		t.Fatalf("persist outputs: got %d, want 1", len(outs))
	}
	if outs[0].Envelope.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", outs[0].Envelope.Sequence)
	}
	if outs[0].Position != nil {
		t.Error("issue must not carry a position snapshot")
	}
}

func TestIssueAsset_WrongDecimals(t *testing.T) {
	env := newTestEnv(t, testParams())
	cmd := event.IssueAsset{
		Meta:     meta(uuid.New(), 1_000_000),
		Name:     "Example Token",
		Symbol:   "EXT",
		Decimals: 6,
	}
	err := env.ops.Dispatch(context.Background(), cmd)
	if !errors.Is(err, ledger.ErrInvalidPrecision) {
		t.Fatalf("got %v, want ErrInvalidPrecision", err)
	}
	if _, err := env.book.Asset(ledger.AssetKey("EXT", "Example Token")); err == nil {
		t.Error("rejected issue must not create a ledger")
	}
}

func TestIssueAsset_DuplicateIdentity(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.issue(t, uuid.New(), "EXT", "Example Token")

	cmd := event.IssueAsset{
		Meta:     meta(uuid.New(), 1_100_000),
		Name:     "Example Token",
		Symbol:   "EXT",
		Decimals: env.params.Decimals,
	}
	err := env.ops.Dispatch(context.Background(), cmd)
	if !errors.Is(err, ledger.ErrAssetExists) {
		t.Fatalf("got %v, want ErrAssetExists", err)
	}
}

func TestIssueAsset_IssuerFailure(t *testing.T) {
	env := newTestEnv(t, testParams())
	env.issuer.FailWith(errors.New("chain unreachable"))

	cmd := event.IssueAsset{
		Meta:     meta(uuid.New(), 1_000_000),
		Name:     "Example Token",
		Symbol:   "EXT",
		Decimals: env.params.Decimals,
	}
	if err := env.ops.Dispatch(context.Background(), cmd); err == nil {
		t.Fatal("expected issuer failure to surface")
	}
	if _, err := env.book.Asset(ledger.AssetKey("EXT", "Example Token")); err == nil {
		t.Error("failed issue must not create a ledger")
	}
}

func TestBuy_ClampAtSupplyCap(t *testing.T) {
	// rate=2, cap=1000: a 600 base buy quotes 1200 units, clamps to the
	// 1000-unit cap and charges only the 500 base those units cost.
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 600)

	if err := env.trade(asset, user, 600); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 1000 {
		t.Errorf("locked: got %d, want 1000", pos.Locked)
	}
	if asset.LockedTotal != 1000 {
		t.Errorf("locked_total: got %d, want 1000", asset.LockedTotal)
	}
	if got := env.gw.Balance(gateway.UserRef(user), "native"); got != 100 {
		t.Errorf("user base balance: got %d, want 100", got)
	}
	if got := env.gw.Balance(gateway.TreasuryRef(), "native"); got != 500 {
		t.Errorf("treasury base balance: got %d, want 500", got)
	}
}

func TestBuy_ThenSupplyExhausted(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 1000)

	if err := env.trade(asset, user, 500); err != nil {
		t.Fatalf("buy to cap failed: %v", err)
	}
	err := env.trade(asset, user, 1)
	if !errors.Is(err, ledger.ErrSupplyExhausted) {
		t.Fatalf("got %v, want ErrSupplyExhausted", err)
	}
}

func TestBuy_TransferFailureLeavesNoMutation(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 100)
	env.gw.FailNext(errors.New("gateway down"))

	err := env.trade(asset, user, 100)
	if !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}

	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 0 || asset.LockedTotal != 0 {
		t.Errorf("failed transfer mutated state: locked=%d total=%d", pos.Locked, asset.LockedTotal)
	}
	if got := env.gw.Balance(gateway.UserRef(user), "native"); got != 100 {
		t.Errorf("user balance moved on failed transfer: %d", got)
	}

	// One-shot injection: the retry succeeds.
	if err := env.trade(asset, user, 100); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if pos.Locked != 200 {
		t.Errorf("locked after retry: got %d, want 200", pos.Locked)
	}
}

func TestSell_RoundTripConservation(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 100)

	if err := env.trade(asset, user, 100); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if err := env.trade(asset, user, -100); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 0 {
		t.Errorf("locked after round trip: got %d, want 0", pos.Locked)
	}
	if asset.LockedTotal != 0 {
		t.Errorf("locked_total after round trip: got %d, want 0", asset.LockedTotal)
	}
	if got := env.gw.Balance(gateway.UserRef(user), "native"); got != 100 {
		t.Errorf("user balance after round trip: got %d, want 100", got)
	}
	if got := env.gw.Balance(gateway.TreasuryRef(), "native"); got != 0 {
		t.Errorf("treasury balance after round trip: got %d, want 0", got)
	}
}

func TestSell_UnderflowRejected(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")

	// Fresh position: any sell deducts more than the zero it holds.
	err := env.trade(asset, user, -10)
	if !errors.Is(err, ledger.ErrUnderflow) {
		t.Fatalf("got %v, want ErrUnderflow", err)
	}

	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 0 || asset.LockedTotal != 0 {
		t.Errorf("rejected sell mutated state: locked=%d total=%d", pos.Locked, asset.LockedTotal)
	}
}

func TestTrade_ZeroAmountRejected(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")

	err := env.trade(asset, user, 0)
	if !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}
}

func TestTrade_ActorMustOwnPosition(t *testing.T) {
	env := newTestEnv(t, testParams())
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")

	cmd := event.TradePreBond{
		Meta:       meta(uuid.New(), 1_500_000),
		User:       uuid.New(), // not the actor
		AssetID:    asset.AssetID,
		Symbol:     asset.Symbol,
		Name:       asset.Name,
		BaseAmount: 100,
	}
	err := env.ops.Dispatch(context.Background(), cmd)
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestTrade_DeclaredAssetIDMismatch(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 100)

	cmd := event.TradePreBond{
		Meta:       meta(user, 1_500_000),
		User:       user,
		AssetID:    uuid.New(), // does not match the ledger
		Symbol:     asset.Symbol,
		Name:       asset.Name,
		BaseAmount: 100,
	}
	err := env.ops.Dispatch(context.Background(), cmd)
	if !errors.Is(err, ledger.ErrMintMismatch) {
		t.Fatalf("got %v, want ErrMintMismatch", err)
	}
	if asset.LockedTotal != 0 {
		t.Error("mismatched trade mutated the ledger")
	}
}

func TestTrade_UnknownAsset(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()

	cmd := event.TradePreBond{
		Meta:       meta(user, 1_500_000),
		User:       user,
		AssetID:    uuid.New(),
		Symbol:     "NOPE",
		Name:       "Missing",
		BaseAmount: 100,
	}
	err := env.ops.Dispatch(context.Background(), cmd)
	if !errors.Is(err, ledger.ErrAssetNotFound) {
		t.Fatalf("got %v, want ErrAssetNotFound", err)
	}
}

func TestPhaseGating(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 100)

	// Pre-bond: lock/claim is not available yet.
	if err := env.lockClaim(asset, user, 10, 1_500_000); !errors.Is(err, ledger.ErrNotBonded) {
		t.Fatalf("pre-bond lock: got %v, want ErrNotBonded", err)
	}
	if err := env.accrue(asset, user, 1_500_000); !errors.Is(err, ledger.ErrNotBonded) {
		t.Fatalf("pre-bond accrue: got %v, want ErrNotBonded", err)
	}

	env.bond(t, asset, 2_000_000)

	// Post-bond: the curve is closed.
	if err := env.trade(asset, user, 100); !errors.Is(err, ledger.ErrAlreadyBonded) {
		t.Fatalf("post-bond trade: got %v, want ErrAlreadyBonded", err)
	}
}

func TestBond_SecondBondRejected(t *testing.T) {
	env := newTestEnv(t, testParams())
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.bond(t, asset, 2_000_000)

	cmd := event.BondAsset{
		Meta:          meta(uuid.New(), 3_000_000),
		AssetID:       asset.AssetID,
		Symbol:        asset.Symbol,
		Name:          asset.Name,
		PoolReference: "pool-other",
	}
	err := env.ops.Dispatch(context.Background(), cmd)
	if !errors.Is(err, ledger.ErrAlreadyBonded) {
		t.Fatalf("got %v, want ErrAlreadyBonded", err)
	}
	if asset.PoolReference != "pool-test" {
		t.Errorf("replay changed pool reference: %s", asset.PoolReference)
	}
}

func TestLockAndClaim(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.bond(t, asset, 2_000_000)

	denom := asset.AssetID.String()
	env.gw.Credit(gateway.UserRef(user), denom, 100)

	if err := env.lockClaim(asset, user, 100, 2_100_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 100 {
		t.Errorf("locked: got %d, want 100", pos.Locked)
	}
	if asset.LockedTotal != 100 {
		t.Errorf("locked_total: got %d, want 100", asset.LockedTotal)
	}
	if got := env.gw.Balance(gateway.UserRef(user), denom); got != 0 {
		t.Errorf("user asset balance after lock: got %d, want 0", got)
	}

	// Nothing claimable yet.
	if err := env.lockClaim(asset, user, -10, 2_200_000); !errors.Is(err, ledger.ErrUnderflow) {
		t.Fatalf("early claim: got %v, want ErrUnderflow", err)
	}

	// One full interval unlocks 10% of 100.
	if err := env.accrue(asset, user, 2_000_000+dayUs); err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	if pos.Locked != 90 || pos.Claimable != 10 {
		t.Fatalf("after accrual: locked=%d claimable=%d, want 90/10", pos.Locked, pos.Claimable)
	}

	if err := env.lockClaim(asset, user, -10, 2_000_000+dayUs+1); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if pos.Claimable != 0 {
		t.Errorf("claimable after claim: got %d, want 0", pos.Claimable)
	}
	if asset.LockedTotal != 90 {
		t.Errorf("locked_total after claim: got %d, want 90", asset.LockedTotal)
	}
	if got := env.gw.Balance(gateway.UserRef(user), denom); got != 10 {
		t.Errorf("user asset balance after claim: got %d, want 10", got)
	}
}

func TestLockClaim_ActorMustOwnPosition(t *testing.T) {
	env := newTestEnv(t, testParams())
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.bond(t, asset, 2_000_000)

	cmd := event.LockClaim{
		Meta:        meta(uuid.New(), 2_100_000),
		User:        uuid.New(),
		AssetID:     asset.AssetID,
		Symbol:      asset.Symbol,
		Name:        asset.Name,
		AssetAmount: 100,
	}
	err := env.ops.Dispatch(context.Background(), cmd)
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestAccrue_CompoundsPerInterval(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.bond(t, asset, 2_000_000)
	env.gw.Credit(gateway.UserRef(user), asset.AssetID.String(), 100)
	if err := env.lockClaim(asset, user, 100, 2_100_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	// Two intervals: 10 then 9, against the shrinking locked remainder.
	if err := env.accrue(asset, user, 2_000_000+2*dayUs); err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 81 || pos.Claimable != 19 {
		t.Fatalf("after 2 intervals: locked=%d claimable=%d, want 81/19", pos.Locked, pos.Claimable)
	}
	if pos.LastAccrualUs != 2_000_000+2*dayUs {
		t.Errorf("last_accrual: got %d, want %d", pos.LastAccrualUs, 2_000_000+2*dayUs)
	}

	// Custody is untouched by accrual: value only moved inside the position.
	if asset.LockedTotal != 100 {
		t.Errorf("locked_total after accrual: got %d, want 100", asset.LockedTotal)
	}
}

func TestAccrue_PartialIntervalIsNoOp(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.bond(t, asset, 2_000_000)
	env.gw.Credit(gateway.UserRef(user), asset.AssetID.String(), 100)
	if err := env.lockClaim(asset, user, 100, 2_100_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	// Half an interval elapsed: accepted, but nothing unlocks.
	if err := env.accrue(asset, user, 2_000_000+dayUs/2); err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 100 || pos.Claimable != 0 {
		t.Errorf("partial interval moved value: locked=%d claimable=%d", pos.Locked, pos.Claimable)
	}
	if pos.LastAccrualUs != 0 {
		t.Errorf("partial interval advanced the schedule: %d", pos.LastAccrualUs)
	}
}

func TestAccrue_ScheduleDoesNotDoubleCount(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.bond(t, asset, 2_000_000)
	env.gw.Credit(gateway.UserRef(user), asset.AssetID.String(), 100)
	if err := env.lockClaim(asset, user, 100, 2_100_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	if err := env.accrue(asset, user, 2_000_000+dayUs); err != nil {
		t.Fatalf("first accrue failed: %v", err)
	}
	// Re-accruing inside the same interval unlocks nothing more.
	if err := env.accrue(asset, user, 2_000_000+dayUs+dayUs/2); err != nil {
		t.Fatalf("second accrue failed: %v", err)
	}
	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 90 || pos.Claimable != 10 {
		t.Errorf("double accrual moved extra value: locked=%d claimable=%d", pos.Locked, pos.Claimable)
	}
}

func TestAccrue_DecayBottomsOut(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.bond(t, asset, 2_000_000)
	env.gw.Credit(gateway.UserRef(user), asset.AssetID.String(), 100)
	if err := env.lockClaim(asset, user, 100, 2_100_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	// Far behind schedule: the per-interval step rounds to zero once locked
	// drops below 10, so an arbitrary interval count terminates and the
	// position still sums to its original custody.
	if err := env.accrue(asset, user, 2_000_000+1_000_000*dayUs); err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked >= 10 {
		t.Errorf("locked did not decay below the rounding floor: %d", pos.Locked)
	}
	if pos.Locked+pos.Claimable != 100 {
		t.Errorf("accrual changed custody: locked=%d claimable=%d", pos.Locked, pos.Claimable)
	}
}

func TestAccrue_TinyBalanceIsStable(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.bond(t, asset, 2_000_000)
	env.gw.Credit(gateway.UserRef(user), asset.AssetID.String(), 5)
	if err := env.lockClaim(asset, user, 5, 2_100_000); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	// 10% of 5 rounds to zero: nothing unlocks, but the schedule advances.
	if err := env.accrue(asset, user, 2_000_000+1_000_000*dayUs); err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 5 || pos.Claimable != 0 {
		t.Errorf("sub-rounding balance moved: locked=%d claimable=%d", pos.Locked, pos.Claimable)
	}
	if pos.LastAccrualUs != 2_000_000+1_000_000*dayUs {
		t.Errorf("last_accrual: got %d, want %d", pos.LastAccrualUs, 2_000_000+1_000_000*dayUs)
	}
}

func TestDuplicateOpRejected(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 200)

	cmd := event.TradePreBond{
		Meta:       meta(user, 1_500_000),
		User:       user,
		AssetID:    asset.AssetID,
		Symbol:     asset.Symbol,
		Name:       asset.Name,
		BaseAmount: 100,
	}
	if err := env.ops.Dispatch(context.Background(), cmd); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}

	err := env.ops.Dispatch(context.Background(), cmd)
	if !errors.Is(err, core.ErrDuplicateOp) {
		t.Fatalf("got %v, want ErrDuplicateOp", err)
	}

	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 200 {
		t.Errorf("duplicate applied twice: locked=%d, want 200", pos.Locked)
	}
	if got := env.gw.Balance(gateway.UserRef(user), "native"); got != 100 {
		t.Errorf("duplicate moved funds twice: balance=%d, want 100", got)
	}
}

func TestDispatch_InFlightOpIDConflicts(t *testing.T) {
	// A second delivery of an op id whose first copy is still being applied
	// must not pass the dedup check: it fails retryably and is applied only
	// if the first copy ends up releasing its reservation.
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 200)

	cmd := event.TradePreBond{
		Meta:       meta(user, 1_500_000),
		User:       user,
		AssetID:    asset.AssetID,
		Symbol:     asset.Symbol,
		Name:       asset.Name,
		BaseAmount: 100,
	}
	opType := cmd.Type().String()
	opID := cmd.OpID().String()

	if dup, err := env.deduper.Reserve(opType, opID); err != nil || dup {
		t.Fatalf("reserve failed: dup=%v err=%v", dup, err)
	}

	err := env.ops.Dispatch(context.Background(), cmd)
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 0 {
		t.Errorf("conflicting dispatch mutated state: locked=%d", pos.Locked)
	}

	env.deduper.Release(opType, opID)
	if err := env.ops.Dispatch(context.Background(), cmd); err != nil {
		t.Fatalf("dispatch after release failed: %v", err)
	}
	if pos.Locked != 200 {
		t.Errorf("locked: got %d, want 200", pos.Locked)
	}
}

func TestDispatch_FailedOpIDIsReusable(t *testing.T) {
	// A failed apply must release its op id so the redelivered command can
	// be applied, and it must be applied exactly once.
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 100)

	cmd := event.TradePreBond{
		Meta:       meta(user, 1_500_000),
		User:       user,
		AssetID:    asset.AssetID,
		Symbol:     asset.Symbol,
		Name:       asset.Name,
		BaseAmount: 100,
	}

	env.gw.FailNext(errors.New("gateway down"))
	if err := env.ops.Dispatch(context.Background(), cmd); !errors.Is(err, ledger.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}

	if err := env.ops.Dispatch(context.Background(), cmd); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if err := env.ops.Dispatch(context.Background(), cmd); !errors.Is(err, core.ErrDuplicateOp) {
		t.Fatalf("got %v, want ErrDuplicateOp", err)
	}

	pos := env.book.Position(asset.AssetID, user)
	if pos.Locked != 200 {
		t.Errorf("locked: got %d, want 200", pos.Locked)
	}
}

func TestConflict_HeldAggregate(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 100)

	key := ledger.AssetKey(asset.Symbol, asset.Name)
	if err := env.book.Acquire(key); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer env.book.Release(key)

	err := env.trade(asset, user, 100)
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestCustodyInvariant(t *testing.T) {
	env := newTestEnv(t, testParams())
	alice := uuid.New()
	bob := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(alice), "native", 300)
	env.gw.Credit(gateway.UserRef(bob), "native", 300)

	if err := env.trade(asset, alice, 200); err != nil {
		t.Fatalf("alice buy failed: %v", err)
	}
	if err := env.trade(asset, bob, 150); err != nil {
		t.Fatalf("bob buy failed: %v", err)
	}
	if err := env.trade(asset, alice, -50); err != nil {
		t.Fatalf("alice sell failed: %v", err)
	}

	if got := env.book.Custody(asset.AssetID); got != asset.LockedTotal {
		t.Errorf("custody %d != locked_total %d", got, asset.LockedTotal)
	}

	env.bond(t, asset, 2_000_000)
	if err := env.accrue(asset, bob, 2_000_000+3*dayUs); err != nil {
		t.Fatalf("accrue failed: %v", err)
	}
	bobPos := env.book.Position(asset.AssetID, bob)
	if err := env.lockClaim(asset, bob, -int64(bobPos.Claimable), 2_000_000+3*dayUs+1); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Accrual moves value inside positions, claims debit both sides: the
	// ledger's custody total always equals the sum over positions.
	if got := env.book.Custody(asset.AssetID); got != asset.LockedTotal {
		t.Errorf("custody %d != locked_total %d after claim", got, asset.LockedTotal)
	}
}

func TestSequenceMonotonic(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 300)

	for i := 0; i < 3; i++ {
		if err := env.trade(asset, user, 10); err != nil {
			t.Fatalf("buy %d failed: %v", i, err)
		}
	}

	outs := drainOutputs(env.persist)
	if len(outs) != 4 { // issue + 3 buys
		t.Fatalf("persist outputs: got %d, want 4", len(outs))
	}
	for i, out := range outs {
		if out.Envelope.Sequence != int64(i+1) {
			t.Errorf("output %d: sequence %d, want %d", i, out.Envelope.Sequence, i+1)
		}
	}
}

func TestEmit_SnapshotsAreIsolated(t *testing.T) {
	env := newTestEnv(t, testParams())
	user := uuid.New()
	asset := env.issue(t, uuid.New(), "EXT", "Example Token")
	env.gw.Credit(gateway.UserRef(user), "native", 200)

	if err := env.trade(asset, user, 100); err != nil {
		t.Fatalf("first buy failed: %v", err)
	}
	outs := drainOutputs(env.persist)
	snap := outs[len(outs)-1]
	lockedAtSnap := snap.Position.Locked

	if err := env.trade(asset, user, 100); err != nil {
		t.Fatalf("second buy failed: %v", err)
	}
	if snap.Position.Locked != lockedAtSnap {
		t.Error("later operation mutated an emitted snapshot")
	}
}
