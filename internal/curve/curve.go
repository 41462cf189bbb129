// Package curve implements the fixed-rate pre-bond pricing curve.
//
// The curve is linear in integer space: asset units out = base units in ×
// rate, where rate is asset units per base unit. The only silent adjustment
// anywhere in the system is the supply-cap clamp on buys; every other
// boundary is a hard failure.
package curve

import "BondLedger/internal/ledger"

// BuyQuote prices a pre-bond buy of baseIn base units against a ledger whose
// treasury already holds lockedTotal of the supplyCap sellable units.
//
// When the full quote would cross the cap, assetOut is clamped to the
// remaining headroom and baseConsumed is recomputed as assetOut / rate, so
// the buyer is only charged for what they receive (integer division rounds
// the charge down, in the buyer's favor). A buy against an exhausted cap
// fails with ErrSupplyExhausted.
func BuyQuote(baseIn, lockedTotal, supplyCap, rate uint64) (assetOut, baseConsumed uint64, err error) {
	if lockedTotal >= supplyCap {
		return 0, 0, ledger.ErrSupplyExhausted
	}
	assetOut, err = ledger.CheckedMul(baseIn, rate)
	if err != nil {
		return 0, 0, err
	}
	headroom := supplyCap - lockedTotal
	if assetOut > headroom {
		assetOut = headroom
		baseConsumed = assetOut / rate
	} else {
		baseConsumed = baseIn
	}
	return assetOut, baseConsumed, nil
}

// SellQuote prices a pre-bond sell that returns baseOut base units to the
// user: the treasury deducts baseOut × rate asset units from the position.
// No clamp on this path; an oversized sell fails at the checked subtraction.
func SellQuote(baseOut, rate uint64) (assetDeduction uint64, err error) {
	return ledger.CheckedMul(baseOut, rate)
}
