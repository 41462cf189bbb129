package core

import "time"

// Params are the immutable system constants every ledger under this service
// shares. They are fixed at construction and passed down explicitly; nothing
// in the core reads them from globals.
type Params struct {
	// Decimals is the fixed decimal precision; issuance rejects any other.
	Decimals uint8

	// Rate is the constant curve price in asset units per base unit.
	Rate uint64

	// SupplyCap bounds locked_total during the pre-bond sale.
	SupplyCap uint64

	// MintSupply is the total supply minted to treasury at issuance.
	MintSupply uint64

	// BaseDenom names the base currency at the value transfer gateway.
	BaseDenom string

	// UnlockIntervalUs and UnlockPercent drive post-bond accrual: every full
	// interval moves UnlockPercent% of a position's locked units to
	// claimable.
	UnlockIntervalUs int64
	UnlockPercent    uint64
}

// DefaultParams mirrors the reference deployment: 9 decimals, 250M asset
// units per base unit, 800M whole units sellable pre-bond out of a 1B mint,
// 10% unlocking per 24h.
func DefaultParams() Params {
	const unit = 1_000_000_000 // 10^9, one whole token at 9 decimals
	return Params{
		Decimals:         9,
		Rate:             250_000_000,
		SupplyCap:        800_000_000 * unit,
		MintSupply:       1_000_000_000 * unit,
		BaseDenom:        "native",
		UnlockIntervalUs: (24 * time.Hour).Microseconds(),
		UnlockPercent:    10,
	}
}
