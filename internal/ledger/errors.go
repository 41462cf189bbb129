package ledger

import "errors"

// Error taxonomy for ledger operations. All of these are terminal for the
// operation that raised them: the caller observes a single failure outcome
// and no partial mutation.
var (
	// ErrInvalidPrecision is returned when an asset's declared decimal
	// precision does not match the system-wide fixed precision.
	ErrInvalidPrecision = errors.New("invalid decimal precision")

	// ErrInvalidAmount is returned when a signed quantity is zero where a
	// nonzero value is required.
	ErrInvalidAmount = errors.New("amount must be nonzero")

	// ErrMintMismatch is returned when an operation's declared asset id does
	// not match the ledger resolved from the storage key.
	ErrMintMismatch = errors.New("asset id does not match ledger")

	// ErrAlreadyBonded is returned for pre-bond operations on a bonded asset
	// and for a second bond attempt (replay guard).
	ErrAlreadyBonded = errors.New("asset already bonded")

	// ErrNotBonded is returned for post-bond operations before bonding.
	ErrNotBonded = errors.New("asset not bonded")

	// ErrOverflow and ErrUnderflow signal that checked arithmetic would
	// exceed the representable range or go negative.
	ErrOverflow  = errors.New("quantity overflow")
	ErrUnderflow = errors.New("quantity underflow")

	// ErrSupplyExhausted is returned for a pre-bond buy when locked_total
	// already equals the supply cap.
	ErrSupplyExhausted = errors.New("pre-bond supply exhausted")

	// ErrTransferFailed wraps a rejection from the value transfer gateway.
	ErrTransferFailed = errors.New("value transfer failed")

	// ErrConflict is a retryable failure: the operation could not acquire
	// exclusive access to one of its named aggregates.
	ErrConflict = errors.New("aggregate locked by concurrent operation")

	// ErrUnauthorized is returned when the acting identity is not the owner
	// of the position the operation would mutate.
	ErrUnauthorized = errors.New("actor is not the position owner")

	// ErrAssetExists is returned when issuance targets a storage key that is
	// already occupied (issuance is at-most-once per asset).
	ErrAssetExists = errors.New("asset ledger already exists")

	// ErrAssetNotFound is returned when no ledger exists at the derived key.
	ErrAssetNotFound = errors.New("asset ledger not found")
)
