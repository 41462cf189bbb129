// Package issuance abstracts the external service that creates the fungible
// asset itself (mint + metadata) when a ledger is issued.
package issuance

import (
	"context"

	"github.com/google/uuid"
)

// AssetSpec carries the issuance metadata supplied by the creator.
type AssetSpec struct {
	Name     string
	Symbol   string
	URI      string
	Decimals uint8
}

// Issuer creates the asset and places its full supply under treasury
// custody, returning the asset id the ledger will be bound to. CreateAsset
// is expected to be atomic on the issuer side.
type Issuer interface {
	CreateAsset(ctx context.Context, creator uuid.UUID, spec AssetSpec, supply uint64) (uuid.UUID, error)
}
