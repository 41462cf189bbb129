package issuance

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"BondLedger/internal/gateway"
)

// InMemoryIssuer mints assets into an InMemoryGateway: the asset's denom is
// its id string, and the full supply is credited to treasury. Tests and
// local runs use this in place of a real issuance service.
type InMemoryIssuer struct {
	mu      sync.Mutex
	gw      *gateway.InMemoryGateway
	failing error
	issued  map[uuid.UUID]AssetSpec
}

func NewInMemoryIssuer(gw *gateway.InMemoryGateway) *InMemoryIssuer {
	return &InMemoryIssuer{gw: gw, issued: make(map[uuid.UUID]AssetSpec)}
}

// FailWith makes every subsequent CreateAsset fail with err (nil restores
// normal behavior).
func (i *InMemoryIssuer) FailWith(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failing = err
}

func (i *InMemoryIssuer) CreateAsset(_ context.Context, _ uuid.UUID, spec AssetSpec, supply uint64) (uuid.UUID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failing != nil {
		return uuid.Nil, fmt.Errorf("issuer unavailable: %w", i.failing)
	}
	id := uuid.New()
	i.issued[id] = spec
	i.gw.Credit(gateway.TreasuryRef(), id.String(), supply)
	return id, nil
}
