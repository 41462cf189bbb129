package ledger

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Book is the keyed in-memory store holding all asset ledgers and user
// positions, addressed by derived keys. It is the authoritative runtime
// state; Postgres trails it through the persistence worker.
//
// Concurrency model: a short internal mutex guards the maps themselves, and
// each aggregate key has its own lock that operations acquire with TryLock.
// Contention is surfaced to the caller as ErrConflict instead of queuing, so
// operations on disjoint aggregates proceed in parallel while two operations
// on the same aggregate never interleave.
type Book struct {
	mu        sync.Mutex
	assets    map[Key]*AssetLedger
	keyByID   map[uuid.UUID]Key
	positions map[Key]*UserPosition
	slots     map[Key]*sync.Mutex
}

func NewBook() *Book {
	return &Book{
		assets:    make(map[Key]*AssetLedger),
		keyByID:   make(map[uuid.UUID]Key),
		positions: make(map[Key]*UserPosition),
		slots:     make(map[Key]*sync.Mutex),
	}
}

// Acquire takes the aggregate lock for key, failing fast with ErrConflict if
// another operation holds it. Callers must Release in reverse acquisition
// order; asset locks are always taken before position locks.
func (b *Book) Acquire(key Key) error {
	b.mu.Lock()
	slot, ok := b.slots[key]
	if !ok {
		slot = &sync.Mutex{}
		b.slots[key] = slot
	}
	b.mu.Unlock()

	if !slot.TryLock() {
		return ErrConflict
	}
	return nil
}

func (b *Book) Release(key Key) {
	b.mu.Lock()
	slot := b.slots[key]
	b.mu.Unlock()
	slot.Unlock()
}

// CreateAsset installs a new ledger at its derived key. The slot must be
// empty: issuance is at-most-once per (symbol, name).
func (b *Book) CreateAsset(a *AssetLedger) error {
	key := AssetKey(a.Symbol, a.Name)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.assets[key]; exists {
		return ErrAssetExists
	}
	b.assets[key] = a
	b.keyByID[a.AssetID] = key
	return nil
}

// Asset resolves a ledger by derived key.
func (b *Book) Asset(key Key) (*AssetLedger, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.assets[key]
	if !ok {
		return nil, ErrAssetNotFound
	}
	return a, nil
}

// AssetByID resolves a ledger by asset id.
func (b *Book) AssetByID(id uuid.UUID) (*AssetLedger, error) {
	b.mu.Lock()
	key, ok := b.keyByID[id]
	b.mu.Unlock()
	if !ok {
		return nil, ErrAssetNotFound
	}
	return b.Asset(key)
}

// Position returns the position for (asset, user), creating a zeroed one on
// first interaction.
func (b *Book) Position(assetID, user uuid.UUID) *UserPosition {
	key := PositionKey(assetID, user)
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[key]
	if !ok {
		p = &UserPosition{User: user, AssetID: assetID}
		b.positions[key] = p
	}
	return p
}

// PeekPosition is the read-only variant: no lazy creation.
func (b *Book) PeekPosition(assetID, user uuid.UUID) (*UserPosition, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[PositionKey(assetID, user)]
	return p, ok
}

// Custody sums locked + claimable over every position of one asset. Used by
// invariant checks against the ledger's LockedTotal.
func (b *Book) Custody(assetID uuid.UUID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total uint64
	for _, p := range b.positions {
		if p.AssetID == assetID {
			total += p.Custody()
		}
	}
	return total
}

// Assets returns cloned ledgers ordered by symbol then name, for diagnostics
// and startup logging.
func (b *Book) Assets() []*AssetLedger {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*AssetLedger, 0, len(b.assets))
	for _, a := range b.assets {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Restore loads persisted state at startup. Not safe for use after the
// ingestion loop starts.
func (b *Book) Restore(assets []*AssetLedger, positions []*UserPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range assets {
		key := AssetKey(a.Symbol, a.Name)
		b.assets[key] = a
		b.keyByID[a.AssetID] = key
	}
	for _, p := range positions {
		b.positions[PositionKey(p.AssetID, p.User)] = p
	}
}
