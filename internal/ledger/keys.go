package ledger

import (
	"strings"

	"github.com/google/uuid"
)

// Key is a deterministic storage address. Keys are pure functions of their
// seed fields: the same asset or position always resolves to the same slot,
// which is what makes issuance at-most-once and reads idempotent.
type Key string

// Storage namespaces. Every key starts with its namespace so asset and
// position slots can never collide.
const (
	nsAssetLedger  = "asset"
	nsUserPosition = "position"
)

func deriveKey(namespace string, seeds ...string) Key {
	parts := append([]string{namespace}, seeds...)
	return Key(strings.Join(parts, "/"))
}

// AssetKey derives the ledger slot for an asset from its issuance metadata.
func AssetKey(symbol, name string) Key {
	return deriveKey(nsAssetLedger, symbol, name)
}

// PositionKey derives the slot for one user's position in one asset.
func PositionKey(assetID, user uuid.UUID) Key {
	return deriveKey(nsUserPosition, assetID.String(), user.String())
}
