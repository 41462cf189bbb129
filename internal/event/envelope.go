package event

import "github.com/google/uuid"

// Envelope is the record of one applied operation. Sequence is assigned by
// the core in apply order and is strictly monotonic for the life of the
// ledger (restored from the op log on restart).
type Envelope struct {
	Sequence    int64
	OpID        uuid.UUID
	Op          OpType
	AssetID     uuid.UUID
	Actor       uuid.UUID
	TimestampUs int64
}
