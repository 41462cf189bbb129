// Package gateway abstracts the external system that moves value between
// user accounts and the treasury. The ledger core only ever issues a single
// transfer per operation, as the last failure-sensitive step before commit.
package gateway

import (
	"context"

	"github.com/google/uuid"
)

// Scope distinguishes the two account kinds the ledger transfers between.
type Scope uint8

const (
	ScopeUser Scope = iota
	ScopeTreasury
)

// AccountRef names a transferable account: either a user's account or the
// system treasury.
type AccountRef struct {
	Scope Scope
	User  uuid.UUID
}

func UserRef(user uuid.UUID) AccountRef {
	return AccountRef{Scope: ScopeUser, User: user}
}

func TreasuryRef() AccountRef {
	return AccountRef{Scope: ScopeTreasury}
}

func (r AccountRef) String() string {
	if r.Scope == ScopeTreasury {
		return "treasury"
	}
	return "user/" + r.User.String()
}

// Gateway is the value-transfer collaborator. Transfer either fully succeeds
// or fully fails; the core treats any error as a veto and rolls back nothing
// because nothing has been committed yet. Implementations must treat a zero
// amount as a no-op.
type Gateway interface {
	Transfer(ctx context.Context, from, to AccountRef, denom string, amount uint64) error
}
