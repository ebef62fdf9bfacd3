// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsqlite

import (
	"context"
)

// Resolver is the caller-supplied conflict resolution policy. It may
// consult external state (for example prompt a user), so it receives a
// context and is invoked outside any storage transaction.
//
// No default implementation ships: without a resolver, conflicts accumulate
// safely in the ledger and are surfaced through Status until an operator
// supplies one.
type Resolver interface {
	Resolve(ctx context.Context, conflict *SyncConflict) (Resolution, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(ctx context.Context, conflict *SyncConflict) (Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, conflict *SyncConflict) (Resolution, error) {
	return f(ctx, conflict)
}
