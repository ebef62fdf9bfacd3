// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	actorIDKey  contextKey = "actor_id"
)

// SetTenantID returns a context carrying the authenticated tenant.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID reports the tenant stored by the auth middleware, if any.
func GetTenantID(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantIDKey).(string)
	return tenantID, ok
}

// SetActorID returns a context carrying the authenticated actor.
func SetActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorIDKey, actorID)
}

// GetActorID reports the actor stored by the auth middleware, if any.
func GetActorID(ctx context.Context) (string, bool) {
	actorID, ok := ctx.Value(actorIDKey).(string)
	return actorID, ok
}
