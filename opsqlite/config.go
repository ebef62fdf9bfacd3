// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package opsqlite

import (
	"time"
)

// Config holds configuration for the offline sync engine.
type Config struct {
	TenantID string // Tenant scope for pulls and the realtime feed
	Table    string // Business table this engine instance synchronizes (e.g., "recipes")
	ActorID  string // Stable identity of this device/user pairing

	RetryCeiling int           // Failed deliveries before a change becomes a conflict; must be >= 1
	SyncInterval time.Duration // Timer between passes while online; must be >= 1s
	PullWindow   time.Duration // How far back an unbounded pull reaches
	PassBudget   time.Duration // Wall-clock budget for one pass; a slow remote cannot starve the next fire
	BackoffMin   time.Duration // Feed resubscribe backoff floor
	BackoffMax   time.Duration // Feed resubscribe backoff ceiling
	DrainLimit   int           // Max outbox entries pushed per pass
}

// DefaultConfig returns the stock engine configuration for one tenant/table.
func DefaultConfig(tenantID, table, actorID string) *Config {
	return &Config{
		TenantID:     tenantID,
		Table:        table,
		ActorID:      actorID,
		RetryCeiling: 3,
		SyncInterval: 30 * time.Second,
		PullWindow:   time.Hour,
		PassBudget:   25 * time.Second,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
		DrainLimit:   200,
	}
}

// Validate fails fast on configuration the engine refuses to run with.
func (c *Config) Validate() error {
	if c.TenantID == "" {
		return &ConfigError{Field: "TenantID", Reason: "must not be empty"}
	}
	if c.Table == "" {
		return &ConfigError{Field: "Table", Reason: "must not be empty"}
	}
	if c.ActorID == "" {
		return &ConfigError{Field: "ActorID", Reason: "must not be empty"}
	}
	if c.RetryCeiling < 1 {
		return &ConfigError{Field: "RetryCeiling", Reason: "must be at least 1"}
	}
	if c.SyncInterval < time.Second {
		return &ConfigError{Field: "SyncInterval", Reason: "must be at least 1s"}
	}
	if c.PullWindow <= 0 {
		return &ConfigError{Field: "PullWindow", Reason: "must be positive"}
	}
	if c.PassBudget <= 0 {
		return &ConfigError{Field: "PassBudget", Reason: "must be positive"}
	}
	if c.DrainLimit < 1 {
		return &ConfigError{Field: "DrainLimit", Reason: "must be at least 1"}
	}
	return nil
}
