// Copyright 2025 LucccaHosp Contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("LucccaHosp Sync Engine")
	fmt.Println("======================")
	fmt.Println()
	fmt.Println("Offline-first synchronization for restaurant operations: a SQLite-backed")
	fmt.Println("local store with a pending-change outbox, a conflict ledger, and a sync")
	fmt.Println("orchestrator that reconciles against the remote change queue.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  opsqlite/      Client engine: local record store, outbox, conflict")
	fmt.Println("                 ledger, pull/push/resolve orchestrator, realtime feed")
	fmt.Println("  opsync/        Server: PostgreSQL change log, watermarked pulls,")
	fmt.Println("                 idempotent push, websocket feed hub, JWT auth")
	fmt.Println("  cmd/opsyncd/   The sync authority daemon")
	fmt.Println()

	fmt.Println("Example:")
	fmt.Println()
	fmt.Println("  examples/pos_client/   Offline-capable point-of-sale client walkthrough")
	fmt.Println("                         Run: cd examples/pos_client && go run .")
	fmt.Println()
	fmt.Println("Start the server:  go run ./cmd/opsyncd --auth-secret <secret>")
}
