// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 OverPOS - Offline-First Point-of-Sale Sync")
	fmt.Println("=============================================")
	fmt.Println()
	fmt.Println("Terminals keep selling while offline. Every local write lands in a durable outbox,")
	fmt.Println("is pushed in dependency order once the gateway is reachable, and remote changes are")
	fmt.Println("pulled back behind a server-stamped watermark. Conflicts are kept for a human to resolve.")
	fmt.Println()

	fmt.Println("📦 Binaries:")
	fmt.Println()
	fmt.Println("1. 🌐 Sync gateway (cmd/overpos-server/)")
	fmt.Println("   Postgres-backed push/pull/ack/heartbeat API with a health dashboard")
	fmt.Println("   Run: go run ./cmd/overpos-server serve")
	fmt.Println()

	fmt.Println("2. 🧾 Terminal (cmd/overpos-terminal/)")
	fmt.Println("   SQLite outbox, conflict store and the background sync loop")
	fmt.Println("   Run: go run ./cmd/overpos-terminal run --db till.db")
	fmt.Println()

	fmt.Println("📚 Packages: oversqlite (terminal engine), oversync (gateway), internal/retail, internal/config")
}
