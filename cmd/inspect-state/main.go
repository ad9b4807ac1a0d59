package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"echo-vault/internal/app"
	"echo-vault/internal/config"
	"echo-vault/internal/models"
)

// inspect-state prints what the engine would recover from the configured store
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	showRecords := flag.Bool("records", false, "print every history record")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := app.NewLogger(config.LoggingConfig{Level: "warn"})

	store, closeStore, err := app.NewBlobStore(cfg.Storage, logger)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Storage.Driver, err)
	}
	if closeStore != nil {
		defer closeStore()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("🔍 Inspecting %s store\n", cfg.Storage.Driver)
	fmt.Println(strings.Repeat("=", 60))

	data, ok, err := store.Get(ctx, cfg.Persistence.SnapshotKey)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", cfg.Persistence.SnapshotKey, err)
	}
	if ok {
		var ps models.PersistedState
		if err := json.Unmarshal(data, &ps); err != nil {
			log.Fatalf("❌ Snapshot %s is corrupt: %v", cfg.Persistence.SnapshotKey, err)
		}
		printState(&ps, *showRecords)
	} else {
		fmt.Printf("📭 No snapshot at %s\n", cfg.Persistence.SnapshotKey)
	}

	keys, err := store.List(ctx, cfg.Persistence.LegacyPrefix)
	if err != nil {
		log.Fatalf("Failed to list %s: %v", cfg.Persistence.LegacyPrefix, err)
	}
	fmt.Printf("📋 Legacy records under %s: %d\n", cfg.Persistence.LegacyPrefix, len(keys))
	if len(keys) > 0 && !ok {
		fmt.Println("⚠️ The next start will migrate these records into a snapshot")
	}
}

func printState(ps *models.PersistedState, showRecords bool) {
	counts := make(map[models.TransferStatus]int)
	for _, rec := range ps.History {
		counts[rec.Status]++
	}
	fmt.Printf("📋 Version:         %d\n", ps.Version)
	fmt.Printf("📋 Last block:      %d\n", ps.LastBlock)
	fmt.Printf("📋 Processed count: %d\n", ps.ProcessedCount)
	fmt.Printf("📋 Pending hashes:  %d\n", len(ps.PendingHashes))
	fmt.Printf("📋 Updated at:      %s\n", time.Unix(ps.UpdatedAt, 0).UTC().Format(time.RFC3339))
	fmt.Printf("📋 History:         %d records\n", len(ps.History))
	for _, status := range []models.TransferStatus{
		models.TransferStatusReceived,
		models.TransferStatusProcessing,
		models.TransferStatusSuccess,
		models.TransferStatusSkipped,
		models.TransferStatusFailed,
	} {
		if counts[status] > 0 {
			fmt.Printf("   %-10s %d\n", status, counts[status])
		}
	}

	if !showRecords {
		return
	}
	fmt.Println(strings.Repeat("-", 60))
	for _, rec := range ps.History {
		line := fmt.Sprintf("%s block=%d from=%s value=%s status=%s", rec.IncomingHash, rec.BlockNumber, rec.From, rec.Value.String(), rec.Status)
		if rec.EchoHash != "" {
			line += " echo=" + rec.EchoHash
		}
		if rec.Inflight != nil {
			line += fmt.Sprintf(" inflight_nonce=%d", rec.Inflight.Nonce)
		}
		fmt.Println(line)
	}
}
