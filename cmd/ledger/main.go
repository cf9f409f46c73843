// Replays a message journal offline and writes the order ledger as CSV:
// per-order terminal records, the latest-update snapshot, and the
// chronological fill stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"tp-bridge/internal/config"
	"tp-bridge/internal/journal"
	"tp-bridge/internal/ledger"
	"tp-bridge/internal/logging"
	"tp-bridge/internal/protocol"

	"go.uber.org/zap"
)

func main() {
	journalPath := flag.String("journal", "data/tp-bridge.db", "path to the message journal")
	outDir := flag.String("out", "data/ledger", "output directory for CSV files")
	flag.Parse()

	log := logging.New(config.LoggingConfig{Level: "info"})
	defer func() { _ = log.Sync() }()

	if err := run(*journalPath, *outDir, log); err != nil {
		log.Error("ledger export failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(journalPath, outDir string, log *zap.Logger) error {
	store, err := journal.Open(journalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	// Offline replay has no live request table; the violation guards do not
	// apply because mistyped responses were already rejected at capture time.
	norm := protocol.NewNormalizer(nil, nil, log)

	var updates []ledger.Update
	dropped := 0
	err = store.Replay(context.Background(), func(entry journal.Entry) error {
		msg, err := norm.Normalize(entry.Raw)
		if err != nil {
			if errors.Is(err, protocol.ErrParse) {
				dropped++
				return nil
			}
			return err
		}
		if update, ok := ledger.FromMessage(msg); ok {
			if update.Time.IsZero() {
				update.Time = entry.ReceivedAt
			}
			updates = append(updates, update)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	log.Info("journal replayed",
		zap.Int("order_updates", len(updates)),
		zap.Int("dropped", dropped))

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(outDir, "records.csv"), func(f *os.File) error {
		return ledger.WriteRecordsCSV(f, ledger.Build(updates))
	}); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(outDir, "snapshot.csv"), func(f *os.File) error {
		return ledger.WriteRecordsCSV(f, ledger.Snapshot(updates))
	}); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(outDir, "fills.csv"), func(f *os.File) error {
		return ledger.WriteFillsCSV(f, ledger.FillStream(updates))
	}); err != nil {
		return err
	}
	log.Info("ledger written", zap.String("dir", outDir))
	return nil
}

func writeCSV(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
