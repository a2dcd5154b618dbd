package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/javi11/bundlestored/internal/bundlestore"
	"github.com/javi11/bundlestored/internal/config"
	"github.com/javi11/bundlestored/internal/ledger"
	"github.com/javi11/bundlestored/internal/logging"
	"github.com/javi11/bundlestored/internal/pathutil"
)

// buildStore opens the on-disk segment store for cfg, truncating and
// pre-sizing every stripe unless a restore is requested.
func buildStore(cfg *config.Config) (*bundlestore.SegmentStore, []bundlestore.DiskConfig, error) {
	disks := make([]bundlestore.DiskConfig, len(cfg.Disks))
	for i, d := range cfg.Disks {
		disks[i] = bundlestore.DiskConfig{Path: d.Path, SegmentsPerDisk: d.SegmentsPerDisk}
		if err := pathutil.CheckFileDirectoryWritable(d.Path, "disk"); err != nil {
			return nil, nil, fmt.Errorf("disk %d: %w", i, err)
		}
	}
	store, err := bundlestore.NewSegmentStore(afero.NewOsFs(), disks, cfg.SegmentSizeBytes, cfg.TryRestoreFromDisk, cfg.AutoDeleteFilesOnExit)
	if err != nil {
		return nil, nil, fmt.Errorf("opening segment store: %w", err)
	}
	return store, disks, nil
}

func buildEngine(cfg *config.Config, store *bundlestore.SegmentStore, disks []bundlestore.DiskConfig, logger *slog.Logger) *bundlestore.Engine {
	return bundlestore.NewEngine(store, bundlestore.EngineConfig{
		Disks:                    disks,
		SegmentSize:              cfg.SegmentSizeBytes,
		ThreadsPerDisk:           cfg.Implementation.ThreadsPerDisk,
		TryRestoreFromDisk:       cfg.TryRestoreFromDisk,
		AutoDeleteFilesOnExit:    cfg.AutoDeleteFilesOnExit,
		ReadAheadSegmentsPerRead: cfg.Router.ReadAheadSegments,
	}, logger)
}

// notImplementedPrimaryParser stands in for the BPv6/BPv7 primary-block
// codec, which is out of scope for this engine (§1) — a real deployment
// supplies its own bundlestore.PrimaryParser here.
func notImplementedPrimaryParser(_ []byte) (bundlestore.PrimaryMeta, error) {
	return bundlestore.PrimaryMeta{}, fmt.Errorf("bundlestored: no bundle codec wired in; supply a bundlestore.PrimaryParser")
}

func newLogger(cfg *config.Config) *slog.Logger {
	logPath := cfg.Log.Path
	if err := pathutil.CheckFileDirectoryWritable(logPath, "log"); err != nil {
		// Fall back to stderr-only; there's no logger yet to report this through.
		fmt.Printf("warning: %v\n", err)
		logPath = ""
	}
	return logging.New(logging.Options{
		Path:       logPath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Level:      cfg.Log.Level,
		AlsoStderr: logPath == "",
	})
}

func newLedger(cfg *config.Config) (*ledger.Ledger, func() error, error) {
	if err := pathutil.CheckFileDirectoryWritable(cfg.Ledger.DBPath, "ledger"); err != nil {
		return nil, nil, err
	}
	l, db, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening ledger: %w", err)
	}
	return l, db.Close, nil
}
