package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/javi11/bundlestored/internal/bundlestore"
	"github.com/javi11/bundlestored/internal/config"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bundle storage engine until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configFile, err)
	}
	logger := newLogger(cfg)

	manager, err := config.NewManager(configFile, logger)
	if err != nil {
		return fmt.Errorf("starting config watch on %s: %w", configFile, err)
	}
	cfg = manager.Current()

	store, disks, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := buildEngine(cfg, store, disks, logger)

	if cfg.TryRestoreFromDisk {
		scanner := bundlestore.NewRestoreScanner(notImplementedPrimaryParser)
		stats, err := scanner.Restore(engine)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		logger.Info("restore complete", "bundles", stats.TotalBundlesRestored, "segments", stats.TotalSegmentsRestored)
	}

	ldg, closeLedger, err := newLedger(cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	engine.Start()
	defer engine.Stop()

	router := bundlestore.NewStorageRouter(engine, bundlestore.RouterConfig{
		ParsePrimary:     notImplementedPrimaryParser,
		Ledger:           ldg,
		AdmissionCap:     cfg.Custody.AdmissionCap,
		ACSFillThreshold: cfg.Custody.ACSFillThreshold,
	}, logger)

	// §4.8: these are the only two fields safe to change without a
	// restart. Every other reloaded field is left alone until a restart;
	// Manager logs a warning only for disk layout or segment size changes.
	manager.OnConfigChange(func(old, next *config.Config) {
		if next.Router.ReadAheadSegments != old.Router.ReadAheadSegments {
			logger.Info("config: applying read-ahead depth change", "from", old.Router.ReadAheadSegments, "to", next.Router.ReadAheadSegments)
			engine.SetReadAheadSegments(next.Router.ReadAheadSegments)
		}
		if next.Custody.AdmissionCap != old.Custody.AdmissionCap {
			logger.Info("config: applying custody admission cap change", "from", old.Custody.AdmissionCap, "to", next.Custody.AdmissionCap)
			router.SetAdmissionCap(next.Custody.AdmissionCap)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(time.Duration(cfg.Custody.ACSIntervalSeconds) * time.Second)
	defer ticker.Stop()

	logger.Info("bundlestored serving", "disks", len(cfg.Disks))
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			router.HandleACSTimer()
		}
	}
}
