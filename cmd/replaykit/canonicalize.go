package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/m-lab/ndt-e2e-clientworker/internal/canonical"
	"github.com/m-lab/ndt-e2e-clientworker/internal/config"
	"github.com/m-lab/ndt-e2e-clientworker/internal/storage"
)

var canonicalizeCmd = &cobra.Command{
	Use:   "canonicalize",
	Short: "Build a replay fixture from captures persisted by earlier sessions",
	RunE:  runCanonicalize,
}

func init() {
	flags := canonicalizeCmd.Flags()
	flags.String("from-db", "", "sqlite database written by capture --store (defaults to storage.path)")
	flags.StringP("output", "o", "", "Replay fixture to write (defaults to capture.output)")
	flags.Bool("reject-collisions", false, "Fail instead of warning when two URLs share a replay key")
}

func runCanonicalize(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dbPath, _ := cmd.Flags().GetString("from-db")
	if dbPath == "" {
		dbPath = cfg.Storage.Path
	}
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = cfg.Capture.Output
	}
	reject := cfg.Capture.RejectCollisions
	if cmd.Flags().Changed("reject-collisions") {
		reject, _ = cmd.Flags().GetBool("reject-collisions")
	}

	store, err := storage.New(&config.StorageConfig{Enable: true, Driver: cfg.Storage.Driver, Path: dbPath}, log)
	if err != nil {
		return fmt.Errorf("failed to open capture store: %w", err)
	}
	defer store.Close()

	entries, err := store.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to read captures: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no captures stored in %s", dbPath)
	}
	return writeFixture(entries, output, canonical.Options{RejectCollisions: reject}, log)
}
