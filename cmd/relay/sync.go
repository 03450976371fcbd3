package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/relay/internal/config"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one synchronization pass and exit",
	Long:  "Uploads the pending mutation queue and downloads remote changes for every registered table, without starting the server.",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false,
		"Force a full sync instead of an incremental one")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogger(cfg.Log)

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.manager.SyncAll(ctx, syncFull); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	depth, err := eng.queue.Depth(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sync complete, %d mutations still queued\n", depth)
	return nil
}
