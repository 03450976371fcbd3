package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/relay/internal/config"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
)

var statusJSONOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local replication state",
	Long:  "Inspects the local database directly: queue depth, failed mutations, and per-table sync watermarks.",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false,
		"Output in JSON format")
}

// statusReport is the status command output shape.
type statusReport struct {
	SourceID    string                 `json:"source_id"`
	QueueDepth  int64                  `json:"queue_depth"`
	FailedCount int                    `json:"failed_count"`
	Tables      []types.TableSyncState `json:"tables"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := collectStatus(ctx, db, cfg.Sync.Tables)
	if err != nil {
		return err
	}

	if statusJSONOutput {
		return printJSON(cmd.OutOrStdout(), report)
	}
	return printStatusTable(cmd.OutOrStdout(), report)
}

func collectStatus(ctx context.Context, db *store.SQLiteStore, tables []string) (*statusReport, error) {
	sourceID, err := db.EnsureSourceID(ctx)
	if err != nil {
		return nil, err
	}

	depth, err := db.CountMutations(ctx)
	if err != nil {
		return nil, err
	}

	failed, err := db.ListMutations(ctx, types.MutationFailed)
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		SourceID:    sourceID,
		QueueDepth:  depth,
		FailedCount: len(failed),
		Tables:      make([]types.TableSyncState, 0, len(tables)),
	}
	for _, table := range tables {
		state, err := db.GetTableSyncState(ctx, table)
		if err != nil {
			return nil, err
		}
		report.Tables = append(report.Tables, *state)
	}
	return report, nil
}

func printStatusTable(w io.Writer, report *statusReport) error {
	fmt.Fprintf(w, "Source:  %s\n", report.SourceID)
	fmt.Fprintf(w, "Queued:  %d mutations (%d failed)\n\n", report.QueueDepth, report.FailedCount)

	tw := newTabWriter(w)
	fmt.Fprintln(tw, "TABLE\tLAST SYNC\tLAST FULL SYNC")
	for _, t := range report.Tables {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Table,
			formatSyncTime(t.LastSyncedAt), formatSyncTime(t.LastFullSyncAt))
	}
	return tw.Flush()
}

func formatSyncTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
