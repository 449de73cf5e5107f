package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MOMOJMOGG/report-agent/internal/config"
	"github.com/MOMOJMOGG/report-agent/internal/infrastructure/sqlite"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
)

var (
	historyStatus string
	historyLimit  int
	historyJSON   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived pipelines, newest first",
	Long: `List finalized pipelines from the local archive (storage.path).

Examples:
  report-agent history
  report-agent history --status failed --limit 5
  report-agent history --json | jq '.[].error_message'`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVarP(&historyStatus, "status", "s", "", "only show pipelines in this status (completed, failed, cancelled)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum rows (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON instead of a table")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	opts := sqlite.ListOptions{Limit: historyLimit}
	if historyStatus != "" {
		status, err := coordinator.ParseStatus(historyStatus)
		if err != nil {
			return err
		}
		opts.Status = &status
	}

	path := cfg.Storage.Path
	if path == "" {
		path = config.DefaultDatabasePath()
	}
	db, err := sqlite.NewDB(path)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = db.Close() }()

	repo := db.Pipelines()
	snaps, err := repo.List(cmd.Context(), opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		if snaps == nil {
			snaps = []coordinator.Snapshot{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}

	if len(snaps) == 0 {
		_, _ = fmt.Fprintln(out, subtleStyle.Render("no archived pipelines"))
		return nil
	}
	_, _ = fmt.Fprintln(out, renderHistory(snaps))

	counts, err := repo.CountByStatus(cmd.Context())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, renderCounts(counts))
	return nil
}
