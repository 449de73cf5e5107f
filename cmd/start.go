package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MOMOJMOGG/report-agent/internal/config"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
)

// ErrPipelineUnsuccessful is returned by start when the pipeline did not
// complete.
var ErrPipelineUnsuccessful = errors.New("pipeline did not complete")

var (
	startJSON     bool
	startFailRole string
	startQuiet    bool
)

var startCmd = &cobra.Command{
	Use:   "start [request.yaml]",
	Short: "Run one pipeline with simulated workers and print the outcome",
	Long: `Start a single pipeline in-process against the built-in simulated workers,
wait for it to finish, and print its final status. The exit code is non-zero
unless the pipeline completed.

The optional request file is YAML:

  date_range:
    start: 2025-01-01
    end: 2025-03-31
  tables: [returns, warranties, products]
  filters:
    store_locations: [all]

Omitted fields use the coordinator defaults (last 90 days, every table).

Examples:
  report-agent start
  report-agent start request.yaml --json
  report-agent start --fail-role rag`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().BoolVar(&startJSON, "json", false, "print the final status as JSON")
	startCmd.Flags().StringVar(&startFailRole, "fail-role", "", "make one simulated worker always fail")
	startCmd.Flags().BoolVarP(&startQuiet, "quiet", "q", false, "do not print lifecycle events")
}

func runStart(cmd *cobra.Command, args []string) error {
	cleanup, err := setupLogging()
	defer cleanup()
	if err != nil {
		return err
	}

	var req coordinator.Request
	if len(args) == 1 {
		req, err = config.LoadPipelineRequest(args[0])
		if err != nil {
			return err
		}
	}

	c := cfg
	if startFailRole != "" {
		c.Simulate.FailRole = startFailRole
	}
	if err := config.Validate(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := cmd.ErrOrStderr()
	if startQuiet {
		progress = io.Discard
	}
	snap, err := runOnce(ctx, c, req, progress)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if startJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprint(out, renderSnapshot(snap))
	}

	if snap.Status != coordinator.StatusCompleted {
		return fmt.Errorf("%w: %s", ErrPipelineUnsuccessful, snap.Status)
	}
	return nil
}

// runOnce starts one pipeline on a fresh simulated runtime and returns its
// terminal snapshot. Lifecycle events are written to progress. Cancelling
// ctx cancels the pipeline.
func runOnce(ctx context.Context, c config.Config, req coordinator.Request, progress io.Writer) (coordinator.Snapshot, error) {
	rt, err := newRuntime(c, runtimeOptions{simulate: true})
	if err != nil {
		return coordinator.Snapshot{}, err
	}

	subCtx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()
	events := rt.coord.Subscribe(subCtx)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	var snap coordinator.Snapshot
	err = func() error {
		if err := rt.start(runCtx); err != nil {
			return err
		}
		id, err := rt.coord.StartPipeline(ctx, req)
		if err != nil {
			return err
		}

		done := ctx.Done()
		for {
			select {
			case <-done:
				rt.coord.CancelPipeline(id, "Interrupted")
				done = nil
			case ev, ok := <-events:
				if !ok {
					return errors.New("event feed closed")
				}
				if ev.Payload.PipelineID != id {
					continue
				}
				_, _ = fmt.Fprintln(progress, formatEvent(ev.Payload))
				if !ev.Payload.Status.IsTerminal() {
					continue
				}
				snap, err = rt.coord.GetPipelineStatus(id)
				return err
			}
		}
	}()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := rt.stop(stopCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	return snap, err
}
