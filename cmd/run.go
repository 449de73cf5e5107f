package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MOMOJMOGG/report-agent/internal/config"
	"github.com/MOMOJMOGG/report-agent/internal/log"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/coordinator"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/scheduler"
)

// shutdownTimeout bounds graceful teardown after a signal.
const shutdownTimeout = 30 * time.Second

var (
	runSimulate    bool
	runMetricsAddr string
	runFailRole    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker and coordinator until interrupted",
	Long: `Run the message broker and pipeline coordinator as a long-lived process.

Pipelines are started by the cron schedule (schedule.enabled) and their
lifecycle is printed as it happens. Use --simulate to register built-in echo
workers for every stage so pipelines can complete without external workers.

Examples:
  report-agent run --simulate
  report-agent run --simulate --metrics-addr 127.0.0.1:9464
  report-agent run --simulate --fail-role normalization`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runSimulate, "simulate", false, "register simulated workers for every stage")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (overrides config)")
	runCmd.Flags().StringVar(&runFailRole, "fail-role", "", "make one simulated worker always fail")
}

func runService(cmd *cobra.Command, _ []string) error {
	cleanup, err := setupLogging()
	defer cleanup()
	if err != nil {
		return err
	}

	c := cfg
	if runMetricsAddr != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = runMetricsAddr
	}
	if runFailRole != "" {
		c.Simulate.FailRole = runFailRole
	}
	if err := config.Validate(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, c, runtimeOptions{simulate: runSimulate}, cmd.OutOrStdout())
}

// serve runs a runtime until ctx is done, then shuts it down.
func serve(ctx context.Context, c config.Config, opts runtimeOptions, out io.Writer) error {
	rt, err := newRuntime(c, opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before starting so no lifecycle event is missed.
	events := rt.coord.Subscribe(gctx)
	g.Go(func() error {
		for ev := range events {
			_, _ = fmt.Fprintln(out, formatEvent(ev.Payload))
		}
		return nil
	})

	if err := rt.start(gctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, rt.stop(stopCtx))
	}

	if c.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(c.Metrics.Path, rt.metrics.Handler())
		srv := &http.Server{Addr: c.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info(log.CatConfig, "Serving metrics", "addr", c.Metrics.Addr, "path", c.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		_, _ = fmt.Fprintf(out, "metrics on http://%s%s\n", c.Metrics.Addr, c.Metrics.Path)
	}

	if c.Schedule.Enabled {
		sched, err := scheduler.New(c.Schedule, rt.coord)
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(err, rt.stop(stopCtx))
		}
		sched.Start()
		_, _ = fmt.Fprintf(out, "next scheduled run %s\n", sched.Next(time.Now()).Format(time.RFC3339))
		g.Go(func() error {
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}

	_, _ = fmt.Fprintln(out, subtleStyle.Render("report-agent running, press Ctrl+C to stop"))
	<-gctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := rt.stop(stopCtx)

	waitErr := g.Wait()
	if errors.Is(waitErr, context.Canceled) {
		waitErr = nil
	}
	printStats(out, rt.coord.GetStats())
	return errors.Join(waitErr, stopErr)
}

func printStats(out io.Writer, s coordinator.Stats) {
	_, _ = fmt.Fprintf(out, "pipelines: total=%d completed=%d failed=%d cancelled=%d success=%.0f%% avg=%s\n",
		s.TotalPipelines, s.SuccessfulPipelines, s.FailedPipelines, s.CancelledPipelines,
		s.SuccessRate*100, formatSeconds(s.AverageExecutionSeconds))
}
