package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MOMOJMOGG/report-agent/internal/config"
	"github.com/MOMOJMOGG/report-agent/internal/orchestration/scheduler"
)

var (
	scheduleCount    int
	scheduleTimezone string
	scheduleTables   []string
	scheduleDisable  bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show the next scheduled pipeline runs",
	Long: `Show whether scheduled runs are enabled and when the next ones fire.

Examples:
  report-agent schedule
  report-agent schedule --count 10`,
	RunE: runScheduleShow,
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set <cron>",
	Short: "Enable scheduled runs with a cron expression",
	Long: `Validate a cron expression and save it to the schedule section of the
config file. Other sections and comments are left untouched.

Both 6-field (with seconds) and 5-field expressions are accepted, as are
descriptors such as @daily.

Examples:
  report-agent schedule set "0 0 6 * * *"
  report-agent schedule set "30 5 * * 1-5" --timezone Europe/Berlin
  report-agent schedule set @daily --tables returns,warranties
  report-agent schedule set @daily --disable`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleSet,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleSetCmd)

	scheduleCmd.Flags().IntVarP(&scheduleCount, "count", "n", 5, "number of upcoming runs to show")
	scheduleSetCmd.Flags().StringVar(&scheduleTimezone, "timezone", "", "IANA timezone for the expression (default: local)")
	scheduleSetCmd.Flags().StringSliceVar(&scheduleTables, "tables", nil, "tables for scheduled runs (default: all)")
	scheduleSetCmd.Flags().BoolVar(&scheduleDisable, "disable", false, "save the expression but leave scheduling off")
}

func runScheduleShow(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	s := cfg.Schedule

	state := completedStyle.Render("enabled")
	if !s.Enabled {
		state = subtleStyle.Render("disabled")
	}
	_, _ = fmt.Fprintf(out, "schedule %s: %q", state, s.Cron)
	if s.Timezone != "" {
		_, _ = fmt.Fprintf(out, " (%s)", s.Timezone)
	}
	_, _ = fmt.Fprintln(out)

	sched, err := scheduler.ParseCron(s.Cron, s.Timezone)
	if err != nil {
		return fmt.Errorf("schedule.cron: %w", err)
	}
	next := time.Now()
	for i := 0; i < scheduleCount; i++ {
		next = sched.Next(next)
		if next.IsZero() {
			break
		}
		_, _ = fmt.Fprintf(out, "  %s\n", next.Format("Mon 2006-01-02 15:04:05 MST"))
	}
	return nil
}

func runScheduleSet(cmd *cobra.Command, args []string) error {
	s := scheduler.Config{
		Enabled:  !scheduleDisable,
		Cron:     args[0],
		Timezone: scheduleTimezone,
		Tables:   scheduleTables,
	}
	if _, err := scheduler.ParseCron(s.Cron, s.Timezone); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	path := viper.ConfigFileUsed()
	if path == "" {
		path = defaultConfigPath
	}
	if err := config.SaveSchedule(path, s); err != nil {
		return err
	}
	cfg.Schedule = s
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "saved schedule to %s\n", path)
	return nil
}
