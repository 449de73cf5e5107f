package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MOMOJMOGG/report-agent/internal/config"
)

var initConfigForce bool

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a commented default config file",
	Long: `Write the default configuration, with every option documented, to path
(default: .report-agent/config.yaml). An existing file is only replaced
with --force.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := defaultConfigPath
		if len(args) == 1 {
			path = args[0]
		}
		// An untouched default (written on first run) may be replaced freely.
		if existing, err := os.ReadFile(path); err == nil && !initConfigForce &&
			string(existing) != config.DefaultConfigTemplate() {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initConfigCmd)
	initConfigCmd.Flags().BoolVarP(&initConfigForce, "force", "f", false, "overwrite an existing file")
}
