package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tenantpulse/am"
	"github.com/teranos/tenantpulse/cmd/tenantpulse/commands"
	"github.com/teranos/tenantpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tenantpulse",
	Short: "tenantpulse - multi-tenant job scheduling",
	Long: `tenantpulse - multi-tenant job scheduling.

Every tenant-org gets its own job engine on its own database: a queue,
cron schedules, event-triggered job chains with loop prevention, and an
execution history. Engines are created on first use and evicted when idle.

Available commands:
  am         - Manage tenantpulse configuration ("I am")
  pulse      - Run the Pulse daemon
  jobs       - Inspect and queue jobs of a tenant-org
  schedulers - List tenant-org schedulers
  version    - Show version information

Examples:
  tenantpulse am show                   # Show current configuration
  tenantpulse pulse start               # Start the daemon
  tenantpulse jobs history --tenant acme
  tenantpulse schedulers ls`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			am.SetConfigPath(path)
		}

		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetVerbosity(verbosity)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (replaces the am.toml cascade)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.SchedulersCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
