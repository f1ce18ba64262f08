package cmd

import (
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"

	configPath string
)

// rootCmd is the agent's base command.
var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Host monitoring agent",
	Long: `agent collects host metrics, evaluates thresholds, and ships
observations to the monitoring backend over MQTT.

Examples:
  # Run the agent in the foreground
  agent run --config /etc/bleemeo/agent.yaml

  # Validate a config file without starting anything
  agent config-check --config /etc/bleemeo/agent.yaml

Exit codes:
  0: clean shutdown
  1: fatal startup or runtime error
`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets version information shown by the version subcommand.
func SetVersion(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the agent's YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCheckCmd)
}
