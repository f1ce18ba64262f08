package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/hostagent/internal/config"
)

var configCheckCmd = &cobra.Command{
	Use:   "config-check",
	Short: "Validate the agent config file without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}

		if _, err := config.LoadThresholdsFile(cfg.Agent.ThresholdsFile); err != nil {
			return fmt.Errorf("thresholds file invalid: %w", err)
		}

		fmt.Println("config OK")
		return nil
	},
}
