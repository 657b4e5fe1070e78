package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var problems []error
		if err := cfg.Validate(); err != nil {
			problems = append(problems, err)
		}
		problems = append(problems, config.NewValidator().ValidateConfig(cfg)...)
		if len(problems) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK: %s\n", config.NewLoader(cfgFile).GetConfigPath())
			return nil
		}

		for _, p := range problems {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %v\n", p)
		}
		return fmt.Errorf("configuration has %d problem(s)", len(problems))
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader(cfgFile)
		if _, err := os.Stat(loader.GetConfigPath()); err == nil {
			return fmt.Errorf("config file already exists: %s", loader.GetConfigPath())
		}
		if err := loader.Save(config.DefaultConfig()); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to: %s\n", loader.GetConfigPath())
		fmt.Fprintln(cmd.OutOrStdout(), "Add a provider with an API key, then run: conductor run \"<task>\"")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}
