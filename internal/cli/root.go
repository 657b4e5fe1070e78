package cli

import (
	"fmt"

	"github.com/harun/conductor/internal/config"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X ...cli.version=".
var version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - multi-agent task orchestration",
	Long: `Conductor routes tasks to specialist AI agents. An orchestrator decides
whether to answer directly, ask for clarification, delegate to one agent or
decompose the work into a plan executed across several agents.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: checkGlobalFlags,
}

// Execute runs the command line. main calls it once.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.conductor/conductor.json)")
	flags.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate("{{.Name}} version {{.Version}}\n")
}

func checkGlobalFlags(cmd *cobra.Command, args []string) error {
	if logLevel == "" {
		return nil
	}
	if err := config.NewValidator().ValidateLogLevel(logLevel); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	return nil
}

// loadConfig reads --config (or the default path) and applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func GetVersion() string {
	return version
}
