package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/engine"
	"github.com/harun/conductor/internal/logger"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/pkg/orchestrator"
)

var (
	watchConfig bool
	noInput     bool
)

// newEngine is swapped in tests to inject scripted providers.
var newEngine = func(cfg *config.Config, log zerolog.Logger, in orchestrator.Interactor) (*engine.Engine, error) {
	return engine.New(cfg, log, engine.WithInteractor(in))
}

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run one task through the orchestrator",
	Long: `Run one task through the orchestrator and print the result as JSON.
Questions and approval requests are asked on the terminal unless --no-input is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&watchConfig, "watch", false, "reload the config file while the task runs")
	runCmd.Flags().BoolVar(&noInput, "no-input", false, "never prompt; questions get default answers and approvals are denied")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return errors.New("prompt is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := logger.FromConfig(cfg)
	logCfg.Output = cmd.ErrOrStderr()
	procLog, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer procLog.Close()
	log := procLog.Zerolog()

	var in orchestrator.Interactor = orchestrator.FallbackInteractor{Logger: log}
	if !noInput {
		in = NewTerminalInteractor(cmd.InOrStdin(), cmd.ErrOrStderr())
	}

	eng, err := newEngine(cfg, log, in)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Close(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to close engine")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		srv := startMetricsServer(cfg.Metrics.Addr, log)
		defer srv.Close()
	}

	if watchConfig {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Path:     config.NewLoader(cfgFile).GetConfigPath(),
			OnReload: eng.ApplyConfig,
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	result := eng.Run(ctx, prompt)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	if !result.Success {
		return errors.New("task failed")
	}
	return nil
}

func startMetricsServer(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}

