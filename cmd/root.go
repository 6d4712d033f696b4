// Package cmd defines the CLI commands for the stampcrawler executable.
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
	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/api"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/app"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/config"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/ingest"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/logging"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/runner"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the set of services the commands use. Tests inject their own.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Jobs() crawler.JobQueue
	Runner() *runner.Runner
	Ingester() *ingest.Ingester
	Migrate(ctx context.Context) error
	APIServer(ctx context.Context) *api.Server
}

// newApp is the application factory, swapped out in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// loadConfig is swapped out in tests.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "stampcrawler",
		Short: "Crawls the ekidata stamp catalog into the station database.",
		Long: `stampcrawler discovers station stamp pages from the catalog index,
scrapes them one at a time behind a courtesy delay, and links every stamp to a
canonical station.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyFlagOverrides(cmd, &cfg)

			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newMigrateCmd(),
		newDiscoverCmd(),
		newRunCmd(),
		newScheduleCmd(),
		newStatsCmd(),
		newResetCmd(),
		newMatchCmd(),
		newServeCmd(),
	)
	return cmd
}

// applyFlagOverrides copies command flags that shadow config keys.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if f := cmd.Flags().Lookup("batch-size"); f != nil && f.Changed {
		if n, err := cmd.Flags().GetInt("batch-size"); err == nil && n > 0 {
			cfg.Crawler.BatchSize = n
		}
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services are not initialized")
	}
	return appInstance, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// interrupted reports whether err only means the process was asked to stop.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stampcrawler: %v\n", err)
		os.Exit(1)
	}
}
