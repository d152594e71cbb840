package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/wheelwright/internal/config"
	"github.com/animus-labs/wheelwright/internal/platform/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Set at build time with -ldflags "-X main.version=...".
	version = "dev"

	// Global flags
	configPath string
	verbose    bool
	logFormat  string

	logger = zap.NewNop()
	now    = time.Now
)

var rootCmd = &cobra.Command{
	Use:   "wheelwright",
	Short: "Build, rename and publish nightly Python wheels",
	Long: `wheelwright checks out a source revision, patches it, builds wheels with
cibuildwheel, renames them for nightly distribution and uploads them to a
package index. It can also dispatch the GPU test workflow.

Configuration comes from wheelwright.yaml (or --config) with WHEELWRIGHT_*
environment overrides. Secrets are read from the environment only.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(logging.Config{Format: logFormat, Verbose: verbose})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./"+config.DefaultPath+" if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or console")

	registerCommands(rootCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("wheelwright failed", zap.Error(err))
		_ = logger.Sync()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration for commands that build
// or publish.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath, now())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Debug("config loaded",
		zap.String("package", cfg.Package.Name),
		zap.Bool("nightly", cfg.IsNightly()),
		zap.String("run_id", cfg.Run.ID))
	return cfg, nil
}
