package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	uzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/kination/noteflow/internal/app"
	"github.com/kination/noteflow/internal/config"
)

const version = "v0.1.0"

var (
	configPath string
	vaultRoot  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "noteflow",
	Short: "Noteflow - generate, review and write knowledge-base notes",
	Long: `Noteflow runs note workflows (create, amend, merge, verify) through a
task queue that keeps one task per note and retries transient provider
failures. Generated changes are shown as a diff and only written after
confirmation, with an undo snapshot taken first.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := uzap.NewAtomicLevelAt(zapcore.InfoLevel)
		if verbose {
			level.SetLevel(zapcore.DebugLevel)
		}
		ctrl.SetLogger(zap.New(zap.UseDevMode(verbose), zap.Level(level), zap.WriteTo(os.Stderr)))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of noteflow",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Noteflow %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&vaultRoot, "vault", "", "Vault root directory (overrides the config file)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if vaultRoot != "" {
		cfg.Vault.Root = vaultRoot
	}
	return cfg, nil
}

// withApp builds the app, optionally restores and starts it, runs fn and
// shuts everything down.
func withApp(ctx context.Context, start bool, fn func(ctx context.Context, a *app.App) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if serr := a.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = fmt.Errorf("shutdown failed: %w", serr)
		}
	}()
	if start {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

func main() {
	if err := rootCmd.ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
		os.Exit(1)
	}
}
