// Package main is the rxverify command: the verification API, the bus worker
// and operator tooling share one binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/app"
	"github.com/drfirst/go-rxverify/internal/config"
	"github.com/drfirst/go-rxverify/internal/observability/logging"
)

type globalFlags struct {
	configFile string
	logLevel   string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "rxverify",
		Short:         "Medication verification against RxNorm",
		Long:          `rxverify checks transcribed prescription lines against the RxNorm drug reference and grades each one for pharmacist review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (overrides RXVERIFY_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides RXVERIFY_LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(workerCmd(flags))
	rootCmd.AddCommand(verifyCmd(flags))
	rootCmd.AddCommand(normalizeCmd())
	rootCmd.AddCommand(interactionsCmd(flags))
	rootCmd.AddCommand(cacheCmd(flags))
	rootCmd.AddCommand(topicsCmd(flags))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the logger
func bootstrap(flags *globalFlags) (*config.Config, *zap.Logger, error) {
	if flags.configFile != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG", flags.configFile); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	return cfg, logger.With(zap.String("service", cfg.ServiceName)), nil
}

// withApp runs fn against a fully wired App and tears it down afterwards
func withApp(cmd *cobra.Command, flags *globalFlags, opts app.Options, fn func(ctx context.Context, a *app.App) error) error {
	cfg, logger, err := bootstrap(flags)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rxverify %s\n", app.Version)
		},
	}
}
