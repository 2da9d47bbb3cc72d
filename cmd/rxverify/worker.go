package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/api/handlers"
	"github.com/drfirst/go-rxverify/internal/app"
	"github.com/drfirst/go-rxverify/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/internal/worker"
)

func workerCmd(flags *globalFlags) *cobra.Command {
	var (
		metricsAddr  string
		ensureTopics bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume batch verification requests from the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, app.Options{Bus: true}, func(ctx context.Context, a *app.App) error {
				return runWorker(ctx, a, metricsAddr, ensureTopics)
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address for /metrics and /health; empty disables")
	cmd.Flags().BoolVar(&ensureTopics, "ensure-topics", true, "create missing topics on startup")
	return cmd
}

func runWorker(ctx context.Context, a *app.App, metricsAddr string, ensureTopics bool) error {
	logger := a.Logger
	cfg := a.Config

	if ensureTopics {
		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			return err
		}
		err = admin.EnsureTopics(ctx)
		admin.Close()
		if err != nil {
			return err
		}
	}

	if err := a.Janitor.Start(); err != nil {
		return err
	}

	processor := worker.NewProcessor(worker.DefaultConfig(), a.Verifier, a.Producer, a.Metrics, logger).
		WithInbox(a.Inbox)
	a.Inbox.StartCleanup()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.KafkaGroupID

	consumer, err := redpanda.NewConsumer(consumerCfg, processor.Handle, processor.DeadLetter, logger)
	if err != nil {
		return err
	}

	var server *http.Server
	if metricsAddr != "" {
		health := handlers.NewHealthHandler(a.Breakers, a.ReadyChecks(), app.Version)
		r := chi.NewRouter()
		r.Get("/health", health.Health)
		r.Get("/ready", health.Ready)
		r.Method(http.MethodGet, "/metrics", metrics.Handler(a.Registry))

		server = &http.Server{Addr: metricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	consumer.Start()
	logger.Info("verification worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroupID))

	<-ctx.Done()

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	cs := consumer.Stats()
	ps := a.Producer.Stats()
	logger.Info("verification worker stopped",
		zap.Int64("messages_read", cs.MessagesRead),
		zap.Int64("dead_lettered", cs.DeadLettered),
		zap.Int64("consume_errors", cs.ErrorCount),
		zap.Int64("messages_sent", ps.MessagesSent),
		zap.Int64("produce_errors", ps.ErrorCount))
	return nil
}
