// Package app assembles the verification pipeline from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/api"
	"github.com/drfirst/go-rxverify/internal/api/handlers"
	"github.com/drfirst/go-rxverify/internal/cache"
	"github.com/drfirst/go-rxverify/internal/config"
	"github.com/drfirst/go-rxverify/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/internal/observability/tracing"
	"github.com/drfirst/go-rxverify/internal/reread"
	"github.com/drfirst/go-rxverify/internal/rxnorm"
	"github.com/drfirst/go-rxverify/internal/telemetry"
	"github.com/drfirst/go-rxverify/internal/verifier"
	"github.com/drfirst/go-rxverify/internal/worker"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
	"github.com/drfirst/go-rxverify/pkg/idempotency"
)

// Version is stamped at build time with -ldflags
var Version = "dev"

// BreakerRxNorm names the breaker guarding the drug reference service
const BreakerRxNorm = "rxnorm"

// Options select the optional parts of the graph
type Options struct {
	// Bus connects a producer and a request inbox even when telemetry
	// stays off the bus
	Bus bool
}

// App holds the wired components of one process
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Tracing  *tracing.Provider
	Breakers *circuitbreaker.Manager
	RxNorm   *rxnorm.Client
	Cache    *cache.Cache
	Janitor  *cache.Janitor
	Verifier *verifier.Verifier
	Producer *redpanda.Producer
	Inbox    *idempotency.Inbox

	pool        *pgxpool.Pool
	readyChecks map[string]handlers.Check
	closers     []func(ctx context.Context) error
}

// New builds every component named by cfg. On error everything opened so
// far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:      cfg,
		Logger:      logger,
		readyChecks: map[string]handlers.Check{},
	}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	logger.Info("pipeline assembled",
		zap.String("cache_backend", cfg.CacheBackend),
		zap.Bool("reread", cfg.ReReadURL != ""),
		zap.Bool("telemetry_bus", cfg.TelemetryToBus),
		zap.Int("batch_concurrency", cfg.BatchConcurrency))
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg, logger := a.Config, a.Logger
	var err error

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	a.Tracing, err = tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, a.Tracing.Shutdown)

	a.Breakers = circuitbreaker.NewManager(logger)
	bcfg := cfg.Breaker(BreakerRxNorm)
	bcfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		a.Metrics.SetBreakerState(name, string(to))
	}
	cb, err := a.Breakers.GetOrCreate(BreakerRxNorm, bcfg)
	if err != nil {
		return fmt.Errorf("create breaker: %w", err)
	}

	a.RxNorm, err = rxnorm.New(cfg.RxNorm(), cb, a.Metrics, logger)
	if err != nil {
		return fmt.Errorf("create rxnorm client: %w", err)
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	a.Cache = cache.New(backend, cfg.CacheTTL, logger)
	a.Janitor = cache.NewJanitor(a.Cache, cfg.CachePurgeInterval, a.Metrics, logger)

	if opts.Bus || cfg.TelemetryToBus {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		a.Producer, err = redpanda.NewProducer(pcfg, logger)
		if err != nil {
			return fmt.Errorf("create producer: %w", err)
		}
		a.closers = append(a.closers, func(ctx context.Context) error {
			if err := a.Producer.Flush(ctx); err != nil {
				logger.Warn("producer flush failed", zap.Error(err))
			}
			return a.Producer.Close()
		})
		brokers := cfg.KafkaBrokers
		a.readyChecks["kafka"] = func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, brokers)
		}
	}

	if opts.Bus {
		if err := a.openInbox(ctx); err != nil {
			return err
		}
	}

	sinks := []telemetry.Sink{
		telemetry.NewLogSink(logger),
		telemetry.NewMetricsSink(a.Metrics),
	}
	if cfg.TelemetryToBus {
		sinks = append(sinks, telemetry.NewBusSink(a.Producer, redpanda.TopicVerificationTelemetry, logger))
	}

	vopts := []verifier.Option{
		verifier.WithTelemetry(telemetry.NewMulti(logger, sinks...)),
		verifier.WithLogger(logger),
		verifier.WithMetrics(a.Metrics),
		verifier.WithConcurrency(cfg.BatchConcurrency),
	}
	if rcfg, ok := cfg.ReRead(); ok {
		reader, err := reread.NewHTTPClient(rcfg, logger)
		if err != nil {
			return fmt.Errorf("create re-read client: %w", err)
		}
		vopts = append(vopts, verifier.WithReReader(reader))
	}
	a.Verifier = verifier.New(a.RxNorm, a.Cache, vopts...)
	return nil
}

func (a *App) openBackend(ctx context.Context) (cache.Backend, error) {
	switch a.Config.CacheBackend {
	case config.CacheSQLite:
		b, err := cache.OpenSQLite(a.Config.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return b.Close() })
		return b, nil
	case config.CachePostgres:
		pool, err := cache.ConnectPostgres(ctx, a.Config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres cache: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })
		a.pool = pool
		b := cache.NewPostgresBackend(pool)
		if err := b.Migrate(ctx); err != nil {
			return nil, err
		}
		a.readyChecks["cache"] = func(ctx context.Context) error { return pool.Ping(ctx) }
		return b, nil
	default:
		return cache.NewMemoryBackend(), nil
	}
}

// openInbox shares the postgres pool when there is one; otherwise redelivery
// is only deduplicated within this process
func (a *App) openInbox(ctx context.Context) error {
	var store idempotency.Store = idempotency.NewMemoryStore()
	if a.pool != nil {
		pg := idempotency.NewPostgresStore(a.pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate inbox: %w", err)
		}
		store = pg
	}
	cfg := idempotency.DefaultConfig()
	cfg.IsTerminal = worker.IsPermanent
	a.Inbox = idempotency.New(store, cfg, a.Logger)
	a.closers = append(a.closers, func(context.Context) error { a.Inbox.Stop(); return nil })
	return nil
}

// ReadyChecks returns the dependency probes served on /ready
func (a *App) ReadyChecks() map[string]handlers.Check {
	return a.readyChecks
}

// Router returns the HTTP handler for the service
func (a *App) Router() http.Handler {
	return api.NewRouter(api.Deps{
		Verifier:     a.Verifier,
		Interactions: a.RxNorm,
		Breakers:     a.Breakers,
		ReadyChecks:  a.readyChecks,
		Gatherer:     a.Registry,
		APIKeys:      a.Config.APIKeys,
		ServiceName:  a.Config.ServiceName,
		Version:      Version,
		Logger:       a.Logger,
	})
}

// Close stops the janitor and releases every resource in reverse order
func (a *App) Close(ctx context.Context) error {
	if a.Janitor != nil {
		a.Janitor.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
