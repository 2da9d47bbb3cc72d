package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/observability/metrics"
)

// Janitor periodically deletes expired records that no read has evicted
type Janitor struct {
	cache     *Cache
	interval  time.Duration
	scheduler *gocron.Scheduler
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewJanitor creates a janitor for c; m may be nil
func NewJanitor(c *Cache, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		cache:     c,
		interval:  interval,
		scheduler: gocron.NewScheduler(time.UTC),
		metrics:   m,
		logger:    logger,
	}
}

// Start schedules the purge job. The first run happens immediately.
func (j *Janitor) Start() error {
	if j.interval <= 0 {
		return fmt.Errorf("janitor interval must be positive, got %s", j.interval)
	}

	_, err := j.scheduler.Every(j.interval).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.interval)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("cache purge failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache purge: %w", err)
	}

	j.scheduler.StartAsync()
	j.logger.Info("cache janitor started", zap.Duration("interval", j.interval))
	return nil
}

// Stop stops the scheduler
func (j *Janitor) Stop() {
	j.scheduler.Stop()
}

// RunOnce purges expired records now
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	n, err := j.cache.Purge(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("cache purge completed", zap.Int64("deleted", n))
		if j.metrics != nil {
			j.metrics.CachePurged.Add(float64(n))
		}
	}
	return n, nil
}
