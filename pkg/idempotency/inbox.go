// Package idempotency provides the Inbox pattern for exactly-once message processing.
// Each message key is claimed before its handler runs and its result is kept
// until the entry expires, so a redelivered message yields the stored result.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox record
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Result    json.RawMessage
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Store persists inbox entries
type Store interface {
	// Get returns the entry for key, or nil when there is none
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts a STARTED entry, or moves a RECOVERABLE one back to
	// STARTED. It reports false when another handler holds the key.
	Claim(ctx context.Context, key, handler string, expiresAt time.Time) (bool, error)
	// Finish records the final status and result
	Finish(ctx context.Context, key string, status Status, result json.RawMessage) error
	// Release marks a STARTED entry RECOVERABLE
	Release(ctx context.Context, key string) error
	// Purge deletes entries that expired before now
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long a finished result is kept
	TTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
	// IsTerminal reports handler errors that must not be retried. Nil treats
	// every error as recoverable.
	IsTerminal func(error) bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// ErrInProgress indicates the key is held by another handler
var ErrInProgress = errors.New("message in progress by another handler")

// ErrPreviouslyFailed indicates the key failed terminally before
var ErrPreviouslyFailed = errors.New("message previously failed permanently")

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	Duplicate bool
	Recovered bool
	Result    json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a new inbox manager
func New(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger.Named("inbox"),
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

// Process runs fn at most once per key. A finished key returns its stored
// result with Duplicate set and fn is not called.
func (i *Inbox) Process(ctx context.Context, key, handler string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)

		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			// stale claim from a crashed handler
			if err := i.store.Release(ctx, key); err != nil {
				return nil, fmt.Errorf("release stale entry: %w", err)
			}
			recovered = true

		case StatusRecoverable:
			recovered = true
		}
	}

	claimed, err := i.store.Claim(ctx, key, handler, i.now().Add(i.config.TTL))
	if err != nil {
		return nil, fmt.Errorf("claim entry: %w", err)
	}
	if !claimed {
		return nil, ErrInProgress
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.config.IsTerminal != nil && i.config.IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Finish(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.Finish(ctx, key, StatusFinished, result); err != nil {
		// the handler succeeded; a redelivery will run it again
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{Recovered: recovered, Result: result}, nil
}

// Cleanup removes expired entries now
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	n, err := i.store.Purge(ctx, i.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return n, nil
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	go i.cleanupLoop(ctx)
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine if it was started
func (i *Inbox) Stop() {
	i.stopOnce.Do(func() {
		if i.cancel == nil {
			return
		}
		i.cancel()
		<-i.done
		i.logger.Info("inbox stopped")
	})
}

func (i *Inbox) cleanupLoop(ctx context.Context) {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Cleanup(ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}
