// Package cache memoises verification verdicts by normalized drug name.
// Records expire a fixed TTL after they were written; a stale read evicts the
// record. The cache is best-effort: backend faults degrade to misses and
// no-op writes, they never reach the caller.
package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/domain/medication"
)

// DefaultTTL is how long a verdict is served before the name is re-verified
const DefaultTTL = 7 * 24 * time.Hour

// Record is one stored verdict
type Record struct {
	Key       string
	Result    medication.VerificationResult
	WrittenAt time.Time
}

// Backend stores records. Implementations must be safe for concurrent use.
type Backend interface {
	// Load returns the record for key; ok is false when none exists
	Load(ctx context.Context, key string) (rec Record, ok bool, err error)
	// Save inserts or replaces the record for rec.Key
	Save(ctx context.Context, rec Record) error
	// Delete removes key if present
	Delete(ctx context.Context, key string) error
	// Purge removes records written before cutoff and reports how many
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cache is the TTL policy over a Backend
type Cache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New wraps backend with the TTL policy. A nil backend gets a fresh MemoryBackend;
// a non-positive ttl gets DefaultTTL.
func New(backend Backend, ttl time.Duration, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured time-to-live
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the cached verdict for key. Missing, stale and unreadable
// records all report a miss; stale records are evicted.
func (c *Cache) Get(ctx context.Context, key string) (medication.VerificationResult, bool) {
	rec, ok, err := c.backend.Load(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", zap.Error(err))
		return medication.VerificationResult{}, false
	}
	if !ok {
		return medication.VerificationResult{}, false
	}

	if c.now().Sub(rec.WrittenAt) > c.ttl {
		if err := c.backend.Delete(ctx, key); err != nil {
			c.logger.Warn("cache eviction failed", zap.Error(err))
		}
		return medication.VerificationResult{}, false
	}
	return rec.Result.Clone(), true
}

// Put stores result under key with a fresh write timestamp, replacing any
// previous record. Failures are logged and dropped.
func (c *Cache) Put(ctx context.Context, key string, result medication.VerificationResult) {
	rec := Record{
		Key:       key,
		Result:    result.Clone(),
		WrittenAt: c.now().UTC(),
	}
	if err := c.backend.Save(ctx, rec); err != nil {
		c.logger.Warn("cache write failed", zap.Error(err))
	}
}

// Purge removes every record older than the TTL
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	return c.backend.Purge(ctx, c.now().Add(-c.ttl))
}
