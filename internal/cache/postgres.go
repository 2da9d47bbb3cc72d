package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-rxverify/internal/domain/medication"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS verification_cache (
		normalized_name TEXT PRIMARY KEY,
		result          JSONB NOT NULL,
		written_at      TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS verification_cache_written_at_idx
		ON verification_cache (written_at);
`

// PostgresBackend shares verdicts between replicas through a Postgres table
type PostgresBackend struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewPostgresBackend wraps an existing pool
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{
		pool:   pool,
		tracer: otel.Tracer("verification-cache"),
	}
}

// ConnectPostgres opens a pool for dsn and verifies connectivity
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the cache table if needed
func (p *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate verification_cache: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Load(ctx context.Context, key string) (Record, bool, error) {
	ctx, span := p.tracer.Start(ctx, "cache_load")
	defer span.End()

	query := `
		SELECT result, written_at
		FROM verification_cache
		WHERE normalized_name = $1
	`

	var raw []byte
	rec := Record{Key: key}
	err := p.pool.QueryRow(ctx, query, key).Scan(&raw, &rec.WrittenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetAttributes(attribute.Bool("hit", false))
		return Record{}, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return Record{}, false, fmt.Errorf("load cache record: %w", err)
	}

	var result medication.VerificationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return Record{}, false, fmt.Errorf("decode cache record: %w", err)
	}
	rec.Result = result
	span.SetAttributes(attribute.Bool("hit", true))
	return rec, true, nil
}

func (p *PostgresBackend) Save(ctx context.Context, rec Record) error {
	ctx, span := p.tracer.Start(ctx, "cache_save")
	defer span.End()

	raw, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}

	query := `
		INSERT INTO verification_cache (normalized_name, result, written_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (normalized_name) DO UPDATE
		SET result = EXCLUDED.result, written_at = EXCLUDED.written_at
	`

	if _, err := p.pool.Exec(ctx, query, rec.Key, raw, rec.WrittenAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("save cache record: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM verification_cache WHERE normalized_name = $1`, key); err != nil {
		return fmt.Errorf("delete cache record: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM verification_cache WHERE written_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats reports table size and age range
type Stats struct {
	Entries int64
	Oldest  *time.Time
	Newest  *time.Time
}

// GetStats returns current cache table statistics
func (p *PostgresBackend) GetStats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT COUNT(*), MIN(written_at), MAX(written_at)
		FROM verification_cache
	`

	stats := &Stats{}
	if err := p.pool.QueryRow(ctx, query).Scan(&stats.Entries, &stats.Oldest, &stats.Newest); err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}
