package source

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johndauphine/scan-migrate/internal/config"
	"github.com/johndauphine/scan-migrate/internal/logging"
)

// PgxReader reads scans through a pgx connection pool.
type PgxReader struct {
	pool *pgxpool.Pool
}

// NewPgxReader connects and pings the database.
func NewPgxReader(ctx context.Context, cfg config.DatabaseConfig) (*PgxReader, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolConfig.MaxConns = int32(max(1, cfg.MaxConns))

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database %s: %w", cfg.Host, err)
	}

	logging.Info("Connected to %s:%d/%s (pgx)", cfg.Host, cfg.Port, cfg.Database)
	return &PgxReader{pool: pool}, nil
}

// FetchScans loads the requested scans.
func (p *PgxReader) FetchScans(ctx context.Context, ids []int64) (FetchResult, error) {
	if len(ids) == 0 {
		return FetchResult{Problems: map[int64]error{}}, nil
	}
	query, args, err := scansQuery(ids)
	if err != nil {
		return FetchResult{}, fmt.Errorf("building scan query: %w", err)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return FetchResult{}, fmt.Errorf("querying scans: %w", err)
	}
	collected, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var out row
		err := r.Scan(&out.ID, &out.ProvidedValues, &out.ScanFiles, &out.SectionName)
		return out, err
	})
	if err != nil {
		return FetchResult{}, fmt.Errorf("reading scans: %w", err)
	}
	return assemble(ids, collected), nil
}

// CountFiles returns the attached file count for each scan that exists.
func (p *PgxReader) CountFiles(ctx context.Context, ids []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := fileCountQuery(ids)
	if err != nil {
		return nil, fmt.Errorf("building file count query: %w", err)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting files: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("counting files: %w", err)
		}
		out[id] = int(n)
	}
	return out, rows.Err()
}

// Ping checks that the database still answers.
func (p *PgxReader) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *PgxReader) Close() error {
	p.pool.Close()
	return nil
}
