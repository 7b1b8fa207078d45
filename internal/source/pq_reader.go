package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/johndauphine/scan-migrate/internal/config"
	"github.com/johndauphine/scan-migrate/internal/logging"
)

// PQReader reads scans through database/sql and lib/pq. Some maintenance
// proxies only accept the simple protocol this driver speaks.
type PQReader struct {
	db *sql.DB
}

// NewPQReader opens and pings the database.
func NewPQReader(ctx context.Context, cfg config.DatabaseConfig) (*PQReader, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	maxConns := max(1, cfg.MaxConns)
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/4))
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database %s: %w", cfg.Host, err)
	}

	logging.Info("Connected to %s:%d/%s (pq)", cfg.Host, cfg.Port, cfg.Database)
	return &PQReader{db: db}, nil
}

// NewPQReaderFromDB wraps an open handle.
func NewPQReaderFromDB(db *sql.DB) *PQReader {
	return &PQReader{db: db}
}

// FetchScans loads the requested scans.
func (p *PQReader) FetchScans(ctx context.Context, ids []int64) (FetchResult, error) {
	if len(ids) == 0 {
		return FetchResult{Problems: map[int64]error{}}, nil
	}
	query, args, err := scansQuery(pq.Array(ids))
	if err != nil {
		return FetchResult{}, fmt.Errorf("building scan query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return FetchResult{}, fmt.Errorf("querying scans: %w", err)
	}
	defer rows.Close()

	var collected []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.ID, &r.ProvidedValues, &r.ScanFiles, &r.SectionName); err != nil {
			return FetchResult{}, fmt.Errorf("reading scans: %w", err)
		}
		collected = append(collected, r)
	}
	if err := rows.Err(); err != nil {
		return FetchResult{}, fmt.Errorf("reading scans: %w", err)
	}
	return assemble(ids, collected), nil
}

// CountFiles returns the attached file count for each scan that exists.
func (p *PQReader) CountFiles(ctx context.Context, ids []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := fileCountQuery(pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("building file count query: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting files: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("counting files: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// Ping checks that the database still answers.
func (p *PQReader) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the handle.
func (p *PQReader) Close() error {
	return p.db.Close()
}
