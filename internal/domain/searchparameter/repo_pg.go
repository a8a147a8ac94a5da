package searchparameter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PGStatusStore persists status records in the search_parameter_status table.
// When the table is empty it is seeded from the baseline store.
type PGStatusStore struct {
	pool     *pgxpool.Pool
	baseline StatusStore
	logger   zerolog.Logger
}

func NewPGStatusStore(pool *pgxpool.Pool, baseline StatusStore, logger zerolog.Logger) *PGStatusStore {
	return &PGStatusStore{pool: pool, baseline: baseline, logger: logger}
}

func (r *PGStatusStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const statusCols = `uri, status, is_partially_supported, sort_status, last_updated`

const upsertStatusSQL = `
	INSERT INTO search_parameter_status (` + statusCols + `)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (uri) DO UPDATE SET
		status = EXCLUDED.status,
		is_partially_supported = EXCLUDED.is_partially_supported,
		sort_status = EXCLUDED.sort_status,
		last_updated = EXCLUDED.last_updated`

func (r *PGStatusStore) scanRow(row pgx.Row) (ResourceSearchParameterStatus, error) {
	var s ResourceSearchParameterStatus
	var status, sortStatus string
	err := row.Scan(&s.URI, &status, &s.IsPartiallySupported, &sortStatus, &s.LastUpdated)
	s.Status = SearchParameterStatus(status)
	s.SortStatus = SortParameterStatus(sortStatus)
	return s, err
}

// GetStatuses returns every persisted record ordered by uri.
func (r *PGStatusStore) GetStatuses(ctx context.Context) ([]ResourceSearchParameterStatus, error) {
	items, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 || r.baseline == nil {
		return items, nil
	}

	seed, err := r.baseline.GetStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("load baseline statuses: %w", err)
	}
	if err := r.UpsertStatuses(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed statuses: %w", err)
	}
	r.logger.Info().Int("count", len(seed)).Msg("seeded search parameter statuses")
	return r.list(ctx)
}

func (r *PGStatusStore) list(ctx context.Context) ([]ResourceSearchParameterStatus, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+statusCols+` FROM search_parameter_status ORDER BY uri`)
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer rows.Close()
	var items []ResourceSearchParameterStatus
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// UpsertStatuses writes all records in a single batch.
func (r *PGStatusStore) UpsertStatuses(ctx context.Context, statuses []ResourceSearchParameterStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range statuses {
		batch.Queue(upsertStatusSQL, s.URI, string(s.Status), s.IsPartiallySupported, string(s.SortStatus), s.LastUpdated)
	}
	br := r.conn(ctx).SendBatch(ctx, batch)
	defer br.Close()
	for _, s := range statuses {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert status %s: %w", s.URI, err)
		}
	}
	return nil
}
