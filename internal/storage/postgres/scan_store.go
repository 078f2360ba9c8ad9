package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tokenlens/tokenlens/internal/store"
)

// ScanStore implements store.ScanRepository using Postgres.
type ScanStore struct {
	pool Pool
}

// NewScanStore constructs a ScanStore over an existing pool.
func NewScanStore(pool Pool) (*ScanStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ScanStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ScanStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertScanStart records a newly started run.
func (s *ScanStore) UpsertScanStart(ctx context.Context, run store.ScanRun) error {
	query := `
		INSERT INTO scan_runs (scan_id, site, url, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scan_id) DO UPDATE
		SET site = EXCLUDED.site,
		    url = EXCLUDED.url,
		    status = EXCLUDED.status,
		    started_at = EXCLUDED.started_at;
	`
	if _, err := s.pool.Exec(ctx, query, run.ScanID, run.Site, run.URL, run.Status, run.StartedAt); err != nil {
		return fmt.Errorf("upsert scan start: %w", err)
	}
	return nil
}

// CompleteScan marks a run finished.
func (s *ScanStore) CompleteScan(ctx context.Context, scanID uuid.UUID, status string, completedAt time.Time, tokens, sheets int64, errText string) error {
	query := `
		UPDATE scan_runs
		SET status = $1, completed_at = $2, tokens = $3, stylesheets = $4, error_message = $5
		WHERE scan_id = $6;
	`
	res, err := s.pool.Exec(ctx, query, status, completedAt, tokens, sheets, errText, scanID)
	if err != nil {
		return fmt.Errorf("complete scan: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("complete scan %s: %w", scanID, store.ErrNotFound)
	}
	return nil
}

// UpsertPhaseStats records stats for one phase of a run.
func (s *ScanStore) UpsertPhaseStats(ctx context.Context, scanID uuid.UUID, stat store.PhaseStat) error {
	query := `
		INSERT INTO scan_phases (scan_id, phase, step, duration_ms, tokens, stylesheets)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scan_id, phase) DO UPDATE
		SET step = EXCLUDED.step,
		    duration_ms = EXCLUDED.duration_ms,
		    tokens = EXCLUDED.tokens,
		    stylesheets = EXCLUDED.stylesheets;
	`
	if _, err := s.pool.Exec(ctx, query, scanID, stat.Phase, stat.Step, stat.Duration.Milliseconds(), stat.Tokens, stat.Sheets); err != nil {
		return fmt.Errorf("upsert phase stats: %w", err)
	}
	return nil
}

// GetScan fetches one run by ID.
func (s *ScanStore) GetScan(ctx context.Context, scanID uuid.UUID) (store.ScanRun, error) {
	query := `
		SELECT scan_id, site, url, status, started_at, completed_at, tokens, stylesheets, COALESCE(error_message, '')
		FROM scan_runs WHERE scan_id = $1;
	`
	var run store.ScanRun
	err := s.pool.QueryRow(ctx, query, scanID).Scan(
		&run.ScanID, &run.Site, &run.URL, &run.Status,
		&run.StartedAt, &run.CompletedAt, &run.Tokens, &run.Stylesheets, &run.Error,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ScanRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.ScanRun{}, fmt.Errorf("get scan: %w", err)
	}
	return run, nil
}

// ListScans returns the most recent runs for a site, newest first.
func (s *ScanStore) ListScans(ctx context.Context, site string, limit int) ([]store.ScanRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT scan_id, site, url, status, started_at, completed_at, tokens, stylesheets, COALESCE(error_message, '')
		FROM scan_runs WHERE site = $1
		ORDER BY started_at DESC LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, query, site, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var runs []store.ScanRun
	for rows.Next() {
		var run store.ScanRun
		if err := rows.Scan(
			&run.ScanID, &run.Site, &run.URL, &run.Status,
			&run.StartedAt, &run.CompletedAt, &run.Tokens, &run.Stylesheets, &run.Error,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan runs: %w", err)
	}
	return runs, nil
}
