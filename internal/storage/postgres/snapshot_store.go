package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tokenlens/tokenlens/internal/store"
	"github.com/tokenlens/tokenlens/internal/token"
)

// SnapshotStore implements store.SnapshotRepository using Postgres. Token
// payloads are stored as JSONB; listing queries never touch the payload
// column.
type SnapshotStore struct {
	pool Pool
}

// NewSnapshotStore constructs a SnapshotStore over an existing pool.
func NewSnapshotStore(pool Pool) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SnapshotStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveSnapshot stores a snapshot. The version gap check runs in the database
// so concurrent writers cannot both claim the same version.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap token.Snapshot) error {
	if snap.Site == "" {
		return fmt.Errorf("snapshot site is required")
	}
	if snap.Version < 1 {
		return fmt.Errorf("snapshot version must be >= 1")
	}
	payload, err := json.Marshal(snap.Tokens)
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	query := `
		INSERT INTO token_snapshots (id, site, version, captured_at, hash, token_count, tokens)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE $3 = (SELECT COALESCE(MAX(version), 0) + 1 FROM token_snapshots WHERE site = $2);
	`
	res, err := s.pool.Exec(ctx, query,
		snap.ID, snap.Site, snap.Version, snap.CapturedAt, snap.Hash, snap.Tokens.Count(), payload,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("snapshot version %d for %s is not the next version", snap.Version, snap.Site)
	}
	return nil
}

// GetSnapshot fetches one version of a site.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, site string, version int) (token.Snapshot, error) {
	query := `
		SELECT id, site, version, captured_at, hash, tokens
		FROM token_snapshots WHERE site = $1 AND version = $2;
	`
	var (
		snap    token.Snapshot
		payload []byte
	)
	err := s.pool.QueryRow(ctx, query, site, version).Scan(
		&snap.ID, &snap.Site, &snap.Version, &snap.CapturedAt, &snap.Hash, &payload,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return token.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return token.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	if err := json.Unmarshal(payload, &snap.Tokens); err != nil {
		return token.Snapshot{}, fmt.Errorf("unmarshal tokens: %w", err)
	}
	return snap, nil
}

// LatestVersion reports the highest stored version for a site.
func (s *SnapshotStore) LatestVersion(ctx context.Context, site string) (int, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM token_snapshots WHERE site = $1;`
	var version int
	if err := s.pool.QueryRow(ctx, query, site).Scan(&version); err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return version, nil
}

// ListVersions returns snapshot metadata for a site, newest first.
func (s *SnapshotStore) ListVersions(ctx context.Context, site string, limit int) ([]store.SnapshotInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, site, version, captured_at, hash, token_count
		FROM token_snapshots WHERE site = $1
		ORDER BY version DESC LIMIT $2;
	`
	rows, err := s.pool.Query(ctx, query, site, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var infos []store.SnapshotInfo
	for rows.Next() {
		var info store.SnapshotInfo
		if err := rows.Scan(&info.ID, &info.Site, &info.Version, &info.CapturedAt, &info.Hash, &info.Tokens); err != nil {
			return nil, fmt.Errorf("snapshot row: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return infos, nil
}
