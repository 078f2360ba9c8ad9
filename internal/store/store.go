// Package store defines the persistence contracts for scan runs and token
// snapshots. Concrete implementations live under internal/storage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tokenlens/tokenlens/internal/token"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Scan run statuses.
const (
	ScanQueued  = "queued"
	ScanRunning = "running"
	ScanSuccess = "success"
	ScanError   = "error"
)

// ScanRun is the persisted record of one scan of one site.
type ScanRun struct {
	ScanID      uuid.UUID  `json:"scan_id"`
	Site        string     `json:"site"`
	URL         string     `json:"url"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Tokens      int64      `json:"tokens"`
	Stylesheets int64      `json:"stylesheets"`
	Error       string     `json:"error,omitempty"`
}

// PhaseStat records latency and counters for one pipeline phase of a scan.
type PhaseStat struct {
	Phase    string        `json:"phase"`
	Step     int           `json:"step"`
	Duration time.Duration `json:"duration"`
	Tokens   int64         `json:"tokens"`
	Sheets   int64         `json:"sheets"`
}

// ScanRepository persists scan run lifecycles and per-phase statistics.
type ScanRepository interface {
	// UpsertScanStart records a newly started run, overwriting any stale
	// record with the same scan ID.
	UpsertScanStart(ctx context.Context, run ScanRun) error
	// CompleteScan marks a run finished with the given outcome and counters.
	CompleteScan(ctx context.Context, scanID uuid.UUID, status string, completedAt time.Time, tokens, sheets int64, errText string) error
	// UpsertPhaseStats records stats for one phase of a run.
	UpsertPhaseStats(ctx context.Context, scanID uuid.UUID, stat PhaseStat) error
	// GetScan fetches one run by ID. Returns ErrNotFound when absent.
	GetScan(ctx context.Context, scanID uuid.UUID) (ScanRun, error)
	// ListScans returns the most recent runs for a site, newest first.
	ListScans(ctx context.Context, site string, limit int) ([]ScanRun, error)
}

// SnapshotInfo is the version-listing view of a stored snapshot, without the
// token payload.
type SnapshotInfo struct {
	ID         uuid.UUID `json:"id"`
	Site       string    `json:"site"`
	Version    int       `json:"version"`
	CapturedAt time.Time `json:"captured_at"`
	Hash       string    `json:"hash"`
	Tokens     int       `json:"tokens"`
}

// SnapshotRepository persists versioned token snapshots per site.
type SnapshotRepository interface {
	// SaveSnapshot stores a snapshot. Version must be LatestVersion+1; the
	// implementation rejects gaps and duplicates.
	SaveSnapshot(ctx context.Context, snap token.Snapshot) error
	// GetSnapshot fetches one version of a site. Returns ErrNotFound when
	// the site or version is unknown.
	GetSnapshot(ctx context.Context, site string, version int) (token.Snapshot, error)
	// LatestVersion reports the highest stored version for a site, 0 when
	// the site has no snapshots.
	LatestVersion(ctx context.Context, site string) (int, error)
	// ListVersions returns snapshot metadata for a site, newest first.
	ListVersions(ctx context.Context, site string, limit int) ([]SnapshotInfo, error)
}
