package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokenlens/tokenlens/internal/store"
)

// ScanStore is an in-memory store.ScanRepository for development and tests.
type ScanStore struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]store.ScanRun
	phases map[uuid.UUID]map[string]store.PhaseStat
}

// NewScanStore creates an empty in-memory scan store.
func NewScanStore() *ScanStore {
	return &ScanStore{
		runs:   make(map[uuid.UUID]store.ScanRun),
		phases: make(map[uuid.UUID]map[string]store.PhaseStat),
	}
}

// UpsertScanStart records a newly started run.
func (s *ScanStore) UpsertScanStart(_ context.Context, run store.ScanRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ScanID] = run
	return nil
}

// CompleteScan marks a run finished.
func (s *ScanStore) CompleteScan(_ context.Context, scanID uuid.UUID, status string, completedAt time.Time, tokens, sheets int64, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[scanID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.CompletedAt = &completedAt
	run.Tokens = tokens
	run.Stylesheets = sheets
	run.Error = errText
	s.runs[scanID] = run
	return nil
}

// UpsertPhaseStats records stats for one phase of a run.
func (s *ScanStore) UpsertPhaseStats(_ context.Context, scanID uuid.UUID, stat store.PhaseStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	phases := s.phases[scanID]
	if phases == nil {
		phases = make(map[string]store.PhaseStat)
		s.phases[scanID] = phases
	}
	phases[stat.Phase] = stat
	return nil
}

// GetScan fetches one run by ID.
func (s *ScanStore) GetScan(_ context.Context, scanID uuid.UUID) (store.ScanRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[scanID]
	if !ok {
		return store.ScanRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListScans returns the most recent runs for a site, newest first.
func (s *ScanStore) ListScans(_ context.Context, site string, limit int) ([]store.ScanRun, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []store.ScanRun
	for _, run := range s.runs {
		if run.Site == site {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// PhaseStats returns the recorded stats for a scan, keyed by phase. Test
// helper; not part of store.ScanRepository.
func (s *ScanStore) PhaseStats(scanID uuid.UUID) map[string]store.PhaseStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]store.PhaseStat, len(s.phases[scanID]))
	for phase, stat := range s.phases[scanID] {
		out[phase] = stat
	}
	return out
}
