package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tokenlens/tokenlens/internal/store"
	"github.com/tokenlens/tokenlens/internal/token"
)

// SnapshotStore is an in-memory store.SnapshotRepository. Versions are dense
// per site, so the slice index is version-1.
type SnapshotStore struct {
	mu    sync.RWMutex
	sites map[string][]token.Snapshot
}

// NewSnapshotStore creates an empty in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{sites: make(map[string][]token.Snapshot)}
}

// SaveSnapshot stores a snapshot, enforcing dense versioning.
func (s *SnapshotStore) SaveSnapshot(_ context.Context, snap token.Snapshot) error {
	if snap.Site == "" {
		return fmt.Errorf("snapshot site is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := len(s.sites[snap.Site]) + 1
	if snap.Version != next {
		return fmt.Errorf("snapshot version %d for %s is not the next version", snap.Version, snap.Site)
	}
	snap.Tokens = snap.Tokens.Clone()
	s.sites[snap.Site] = append(s.sites[snap.Site], snap)
	return nil
}

// GetSnapshot fetches one version of a site.
func (s *SnapshotStore) GetSnapshot(_ context.Context, site string, version int) (token.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.sites[site]
	if version < 1 || version > len(snaps) {
		return token.Snapshot{}, store.ErrNotFound
	}
	snap := snaps[version-1]
	snap.Tokens = snap.Tokens.Clone()
	return snap, nil
}

// LatestVersion reports the highest stored version for a site.
func (s *SnapshotStore) LatestVersion(_ context.Context, site string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sites[site]), nil
}

// ListVersions returns snapshot metadata for a site, newest first.
func (s *SnapshotStore) ListVersions(_ context.Context, site string, limit int) ([]store.SnapshotInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.sites[site]
	var infos []store.SnapshotInfo
	for i := len(snaps) - 1; i >= 0 && len(infos) < limit; i-- {
		snap := snaps[i]
		infos = append(infos, store.SnapshotInfo{
			ID:         snap.ID,
			Site:       snap.Site,
			Version:    snap.Version,
			CapturedAt: snap.CapturedAt,
			Hash:       snap.Hash,
			Tokens:     snap.Tokens.Count(),
		})
	}
	return infos, nil
}
