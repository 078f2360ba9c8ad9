package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/metrics"
	"github.com/tokenlens/tokenlens/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func (s *Server) listSiteScans(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	limit, err := parseLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.scans.ListScans(r.Context(), site, limit)
	if err != nil {
		s.logger.Error("list scans failed", zap.String("site", site), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": site, "scans": runs})
}

func (s *Server) listSiteVersions(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	limit, err := parseLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	versions, err := s.snapshots.ListVersions(r.Context(), site, limit)
	if err != nil {
		s.logger.Error("list versions failed", zap.String("site", site), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list versions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": site, "versions": versions})
}

// diffSiteVersions compares two stored snapshot versions of a site. The
// result is served from the diff cache when both snapshots carry a content
// hash.
func (s *Server) diffSiteVersions(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	from, err := parseVersion(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseVersion(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	oldSnap, err := s.snapshots.GetSnapshot(r.Context(), site, from)
	if err != nil {
		s.writeSnapshotError(w, site, from, err)
		return
	}
	newSnap, err := s.snapshots.GetSnapshot(r.Context(), site, to)
	if err != nil {
		s.writeSnapshotError(w, site, to, err)
		return
	}

	d, hit := s.diffs.Between(oldSnap, newSnap)
	metrics.ObserveDiffCacheLookup(hit)

	writeJSON(w, http.StatusOK, map[string]any{
		"site": site,
		"from": from,
		"to":   to,
		"diff": d,
	})
}

func (s *Server) writeSnapshotError(w http.ResponseWriter, site string, version int, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "snapshot version not found")
		return
	}
	s.logger.Error("get snapshot failed",
		zap.String("site", site),
		zap.Int("version", version),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "failed to fetch snapshot")
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}

func parseVersion(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, errors.New(key + " version required")
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return v, nil
}
