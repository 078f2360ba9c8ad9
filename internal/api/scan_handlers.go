package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/metrics"
	"github.com/tokenlens/tokenlens/internal/progress"
	"github.com/tokenlens/tokenlens/internal/scan"
	"github.com/tokenlens/tokenlens/internal/store"
)

type submitScanRequest struct {
	URL      string            `json:"url"`
	Site     string            `json:"site"`
	Rendered bool              `json:"rendered"`
	Tags     map[string]string `json:"tags"`
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req submitScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if err := validateScanURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scanID, err := s.enqueueScan(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": scanID.String()})
}

func (s *Server) enqueueScan(ctx context.Context, req submitScanRequest) (uuid.UUID, error) {
	scanID, err := s.idGen.NewRawID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate scan id: %w", err)
	}
	site := normalizeSite(req.URL, req.Site)
	now := s.clock.Now()

	run := store.ScanRun{
		ScanID:    scanID,
		Site:      site,
		URL:       req.URL,
		Status:    store.ScanQueued,
		StartedAt: now,
	}
	if err := s.scans.UpsertScanStart(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("record scan: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := scan.QueueItem{
		ScanID: scanID,
		Request: scan.Request{
			URL:      req.URL,
			Site:     site,
			Rendered: req.Rendered,
			Tags:     req.Tags,
		},
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.queue.Enqueue(queueCtx, item); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue scan: %w", err)
	}
	return scanID, nil
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	scanID, err := uuid.Parse(chi.URLParam(r, "scan_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan id")
		return
	}
	run, err := s.scans.GetScan(r.Context(), scanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		s.logger.Error("get scan failed", zap.String("scan_id", scanID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch scan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan": run})
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	scanID, err := uuid.Parse(chi.URLParam(r, "scan_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan id")
		return
	}
	if !s.sessions.Cancel(scanID) {
		writeError(w, http.StatusNotFound, "no active scan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scan_id": scanID.String(), "status": "canceled"})
}

// scanEvents streams loader state updates for one scan as server-sent events.
// The current state is sent first so late subscribers catch up immediately.
func (s *Server) scanEvents(w http.ResponseWriter, r *http.Request) {
	scanID, err := uuid.Parse(chi.URLParam(r, "scan_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sess := s.sessions.Get(scanID)
	if sess == nil {
		run, err := s.scans.GetScan(r.Context(), scanID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "scan not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "lookup scan failed")
			return
		}
		if run.Status == store.ScanSuccess || run.Status == store.ScanError {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			writeSSE(w, "end", map[string]string{"scan_id": scanID.String(), "status": run.Status})
			flusher.Flush()
			return
		}
		// Queued or running without a local session: fall through and wait
		// for the worker's broadcasts.
	}

	updates, cancel, err := s.registry.Open(scanID)
	if err != nil {
		switch {
		case errors.Is(err, progress.ErrTooManyStreams):
			writeError(w, http.StatusTooManyRequests, "too many open streams")
		default:
			writeError(w, http.StatusServiceUnavailable, "stream registry unavailable")
		}
		return
	}
	defer cancel()

	metrics.IncEventStreams()
	defer metrics.DecEventStreams()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if sess != nil {
		writeSSE(w, "state", progress.Update{ScanID: scanID, State: sess.Loader.GetState()})
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case upd, open := <-updates:
			if !open {
				writeSSE(w, "end", map[string]string{"scan_id": scanID.String()})
				flusher.Flush()
				return
			}
			writeSSE(w, "state", upd)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("encode SSE payload failed", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
