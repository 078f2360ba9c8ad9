package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/config"
	"github.com/tokenlens/tokenlens/internal/loader"
	"github.com/tokenlens/tokenlens/internal/metrics"
	"github.com/tokenlens/tokenlens/internal/progress"
	queuemem "github.com/tokenlens/tokenlens/internal/queue/memory"
	"github.com/tokenlens/tokenlens/internal/scan"
	storemem "github.com/tokenlens/tokenlens/internal/storage/memory"
	"github.com/tokenlens/tokenlens/internal/store"
	"github.com/tokenlens/tokenlens/internal/token"
	"github.com/tokenlens/tokenlens/internal/token/diff"
)

type fakeIDGen struct {
	ids []uuid.UUID
	idx int
}

func (f *fakeIDGen) NewRawID() (uuid.UUID, error) {
	if f.idx >= len(f.ids) {
		return uuid.New(), nil
	}
	id := f.ids[f.idx]
	f.idx++
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

type testEnv struct {
	server    *Server
	scans     *storemem.ScanStore
	snapshots *storemem.SnapshotStore
	queue     *queuemem.Queue
	sessions  *scan.Sessions
	registry  *progress.Registry
	idGen     *fakeIDGen
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	metrics.Init()

	registry := progress.NewRegistry(progress.RegistryConfig{})
	t.Cleanup(registry.Close)
	sessions := scan.NewSessions(registry, scan.SessionsConfig{})

	diffs, err := diff.NewCache(16)
	require.NoError(t, err)

	env := &testEnv{
		scans:     storemem.NewScanStore(),
		snapshots: storemem.NewSnapshotStore(),
		queue:     queuemem.NewQueue(8),
		sessions:  sessions,
		registry:  registry,
		idGen:     &fakeIDGen{},
	}
	env.server = NewServer(config.Config{
		Server: config.ServerConfig{Port: 8080, TimeoutSeconds: 5},
		Worker: config.WorkerConfig{Concurrency: 1},
	}, Deps{
		Scans:     env.scans,
		Snapshots: env.snapshots,
		Queue:     env.queue,
		Sessions:  sessions,
		Registry:  registry,
		Diffs:     diffs,
		IDGen:     env.idGen,
		Clock:     &fakeClock{now: time.Unix(100, 0)},
		Logger:    zap.NewNop(),
	})
	return env
}

func TestServerHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServerSubmitScanSucceeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	scanID := uuid.New()
	env.idGen.ids = []uuid.UUID{scanID}

	body := []byte(`{"url":"https://example.com/pricing","rendered":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), scanID.String())

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, scanID, item.ScanID)
	require.Equal(t, "https://example.com/pricing", item.Request.URL)
	require.Equal(t, "example.com", item.Request.Site)
	require.True(t, item.Request.Rendered)

	run, err := env.scans.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	require.Equal(t, store.ScanQueued, run.Status)
}

func TestServerSubmitScanRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", "{invalid", "invalid JSON"},
		{"missing url", `{"site":"example.com"}`, "url required"},
		{"bad scheme", `{"url":"ftp://example.com"}`, "scheme"},
		{"no host", `{"url":"https://"}`, "host"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewBufferString(tc.body))
			rec := httptest.NewRecorder()

			env.server.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
		})
	}
}

func TestServerGetScan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	scanID := uuid.New()
	require.NoError(t, env.scans.UpsertScanStart(context.Background(), store.ScanRun{
		ScanID:    scanID,
		Site:      "example.com",
		URL:       "https://example.com",
		Status:    store.ScanRunning,
		StartedAt: time.Unix(100, 0),
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/scans/"+scanID.String(), nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "example.com")
	require.Contains(t, rec.Body.String(), store.ScanRunning)
}

func TestServerGetScanNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/scans/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerGetScanInvalidID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/scans/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerCancelScan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	scanID := uuid.New()
	_, err := env.sessions.Begin(scanID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/scans/"+scanID.String()+"/cancel", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "canceled")
	require.Zero(t, env.sessions.Active())
}

func TestServerCancelScanWithoutSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/scans/"+uuid.NewString()+"/cancel", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	srv := NewServer(config.Config{
		Server: config.ServerConfig{Port: 8080, TimeoutSeconds: 5},
		Worker: config.WorkerConfig{Concurrency: 1},
		Auth:   config.AuthConfig{Enabled: true, APIKey: "secret"},
	}, Deps{
		Scans:     env.scans,
		Snapshots: env.snapshots,
		Queue:     env.queue,
		Sessions:  env.sessions,
		Registry:  env.registry,
		IDGen:     env.idGen,
		Clock:     &fakeClock{now: time.Unix(100, 0)},
		Logger:    zap.NewNop(),
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func seedSnapshots(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	v1 := token.Snapshot{
		ID:      uuid.New(),
		Site:    "example.com",
		Version: 1,
		Tokens: token.Set{
			"colors": {{Path: "colors.primary", Value: token.StringValue("#1a73e8")}},
		},
		Hash: "hash-v1",
	}
	v2 := token.Snapshot{
		ID:      uuid.New(),
		Site:    "example.com",
		Version: 2,
		Tokens: token.Set{
			"colors": {{Path: "colors.primary", Value: token.StringValue("#202124")}},
		},
		Hash: "hash-v2",
	}
	require.NoError(t, env.snapshots.SaveSnapshot(ctx, v1))
	require.NoError(t, env.snapshots.SaveSnapshot(ctx, v2))
}

func TestServerListSiteVersions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedSnapshots(t, env)

	req := httptest.NewRequest(http.MethodGet, "/v1/sites/example.com/versions", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"version":2`)
	require.Contains(t, rec.Body.String(), `"version":1`)
}

func TestServerDiffSiteVersions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedSnapshots(t, env)

	req := httptest.NewRequest(http.MethodGet, "/v1/sites/example.com/diff?from=1&to=2", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"modified_count":1`)
	require.Contains(t, rec.Body.String(), "colors.primary")
}

func TestServerDiffSiteVersionsValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seedSnapshots(t, env)

	cases := []struct {
		name   string
		target string
		status int
	}{
		{"missing from", "/v1/sites/example.com/diff?to=2", http.StatusBadRequest},
		{"non-numeric to", "/v1/sites/example.com/diff?from=1&to=x", http.StatusBadRequest},
		{"unknown version", "/v1/sites/example.com/diff?from=1&to=9", http.StatusNotFound},
		{"unknown site", "/v1/sites/other.com/diff?from=1&to=2", http.StatusNotFound},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestServerListSiteScans(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, env.scans.UpsertScanStart(ctx, store.ScanRun{
			ScanID:    uuid.New(),
			Site:      "example.com",
			URL:       "https://example.com",
			Status:    store.ScanSuccess,
			StartedAt: time.Unix(int64(100+i), 0),
		}))
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sites/example.com/scans?limit=2", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Scans []store.ScanRun `json:"scans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Scans, 2)
}

func TestServerScanEventsStreamsState(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	scanID := uuid.New()
	sess, err := env.sessions.Begin(scanID)
	require.NoError(t, err)
	defer env.sessions.End(scanID)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/scans/"+scanID.String()+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sess.Loader.Start()

	buf := make([]byte, 4096)
	var collected []byte
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n, readErr := resp.Body.Read(buf)
		collected = append(collected, buf[:n]...)
		if bytes.Contains(collected, []byte(string(loader.StatusLoading))) {
			break
		}
		if readErr != nil {
			break
		}
	}
	require.Contains(t, string(collected), "event: state")
	require.Contains(t, string(collected), scanID.String())
	require.Contains(t, string(collected), string(loader.StatusLoading))
}

// TestServerScanEventsFinishedScan gets an immediate end event instead of an
// open stream that never produces data.
func TestServerScanEventsFinishedScan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	scanID := uuid.New()
	require.NoError(t, env.scans.UpsertScanStart(context.Background(), store.ScanRun{
		ScanID:    scanID,
		Site:      "example.com",
		URL:       "https://example.com",
		Status:    store.ScanSuccess,
		StartedAt: time.Unix(100, 0),
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/scans/"+scanID.String()+"/events", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "event: end")
	require.Contains(t, rec.Body.String(), scanID.String())
	require.Contains(t, rec.Body.String(), store.ScanSuccess)
}

// TestServerScanEventsUnknownScan rejects streams for IDs no store has seen.
func TestServerScanEventsUnknownScan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/scans/"+uuid.NewString()+"/events", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerScanEventsInvalidID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/scans/nope/events", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
