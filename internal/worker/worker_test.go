package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tokenlens/tokenlens/internal/clock/system"
	"github.com/tokenlens/tokenlens/internal/extract"
	"github.com/tokenlens/tokenlens/internal/hash/sha256"
	"github.com/tokenlens/tokenlens/internal/progress"
	pubmem "github.com/tokenlens/tokenlens/internal/publisher/memory"
	"github.com/tokenlens/tokenlens/internal/scan"
	storemem "github.com/tokenlens/tokenlens/internal/storage/memory"
	"github.com/tokenlens/tokenlens/internal/token"
	"github.com/tokenlens/tokenlens/internal/token/diff"
)

type stubCollector struct {
	result scan.CollectResult
	err    error
	calls  int
}

func (s *stubCollector) Collect(context.Context, string) (scan.CollectResult, error) {
	s.calls++
	if s.err != nil {
		return scan.CollectResult{}, s.err
	}
	return s.result, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Stage
	}
	return out
}

type fixture struct {
	worker    *Worker
	emitter   *captureEmitter
	publisher *pubmem.Publisher
	snapshots *storemem.SnapshotStore
	archive   *storemem.Archive
	sessions  *scan.Sessions
	registry  *progress.Registry
}

func newFixture(t *testing.T, probe scan.Collector, tokens token.Set) *fixture {
	t.Helper()
	registry := progress.NewRegistry(progress.RegistryConfig{})
	t.Cleanup(registry.Close)

	f := &fixture{
		emitter:   &captureEmitter{},
		publisher: pubmem.New(),
		snapshots: storemem.NewSnapshotStore(),
		archive:   storemem.NewArchive(),
		registry:  registry,
		sessions:  scan.NewSessions(registry, scan.SessionsConfig{}),
	}
	w, err := New(Deps{
		Queue:     memoryQueueStub{},
		Sessions:  f.sessions,
		Emitter:   f.emitter,
		Probe:     probe,
		Extractor: extract.NewStatic(tokens),
		Scans:     storemem.NewScanStore(),
		Snapshots: f.snapshots,
		Archive:   f.archive,
		Publisher: f.publisher,
		Hasher:    sha256.New(),
		Clock:     system.New(),
		Diffs:     mustCache(t),
	}, Config{Topic: "scan-complete"})
	require.NoError(t, err)
	f.worker = w
	return f
}

type memoryQueueStub struct{}

func (memoryQueueStub) Enqueue(context.Context, scan.QueueItem) error { return nil }
func (memoryQueueStub) Dequeue(ctx context.Context) (scan.QueueItem, error) {
	<-ctx.Done()
	return scan.QueueItem{}, ctx.Err()
}

func mustCache(t *testing.T) *diff.Cache {
	t.Helper()
	c, err := diff.NewCache(32)
	require.NoError(t, err)
	return c
}

func testItem() scan.QueueItem {
	return scan.QueueItem{
		ScanID: uuid.New(),
		Request: scan.Request{
			URL:  "https://example.com",
			Site: "example.com",
		},
	}
}

// TestProcessScanHappyPath runs the whole pipeline and checks the snapshot,
// archive, events, and completion payload.
func TestProcessScanHappyPath(t *testing.T) {
	t.Parallel()

	probe := &stubCollector{result: scan.CollectResult{
		PageURL: "https://example.com",
		Stylesheets: []scan.Stylesheet{
			{Inline: true, Source: "body { color: #333; }"},
			{URL: "https://example.com/main.css", Source: ":root { --brand: #1a73e8; }"},
		},
		ScriptCount: 2,
	}}
	tokens := token.Set{
		token.CategoryColors: {
			{Path: "colors.0", Value: token.StringValue("#1a73e8"), Usage: 5},
		},
	}
	f := newFixture(t, probe, tokens)
	item := testItem()

	f.worker.processScan(context.Background(), item)

	// Snapshot persisted at version 1.
	snap, err := f.snapshots.GetSnapshot(context.Background(), "example.com", 1)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Hash)
	require.Len(t, snap.Tokens[token.CategoryColors], 1)

	// Raw stylesheets archived.
	require.Equal(t, 1, f.archive.Len())

	// Completion published with version and counts.
	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	completion, ok := msgs[0].Payload.(Completion)
	require.True(t, ok)
	require.Equal(t, 1, completion.Version)
	require.Equal(t, 1, completion.Tokens)
	require.Equal(t, 2, completion.Stylesheets)
	require.Equal(t, snap.Hash, completion.Hash)

	// Progress events bracket the phases.
	stages := f.emitter.stages()
	require.Equal(t, progress.StageScanStart, stages[0])
	require.Equal(t, progress.StageScanDone, stages[len(stages)-1])
	require.Contains(t, stages, progress.StagePhaseStart)
	require.Contains(t, stages, progress.StagePhaseDone)

	// Session fully torn down.
	require.Equal(t, 0, f.sessions.Active())
}

// TestProcessScanArchivesUnderPrefix checks the configured prefix appears in
// the object name exactly once.
func TestProcessScanArchivesUnderPrefix(t *testing.T) {
	t.Parallel()

	probe := &stubCollector{result: scan.CollectResult{
		Stylesheets: []scan.Stylesheet{{Inline: true, Source: "a{}"}},
	}}
	f := newFixture(t, probe, token.Set{})
	f.worker.cfg.ArchivePrefix = "stylesheets"

	item := testItem()
	f.worker.processScan(context.Background(), item)

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	hash := msgs[0].Payload.(Completion).Hash

	object := "stylesheets/example.com/" + item.ScanID.String() + "/" + hash + ".json"
	_, ok := f.archive.Get(object)
	require.True(t, ok)
	require.Equal(t, 1, f.archive.Len())
}

// TestProcessScanVersionsAndDiffs verifies the second scan gets version 2 and
// a change summary against version 1.
func TestProcessScanVersionsAndDiffs(t *testing.T) {
	t.Parallel()

	probe := &stubCollector{result: scan.CollectResult{
		Stylesheets: []scan.Stylesheet{{Inline: true, Source: "b{}"}},
	}}
	firstTokens := token.Set{
		token.CategoryColors: {
			{Path: "colors.0", Value: token.StringValue("#ffffff"), Usage: 3},
		},
	}
	f := newFixture(t, probe, firstTokens)

	f.worker.processScan(context.Background(), testItem())

	// Swap the extractor output and scan again.
	f.worker.deps.Extractor = extract.NewStatic(token.Set{
		token.CategoryColors: {
			{Path: "colors.0", Value: token.StringValue("#000000"), Usage: 3},
		},
	})
	f.worker.processScan(context.Background(), testItem())

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 2)

	first := msgs[0].Payload.(Completion)
	require.Equal(t, 1, first.Version)
	require.Zero(t, first.Diff.ModifiedCount)

	second := msgs[1].Payload.(Completion)
	require.Equal(t, 2, second.Version)
	require.Equal(t, 1, second.Diff.ModifiedCount)
}

// TestProcessScanCollectFailure fails the scan, emits SCAN_ERROR, and leaves
// no snapshot behind.
func TestProcessScanCollectFailure(t *testing.T) {
	t.Parallel()

	probe := &stubCollector{err: errors.New("connection refused")}
	f := newFixture(t, probe, nil)

	f.worker.processScan(context.Background(), testItem())

	stages := f.emitter.stages()
	require.Equal(t, progress.StageScanError, stages[len(stages)-1])
	require.Empty(t, f.publisher.Messages())

	latest, err := f.snapshots.LatestVersion(context.Background(), "example.com")
	require.NoError(t, err)
	require.Zero(t, latest)
	require.Equal(t, 0, f.sessions.Active())
}

// TestCollectPromotesToHeadless promotes script-heavy thin-CSS probes.
func TestCollectPromotesToHeadless(t *testing.T) {
	t.Parallel()

	probe := &stubCollector{result: scan.CollectResult{ScriptCount: 20}}
	headless := &stubCollector{result: scan.CollectResult{
		Rendered:    true,
		Stylesheets: []scan.Stylesheet{{Inline: true, Source: ".app { color: red; }"}},
	}}
	f := newFixture(t, probe, token.Set{})
	f.worker.deps.Headless = headless
	f.worker.deps.Detector = promoteAlways{}

	item := testItem()
	f.worker.processScan(context.Background(), item)

	require.Equal(t, 1, probe.calls)
	require.Equal(t, 1, headless.calls)

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].Payload.(Completion).Rendered)
}

// TestCollectPromotionFallback keeps the probe result when the rendered pass
// fails.
func TestCollectPromotionFallback(t *testing.T) {
	t.Parallel()

	probe := &stubCollector{result: scan.CollectResult{
		Stylesheets: []scan.Stylesheet{{Inline: true, Source: "p{}"}},
		ScriptCount: 20,
	}}
	headless := &stubCollector{err: errors.New("browser crashed")}
	f := newFixture(t, probe, token.Set{})
	f.worker.deps.Headless = headless
	f.worker.deps.Detector = promoteAlways{}

	f.worker.processScan(context.Background(), testItem())

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	completion := msgs[0].Payload.(Completion)
	require.False(t, completion.Rendered)
	require.Equal(t, 1, completion.Stylesheets)
}

type promoteAlways struct{}

func (promoteAlways) ShouldPromote(probe scan.CollectResult) bool {
	return !probe.Rendered
}

// TestRunStopsOnContextCancel exits the loop when the context ends.
func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	probe := &stubCollector{}
	f := newFixture(t, probe, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
