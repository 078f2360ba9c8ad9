// Package worker implements the scan pipeline execution loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/insight"
	"github.com/tokenlens/tokenlens/internal/loader"
	"github.com/tokenlens/tokenlens/internal/progress"
	"github.com/tokenlens/tokenlens/internal/scan"
	"github.com/tokenlens/tokenlens/internal/store"
	"github.com/tokenlens/tokenlens/internal/token"
	"github.com/tokenlens/tokenlens/internal/token/diff"
)

// Config controls Worker behavior.
type Config struct {
	// Topic is the completion notification topic.
	Topic string
	// ArchivePrefix prefixes archived stylesheet bundle object names.
	ArchivePrefix string
	// ScanTimeout bounds one whole scan (default 5m).
	ScanTimeout time.Duration
}

// Deps carries the worker's collaborators. Probe is required; Headless and
// Detector are optional and enable render promotion when both are set.
type Deps struct {
	Queue     scan.Queue
	Sessions  *scan.Sessions
	Emitter   progress.Emitter
	Probe     scan.Collector
	Headless  scan.Collector
	Detector  scan.RenderDetector
	Extractor scan.Extractor
	Validator insight.Validator
	Scans     store.ScanRepository
	Snapshots store.SnapshotRepository
	Archive   scan.Archive
	Publisher scan.Publisher
	Policy    scan.Policy
	Hasher    scan.Hasher
	Clock     scan.Clock
	Diffs     *diff.Cache
	Logger    *zap.Logger
}

// Completion is the payload published when a scan finishes successfully.
type Completion struct {
	ScanID      string       `json:"scan_id"`
	Site        string       `json:"site"`
	URL         string       `json:"url"`
	Version     int          `json:"version"`
	Hash        string       `json:"hash"`
	Tokens      int          `json:"tokens"`
	Stylesheets int          `json:"stylesheets"`
	Rendered    bool         `json:"rendered"`
	Insight     string       `json:"insight,omitempty"`
	Diff        diff.Summary `json:"diff"`
	DurationMS  int64        `json:"duration_ms"`
}

// Worker consumes queue items and executes the scan pipeline.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("sessions are required")
	case deps.Probe == nil:
		return nil, fmt.Errorf("probe collector is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Scans == nil || deps.Snapshots == nil:
		return nil, fmt.Errorf("repositories are required")
	case deps.Hasher == nil || deps.Clock == nil:
		return nil, fmt.Errorf("hasher and clock are required")
	}
	if deps.Validator == nil {
		deps.Validator = insight.NewNoop()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		cfg.Topic = "scan-complete"
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 5 * time.Minute
	}
	return &Worker{deps: deps, cfg: cfg, logger: deps.Logger}, nil
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued scan",
			zap.String("scan_id", item.ScanID.String()),
			zap.String("site", item.Request.Site),
		)
		w.processScan(ctx, item)
	}
}

func (w *Worker) processScan(ctx context.Context, item scan.QueueItem) {
	scanCtx, cancel := context.WithTimeout(ctx, w.cfg.ScanTimeout)
	defer cancel()

	sess, err := w.deps.Sessions.Begin(item.ScanID)
	if err != nil {
		w.logger.Warn("cannot begin scan session",
			zap.String("scan_id", item.ScanID.String()), zap.Error(err))
		return
	}
	defer w.deps.Sessions.End(item.ScanID)

	startedAt := w.deps.Clock.Now()
	w.emit(progress.Event{
		ScanID: progress.UUIDToBytes(item.ScanID),
		TS:     startedAt,
		Stage:  progress.StageScanStart,
		Site:   item.Request.Site,
		Note:   item.Request.URL,
	})
	sess.Loader.Start()

	result, err := w.runPipeline(scanCtx, item, sess.Loader)
	finishedAt := w.deps.Clock.Now()
	if err != nil {
		sess.Loader.Fail(err)
		w.emit(progress.Event{
			ScanID: progress.UUIDToBytes(item.ScanID),
			TS:     finishedAt,
			Stage:  progress.StageScanError,
			Site:   item.Request.Site,
			Dur:    finishedAt.Sub(startedAt),
			Note:   err.Error(),
		})
		w.logger.Error("scan failed",
			zap.String("scan_id", item.ScanID.String()),
			zap.String("site", item.Request.Site),
			zap.Error(err),
		)
		return
	}

	sess.Loader.Complete(result.final)
	w.emit(progress.Event{
		ScanID: progress.UUIDToBytes(item.ScanID),
		TS:     finishedAt,
		Stage:  progress.StageScanDone,
		Site:   item.Request.Site,
		Tokens: int64(result.final.Tokens.Count()),
		Sheets: int64(result.final.Summary.StylesheetCount),
		Dur:    finishedAt.Sub(startedAt),
	})
	w.publish(scanCtx, item, result, finishedAt.Sub(startedAt))
}

// pipelineResult is what a successful pipeline run produces.
type pipelineResult struct {
	final   *loader.PartialResult
	version int
	hash    string
	summary diff.Summary
}

func (w *Worker) runPipeline(ctx context.Context, item scan.QueueItem, ld *loader.Loader) (pipelineResult, error) {
	req := item.Request
	acc := pipelineResult{}

	// initializing: scan admission.
	err := w.runPhase(ctx, item, ld, scan.PhaseInitializing, nil, func(ctx context.Context) (*loader.PartialResult, error) {
		if w.deps.Policy != nil {
			if err := w.deps.Policy.Wait(ctx, req.Site); err != nil {
				return nil, err
			}
		}
		return &loader.PartialResult{Site: req.Site, ScanURL: req.URL}, nil
	})
	if err != nil {
		return acc, err
	}

	// css-collection: probe, optionally promote to a rendered pass.
	var collected scan.CollectResult
	err = w.runPhase(ctx, item, ld, scan.PhaseCSSCollection, func(evt *progress.Event) {
		evt.Sheets = int64(len(collected.Stylesheets))
	}, func(ctx context.Context) (*loader.PartialResult, error) {
		var err error
		collected, err = w.collect(ctx, item)
		if err != nil {
			return nil, err
		}
		return &loader.PartialResult{
			Rendered: collected.Rendered,
			Summary:  loader.Summary{StylesheetCount: len(collected.Stylesheets)},
		}, nil
	})
	if err != nil {
		return acc, err
	}

	// token-generation: hand the stylesheets to the extraction engine.
	var tokens token.Set
	err = w.runPhase(ctx, item, ld, scan.PhaseTokenGeneration, func(evt *progress.Event) {
		evt.Tokens = int64(tokens.Count())
	}, func(ctx context.Context) (*loader.PartialResult, error) {
		var err error
		tokens, err = w.deps.Extractor.Extract(ctx, req.URL, collected.Stylesheets)
		if err != nil {
			return nil, fmt.Errorf("extract tokens: %w", err)
		}
		return &loader.PartialResult{
			Tokens: tokens,
			Summary: loader.Summary{
				StylesheetCount: len(collected.Stylesheets),
				TokensExtracted: tokens.Count(),
				CategoriesFound: len(tokens),
			},
		}, nil
	})
	if err != nil {
		return acc, err
	}

	// analysis: version, persist, archive, diff against the previous version.
	err = w.runPhase(ctx, item, ld, scan.PhaseAnalysis, nil, func(ctx context.Context) (*loader.PartialResult, error) {
		var err error
		acc.version, acc.hash, acc.summary, err = w.analyze(ctx, item, collected, tokens)
		return nil, err
	})
	if err != nil {
		return acc, err
	}

	// ai-processing: optional insight summary.
	var insightText string
	if w.deps.Validator.Enabled() {
		err = w.runPhase(ctx, item, ld, scan.PhaseAIProcessing, nil, func(ctx context.Context) (*loader.PartialResult, error) {
			var err error
			insightText, err = w.deps.Validator.Summarize(ctx, req.Site, tokens)
			if err != nil {
				// Insight is best-effort; a failed summary never fails the scan.
				w.logger.Warn("insight generation failed",
					zap.String("scan_id", item.ScanID.String()), zap.Error(err))
				return nil, nil
			}
			return &loader.PartialResult{Insight: insightText}, nil
		})
		if err != nil {
			return acc, err
		}
	}

	acc.final = &loader.PartialResult{
		Site:     req.Site,
		ScanURL:  req.URL,
		Tokens:   tokens,
		Insight:  insightText,
		Rendered: collected.Rendered,
		Summary: loader.Summary{
			StylesheetCount: len(collected.Stylesheets),
			TokensExtracted: tokens.Count(),
			CategoriesFound: len(tokens),
		},
	}
	return acc, nil
}

// runPhase wraps one pipeline phase with progress events and loader updates.
// decorate, when non-nil, enriches the PHASE_DONE event after fn runs.
func (w *Worker) runPhase(
	ctx context.Context,
	item scan.QueueItem,
	ld *loader.Loader,
	phase string,
	decorate func(*progress.Event),
	fn func(context.Context) (*loader.PartialResult, error),
) error {
	step := phaseStep(phase)
	w.emit(progress.Event{
		ScanID:     progress.UUIDToBytes(item.ScanID),
		TS:         w.deps.Clock.Now(),
		Stage:      progress.StagePhaseStart,
		Site:       item.Request.Site,
		Phase:      phase,
		Step:       step,
		TotalSteps: scan.TotalSteps,
	})
	start := w.deps.Clock.Now()
	partial, err := fn(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}
	done := progress.Event{
		ScanID:     progress.UUIDToBytes(item.ScanID),
		TS:         w.deps.Clock.Now(),
		Stage:      progress.StagePhaseDone,
		Site:       item.Request.Site,
		Phase:      phase,
		Step:       step,
		TotalSteps: scan.TotalSteps,
		Dur:        w.deps.Clock.Now().Sub(start),
	}
	if decorate != nil {
		decorate(&done)
	}
	w.emit(done)
	ld.Update(partial, loader.Progress{
		Phase:      phase,
		Step:       step,
		TotalSteps: scan.TotalSteps,
	})
	return nil
}

func (w *Worker) collect(ctx context.Context, item scan.QueueItem) (scan.CollectResult, error) {
	req := item.Request
	canRender := w.deps.Headless != nil

	if req.Rendered && canRender {
		collected, err := w.deps.Headless.Collect(ctx, req.URL)
		if err != nil {
			return scan.CollectResult{}, fmt.Errorf("rendered collect: %w", err)
		}
		return collected, nil
	}

	probe, err := w.deps.Probe.Collect(ctx, req.URL)
	if err != nil {
		return scan.CollectResult{}, fmt.Errorf("probe collect: %w", err)
	}
	if !canRender || w.deps.Detector == nil || !w.deps.Detector.ShouldPromote(probe) {
		return probe, nil
	}

	promoted, err := w.deps.Headless.Collect(ctx, req.URL)
	if err != nil {
		// Promotion is an upgrade attempt; fall back to the probe result.
		w.logger.Warn("render promotion failed",
			zap.String("scan_id", item.ScanID.String()),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return probe, nil
	}
	w.logger.Info("render promotion applied",
		zap.String("scan_id", item.ScanID.String()),
		zap.String("url", req.URL),
	)
	return promoted, nil
}

func (w *Worker) analyze(
	ctx context.Context,
	item scan.QueueItem,
	collected scan.CollectResult,
	tokens token.Set,
) (int, string, diff.Summary, error) {
	req := item.Request

	latest, err := w.deps.Snapshots.LatestVersion(ctx, req.Site)
	if err != nil {
		return 0, "", diff.Summary{}, fmt.Errorf("latest version: %w", err)
	}
	version := latest + 1

	snap := token.Snapshot{
		ID:         item.ScanID,
		Site:       req.Site,
		Version:    version,
		CapturedAt: w.deps.Clock.Now(),
		Tokens:     tokens,
	}
	canonical, err := snap.CanonicalJSON()
	if err != nil {
		return 0, "", diff.Summary{}, fmt.Errorf("canonical snapshot: %w", err)
	}
	snap.Hash, err = w.deps.Hasher.Hash(canonical)
	if err != nil {
		return 0, "", diff.Summary{}, fmt.Errorf("hash snapshot: %w", err)
	}

	if err := w.deps.Snapshots.SaveSnapshot(ctx, snap); err != nil {
		return 0, "", diff.Summary{}, fmt.Errorf("save snapshot: %w", err)
	}

	if w.deps.Archive != nil {
		if err := w.archiveStylesheets(ctx, item, snap.Hash, collected); err != nil {
			// The snapshot is already durable; archive failures are logged,
			// not fatal.
			w.logger.Warn("archive stylesheets failed",
				zap.String("scan_id", item.ScanID.String()), zap.Error(err))
		}
	}

	var summary diff.Summary
	if latest > 0 {
		prev, err := w.deps.Snapshots.GetSnapshot(ctx, req.Site, latest)
		if err != nil {
			return 0, "", diff.Summary{}, fmt.Errorf("previous snapshot: %w", err)
		}
		var d diff.Diff
		if w.deps.Diffs != nil {
			d, _ = w.deps.Diffs.Between(prev, snap)
		} else {
			d = diff.Compute(prev.Tokens, snap.Tokens)
		}
		summary = d.Summary
	}
	return version, snap.Hash, summary, nil
}

func (w *Worker) archiveStylesheets(ctx context.Context, item scan.QueueItem, hash string, collected scan.CollectResult) error {
	bundle, err := json.Marshal(collected.Stylesheets)
	if err != nil {
		return fmt.Errorf("marshal stylesheet bundle: %w", err)
	}
	object := w.buildObjectName(item.Request.Site, item.ScanID.String(), hash)
	if _, err := w.deps.Archive.Put(ctx, object, "application/json", bundle); err != nil {
		return fmt.Errorf("put archive object: %w", err)
	}
	return nil
}

func (w *Worker) buildObjectName(site, scanID, hash string) string {
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.json", site, scanID, hash)
	}
	return fmt.Sprintf("%s/%s/%s/%s.json", prefix, site, scanID, hash)
}

func (w *Worker) publish(ctx context.Context, item scan.QueueItem, result pipelineResult, dur time.Duration) {
	if w.deps.Publisher == nil {
		return
	}
	payload := Completion{
		ScanID:      item.ScanID.String(),
		Site:        item.Request.Site,
		URL:         item.Request.URL,
		Version:     result.version,
		Hash:        result.hash,
		Tokens:      result.final.Tokens.Count(),
		Stylesheets: result.final.Summary.StylesheetCount,
		Rendered:    result.final.Rendered,
		Insight:     result.final.Insight,
		Diff:        result.summary,
		DurationMS:  dur.Milliseconds(),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Error("publish completion failed",
			zap.String("scan_id", item.ScanID.String()), zap.Error(err))
	}
}

func (w *Worker) emit(evt progress.Event) {
	if w.deps.Emitter != nil {
		w.deps.Emitter.Emit(evt)
	}
}

func phaseStep(phase string) int {
	for i, name := range scan.Phases {
		if name == phase {
			return i + 1
		}
	}
	return 0
}
