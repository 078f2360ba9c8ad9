package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/progress"
	"github.com/tokenlens/tokenlens/internal/store"
)

// StoreSink persists scan lifecycle milestones via a store.ScanRepository.
// Phase starts are not persisted; only completed phases carry durations worth
// keeping.
type StoreSink struct {
	repo   store.ScanRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ScanRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events to the repository. It respects ctx
// deadlines and returns any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		scanID := evt.ScanUUID()
		switch evt.Stage {
		case progress.StageScanStart:
			run := store.ScanRun{
				ScanID:    scanID,
				Site:      evt.Site,
				URL:       evt.Note,
				Status:    store.ScanRunning,
				StartedAt: evt.TS,
			}
			if err := s.repo.UpsertScanStart(ctx, run); err != nil {
				return fmt.Errorf("upsert scan start: %w", err)
			}
		case progress.StageScanDone:
			if err := s.repo.CompleteScan(ctx, scanID, store.ScanSuccess, evt.TS, evt.Tokens, evt.Sheets, ""); err != nil {
				return fmt.Errorf("complete scan: %w", err)
			}
		case progress.StageScanError:
			if err := s.repo.CompleteScan(ctx, scanID, store.ScanError, evt.TS, evt.Tokens, evt.Sheets, evt.Note); err != nil {
				return fmt.Errorf("complete scan: %w", err)
			}
		case progress.StagePhaseDone:
			stat := store.PhaseStat{
				Phase:    evt.Phase,
				Step:     evt.Step,
				Duration: evt.Dur,
				Tokens:   evt.Tokens,
				Sheets:   evt.Sheets,
			}
			if err := s.repo.UpsertPhaseStats(ctx, scanID, stat); err != nil {
				return fmt.Errorf("upsert phase stats: %w", err)
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
