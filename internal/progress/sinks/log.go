package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/progress"
)

// LogSink writes progress events to a structured logger. Scan errors log at
// warn, everything else at debug so steady-state scans stay quiet.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink. A nil logger falls back to a no-op logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("scan_id", evt.ScanUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.Site),
		}
		if evt.Phase != "" {
			fields = append(fields,
				zap.String("phase", evt.Phase),
				zap.Int("step", evt.Step),
				zap.Int("total_steps", evt.TotalSteps),
			)
		}
		if evt.Tokens > 0 {
			fields = append(fields, zap.Int64("tokens", evt.Tokens))
		}
		if evt.Sheets > 0 {
			fields = append(fields, zap.Int64("sheets", evt.Sheets))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("duration", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageScanError {
			s.logger.Warn("scan progress", fields...)
			continue
		}
		s.logger.Debug("scan progress", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
