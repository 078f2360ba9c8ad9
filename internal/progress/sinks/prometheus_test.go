package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/tokenlens/tokenlens/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	scanID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{ScanID: scanID, TS: time.Now(), Stage: progress.StageScanStart, Site: "example.com"},
		{
			ScanID: scanID,
			TS:     time.Now().Add(2 * time.Second),
			Stage:  progress.StagePhaseDone,
			Site:   "example.com",
			Phase:  "css-collection",
			Step:   2,
			Sheets: 4,
			Dur:    1200 * time.Millisecond,
		},
		{
			ScanID: scanID,
			TS:     time.Now().Add(15 * time.Second),
			Stage:  progress.StageScanDone,
			Site:   "example.com",
			Tokens: 42,
			Sheets: 4,
			Dur:    15 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.scansStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.scansCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.scansCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.scansRunning))

	require.InDelta(t, 42.0, testutil.ToFloat64(sink.tokensFound.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 4.0, testutil.ToFloat64(sink.sheetsFound.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.phaseDuration, "tokenlens_phase_duration_seconds"))
}

// TestPrometheusSinkRunningGauge tracks concurrent scans without double counting.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	scanID := progress.UUIDToBytes(uuid.New())
	start := progress.Event{ScanID: scanID, TS: time.Now(), Stage: progress.StageScanStart, Site: "example.com"}

	// A duplicate start must not inflate the gauge.
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.scansRunning))

	fail := progress.Event{ScanID: scanID, TS: time.Now(), Stage: progress.StageScanError, Site: "example.com", Dur: time.Second}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{fail}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.scansRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.scansCompleted.WithLabelValues("error")))
}
