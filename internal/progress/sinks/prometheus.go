package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokenlens/tokenlens/internal/progress"
)

// PrometheusSink exports scan progress metrics via Prometheus. It owns all
// collectors for scans started/completed/running and per-phase latencies.
type PrometheusSink struct {
	scansStarted   prometheus.Counter
	scansCompleted *prometheus.CounterVec
	scansRunning   prometheus.Gauge
	scanRuntime    *prometheus.HistogramVec

	phaseDuration *prometheus.HistogramVec
	tokensFound   *prometheus.CounterVec
	sheetsFound   *prometheus.CounterVec

	tracker *scanTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenlens_scans_started_total",
			Help: "Total scans that have started.",
		}),
		scansCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenlens_scans_completed_total",
			Help: "Total scans completed partitioned by result.",
		}, []string{"result"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tokenlens_scans_running",
			Help: "Current number of running scans.",
		}),
		scanRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenlens_scan_runtime_seconds",
			Help:    "Wall time per completed scan.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenlens_phase_duration_seconds",
			Help:    "Duration of pipeline phases partitioned by phase.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"phase"}),
		tokensFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenlens_tokens_extracted_total",
			Help: "Design tokens extracted per site.",
		}, []string{"site"}),
		sheetsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenlens_stylesheets_collected_total",
			Help: "Stylesheets collected per site.",
		}, []string{"site"}),
		tracker: newScanTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.scansStarted,
		s.scansCompleted,
		s.scansRunning,
		s.scanRuntime,
		s.phaseDuration,
		s.tokensFound,
		s.sheetsFound,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageScanStart:
		s.scansStarted.Inc()
		if s.tracker.start(evt.ScanID) {
			s.scansRunning.Inc()
		}
	case progress.StageScanDone:
		s.completeScan(evt, "success")
	case progress.StageScanError:
		s.completeScan(evt, "error")
	case progress.StagePhaseDone:
		if evt.Dur > 0 {
			s.phaseDuration.WithLabelValues(evt.Phase).Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) completeScan(evt progress.Event, result string) {
	s.scansCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.scanRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	if evt.Tokens > 0 {
		s.tokensFound.WithLabelValues(site).Add(float64(evt.Tokens))
	}
	if evt.Sheets > 0 {
		s.sheetsFound.WithLabelValues(site).Add(float64(evt.Sheets))
	}
	if s.tracker.complete(evt.ScanID) {
		s.scansRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type scanTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newScanTracker() *scanTracker {
	return &scanTracker{running: make(map[[16]byte]struct{})}
}

func (t *scanTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *scanTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
