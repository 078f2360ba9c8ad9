package progress

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/loader"
)

// Update is what the Registry broadcasts to live consumers: the owning scan
// plus an immutable loader state snapshot.
type Update struct {
	ScanID uuid.UUID    `json:"scan_id"`
	State  loader.State `json:"state"`
}

// RegistryConfig bounds the Registry.
//   - StreamBuffer: per-stream channel capacity (default 16).
//   - MaxStreams: cap on concurrently open streams per scan (default 64).
//   - Logger: optional structured logger.
type RegistryConfig struct {
	StreamBuffer int
	MaxStreams   int
	Logger       *zap.Logger
}

const (
	defaultStreamBuffer = 16
	defaultMaxStreams   = 64
)

// ErrTooManyStreams is returned by Open when a scan already has the maximum
// number of live consumers.
var ErrTooManyStreams = errors.New("too many open streams for scan")

// ErrRegistryClosed is returned by Open after the Registry is torn down.
var ErrRegistryClosed = errors.New("stream registry is closed")

type stream struct {
	id int
	ch chan Update
}

// Registry tracks the live consumer streams of active scan sessions and
// broadcasts loader state updates to them. It replaces an implicit
// process-wide set of stream controllers with an owned object: callers
// construct it, open and close streams per session, and tear it down
// explicitly, so tests can build isolated instances.
//
// Broadcast never blocks: a stream whose buffer is full is considered dead,
// closed, and pruned on the spot. Consumers that cannot keep up re-fetch
// state rather than stalling the producer.
type Registry struct {
	mu     sync.Mutex
	cfg    RegistryConfig
	scans  map[uuid.UUID]map[int]*stream
	nextID int
	closed bool
	logger *zap.Logger
}

// NewRegistry constructs an empty Registry, filling zero config fields with
// defaults.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = defaultMaxStreams
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		scans:  make(map[uuid.UUID]map[int]*stream),
		logger: cfg.Logger,
	}
}

// Open registers a live stream for the scan and returns its receive channel
// plus a cancel function. The channel is closed when the stream is pruned,
// the scan ends, or the Registry shuts down; cancel is safe to call twice.
func (r *Registry) Open(scanID uuid.UUID) (<-chan Update, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrRegistryClosed
	}
	streams := r.scans[scanID]
	if streams == nil {
		streams = make(map[int]*stream)
		r.scans[scanID] = streams
	}
	if len(streams) >= r.cfg.MaxStreams {
		return nil, nil, ErrTooManyStreams
	}
	s := &stream{id: r.nextID, ch: make(chan Update, r.cfg.StreamBuffer)}
	r.nextID++
	streams[s.id] = s

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.removeLocked(scanID, s.id)
	}
	return s.ch, cancel, nil
}

// Broadcast delivers the update to every open stream of its scan. Streams
// that cannot accept the write are pruned immediately.
func (r *Registry) Broadcast(upd Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for id, s := range r.scans[upd.ScanID] {
		select {
		case s.ch <- upd:
		default:
			r.logger.Warn("pruning stalled progress stream",
				zap.String("scan_id", upd.ScanID.String()),
				zap.Int("stream", id),
			)
			r.removeLocked(upd.ScanID, id)
		}
	}
}

// CloseScan closes every stream of the scan and forgets the session. Called
// once per session teardown; closing an unknown scan is a no-op.
func (r *Registry) CloseScan(scanID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.scans[scanID] {
		close(s.ch)
	}
	delete(r.scans, scanID)
}

// Close tears down the whole Registry: all streams are closed and further
// Open calls fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for scanID, streams := range r.scans {
		for _, s := range streams {
			close(s.ch)
		}
		delete(r.scans, scanID)
	}
}

// OpenStreams reports the number of live streams for a scan.
func (r *Registry) OpenStreams(scanID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scans[scanID])
}

func (r *Registry) removeLocked(scanID uuid.UUID, id int) {
	streams := r.scans[scanID]
	s, ok := streams[id]
	if !ok {
		return
	}
	close(s.ch)
	delete(streams, id)
	if len(streams) == 0 {
		delete(r.scans, scanID)
	}
}
