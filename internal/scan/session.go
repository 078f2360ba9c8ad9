package scan

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokenlens/tokenlens/internal/loader"
	"github.com/tokenlens/tokenlens/internal/progress"
)

// ErrSessionExists is returned by Begin when the scan already has a session.
var ErrSessionExists = errors.New("scan session already exists")

// ErrCanceled marks scans aborted by the caller rather than by a pipeline
// failure.
var ErrCanceled = errors.New("scan canceled")

// Session pairs one scan run with its loader. Every loader state change is
// forwarded to the live registry until the session ends.
type Session struct {
	ScanID      uuid.UUID
	Loader      *loader.Loader
	unsubscribe func()
}

// SessionsConfig configures the session manager.
type SessionsConfig struct {
	Loader loader.Config
	Logger *zap.Logger
}

// Sessions owns the set of in-flight scan sessions. Workers begin a session
// when they pick up a scan; API handlers look sessions up to serve state and
// cancellation.
type Sessions struct {
	mu       sync.Mutex
	cfg      SessionsConfig
	registry *progress.Registry
	active   map[uuid.UUID]*Session
	logger   *zap.Logger
}

// NewSessions builds a session manager broadcasting through the registry.
func NewSessions(registry *progress.Registry, cfg SessionsConfig) *Sessions {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sessions{
		cfg:      cfg,
		registry: registry,
		active:   make(map[uuid.UUID]*Session),
		logger:   cfg.Logger,
	}
}

// Begin creates the session and its loader, and wires loader updates into the
// registry. The loader is not started; the worker drives it.
func (s *Sessions) Begin(scanID uuid.UUID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[scanID]; ok {
		return nil, ErrSessionExists
	}
	ld := loader.New(s.cfg.Loader)
	sess := &Session{ScanID: scanID, Loader: ld}
	sess.unsubscribe = ld.Subscribe(func(state loader.State) {
		s.registry.Broadcast(progress.Update{ScanID: scanID, State: state})
	})
	s.active[scanID] = sess
	return sess, nil
}

// Get returns the live session for a scan, or nil when none exists.
func (s *Sessions) Get(scanID uuid.UUID) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[scanID]
}

// Cancel aborts an in-flight scan. The loader lands in its error state so
// late consumers still see a terminal snapshot, then the session is torn
// down. Canceling an unknown scan reports false.
func (s *Sessions) Cancel(scanID uuid.UUID) bool {
	sess := s.Get(scanID)
	if sess == nil {
		return false
	}
	sess.Loader.Fail(ErrCanceled)
	s.End(scanID)
	return true
}

// End tears the session down: the loader is destroyed, the subscription
// removed, and all live streams for the scan are closed. Ending an unknown
// scan is a no-op.
func (s *Sessions) End(scanID uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.active[scanID]
	if ok {
		delete(s.active, scanID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.unsubscribe()
	sess.Loader.Destroy()
	s.registry.CloseScan(scanID)
	s.logger.Debug("scan session ended", zap.String("scan_id", scanID.String()))
}

// Active reports the number of live sessions.
func (s *Sessions) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
