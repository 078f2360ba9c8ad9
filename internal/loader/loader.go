// Package loader implements the progressive result loader: a state machine
// deciding when consumers see skeleton placeholders versus accumulated real
// data while a scan streams partial output.
package loader

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls loader timing and delivery behavior.
//   - SkeletonTimeout: hard ceiling after which the skeleton must yield to
//     partial data even if incomplete (default 8s).
//   - MinSkeletonDuration: floor below which the loader keeps the skeleton,
//     avoiding a flash of content (default 300ms).
//   - TransitionDuration: advisory animation hint forwarded to consumers
//     (default 150ms).
//   - StreamingEnabled: when false, updates are absorbed silently and
//     subscribers hear exactly one notification, on completion.
//   - Clock: time source, injected so timing is testable (defaults to the
//     system clock).
//   - Logger: optional structured logger for discarded late events.
type Config struct {
	SkeletonTimeout     time.Duration
	MinSkeletonDuration time.Duration
	TransitionDuration  time.Duration
	StreamingEnabled    bool
	Clock               Clock
	Logger              *zap.Logger
}

const (
	defaultSkeletonTimeout     = 8 * time.Second
	defaultMinSkeletonDuration = 300 * time.Millisecond
	defaultTransitionDuration  = 150 * time.Millisecond
)

// DefaultConfig returns the production defaults with streaming enabled.
func DefaultConfig() Config {
	return Config{
		SkeletonTimeout:     defaultSkeletonTimeout,
		MinSkeletonDuration: defaultMinSkeletonDuration,
		TransitionDuration:  defaultTransitionDuration,
		StreamingEnabled:    true,
	}
}

// Clock supplies the current time. The skeleton ceiling and floor are
// measured against it, so tests inject a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Status is the lifecycle state of a Loader.
type Status string

// Loader statuses. Complete and Error are terminal; only the first terminal
// transition wins.
const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// Progress carries the producer's phase metadata, forwarded verbatim for
// display. The loader never validates phase ordering.
type Progress struct {
	Phase               string    `json:"phase"`
	Step                int       `json:"step"`
	TotalSteps          int       `json:"total_steps"`
	EstimatedCompletion time.Time `json:"estimated_completion,omitzero"`
}

// State is the read-only snapshot handed to subscribers. Data is a deep copy;
// mutating it never affects the loader.
type State struct {
	Status             Status         `json:"status"`
	Progress           Progress       `json:"progress"`
	Data               *PartialResult `json:"data,omitempty"`
	Err                error          `json:"-"`
	ErrorText          string         `json:"error,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	TransitionDuration time.Duration  `json:"transition_duration_ms"`
}

type event int

const (
	eventStart event = iota
	eventUpdate
	eventComplete
	eventFail
)

// transition is the pure state relation. It reports the next status and
// whether the event is accepted in the current status; rejected events are
// silently dropped by the caller, never surfaced as errors, because late
// events from a racing producer are expected.
func transition(s Status, ev event, streaming bool) (Status, bool) {
	switch s {
	case StatusIdle:
		if ev == eventStart {
			return StatusLoading, true
		}
	case StatusLoading:
		switch ev {
		case eventUpdate:
			if streaming {
				return StatusStreaming, true
			}
			return StatusLoading, true
		case eventComplete:
			return StatusComplete, true
		case eventFail:
			return StatusError, true
		}
	case StatusStreaming:
		switch ev {
		case eventUpdate:
			return StatusStreaming, true
		case eventComplete:
			return StatusComplete, true
		case eventFail:
			return StatusError, true
		}
	}
	return s, false
}

type subscriber struct {
	id int
	fn func(State)
}

// Loader owns the mutable progressive state for exactly one scan session.
// All methods are safe for concurrent use; events are processed strictly in
// the order the lock is acquired, and every state mutation notifies all
// current subscribers before the next event is admitted. Subscriber callbacks
// run under the loader's lock and must not call back into the Loader.
type Loader struct {
	mu sync.Mutex

	cfg    Config
	clock  Clock
	logger *zap.Logger

	status    Status
	progress  Progress
	data      *PartialResult
	err       error
	startedAt time.Time
	updatedAt time.Time

	subs      []subscriber
	nextSubID int
	destroyed bool
}

// New constructs an idle Loader, filling zero config fields with defaults.
func New(cfg Config) *Loader {
	if cfg.SkeletonTimeout <= 0 {
		cfg.SkeletonTimeout = defaultSkeletonTimeout
	}
	if cfg.MinSkeletonDuration <= 0 {
		cfg.MinSkeletonDuration = defaultMinSkeletonDuration
	}
	if cfg.TransitionDuration <= 0 {
		cfg.TransitionDuration = defaultTransitionDuration
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		status: StatusIdle,
	}
}

// Start moves the loader from idle to loading and stamps the skeleton clock.
// Calling Start twice, or after Destroy, is a no-op.
func (l *Loader) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	next, ok := transition(l.status, eventStart, l.cfg.StreamingEnabled)
	if !ok {
		return
	}
	l.status = next
	l.startedAt = l.clock.Now()
	l.updatedAt = l.startedAt
	l.notifyLocked()
}

// Update merges a partial payload into the accumulated data and republishes
// state. Updates before Start or after a terminal transition are silently
// ignored. In buffered mode (StreamingEnabled false) the merge happens but
// subscribers are not notified until completion.
func (l *Loader) Update(partial *PartialResult, progress Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	next, ok := transition(l.status, eventUpdate, l.cfg.StreamingEnabled)
	if !ok {
		l.logger.Debug("discarding late update", zap.String("status", string(l.status)))
		return
	}
	l.status = next
	l.progress = progress
	l.mergeLocked(partial)
	l.updatedAt = l.clock.Now()
	if l.cfg.StreamingEnabled {
		l.notifyLocked()
	}
}

// Complete is the successful terminal transition. The final payload is merged
// over the accumulated data so fields delivered earlier survive a sparse
// final event. Complete after a terminal state is a no-op.
func (l *Loader) Complete(final *PartialResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	next, ok := transition(l.status, eventComplete, l.cfg.StreamingEnabled)
	if !ok {
		return
	}
	l.status = next
	l.mergeLocked(final)
	l.updatedAt = l.clock.Now()
	l.notifyLocked()
}

// Fail is the failing terminal transition. It is idempotent: only the first
// terminal transition wins, so a racing producer emitting both success and
// failure cannot flip the outcome. Partial data is retained for consumers.
func (l *Loader) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	next, ok := transition(l.status, eventFail, l.cfg.StreamingEnabled)
	if !ok {
		return
	}
	l.status = next
	l.err = err
	l.updatedAt = l.clock.Now()
	l.notifyLocked()
}

// Subscribe registers a callback invoked synchronously, in subscription
// order, on every published state. The returned function removes the
// subscription; it is safe to call more than once.
func (l *Loader) Subscribe(fn func(State)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed || fn == nil {
		return func() {}
	}
	id := l.nextSubID
	l.nextSubID++
	l.subs = append(l.subs, subscriber{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, sub := range l.subs {
			if sub.id == id {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

// GetState returns the current state snapshot.
func (l *Loader) GetState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// ShouldShowSkeleton reports whether the consumer should render a skeleton
// placeholder right now. The decision is bounded both ways: the skeleton is
// held for at least MinSkeletonDuration once streaming begins, and is forced
// away once SkeletonTimeout has elapsed since Start even if no data arrived.
func (l *Loader) ShouldShowSkeleton() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.status {
	case StatusIdle:
		return true
	case StatusComplete, StatusError:
		return false
	}

	elapsed := l.clock.Now().Sub(l.startedAt)
	if elapsed >= l.cfg.SkeletonTimeout {
		return false
	}
	if l.status == StatusLoading {
		return true
	}
	return elapsed < l.cfg.MinSkeletonDuration
}

// Destroy silences the loader permanently: subscribers are dropped and every
// subsequent method call is a no-op. It is the cancellation primitive; a
// producer-side abort maps to Fail followed by Destroy, never to silently
// stopping event delivery.
func (l *Loader) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = nil
	l.destroyed = true
}

// mergeLocked applies the shallow merge contract: incoming non-empty fields
// overwrite, token categories overwrite by key, and summary counters are
// replaced rather than added.
func (l *Loader) mergeLocked(partial *PartialResult) {
	if partial == nil {
		return
	}
	if l.data == nil {
		l.data = &PartialResult{}
	}
	l.data.merge(partial)
}

func (l *Loader) snapshotLocked() State {
	state := State{
		Status:             l.status,
		Progress:           l.progress,
		Err:                l.err,
		Timestamp:          l.updatedAt,
		TransitionDuration: l.cfg.TransitionDuration,
	}
	if l.err != nil {
		state.ErrorText = l.err.Error()
	}
	if l.data != nil {
		state.Data = l.data.clone()
	}
	return state
}

func (l *Loader) notifyLocked() {
	// Each subscriber gets its own deep copy so one callback mutating the
	// snapshot cannot leak into the next.
	for _, sub := range l.subs {
		sub.fn(l.snapshotLocked())
	}
}
