// Package progress defines the event structures emitted by scan workers and
// the fan-out machinery that delivers them to sinks and live consumers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageScanStart  Stage = "SCAN_START"
	StageScanDone   Stage = "SCAN_DONE"
	StageScanError  Stage = "SCAN_ERROR"
	StagePhaseStart Stage = "PHASE_START"
	StagePhaseDone  Stage = "PHASE_DONE"
)

// Event captures a single milestone of scan progress.
type Event struct {
	// ScanID uniquely identifies a scan run using the 16-byte UUID form.
	ScanID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or phase milestone occurred.
	Stage Stage
	// Site is the normalized host label being scanned.
	Site string
	// Phase carries the pipeline phase name for phase milestones. It is
	// forwarded verbatim; emitters own the vocabulary.
	Phase string
	// Step and TotalSteps mirror the producer's progress metadata.
	Step       int
	TotalSteps int
	// Tokens counts tokens extracted so far when known.
	Tokens int64
	// Sheets counts stylesheets collected so far when known.
	Sheets int64
	// Dur captures execution latency for phase and scan completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ScanID == [16]byte{} {
		return errors.New("scan id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageScanStart, StageScanDone, StageScanError:
	case StagePhaseStart, StagePhaseDone:
		if e.Phase == "" {
			return fmt.Errorf("%s requires a phase", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ScanUUID converts the binary scan ID to uuid.UUID for repositories.
func (e Event) ScanUUID() uuid.UUID {
	return uuid.UUID(e.ScanID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
