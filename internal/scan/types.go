// Package scan defines the core types and boundary interfaces of the token
// analysis pipeline shared across subsystems.
package scan

import (
	"time"

	"github.com/google/uuid"
)

// Phase names the stages of the analysis pipeline. The vocabulary is fixed
// and ordered for display, but nothing downstream validates ordering; phases
// are forwarded verbatim from the producer.
const (
	PhaseInitializing    = "initializing"
	PhaseCSSCollection   = "css-collection"
	PhaseTokenGeneration = "token-generation"
	PhaseAnalysis        = "analysis"
	PhaseAIProcessing    = "ai-processing"
	PhaseComplete        = "complete"
)

// Phases lists the pipeline vocabulary in order.
var Phases = []string{
	PhaseInitializing,
	PhaseCSSCollection,
	PhaseTokenGeneration,
	PhaseAnalysis,
	PhaseAIProcessing,
	PhaseComplete,
}

// TotalSteps is the number of steps reported through progress metadata. It
// must match the length of Phases.
const TotalSteps = 6

// Request captures one scan submission.
type Request struct {
	URL      string            `json:"url"`
	Site     string            `json:"site"`
	Rendered bool              `json:"rendered"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// QueueItem wraps a scan ready to run.
type QueueItem struct {
	ScanID    uuid.UUID
	Request   Request
	Attempt   int
	Submitted int64
}

// Stylesheet is one unit of collected CSS: an external sheet or an inline
// style block, carried as raw text. Collection never interprets the CSS;
// extraction is the engine's job.
type Stylesheet struct {
	URL    string `json:"url,omitempty"`
	Inline bool   `json:"inline,omitempty"`
	Source string `json:"source"`
}

// CollectResult is the output of the css-collection phase.
type CollectResult struct {
	PageURL     string
	Stylesheets []Stylesheet
	ScriptCount int
	Rendered    bool
	Duration    time.Duration
}
