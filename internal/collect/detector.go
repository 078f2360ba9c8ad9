package collect

import "github.com/tokenlens/tokenlens/internal/scan"

// DetectorConfig tunes the render-promotion heuristic.
type DetectorConfig struct {
	// ScriptThreshold is the script count above which a script-heavy page
	// with thin styles is promoted (default 10).
	ScriptThreshold int
	// MinSheets is the stylesheet count at or below which a page counts as
	// thin (default 1).
	MinSheets int
}

// Detector decides whether a plain-HTTP probe needs a second, rendered pass.
// Script-heavy pages with almost no static CSS are usually client-rendered
// apps whose styles only exist after JavaScript runs.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector builds a Detector.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.ScriptThreshold <= 0 {
		cfg.ScriptThreshold = 10
	}
	if cfg.MinSheets <= 0 {
		cfg.MinSheets = 1
	}
	return &Detector{cfg: cfg}
}

// ShouldPromote implements scan.RenderDetector.
func (d *Detector) ShouldPromote(probe scan.CollectResult) bool {
	if probe.Rendered {
		return false
	}
	if len(probe.Stylesheets) == 0 && probe.ScriptCount > 0 {
		return true
	}
	return len(probe.Stylesheets) <= d.cfg.MinSheets && probe.ScriptCount >= d.cfg.ScriptThreshold
}
