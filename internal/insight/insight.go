// Package insight annotates extracted token sets with a short natural-language
// summary. The capability is injected; deployments without an AI backend use
// the no-op validator and the pipeline skips the ai-processing phase's work.
package insight

import (
	"context"

	"github.com/tokenlens/tokenlens/internal/token"
)

// Validator produces an insight summary for a site's token set.
type Validator interface {
	Summarize(ctx context.Context, site string, tokens token.Set) (string, error)
	// Enabled reports whether Summarize does real work. Workers use it to
	// skip the phase entirely rather than time a no-op.
	Enabled() bool
}

// Noop is the disabled validator.
type Noop struct{}

// NewNoop returns the disabled validator.
func NewNoop() Noop {
	return Noop{}
}

// Summarize returns an empty summary.
func (Noop) Summarize(context.Context, string, token.Set) (string, error) {
	return "", nil
}

// Enabled reports false.
func (Noop) Enabled() bool {
	return false
}
