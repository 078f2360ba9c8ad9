package scan

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tokenlens/tokenlens/internal/token"
)

// Collector gathers raw stylesheet text for a page.
type Collector interface {
	Collect(ctx context.Context, url string) (CollectResult, error)
}

// Extractor is the external token-extraction engine boundary. It receives
// collected stylesheets and returns a categorized token set; this repository
// never parses CSS itself.
type Extractor interface {
	Extract(ctx context.Context, pageURL string, sheets []Stylesheet) (token.Set, error)
}

// RenderDetector decides whether a probe collection warrants a second pass
// with a rendering browser.
type RenderDetector interface {
	ShouldPromote(probe CollectResult) bool
}

// Queue provides enqueue/dequeue semantics for scan jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archive writes raw snapshot artifacts and returns a URI.
type Archive interface {
	Put(ctx context.Context, object string, contentType string, data []byte) (string, error)
}

// Policy gates scan admission per site.
type Policy interface {
	Wait(ctx context.Context, site string) error
}

// Hasher computes content digests for snapshot identity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces scan and snapshot IDs.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}
