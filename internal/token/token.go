// Package token defines the design-token data model shared across subsystems.
package token

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Known token categories emitted by the extraction engine. A Set may carry
// categories outside this list; consumers must treat unknown categories as
// ordinary data, never as an error.
const (
	CategoryColors   = "colors"
	CategoryFamilies = "typography.families"
	CategorySizes    = "typography.sizes"
	CategoryWeights  = "typography.weights"
	CategorySpacing  = "spacing"
	CategoryRadius   = "radius"
	CategoryShadows  = "shadows"
	CategoryMotion   = "motion"
)

// KnownCategories lists the closed category vocabulary in display order.
var KnownCategories = []string{
	CategoryColors,
	CategoryFamilies,
	CategorySizes,
	CategoryWeights,
	CategorySpacing,
	CategoryRadius,
	CategoryShadows,
	CategoryMotion,
}

// Entry is one named, valued token within a category. Path is the stable
// identity of the token; two entries with the same path across snapshots are
// the same token even if every other field differs.
type Entry struct {
	Path       string  `json:"path"`
	Value      Value   `json:"value"`
	Usage      int     `json:"usage,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`
}

// Set maps a category name to its ordered token entries. Within one category
// paths are expected to be unique; violations are an external-data error that
// consumers tolerate by preferring the first occurrence.
type Set map[string][]Entry

// Clone returns a deep copy of the set. Entries are value types, so copying
// the slices is sufficient.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for category, entries := range s {
		out[category] = append([]Entry(nil), entries...)
	}
	return out
}

// Count returns the total number of entries across all categories.
func (s Set) Count() int {
	n := 0
	for _, entries := range s {
		n += len(entries)
	}
	return n
}

// Snapshot is an immutable, versioned token set produced by one completed
// scan. Version is monotonically increasing per site.
type Snapshot struct {
	ID         uuid.UUID `json:"id"`
	Site       string    `json:"site"`
	Version    int       `json:"version"`
	CapturedAt time.Time `json:"captured_at"`
	Tokens     Set       `json:"tokens"`
	// Hash is the hex digest of the canonical JSON encoding of Tokens. It is
	// the cache identity for derived artifacts such as diffs.
	Hash string `json:"hash,omitempty"`
}

// CanonicalJSON encodes the snapshot's token set deterministically. Map keys
// are sorted by encoding/json, so equal sets always produce equal bytes.
func (s Snapshot) CanonicalJSON() ([]byte, error) {
	data, err := json.Marshal(s.Tokens)
	if err != nil {
		return nil, fmt.Errorf("encode token set: %w", err)
	}
	return data, nil
}
