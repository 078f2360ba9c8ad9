// Package diff computes structured, categorized differences between two
// token snapshots. The engine is pure: no shared state, no I/O, safe for
// concurrent callers on the same inputs.
package diff

import (
	"sort"

	"github.com/tokenlens/tokenlens/internal/token"
)

// ChangeType classifies one entry of a Diff.
type ChangeType string

// Change classifications.
const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// Change describes one token that differs between two snapshots. DisplayOld
// is populated for removed and modified entries, DisplayNew for added and
// modified entries.
type Change struct {
	Path       string     `json:"path"`
	Category   string     `json:"category"`
	ChangeType ChangeType `json:"change_type"`
	DisplayOld string     `json:"display_old,omitempty"`
	DisplayNew string     `json:"display_new,omitempty"`
}

// CategoryCounts summarizes one category's contribution to a Diff.
type CategoryCounts struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
	Total    int `json:"total"`
}

// Summary aggregates per-category and global change counts.
type Summary struct {
	Categories    map[string]CategoryCounts `json:"categories"`
	AddedCount    int                       `json:"added_count"`
	RemovedCount  int                       `json:"removed_count"`
	ModifiedCount int                       `json:"modified_count"`
}

// Diff is the comparison of an old snapshot against a new one. Within each
// change list entries are ordered by path, then category, so repeated
// computation over the same inputs yields byte-identical serialized output.
type Diff struct {
	Added    []Change `json:"added"`
	Removed  []Change `json:"removed"`
	Modified []Change `json:"modified"`
	Summary  Summary  `json:"summary"`
}

// Compute diffs two token sets. Nil sets read as empty, matching Go map
// semantics, so a missing snapshot side produces pure additions or removals.
// Malformed input (duplicate paths within a category) never causes an error;
// the first occurrence wins deterministically.
func Compute(oldSet, newSet token.Set) Diff {
	d := Diff{
		Added:    []Change{},
		Removed:  []Change{},
		Modified: []Change{},
		Summary:  Summary{Categories: map[string]CategoryCounts{}},
	}

	for _, category := range unionCategories(oldSet, newSet) {
		oldPaths, oldByPath := indexEntries(oldSet[category])
		newPaths, newByPath := indexEntries(newSet[category])

		counts := CategoryCounts{}
		for _, path := range newPaths {
			if _, ok := oldByPath[path]; ok {
				continue
			}
			d.Added = append(d.Added, Change{
				Path:       path,
				Category:   category,
				ChangeType: ChangeAdded,
				DisplayNew: newByPath[path].Value.String(),
			})
			counts.Added++
		}
		for _, path := range oldPaths {
			if _, ok := newByPath[path]; ok {
				continue
			}
			d.Removed = append(d.Removed, Change{
				Path:       path,
				Category:   category,
				ChangeType: ChangeRemoved,
				DisplayOld: oldByPath[path].Value.String(),
			})
			counts.Removed++
		}
		for _, path := range oldPaths {
			after, ok := newByPath[path]
			if !ok {
				continue
			}
			before := oldByPath[path]
			if before.Value.Equal(after.Value) {
				continue
			}
			d.Modified = append(d.Modified, Change{
				Path:       path,
				Category:   category,
				ChangeType: ChangeModified,
				DisplayOld: before.Value.String(),
				DisplayNew: after.Value.String(),
			})
			counts.Modified++
		}

		if counts.Added+counts.Removed+counts.Modified == 0 {
			continue
		}
		counts.Total = counts.Added + counts.Removed + counts.Modified
		d.Summary.Categories[category] = counts
		d.Summary.AddedCount += counts.Added
		d.Summary.RemovedCount += counts.Removed
		d.Summary.ModifiedCount += counts.Modified
	}

	sortChanges(d.Added)
	sortChanges(d.Removed)
	sortChanges(d.Modified)
	return d
}

// unionCategories returns the sorted union of category keys from both sets.
// A category present only on one side is ordinary data, not an error.
func unionCategories(oldSet, newSet token.Set) []string {
	seen := make(map[string]struct{}, len(oldSet)+len(newSet))
	for category := range oldSet {
		seen[category] = struct{}{}
	}
	for category := range newSet {
		seen[category] = struct{}{}
	}
	categories := make([]string, 0, len(seen))
	for category := range seen {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}

// indexEntries builds a path lookup preserving first-occurrence order.
// Duplicate paths are externally-produced garbage; the first entry wins.
func indexEntries(entries []token.Entry) ([]string, map[string]token.Entry) {
	paths := make([]string, 0, len(entries))
	byPath := make(map[string]token.Entry, len(entries))
	for _, entry := range entries {
		if _, ok := byPath[entry.Path]; ok {
			continue
		}
		byPath[entry.Path] = entry
		paths = append(paths, entry.Path)
	}
	return paths, byPath
}

func sortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Path != changes[j].Path {
			return changes[i].Path < changes[j].Path
		}
		return changes[i].Category < changes[j].Category
	})
}
