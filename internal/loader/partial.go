package loader

import "github.com/tokenlens/tokenlens/internal/token"

// Summary carries the scan-in-progress counters. Incoming summaries replace
// the stored one wholesale; counters are never summed across updates.
type Summary struct {
	StylesheetCount int `json:"stylesheet_count,omitempty"`
	TokensExtracted int `json:"tokens_extracted,omitempty"`
	CategoriesFound int `json:"categories_found,omitempty"`
}

// PartialResult accumulates the scan output as phases complete. It is
// monotonically more complete: fields are only ever added or overwritten with
// fuller values, never removed.
type PartialResult struct {
	Site     string    `json:"site,omitempty"`
	ScanURL  string    `json:"scan_url,omitempty"`
	Tokens   token.Set `json:"tokens,omitempty"`
	Insight  string    `json:"insight,omitempty"`
	Rendered bool      `json:"rendered,omitempty"`
	Summary  Summary   `json:"summary"`
}

// merge applies the shallow-merge contract: non-zero incoming fields
// overwrite, token categories overwrite by category key.
func (p *PartialResult) merge(in *PartialResult) {
	if in.Site != "" {
		p.Site = in.Site
	}
	if in.ScanURL != "" {
		p.ScanURL = in.ScanURL
	}
	if in.Insight != "" {
		p.Insight = in.Insight
	}
	if in.Rendered {
		p.Rendered = true
	}
	if in.Summary != (Summary{}) {
		p.Summary = in.Summary
	}
	if len(in.Tokens) > 0 {
		if p.Tokens == nil {
			p.Tokens = token.Set{}
		}
		for category, entries := range in.Tokens {
			p.Tokens[category] = append([]token.Entry(nil), entries...)
		}
	}
}

// clone returns a deep copy safe to hand to subscribers.
func (p *PartialResult) clone() *PartialResult {
	cp := *p
	cp.Tokens = p.Tokens.Clone()
	return &cp
}
