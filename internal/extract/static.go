package extract

import (
	"context"

	"github.com/tokenlens/tokenlens/internal/scan"
	"github.com/tokenlens/tokenlens/internal/token"
)

// Static returns a fixed token set regardless of input. It stands in for the
// extraction engine during local development and in pipeline tests.
type Static struct {
	Tokens token.Set
}

// NewStatic builds a Static extractor. A nil set yields a small plausible
// default so the pipeline produces visible output.
func NewStatic(tokens token.Set) *Static {
	if tokens == nil {
		tokens = token.Set{
			token.CategoryColors: {
				{Path: "colors.0", Value: token.StringValue("#1a73e8"), Usage: 24, Confidence: 0.9, Percentage: 40},
				{Path: "colors.1", Value: token.StringValue("#ffffff"), Usage: 18, Confidence: 0.9, Percentage: 30},
			},
			token.CategorySpacing: {
				{Path: "spacing.0", Value: token.NumberValue(8), Usage: 30, Confidence: 0.8, Percentage: 50},
				{Path: "spacing.1", Value: token.NumberValue(16), Usage: 22, Confidence: 0.8, Percentage: 35},
			},
		}
	}
	return &Static{Tokens: tokens}
}

// Extract implements scan.Extractor.
func (s *Static) Extract(_ context.Context, _ string, _ []scan.Stylesheet) (token.Set, error) {
	return s.Tokens.Clone(), nil
}
