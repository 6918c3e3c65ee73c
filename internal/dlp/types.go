package dlp

import "regexp"

// Category classifies what a pattern detects
type Category string

const (
	// CategorySecret covers credentials loaded from the rule file
	CategorySecret Category = "SECRET"
	// CategoryPII covers the built-in personal data patterns
	CategoryPII Category = "PII"
)

// Pattern represents a single compiled detection rule. Patterns are
// immutable after the registry is loaded.
type Pattern struct {
	ID          string
	Description string
	Regex       *regexp.Regexp
	Category    Category
	Placeholder string

	// validate rejects regex matches that are shaped right but invalid,
	// for checks RE2 cannot express (lookaheads, numeric ranges).
	validate func(match string) bool
}

// Finding represents one detected secret or PII instance. Start and End are
// byte offsets into the scanned text.
type Finding struct {
	PatternID   string   `json:"pattern"`
	Category    Category `json:"category"`
	MatchedText string   `json:"-"` // Never serialize the matched value
	Start       int      `json:"start"`
	End         int      `json:"end"`
	Placeholder string   `json:"replaced_with"`
}

// ScrubResult contains the result of scrubbing text
type ScrubResult struct {
	Text     string    `json:"text"`
	Findings []Finding `json:"findings"`
}

// WasScrubbed reports whether anything was redacted
func (r ScrubResult) WasScrubbed() bool {
	return len(r.Findings) > 0
}

type findingKey struct {
	patternID  string
	start, end int
}
