package dlp

import (
	"sort"
	"strings"
)

const (
	// MaxScrubSize is the largest text Scrub will inspect. Larger inputs are
	// returned unchanged.
	MaxScrubSize = 512_000

	// ChunkSize and Overlap drive ScrubLarge. Consecutive windows overlap by
	// Overlap bytes so a secret shorter than that crossing a chunk boundary
	// is seen whole in at least one window.
	ChunkSize = 512_000
	Overlap   = 2_000
)

// Scrubber redacts secrets and PII from text. It holds no mutable state and
// is safe for concurrent use.
type Scrubber struct {
	patterns  []Pattern
	maxSize   int
	chunkSize int
	overlap   int
}

// NewScrubber creates a scrubber over the registry's patterns
func NewScrubber(registry *Registry) *Scrubber {
	return &Scrubber{
		patterns:  registry.Patterns(),
		maxSize:   MaxScrubSize,
		chunkSize: ChunkSize,
		overlap:   Overlap,
	}
}

// PatternCount returns the number of active detectors
func (s *Scrubber) PatternCount() int {
	return len(s.patterns)
}

// Scrub finds every match, drops overlapping candidates and replaces the
// survivors with their placeholders. Inputs over MaxScrubSize are skipped.
func (s *Scrubber) Scrub(text string) ScrubResult {
	if text == "" || len(text) > s.maxSize {
		return ScrubResult{Text: text}
	}
	return s.redact(text, s.collect(text, 0))
}

// ScrubLarge scrubs text of any size. Input over the size limit is scanned
// in overlapping windows; findings are deduplicated and then resolved and
// replaced across the whole text.
func (s *Scrubber) ScrubLarge(text string) ScrubResult {
	if len(text) <= s.maxSize {
		return s.Scrub(text)
	}

	seen := make(map[findingKey]struct{})
	var candidates []Finding

	for offset := 0; offset < len(text); offset += s.chunkSize {
		end := min(offset+s.chunkSize+s.overlap, len(text))

		for _, f := range s.collect(text[offset:end], offset) {
			// A match touching an interior window edge may be cut short or
			// lack the context its word boundaries need. The neighbouring
			// window sees it whole.
			if offset > 0 && f.Start == offset {
				continue
			}
			if end < len(text) && f.End == end {
				continue
			}

			key := findingKey{patternID: f.PatternID, start: f.Start, end: f.End}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			candidates = append(candidates, f)
		}

		if end == len(text) {
			break
		}
	}

	return s.redact(text, candidates)
}

// collect runs every pattern over text and returns the raw candidates with
// offsets shifted by base. When a regex has a capturing group, the first
// group's span is the finding; otherwise the whole match is.
func (s *Scrubber) collect(text string, base int) []Finding {
	var out []Finding
	for _, p := range s.patterns {
		for _, loc := range p.Regex.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			}
			if start == end {
				continue
			}
			matched := text[start:end]
			if p.validate != nil && !p.validate(matched) {
				continue
			}
			out = append(out, Finding{
				PatternID:   p.ID,
				Category:    p.Category,
				MatchedText: matched,
				Start:       start + base,
				End:         end + base,
				Placeholder: p.Placeholder,
			})
		}
	}
	return out
}

// resolveOverlaps walks candidates from the rightmost start leftwards and
// keeps one only if it ends at or before the start of the last kept one.
// The rightmost-starting candidate wins an overlap and the loser is dropped
// whole. Equal starts keep pattern order, so rule-file secrets beat PII.
// The result is in left-to-right order.
func resolveOverlaps(candidates []Finding, textLen int) []Finding {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Start > candidates[j].Start
	})

	kept := make([]Finding, 0, len(candidates))
	minStart := textLen
	for _, f := range candidates {
		if f.End <= minStart {
			kept = append(kept, f)
			minStart = f.Start
		}
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func (s *Scrubber) redact(text string, candidates []Finding) ScrubResult {
	if len(candidates) == 0 {
		return ScrubResult{Text: text}
	}

	findings := resolveOverlaps(candidates, len(text))

	// Findings are disjoint and sorted, and their offsets refer to the
	// original text, so the output can be assembled in one pass.
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, f := range findings {
		b.WriteString(text[prev:f.Start])
		b.WriteString(f.Placeholder)
		prev = f.End
	}
	b.WriteString(text[prev:])

	return ScrubResult{Text: b.String(), Findings: findings}
}
