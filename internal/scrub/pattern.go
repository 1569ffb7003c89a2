// Package scrub builds per-patient scrubbers and applies them to free text.
//
// A scrubber is three ordered lists of compiled rewrite rules (patient,
// third-party, nonspecific), each rule carrying its replacement. Patterns
// are compiled with regexp2 so that word and numeric boundaries can be
// expressed as zero-width lookarounds: adjacent matches must not consume
// each other's boundary characters.
package scrub

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// Boundary selects the zero-width anchors wrapped around a pattern.
type Boundary int

const (
	BoundaryNone    Boundary = iota
	BoundaryWord             // not adjacent to a word character
	BoundaryNumeric          // not adjacent to a digit or decimal point
)

func (b Boundary) wrap(pattern string) string {
	switch b {
	case BoundaryWord:
		return `(?<!\w)` + pattern + `(?!\w)`
	case BoundaryNumeric:
		return `(?<![\d.])` + pattern + `(?![\d.])`
	default:
		return pattern
	}
}

// compile builds a case-insensitive regexp2 pattern.
func compile(pattern string) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("compile scrub pattern %q: %w", pattern, err)
	}
	return re, nil
}

// escapeLiteral escapes a literal string for embedding in a pattern.
func escapeLiteral(s string) string {
	return regexp2.Escape(s)
}

// WordOptions control word and phrase pattern construction.
type WordOptions struct {
	Boundary   Boundary
	Suffixes   []string // optional suffixes appended to every word (e.g. possessive s)
	MaxErrors  int      // approximate-match budget
	MinFuzzLen int      // shorter strings are matched exactly
}

// wordPatterns returns the patterns for one Words-method value: one per
// whitespace-separated token. Tokens shorter than minLen are dropped.
func wordPatterns(value string, minLen int, opt WordOptions) []string {
	var out []string
	for _, token := range strings.Fields(value) {
		if len([]rune(token)) < minLen {
			continue
		}
		out = append(out, tokenPattern(token, opt))
	}
	return out
}

// phrasePattern returns the single pattern for a Phrase-method value, or
// "" when the value is too short. Internal whitespace is collapsed and
// matches any run of whitespace in the text.
func phrasePattern(value string, minLen int, opt WordOptions) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	joined := strings.Join(fields, " ")
	if len([]rune(joined)) < minLen {
		return ""
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fuzzedLiteral(f, opt)
	}
	return opt.Boundary.wrap(strings.Join(parts, `\s+`) + suffixGroup(opt.Suffixes))
}

func tokenPattern(token string, opt WordOptions) string {
	return opt.Boundary.wrap(fuzzedLiteral(token, opt) + suffixGroup(opt.Suffixes))
}

// fuzzedLiteral renders one token, expanded to its bounded edit-distance
// alternatives when fuzzy matching applies.
func fuzzedLiteral(token string, opt WordOptions) string {
	if opt.MaxErrors > 0 && len([]rune(token)) >= opt.MinFuzzLen {
		return fuzzyAlternation(token, opt.MaxErrors)
	}
	return escapeLiteral(token)
}

func suffixGroup(suffixes []string) string {
	if len(suffixes) == 0 {
		return ""
	}
	escaped := make([]string, len(suffixes))
	for i, s := range suffixes {
		escaped[i] = escapeLiteral(s)
	}
	return "(?:" + strings.Join(escaped, "|") + ")?"
}

// numberPattern matches the digit sequence of a value, tolerating
// non-alphanumeric separators between digits (spaces in phone numbers,
// hyphens in identifiers).
func numberPattern(value string, boundary Boundary) string {
	var digits []rune
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) == 0 {
		return ""
	}
	parts := make([]string, len(digits))
	for i, d := range digits {
		parts[i] = string(d)
	}
	return boundary.wrap(strings.Join(parts, `[\W_]*`))
}

// codePattern matches an alphanumeric code, tolerating optional internal
// whitespace (postcodes are written with and without the space).
func codePattern(value string, boundary Boundary) string {
	value = strings.Join(strings.Fields(value), "")
	if value == "" {
		return ""
	}
	runes := []rune(value)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = escapeLiteral(string(r))
	}
	return boundary.wrap(strings.Join(parts, `\s?`))
}

// isNumeric reports whether a value parses as a pure number
// (PhraseUnlessNumeric skips these).
func isNumeric(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" {
		return false
	}
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}
