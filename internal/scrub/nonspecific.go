package scrub

import (
	"fmt"
	"sort"

	"github.com/cohortware/anonymiser/internal/config"
)

// Nonspecific rules are patient-independent and compiled once per run.

const (
	emailPattern = `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`
	// UK postcode, with or without the internal space.
	ukPostcodePattern = `[A-Z]{1,2}[0-9][A-Z0-9]?\s*[0-9][A-Z]{2}`
)

// CompileNonspecific builds the nonspecific rule list from config:
// denylist entries, digit runs of configured lengths, UK postcodes, all
// dates, email addresses and any extra regexes, in that order.
func CompileNonspecific(cfg *config.Config, denylist *WordSet) ([]*Rule, error) {
	repl := cfg.ReplaceNonspecificWith
	var rules []*Rule

	add := func(pattern string) error {
		r, err := newRule(GroupNonspecific, pattern, repl)
		if err != nil {
			return err
		}
		rules = append(rules, r)
		return nil
	}

	wordOpt := WordOptions{Boundary: BoundaryNone}
	if cfg.StringsAtWordBoundariesOnly {
		wordOpt.Boundary = BoundaryWord
	}

	entries := denylist.Entries()
	sort.Strings(entries) // files load into a set; compiled order must be stable
	for _, entry := range entries {
		switch {
		case cfg.DenylistUseRegex:
			if err := add(entry); err != nil {
				return nil, fmt.Errorf("denylist regex: %w", err)
			}
		case cfg.DenylistFilesAsPhrases:
			if p := phrasePattern(entry, 1, wordOpt); p != "" {
				if err := add(p); err != nil {
					return nil, err
				}
			}
		default:
			for _, p := range wordPatterns(entry, 1, wordOpt) {
				if err := add(p); err != nil {
					return nil, err
				}
			}
		}
	}

	numBoundary := BoundaryNone
	if cfg.NumbersAtNumericBoundariesOnly {
		numBoundary = BoundaryNumeric
	}
	if cfg.NumbersAtWordBoundariesOnly {
		numBoundary = BoundaryWord
	}
	for _, n := range cfg.ScrubAllNumbersOfNDigits {
		if err := add(numBoundary.wrap(fmt.Sprintf(`\d{%d}`, n))); err != nil {
			return nil, err
		}
	}

	if cfg.ScrubAllUKPostcodes {
		codeBoundary := BoundaryNone
		if cfg.CodesAtWordBoundariesOnly {
			codeBoundary = BoundaryWord
		}
		if err := add(codeBoundary.wrap(ukPostcodePattern)); err != nil {
			return nil, err
		}
	}

	if cfg.ScrubAllDates {
		dateBoundary := BoundaryNone
		if cfg.DatesAtWordBoundariesOnly {
			dateBoundary = BoundaryWord
		}
		for _, p := range genericDatePatterns(dateBoundary) {
			r, err := newDateRule(GroupNonspecific, p, cfg.ReplaceAllDatesWith, repl)
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
	}

	if cfg.ScrubAllEmailAddresses {
		if err := add(emailPattern); err != nil {
			return nil, err
		}
	}

	for _, extra := range cfg.ExtraRegexes {
		if err := add(extra); err != nil {
			return nil, fmt.Errorf("extra_regexes: %w", err)
		}
	}

	return rules, nil
}
