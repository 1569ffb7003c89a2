package scrub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cohortware/anonymiser/internal/config"
	"github.com/cohortware/anonymiser/internal/dd"
)

// ErrRequiredScrubberMissing reports that a column flagged
// REQUIRED_SCRUBBER yielded no value for the patient. The patient is
// skipped for the run; previously written rows stay (they were scrubbed
// with the scrubber that existed when they were written).
var ErrRequiredScrubberMissing = errors.New("required scrubber source has no value")

// ValueSource fetches the distinct non-null values of one scrub-source
// column for one patient, across every table row belonging to that
// patient.
type ValueSource interface {
	ScrubSourceValues(ctx context.Context, col *dd.ColumnSpec, pid string) ([]string, error)
}

// Builder assembles per-patient scrubbers. One builder serves a whole
// run: the nonspecific rules and word lists are compiled once and shared.
type Builder struct {
	cfg         *config.Config
	dict        *dd.Dictionary
	allow       *WordSet
	nonspecific []*Rule
}

// NewBuilder loads the word lists and compiles the nonspecific rules.
func NewBuilder(cfg *config.Config, dict *dd.Dictionary) (*Builder, error) {
	allow, err := LoadWordFiles(cfg.AllowlistFilenames)
	if err != nil {
		return nil, fmt.Errorf("allowlist: %w", err)
	}
	deny, err := LoadWordFiles(cfg.DenylistFilenames)
	if err != nil {
		return nil, fmt.Errorf("denylist: %w", err)
	}
	nonspecific, err := CompileNonspecific(cfg, deny)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, dict: dict, allow: allow, nonspecific: nonspecific}, nil
}

// gathered is one scrub-source value with the method that compiles it.
type gathered struct {
	value  string
	method dd.ScrubMethod
}

// Build gathers the patient's scrub-source values, expands third-party
// cross-references, and compiles the patient's scrubber.
func (b *Builder) Build(ctx context.Context, src ValueSource, pid string) (*Scrubber, error) {
	type item struct {
		pid   string
		depth int
	}
	visited := map[string]bool{pid: true}
	worklist := []item{{pid: pid}}

	var patientVals, thirdVals []gathered

	for len(worklist) > 0 {
		it := worklist[0]
		worklist = worklist[1:]
		root := it.depth == 0

		for _, db := range b.dict.Databases() {
			for _, col := range b.dict.ScrubSourceColumns(db) {
				vals, err := src.ScrubSourceValues(ctx, col, it.pid)
				if err != nil {
					return nil, fmt.Errorf("gather %s for pid %s: %w", col.SrcRef(), it.pid, err)
				}
				switch col.ScrubSrc {
				case dd.SrcPatient:
					for _, v := range vals {
						g := gathered{value: v, method: col.ScrubMethod}
						if root {
							patientVals = append(patientVals, g)
						} else {
							// A cross-referenced patient's own identifiers
							// are third-party information here.
							thirdVals = append(thirdVals, g)
						}
					}
				case dd.SrcThirdParty:
					if root {
						for _, v := range vals {
							thirdVals = append(thirdVals, gathered{value: v, method: col.ScrubMethod})
						}
					}
				case dd.SrcThirdPartyXref:
					if it.depth+1 > b.cfg.ThirdPartyXrefMaxDepth {
						continue
					}
					for _, xpid := range vals {
						xpid = strings.TrimSpace(xpid)
						if xpid == "" || visited[xpid] {
							continue
						}
						visited[xpid] = true
						worklist = append(worklist, item{pid: xpid, depth: it.depth + 1})
					}
				}

				if root && col.Flags.Has(dd.FlagRequiredScrubber) && !anyNonBlank(vals) {
					return nil, fmt.Errorf("pid %s, column %s: %w", pid, col.SrcRef(), ErrRequiredScrubberMissing)
				}
			}
		}
	}

	patient, err := b.compileGroup(GroupPatient, patientVals, b.cfg.ReplacePatientWith)
	if err != nil {
		return nil, err
	}
	third, err := b.compileGroup(GroupThirdParty, thirdVals, b.cfg.ReplaceThirdPartyWith)
	if err != nil {
		return nil, err
	}

	return &Scrubber{
		patient:          patient,
		thirdParty:       third,
		nonspecific:      b.nonspecific,
		nonspecificFirst: b.cfg.NonspecificScrubberFirst,
	}, nil
}

func anyNonBlank(vals []string) bool {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

func (b *Builder) compileGroup(group RuleGroup, vals []gathered, repl string) ([]*Rule, error) {
	var rules []*Rule
	seen := make(map[string]bool)

	add := func(pattern string) error {
		if pattern == "" || seen[pattern] {
			return nil
		}
		seen[pattern] = true
		r, err := newRule(group, pattern, repl)
		if err != nil {
			return err
		}
		rules = append(rules, r)
		return nil
	}

	wordOpt := WordOptions{
		Suffixes:   b.cfg.ScrubStringSuffixes,
		MaxErrors:  b.cfg.StringMaxRegexErrors,
		MinFuzzLen: b.cfg.MinStringLengthForErrors,
	}
	if b.cfg.StringsAtWordBoundariesOnly {
		wordOpt.Boundary = BoundaryWord
	}
	phraseOpt := wordOpt
	phraseOpt.Suffixes = nil // suffixes attach to words, not phrases

	numBoundary := BoundaryNone
	if b.cfg.NumbersAtNumericBoundariesOnly {
		numBoundary = BoundaryNumeric
	}
	if b.cfg.NumbersAtWordBoundariesOnly {
		numBoundary = BoundaryWord
	}
	codeBoundary := BoundaryNone
	if b.cfg.CodesAtNumericBoundariesOnly {
		codeBoundary = BoundaryNumeric
	}
	if b.cfg.CodesAtWordBoundariesOnly {
		codeBoundary = BoundaryWord
	}
	dateBoundary := BoundaryNone
	if b.cfg.DatesAtWordBoundariesOnly {
		dateBoundary = BoundaryWord
	}

	for _, g := range vals {
		value := strings.TrimSpace(g.value)
		if value == "" {
			continue
		}
		switch g.method {
		case dd.MethodWords:
			for _, token := range strings.Fields(value) {
				if len([]rune(token)) < b.cfg.MinStringLengthToScrub {
					continue
				}
				if b.allow.Contains(token) {
					continue
				}
				if err := add(tokenPattern(token, wordOpt)); err != nil {
					return nil, err
				}
			}
		case dd.MethodPhrase, dd.MethodPhraseUnlessNumeric:
			if g.method == dd.MethodPhraseUnlessNumeric && isNumeric(value) {
				continue
			}
			if b.allow.Contains(value) {
				continue
			}
			if err := add(phrasePattern(value, b.cfg.MinStringLengthToScrub, phraseOpt)); err != nil {
				return nil, err
			}
		case dd.MethodNumber:
			if err := add(numberPattern(value, numBoundary)); err != nil {
				return nil, err
			}
		case dd.MethodCode:
			if err := add(codePattern(value, codeBoundary)); err != nil {
				return nil, err
			}
		case dd.MethodDate:
			t, err := parseSourceDate(value)
			if err != nil {
				log.Printf("[scrubber] skipping unparseable scrub-source date %q", value)
				continue
			}
			pattern := datePattern(t, dateBoundary)
			if seen[pattern] {
				continue
			}
			seen[pattern] = true
			r, err := newDateRule(group, pattern, b.cfg.ReplaceAllDatesWith, repl)
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
	}
	return rules, nil
}
