package scrub

import (
	"sort"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/cohortware/anonymiser/internal/hashing"
)

// RuleGroup identifies which identifier class a rule belongs to.
type RuleGroup int

const (
	GroupPatient RuleGroup = iota
	GroupThirdParty
	GroupNonspecific
)

func (g RuleGroup) String() string {
	switch g {
	case GroupPatient:
		return "patient"
	case GroupThirdParty:
		return "thirdparty"
	default:
		return "nonspecific"
	}
}

// Rule is one compiled rewrite rule.
type Rule struct {
	group   RuleGroup
	pattern string
	re      *regexp2.Regexp
	repl    string
	// replacer, when set, computes the replacement per match (date
	// blurring); repl is the fallback and the digest tag.
	replacer func(match string) string
}

func newRule(group RuleGroup, pattern, repl string) (*Rule, error) {
	re, err := compile(pattern)
	if err != nil {
		return nil, err
	}
	return &Rule{group: group, pattern: pattern, re: re, repl: repl}, nil
}

func newDateRule(group RuleGroup, pattern, blurFormat, plain string) (*Rule, error) {
	r, err := newRule(group, pattern, plain)
	if err != nil {
		return nil, err
	}
	if blurFormat != "" {
		r.replacer = dateReplacer(blurFormat, plain)
		r.repl = blurFormat // the digest must change when the blur format does
	}
	return r, nil
}

// apply rewrites every match in text, left to right.
func (r *Rule) apply(text string) string {
	out, err := r.re.ReplaceFunc(text, func(m regexp2.Match) string {
		if r.replacer != nil {
			return r.replacer(m.String())
		}
		return r.repl
	}, -1, -1)
	if err != nil {
		// regexp2 replace errors only on engine limits; leaving text
		// unscrubbed is never acceptable, so the whole value is replaced.
		if r.replacer != nil {
			return r.replacer("")
		}
		return r.repl
	}
	return out
}

// Scrubber is the per-patient compiled rule set.
type Scrubber struct {
	patient          []*Rule
	thirdParty       []*Rule
	nonspecific      []*Rule
	nonspecificFirst bool
}

// Scrub applies the three rule groups in the configured priority order,
// rules within a group in compiled order, replacements non-overlapping and
// left-to-right on the evolving string.
func (s *Scrubber) Scrub(text string) string {
	groups := [][]*Rule{s.patient, s.thirdParty, s.nonspecific}
	if s.nonspecificFirst {
		groups = [][]*Rule{s.nonspecific, s.patient, s.thirdParty}
	}
	for _, rules := range groups {
		for _, r := range rules {
			text = r.apply(text)
		}
	}
	return text
}

// RuleCount returns the number of compiled rules per group, for logging.
func (s *Scrubber) RuleCount() (patient, thirdParty, nonspecific int) {
	return len(s.patient), len(s.thirdParty), len(s.nonspecific)
}

// SourceDigest is the deterministic fingerprint over the scrubber's source
// material: the keyed hash of the sorted (group, pattern, replacement)
// triples. Two scrubbers with the same digest behave identically, so the
// digest is the change-detection key for the patient.
func (s *Scrubber) SourceDigest(h *hashing.DigestHasher) string {
	var lines []string
	for _, rules := range [][]*Rule{s.patient, s.thirdParty, s.nonspecific} {
		for _, r := range rules {
			lines = append(lines, r.group.String()+"\x1f"+r.pattern+"\x1f"+r.repl)
		}
	}
	sort.Strings(lines)
	return h.Hash(strings.Join(lines, "\n"))
}
