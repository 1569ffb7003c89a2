package scrub

import (
	"sort"
	"strings"
)

// Approximate matching. regexp2 has no fuzzy operator, so each fuzzy
// token is expanded at compile time into the alternation of its bounded
// edit-distance variants: for every error allowed, one substitution,
// deletion or insertion anywhere in the token.
//
// A variant is a sequence of fragments, each either an escaped literal
// rune or a single-character wildcard. Expansion is iterated once per
// allowed error and deduplicated, so the alternation stays manageable for
// the short tokens (names, words) this is used on.

const fuzzyWildcard = `\w`

// fuzzyAlternation returns a non-capturing group matching token with up
// to maxErrors single-character edits.
func fuzzyAlternation(token string, maxErrors int) string {
	variants := map[string][]string{
		variantKey(literalFragments(token)): literalFragments(token),
	}
	frontier := [][]string{literalFragments(token)}

	for e := 0; e < maxErrors; e++ {
		var next [][]string
		for _, v := range frontier {
			for _, edited := range editOnce(v) {
				k := variantKey(edited)
				if _, seen := variants[k]; !seen {
					variants[k] = edited
					next = append(next, edited)
				}
			}
		}
		frontier = next
	}

	alts := make([]string, 0, len(variants))
	for _, frags := range variants {
		alts = append(alts, strings.Join(frags, ""))
	}
	sort.Strings(alts) // deterministic compiled order
	if len(alts) == 1 {
		return alts[0]
	}
	return "(?:" + strings.Join(alts, "|") + ")"
}

func literalFragments(token string) []string {
	runes := []rune(token)
	frags := make([]string, len(runes))
	for i, r := range runes {
		frags[i] = escapeLiteral(string(r))
	}
	return frags
}

// editOnce returns every variant reachable with one more edit.
func editOnce(frags []string) [][]string {
	var out [][]string
	for i := range frags {
		// Substitution.
		if frags[i] != fuzzyWildcard {
			sub := cloneFrags(frags)
			sub[i] = fuzzyWildcard
			out = append(out, sub)
		}
		// Deletion.
		del := make([]string, 0, len(frags)-1)
		del = append(del, frags[:i]...)
		del = append(del, frags[i+1:]...)
		if len(del) > 0 {
			out = append(out, del)
		}
	}
	// Insertion at each gap, including both ends.
	for i := 0; i <= len(frags); i++ {
		ins := make([]string, 0, len(frags)+1)
		ins = append(ins, frags[:i]...)
		ins = append(ins, fuzzyWildcard)
		ins = append(ins, frags[i:]...)
		out = append(out, ins)
	}
	return out
}

func cloneFrags(frags []string) []string {
	out := make([]string, len(frags))
	copy(out, frags)
	return out
}

func variantKey(frags []string) string {
	return strings.Join(frags, "\x00")
}
