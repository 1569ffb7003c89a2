// Package dd implements the data dictionary: the declarative per-column
// rules that drive every processing decision in the anonymiser.
//
// The dictionary is loaded once at startup, validated, and shared read-only
// across all workers.
package dd

import (
	"fmt"
	"strings"
)

// DataType is the semantic type of a source or destination column.
type DataType string

const (
	TypeInteger DataType = "integer"
	TypeFloat   DataType = "float"
	TypeDate    DataType = "date"
	TypeText    DataType = "text"
	TypeBlob    DataType = "blob"
	TypeOther   DataType = "other"
)

// ParseDataType maps a dictionary cell to a DataType.
func ParseDataType(s string) (DataType, error) {
	switch DataType(strings.ToLower(strings.TrimSpace(s))) {
	case TypeInteger, TypeFloat, TypeDate, TypeText, TypeBlob, TypeOther:
		return DataType(strings.ToLower(strings.TrimSpace(s))), nil
	}
	return "", fmt.Errorf("unknown datatype %q", s)
}

// Flags is the set of src_flags tokens on a column.
type Flags uint16

const (
	FlagPK                 Flags = 1 << iota // K
	FlagAddSourceHash                        // H
	FlagConstant                             // C
	FlagAdditionOnly                         // A
	FlagPrimaryPID                           // P
	FlagDefinesPrimaryPIDs                   // *
	FlagMasterPID                            // M
	FlagOptOut                               // !
	FlagRequiredScrubber                     // R
)

var flagChars = []struct {
	ch rune
	f  Flags
}{
	{'K', FlagPK},
	{'H', FlagAddSourceHash},
	{'C', FlagConstant},
	{'A', FlagAdditionOnly},
	{'P', FlagPrimaryPID},
	{'*', FlagDefinesPrimaryPIDs},
	{'M', FlagMasterPID},
	{'!', FlagOptOut},
	{'R', FlagRequiredScrubber},
}

// ParseFlags parses a src_flags character string.
func ParseFlags(s string) (Flags, error) {
	var out Flags
	for _, ch := range strings.TrimSpace(s) {
		var matched bool
		for _, fc := range flagChars {
			if fc.ch == ch {
				out |= fc.f
				matched = true
				break
			}
		}
		if !matched {
			return 0, fmt.Errorf("unknown flag character %q", string(ch))
		}
	}
	return out, nil
}

// Has reports whether all of the given flags are set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// String renders the flag characters in canonical order.
func (f Flags) String() string {
	var b strings.Builder
	for _, fc := range flagChars {
		if f.Has(fc.f) {
			b.WriteRune(fc.ch)
		}
	}
	return b.String()
}

// ScrubSrc is the role a column's values play in scrubber construction.
type ScrubSrc string

const (
	SrcNone           ScrubSrc = ""
	SrcPatient        ScrubSrc = "patient"
	SrcThirdParty     ScrubSrc = "thirdparty"
	SrcThirdPartyXref ScrubSrc = "thirdparty_xref_pid"
)

// ParseScrubSrc maps a scrub_src cell to a role.
func ParseScrubSrc(s string) (ScrubSrc, error) {
	switch ScrubSrc(strings.ToLower(strings.TrimSpace(s))) {
	case SrcNone, SrcPatient, SrcThirdParty, SrcThirdPartyXref:
		return ScrubSrc(strings.ToLower(strings.TrimSpace(s))), nil
	}
	return "", fmt.Errorf("unknown scrub_src %q", s)
}

// ScrubMethod is how a scrub-source value is turned into patterns.
type ScrubMethod string

const (
	MethodNone                ScrubMethod = ""
	MethodWords               ScrubMethod = "words"
	MethodPhrase              ScrubMethod = "phrase"
	MethodPhraseUnlessNumeric ScrubMethod = "phrase_unless_numeric"
	MethodNumber              ScrubMethod = "number"
	MethodCode                ScrubMethod = "code"
	MethodDate                ScrubMethod = "date"
)

// ParseScrubMethod maps a scrub_method cell to a method.
func ParseScrubMethod(s string) (ScrubMethod, error) {
	switch ScrubMethod(strings.ToLower(strings.TrimSpace(s))) {
	case MethodNone, MethodWords, MethodPhrase, MethodPhraseUnlessNumeric,
		MethodNumber, MethodCode, MethodDate:
		return ScrubMethod(strings.ToLower(strings.TrimSpace(s))), nil
	}
	return "", fmt.Errorf("unknown scrub_method %q", s)
}

// DefaultMethodFor picks the scrub method for a scrub-source column that
// does not name one, based on its source datatype.
func DefaultMethodFor(dt DataType) ScrubMethod {
	switch dt {
	case TypeInteger, TypeFloat:
		return MethodNumber
	case TypeDate:
		return MethodDate
	default:
		return MethodWords
	}
}

// Decision is whether a column reaches the destination at all.
type Decision string

const (
	DecisionOmit    Decision = "omit"
	DecisionInclude Decision = "include"
)

// ParseDecision maps a decision cell. An empty cell means omit — the safe
// default for a dictionary row someone forgot to finish.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "omit":
		return DecisionOmit, nil
	case "include":
		return DecisionInclude, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// AlterKind identifies one alter-method directive.
type AlterKind string

const (
	AlterScrub              AlterKind = "scrub"
	AlterTruncateDate       AlterKind = "truncate_date"
	AlterBinaryToText       AlterKind = "binary_to_text"
	AlterFilenameToText     AlterKind = "filename_to_text"
	AlterFilenameFormat     AlterKind = "filename_format_to_text"
	AlterSkipIfExtractFails AlterKind = "skip_if_extract_fails"
	AlterHTMLUnescape       AlterKind = "html_unescape"
	AlterHTMLUntag          AlterKind = "html_untag"
	AlterHash               AlterKind = "hash"
)

// AlterMethod is one directive in a column's alter pipeline. Arg carries
// the directive's argument where one exists: the extension column for
// binary_to_text, the filename template for filename_format_to_text, the
// hasher tag for hash.
type AlterMethod struct {
	Kind AlterKind
	Arg  string
}

// IsExtraction reports whether the directive converts the cell to text
// from an external document.
func (a AlterMethod) IsExtraction() bool {
	switch a.Kind {
	case AlterBinaryToText, AlterFilenameToText, AlterFilenameFormat:
		return true
	}
	return false
}

// ParseAlterMethods parses the comma-separated alter_method cell.
// Arguments use name=value form inside parentheses-free directives, e.g.
// "binary_to_text=extension_column:doc_ext" is written as
// "binary_to_text=doc_ext"; the simpler "directive=arg" form is used
// throughout since each directive takes at most one argument.
func ParseAlterMethods(cell string) ([]AlterMethod, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil, nil
	}
	var out []AlterMethod
	for _, tok := range strings.Split(cell, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		name, arg := tok, ""
		if i := strings.IndexByte(tok, '='); i >= 0 {
			name, arg = strings.TrimSpace(tok[:i]), strings.TrimSpace(tok[i+1:])
		}
		kind := AlterKind(strings.ToLower(name))
		switch kind {
		case AlterScrub, AlterTruncateDate, AlterFilenameToText,
			AlterSkipIfExtractFails, AlterHTMLUnescape, AlterHTMLUntag:
			if arg != "" {
				return nil, fmt.Errorf("alter method %s takes no argument", kind)
			}
		case AlterBinaryToText, AlterFilenameFormat, AlterHash:
			if arg == "" {
				return nil, fmt.Errorf("alter method %s requires an argument", kind)
			}
		default:
			return nil, fmt.Errorf("unknown alter method %q", name)
		}
		out = append(out, AlterMethod{Kind: kind, Arg: arg})
	}
	return out, nil
}

// IndexKind is the destination index directive for a column.
type IndexKind string

const (
	IndexNone     IndexKind = ""
	IndexNormal   IndexKind = "normal"
	IndexUnique   IndexKind = "unique"
	IndexFullText IndexKind = "fulltext"
)

// ParseIndexKind maps an index cell.
func ParseIndexKind(s string) (IndexKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return IndexNone, nil
	case "normal", "i":
		return IndexNormal, nil
	case "unique", "u":
		return IndexUnique, nil
	case "fulltext":
		return IndexFullText, nil
	}
	return "", fmt.Errorf("unknown index directive %q", s)
}

// ColumnSpec is one row of the data dictionary.
type ColumnSpec struct {
	SrcDB    string
	SrcTable string
	SrcField string
	SrcType  DataType

	Flags       Flags
	ScrubSrc    ScrubSrc
	ScrubMethod ScrubMethod
	Decision    Decision

	InclusionValues []string
	ExclusionValues []string

	Alters []AlterMethod

	DestTable string
	DestField string
	DestType  DataType

	Index    IndexKind
	IndexLen int

	Comment string
}

// Included reports whether the column reaches the destination.
func (c *ColumnSpec) Included() bool { return c.Decision == DecisionInclude }

// HasAlter reports whether the pipeline contains the given directive.
func (c *ColumnSpec) HasAlter(kind AlterKind) bool {
	for _, a := range c.Alters {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// SrcRef renders the source locator for error messages.
func (c *ColumnSpec) SrcRef() string {
	return fmt.Sprintf("%s.%s.%s", c.SrcDB, c.SrcTable, c.SrcField)
}

// MatchesInclusion applies the row filters to a raw source value.
// Inclusion, when present, admits only listed values; exclusion then
// removes listed values. Both filters compare the value's string form.
func (c *ColumnSpec) MatchesInclusion(raw string) bool {
	if len(c.InclusionValues) > 0 {
		ok := false
		for _, v := range c.InclusionValues {
			if v == raw {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, v := range c.ExclusionValues {
		if v == raw {
			return false
		}
	}
	return true
}
