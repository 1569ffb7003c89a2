package scrub

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cohortware/anonymiser/internal/config"
	"github.com/cohortware/anonymiser/internal/dd"
	"github.com/cohortware/anonymiser/internal/hashing"
)

// fakeSource maps pid → column field → values.
type fakeSource struct {
	values map[string]map[string][]string
}

func (f *fakeSource) ScrubSourceValues(_ context.Context, col *dd.ColumnSpec, pid string) ([]string, error) {
	return f.values[pid][col.SrcField], nil
}

func scrubConfig() *config.Config {
	cfg := config.DefaultConfig()
	return &cfg
}

// scrubDict builds a dictionary with the given scrub-source columns.
func scrubDict(t *testing.T, cols ...string) *dd.Dictionary {
	t.Helper()
	lines := []string{
		header,
		row("rio", "patients", "patient_id", "integer", "KP*", "", "", "include"),
	}
	lines = append(lines, cols...)
	d, err := dd.Parse(strings.Join(lines, "\n"))
	if err != nil {
		t.Fatalf("dictionary: %v", err)
	}
	return d
}

const header = "src_db\tsrc_table\tsrc_field\tsrc_datatype\tsrc_flags\tscrub_src\tscrub_method\tdecision"

func row(cells ...string) string {
	for len(cells) < 8 {
		cells = append(cells, "")
	}
	return strings.Join(cells, "\t")
}

func buildScrubber(t *testing.T, cfg *config.Config, dict *dd.Dictionary, src ValueSource, pid string) *Scrubber {
	t.Helper()
	b, err := NewBuilder(cfg, dict)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	s, err := b.Build(context.Background(), src, pid)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return s
}

// Scenario: word scrub with boundaries. Patient forename and surname are
// patient identifiers, the spouse is third-party; the suffix list lets
// "Smiths" match while "Johnson" survives.
func TestWordScrubWithBoundaries(t *testing.T) {
	dict := scrubDict(t,
		row("rio", "patients", "forename", "text", "", "patient", "words", "omit"),
		row("rio", "patients", "surname", "text", "", "patient", "words", "omit"),
		row("rio", "patients", "spouse_name", "text", "", "thirdparty", "words", "omit"),
	)
	src := &fakeSource{values: map[string]map[string][]string{
		"1": {
			"forename":    {"John"},
			"surname":     {"Smith"},
			"spouse_name": {"Jane"},
		},
	}}
	cfg := scrubConfig()
	s := buildScrubber(t, cfg, dict, src, "1")

	in := "I saw John and Johnson in clinic with Jane; the Smiths arrived."
	want := "I saw [__PPP__] and Johnson in clinic with [__TTT__]; the [__PPP__] arrived."
	if got := s.Scrub(in); got != want {
		t.Errorf("Scrub:\n got %q\nwant %q", got, want)
	}
}

// Scenario: phrase vs words. The address is one phrase; its individual
// words stay, but the separately-declared word is scrubbed.
func TestPhraseVersusWords(t *testing.T) {
	dict := scrubDict(t,
		row("rio", "patients", "address", "text", "", "patient", "phrase", "omit"),
		row("rio", "patients", "house_name", "text", "", "patient", "words", "omit"),
	)
	src := &fakeSource{values: map[string]map[string][]string{
		"1": {
			"address":    {"5 Tree Avenue"},
			"house_name": {"Oak"},
		},
	}}
	s := buildScrubber(t, scrubConfig(), dict, src, "1")

	in := "at 5 Tree Avenue near the oak"
	want := "at [__PPP__] near the [__PPP__]"
	if got := s.Scrub(in); got != want {
		t.Errorf("Scrub:\n got %q\nwant %q", got, want)
	}
	if got := s.Scrub("a tree on the avenue"); got != "a tree on the avenue" {
		t.Errorf("phrase words leaked into word rules: %q", got)
	}
}

// Scenario: date blurring via replace_all_dates_with.
func TestDateBlurring(t *testing.T) {
	cfg := scrubConfig()
	cfg.ScrubAllDates = true
	cfg.ReplaceAllDatesWith = "[%b %Y]"

	dict := scrubDict(t)
	src := &fakeSource{values: map[string]map[string][]string{}}
	s := buildScrubber(t, cfg, dict, src, "1")

	in := "Seen on 2 Sep 1990 and 03.09.1990."
	want := "Seen on [Sep 1990] and [Sep 1990]."
	if got := s.Scrub(in); got != want {
		t.Errorf("Scrub:\n got %q\nwant %q", got, want)
	}
}

func TestPhraseUnlessNumericSkipsNumbers(t *testing.T) {
	dict := scrubDict(t,
		row("rio", "patients", "misc", "text", "", "patient", "phrase_unless_numeric", "omit"),
	)
	src := &fakeSource{values: map[string]map[string][]string{
		"1": {"misc": {"42", "Rose Cottage"}},
	}}
	s := buildScrubber(t, scrubConfig(), dict, src, "1")

	if got := s.Scrub("dose 42 at Rose Cottage"); got != "dose 42 at [__PPP__]" {
		t.Errorf("got %q", got)
	}
}

func TestNonspecificOrdering(t *testing.T) {
	// A denylist word that is also the patient's name: whichever group runs
	// first wins, so the replacement tag flips with the ordering flag.
	dict := scrubDict(t,
		row("rio", "patients", "surname", "text", "", "patient", "words", "omit"),
	)
	src := &fakeSource{values: map[string]map[string][]string{
		"1": {"surname": {"Garden"}},
	}}

	cfg := scrubConfig()
	deny := NewWordSet()
	deny.Add("garden")
	nonspecific, err := CompileNonspecific(cfg, deny)
	if err != nil {
		t.Fatal(err)
	}

	b, err := NewBuilder(cfg, dict)
	if err != nil {
		t.Fatal(err)
	}
	b.nonspecific = nonspecific

	s, err := b.Build(context.Background(), src, "1")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Scrub("in the garden"); got != "in the [__PPP__]" {
		t.Errorf("patient-first: %q", got)
	}

	cfg.NonspecificScrubberFirst = true
	s2, err := b.Build(context.Background(), src, "1")
	if err != nil {
		t.Fatal(err)
	}
	if got := s2.Scrub("in the garden"); got != "in the [~~~]" {
		t.Errorf("nonspecific-first: %q", got)
	}
}

func TestScrubberDigest(t *testing.T) {
	dict := scrubDict(t,
		row("rio", "patients", "surname", "text", "", "patient", "words", "omit"),
	)
	h, err := hashing.NewDigestHasher("digest-key")
	if err != nil {
		t.Fatal(err)
	}

	build := func(vals ...string) *Scrubber {
		src := &fakeSource{values: map[string]map[string][]string{
			"1": {"surname": vals},
		}}
		return buildScrubber(t, scrubConfig(), dict, src, "1")
	}

	s1 := build("Smith")
	s2 := build("Smith")
	s3 := build("Smith", "Jono")

	if s1.SourceDigest(h) != s2.SourceDigest(h) {
		t.Error("identical source material produced different digests")
	}
	if s1.SourceDigest(h) == s3.SourceDigest(h) {
		t.Error("new alias did not change the digest")
	}

	// Digest is order-independent over the same material.
	s4 := build("Jono", "Smith")
	if s3.SourceDigest(h) != s4.SourceDigest(h) {
		t.Error("value order changed the digest")
	}
}

func TestRequiredScrubberMissing(t *testing.T) {
	dict := scrubDict(t,
		row("rio", "patients", "surname", "text", "R", "patient", "words", "omit"),
	)
	src := &fakeSource{values: map[string]map[string][]string{
		"1": {"surname": {" "}},
	}}
	b, err := NewBuilder(scrubConfig(), dict)
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.Build(context.Background(), src, "1")
	if !errors.Is(err, ErrRequiredScrubberMissing) {
		t.Errorf("err = %v, want ErrRequiredScrubberMissing", err)
	}
}

func TestThirdPartyXrefExpansion(t *testing.T) {
	dict := scrubDict(t,
		row("rio", "patients", "surname", "text", "", "patient", "words", "omit"),
		row("rio", "relatives", "rel_pid", "integer", "", "thirdparty_xref_pid", "", "omit"),
	)
	src := &fakeSource{values: map[string]map[string][]string{
		"1": {"surname": {"Smith"}, "rel_pid": {"2"}},
		"2": {"surname": {"Brown"}, "rel_pid": {"3", "1"}}, // cycle back to 1
		"3": {"surname": {"Green"}},
	}}

	cfg := scrubConfig() // depth 1
	s := buildScrubber(t, cfg, dict, src, "1")
	got := s.Scrub("Smith saw Brown and Green")
	if got != "[__PPP__] saw [__TTT__] and Green" {
		t.Errorf("depth 1: %q", got)
	}

	cfg2 := scrubConfig()
	cfg2.ThirdPartyXrefMaxDepth = 2
	s2 := buildScrubber(t, cfg2, dict, src, "1")
	got2 := s2.Scrub("Smith saw Brown and Green")
	if got2 != "[__PPP__] saw [__TTT__] and [__TTT__]" {
		t.Errorf("depth 2: %q", got2)
	}
}

func TestAllowlistFiltersIdentifiers(t *testing.T) {
	dict := scrubDict(t,
		row("rio", "patients", "surname", "text", "", "patient", "words", "omit"),
	)
	src := &fakeSource{values: map[string]map[string][]string{
		"1": {"surname": {"Able Baker"}},
	}}
	cfg := scrubConfig()
	b, err := NewBuilder(cfg, dict)
	if err != nil {
		t.Fatal(err)
	}
	b.allow.Add("able")

	s, err := b.Build(context.Background(), src, "1")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Scrub("Able and Baker"); got != "Able and [__PPP__]" {
		t.Errorf("got %q", got)
	}
}
