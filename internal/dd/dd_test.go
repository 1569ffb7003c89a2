package dd

import (
	"strings"
	"testing"
)

const header = "src_db\tsrc_table\tsrc_field\tsrc_datatype\tsrc_flags\tscrub_src\tscrub_method\tdecision\tinclusion_values\texclusion_values\talter_method\tdest_table\tdest_field\tdest_datatype\tindex\tindexlen\tcomment"

// row builds a TSV dictionary line from the 17 cells.
func row(cells ...string) string {
	for len(cells) < 17 {
		cells = append(cells, "")
	}
	return strings.Join(cells, "\t")
}

// minimalDict is a small valid dictionary: a patient master table and a
// notes table with scrubbed free text.
func minimalDict() string {
	return strings.Join([]string{
		header,
		"# demographic master",
		row("rio", "patients", "patient_id", "integer", "KP*", "", "", "include", "", "", "", "patients", "rid", "text", "unique"),
		row("rio", "patients", "nhs_number", "text", "M", "", "", "omit"),
		row("rio", "patients", "forename", "text", "", "patient", "words", "omit"),
		row("rio", "patients", "surname", "text", "R", "patient", "words", "omit"),
		row("rio", "patients", "dob", "date", "", "patient", "date", "include", "", "", "truncate_date", "patients", "dob", "date"),
		row("rio", "notes", "note_id", "integer", "KH", "", "", "include", "", "", "", "notes", "note_id", "integer"),
		row("rio", "notes", "patient_id", "integer", "P", "", "", "include", "", "", "", "notes", "rid", "text"),
		row("rio", "notes", "note", "text", "", "", "", "include", "", "", "scrub", "notes", "note", "text", "fulltext"),
		row("rio", "lookup_codes", "code_id", "integer", "K", "", "", "include", "", "", "", "lookup_codes", "code_id", "integer"),
		row("rio", "lookup_codes", "code", "text", "", "", "", "include", "", "", "", "lookup_codes", "code", "text"),
	}, "\n")
}

func mustParse(t *testing.T, content string) *Dictionary {
	t.Helper()
	d, err := Parse(content)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return d
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		in   string
		want Flags
		ok   bool
	}{
		{"", 0, true},
		{"K", FlagPK, true},
		{"KH", FlagPK | FlagAddSourceHash, true},
		{"P*", FlagPrimaryPID | FlagDefinesPrimaryPIDs, true},
		{"!", FlagOptOut, true},
		{"MR", FlagMasterPID | FlagRequiredScrubber, true},
		{"KZ", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseFlags(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("ParseFlags(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseFlags(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseAlterMethods(t *testing.T) {
	got, err := ParseAlterMethods("binary_to_text=doc_ext, skip_if_extract_fails, html_untag, scrub")
	if err != nil {
		t.Fatalf("ParseAlterMethods: %v", err)
	}
	want := []AlterMethod{
		{AlterBinaryToText, "doc_ext"},
		{AlterSkipIfExtractFails, ""},
		{AlterHTMLUntag, ""},
		{AlterScrub, ""},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d methods, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("method %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	bad := []string{
		"frobnicate",
		"hash",           // missing argument
		"scrub=x",        // takes no argument
		"binary_to_text", // missing argument
	}
	for _, cell := range bad {
		if _, err := ParseAlterMethods(cell); err == nil {
			t.Errorf("ParseAlterMethods(%q) accepted", cell)
		}
	}
}

func TestParseMinimalDictionary(t *testing.T) {
	d := mustParse(t, minimalDict())

	if got := len(d.PatientTables()); got != 2 {
		t.Errorf("patient tables = %d, want 2", got)
	}
	if got := len(d.NonPatientTables()); got != 1 {
		t.Errorf("non-patient tables = %d, want 1", got)
	}
	if c := d.DefinesPrimaryPIDs("rio"); c == nil || c.SrcField != "patient_id" {
		t.Errorf("DefinesPrimaryPIDs = %+v", c)
	}
	if got := len(d.ScrubSourceColumns("rio")); got != 3 {
		t.Errorf("scrub source columns = %d, want 3", got)
	}
	if !d.HasSourceHash("rio", "notes") {
		t.Error("notes should be a hashed table")
	}
	if d.HasSourceHash("rio", "patients") {
		t.Error("patients should not be a hashed table")
	}
	if len(d.RequiredScrubberColumns()) != 1 {
		t.Error("expected one REQUIRED_SCRUBBER column")
	}
}

func TestCommaSeparatedDictionary(t *testing.T) {
	content := strings.ReplaceAll(minimalDict(), "\t", ",")
	d := mustParse(t, content)
	if len(d.Columns) != 10 {
		t.Errorf("columns = %d, want 10", len(d.Columns))
	}
}

func TestUnknownHeaderFails(t *testing.T) {
	content := header + "\tbogus\n"
	if _, err := Parse(content); err == nil {
		t.Error("unknown header accepted")
	}
}

func TestInvariantViolations(t *testing.T) {
	base := []string{
		header,
		row("rio", "patients", "patient_id", "integer", "KP*", "", "", "include", "", "", "", "patients", "rid", "text"),
	}
	tests := []struct {
		name string
		rows []string
		want string
	}{
		{
			"H and C exclusive",
			[]string{row("rio", "t", "id", "integer", "KHC", "", "", "include"),
				row("rio", "t", "patient_id", "integer", "P", "", "", "include")},
			"mutually exclusive",
		},
		{
			"H requires K",
			[]string{row("rio", "t", "id", "integer", "H", "", "", "include"),
				row("rio", "t", "patient_id", "integer", "P", "", "", "include")},
			"require the K flag",
		},
		{
			"A requires K",
			[]string{row("rio", "t", "id", "integer", "A", "", "", "include"),
				row("rio", "t", "patient_id", "integer", "P", "", "", "include")},
			"requires the K flag",
		},
		{
			"opt-out without pid",
			[]string{row("rio", "t", "withdrawn", "text", "!", "", "", "omit")},
			"PRIMARY_PID",
		},
		{
			"required scrubber without role",
			[]string{row("rio", "t", "surname", "text", "R", "", "", "omit"),
				row("rio", "t", "patient_id", "integer", "P", "", "", "include")},
			"scrub_src",
		},
		{
			"xref with alters",
			[]string{row("rio", "t", "carer_id", "integer", "", "thirdparty_xref_pid", "", "include", "", "", "scrub"),
				row("rio", "t", "patient_id", "integer", "P", "", "", "include")},
			"alter methods",
		},
		{
			"two fulltext on one dest table",
			[]string{row("rio", "t", "a", "text", "", "", "", "include", "", "", "", "t", "a", "text", "fulltext"),
				row("rio", "t", "b", "text", "", "", "", "include", "", "", "", "t", "b", "text", "fulltext"),
				row("rio", "t", "patient_id", "integer", "P", "", "", "include")},
			"FullText",
		},
		{
			"pid type conflict",
			[]string{row("rio", "t", "patient_id", "text", "P", "", "", "include")},
			"PRIMARY_PID datatype",
		},
		{
			"second defines-pids",
			[]string{row("rio", "t", "patient_id", "integer", "P*", "", "", "include")},
			"DEFINES_PRIMARY_PIDS",
		},
		{
			"skip without extraction",
			[]string{row("rio", "t", "doc", "text", "", "", "", "include", "", "", "skip_if_extract_fails"),
				row("rio", "t", "patient_id", "integer", "P", "", "", "include")},
			"extraction",
		},
	}

	for _, tt := range tests {
		content := strings.Join(append(append([]string{}, base...), tt.rows...), "\n")
		_, err := Parse(content)
		if err == nil {
			t.Errorf("%s: accepted", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error %q does not mention %q", tt.name, err, tt.want)
		}
	}
}

func TestForcedUniqueIndexOnHashedPK(t *testing.T) {
	d := mustParse(t, minimalDict())
	pk := d.PKColumn("rio", "notes")
	if pk.Index != IndexUnique {
		t.Errorf("hashed PK index = %q, want unique", pk.Index)
	}
}

func TestMissingDefinesPrimaryPIDsFails(t *testing.T) {
	content := strings.Join([]string{
		header,
		row("rio", "t", "patient_id", "integer", "P", "", "", "include"),
	}, "\n")
	if _, err := Parse(content); err == nil {
		t.Error("dictionary without DEFINES_PRIMARY_PIDS accepted")
	}
}

func TestMatchesInclusion(t *testing.T) {
	c := &ColumnSpec{
		InclusionValues: []string{"A", "B"},
		ExclusionValues: []string{"B"},
	}
	tests := []struct {
		raw  string
		want bool
	}{
		{"A", true},
		{"B", false}, // excluded wins
		{"C", false}, // not included
	}
	for _, tt := range tests {
		if got := c.MatchesInclusion(tt.raw); got != tt.want {
			t.Errorf("MatchesInclusion(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	open := &ColumnSpec{ExclusionValues: []string{"NULLED"}}
	if !open.MatchesInclusion("anything") || open.MatchesInclusion("NULLED") {
		t.Error("exclusion-only filter wrong")
	}
}

func TestDefaultScrubMethodFromDatatype(t *testing.T) {
	content := strings.Join([]string{
		header,
		row("rio", "patients", "patient_id", "integer", "KP*", "", "", "include"),
		row("rio", "patients", "phone", "integer", "", "patient", "", "omit"),
		row("rio", "patients", "dob", "date", "", "patient", "", "omit"),
		row("rio", "patients", "forename", "text", "", "patient", "", "omit"),
	}, "\n")
	d := mustParse(t, content)
	methods := map[string]ScrubMethod{}
	for _, c := range d.ScrubSourceColumns("rio") {
		methods[c.SrcField] = c.ScrubMethod
	}
	if methods["phone"] != MethodNumber || methods["dob"] != MethodDate || methods["forename"] != MethodWords {
		t.Errorf("defaulted methods = %v", methods)
	}
}
