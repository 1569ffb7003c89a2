package dd

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// TableRef locates a source table.
type TableRef struct {
	DB    string
	Table string
}

func (t TableRef) String() string { return t.DB + "." + t.Table }

// Dictionary is the validated, indexed data dictionary.
type Dictionary struct {
	Columns []*ColumnSpec

	byTable      map[TableRef][]*ColumnSpec
	destColumns  map[string][]*ColumnSpec
	scrubSrcByDB map[string][]*ColumnSpec
	definesPID   map[string]*ColumnSpec
	tableOrder   []TableRef
}

// Header column names, case-insensitive, any order.
var headerNames = []string{
	"src_db", "src_table", "src_field", "src_datatype", "src_flags",
	"scrub_src", "scrub_method", "decision", "inclusion_values",
	"exclusion_values", "alter_method", "dest_table", "dest_field",
	"dest_datatype", "index", "indexlen", "comment",
}

// Load reads, parses, validates and indexes a data dictionary file.
func Load(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read data dictionary: %w", err)
	}
	return Parse(string(data))
}

// Parse builds a Dictionary from file content. The separator is sniffed
// from the header row (tab, comma or semicolon).
func Parse(content string) (*Dictionary, error) {
	header := firstContentLine(content)
	if header == "" {
		return nil, fmt.Errorf("data dictionary is empty")
	}
	sep := sniffSeparator(header)

	r := csv.NewReader(strings.NewReader(content))
	r.Comma = sep
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse data dictionary: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("data dictionary is empty")
	}

	colIdx, err := mapHeader(records[0])
	if err != nil {
		return nil, err
	}

	d := &Dictionary{
		byTable:      make(map[TableRef][]*ColumnSpec),
		destColumns:  make(map[string][]*ColumnSpec),
		scrubSrcByDB: make(map[string][]*ColumnSpec),
		definesPID:   make(map[string]*ColumnSpec),
	}

	for i, rec := range records[1:] {
		if blankRecord(rec) {
			continue
		}
		spec, err := parseRow(rec, colIdx)
		if err != nil {
			return nil, fmt.Errorf("data dictionary line %d: %w", i+2, err)
		}
		d.add(spec)
	}

	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func firstContentLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if t != "" && !strings.HasPrefix(t, "#") {
			return line
		}
	}
	return ""
}

func sniffSeparator(header string) rune {
	switch {
	case strings.ContainsRune(header, '\t'):
		return '\t'
	case strings.ContainsRune(header, ';') && !strings.ContainsRune(header, ','):
		return ';'
	default:
		return ','
	}
}

func mapHeader(row []string) (map[string]int, error) {
	idx := make(map[string]int, len(row))
	for i, cell := range row {
		name := strings.ToLower(strings.TrimSpace(cell))
		if name == "" {
			continue
		}
		known := false
		for _, h := range headerNames {
			if h == name {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown data dictionary header %q", cell)
		}
		if _, dup := idx[name]; dup {
			return nil, fmt.Errorf("duplicate data dictionary header %q", name)
		}
		idx[name] = i
	}
	for _, h := range []string{"src_db", "src_table", "src_field", "src_datatype"} {
		if _, ok := idx[h]; !ok {
			return nil, fmt.Errorf("data dictionary header missing %q", h)
		}
	}
	return idx, nil
}

func blankRecord(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func cellAt(rec []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func parseRow(rec []string, idx map[string]int) (*ColumnSpec, error) {
	spec := &ColumnSpec{
		SrcDB:    cellAt(rec, idx, "src_db"),
		SrcTable: cellAt(rec, idx, "src_table"),
		SrcField: cellAt(rec, idx, "src_field"),
		Comment:  cellAt(rec, idx, "comment"),
	}
	if spec.SrcDB == "" || spec.SrcTable == "" || spec.SrcField == "" {
		return nil, fmt.Errorf("src_db, src_table and src_field are all required")
	}

	var err error
	if spec.SrcType, err = ParseDataType(cellAt(rec, idx, "src_datatype")); err != nil {
		return nil, err
	}
	if spec.Flags, err = ParseFlags(cellAt(rec, idx, "src_flags")); err != nil {
		return nil, err
	}
	if spec.ScrubSrc, err = ParseScrubSrc(cellAt(rec, idx, "scrub_src")); err != nil {
		return nil, err
	}
	if spec.ScrubMethod, err = ParseScrubMethod(cellAt(rec, idx, "scrub_method")); err != nil {
		return nil, err
	}
	if spec.ScrubSrc != SrcNone && spec.ScrubMethod == MethodNone {
		spec.ScrubMethod = DefaultMethodFor(spec.SrcType)
	}
	if spec.Decision, err = ParseDecision(cellAt(rec, idx, "decision")); err != nil {
		return nil, err
	}

	spec.InclusionValues = splitValues(cellAt(rec, idx, "inclusion_values"))
	spec.ExclusionValues = splitValues(cellAt(rec, idx, "exclusion_values"))

	if spec.Alters, err = ParseAlterMethods(cellAt(rec, idx, "alter_method")); err != nil {
		return nil, err
	}

	spec.DestTable = cellAt(rec, idx, "dest_table")
	spec.DestField = cellAt(rec, idx, "dest_field")
	if spec.Included() {
		if spec.DestTable == "" {
			spec.DestTable = spec.SrcTable
		}
		if spec.DestField == "" {
			spec.DestField = spec.SrcField
		}
	}
	if dt := cellAt(rec, idx, "dest_datatype"); dt != "" {
		if spec.DestType, err = ParseDataType(dt); err != nil {
			return nil, err
		}
	} else {
		spec.DestType = spec.SrcType
	}

	if spec.Index, err = ParseIndexKind(cellAt(rec, idx, "index")); err != nil {
		return nil, err
	}
	if il := cellAt(rec, idx, "indexlen"); il != "" {
		n, err := strconv.Atoi(il)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("bad indexlen %q", il)
		}
		spec.IndexLen = n
	}

	return spec, nil
}

func splitValues(cell string) []string {
	if cell == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(cell, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (d *Dictionary) add(spec *ColumnSpec) {
	d.Columns = append(d.Columns, spec)
	key := TableRef{spec.SrcDB, spec.SrcTable}
	if _, seen := d.byTable[key]; !seen {
		d.tableOrder = append(d.tableOrder, key)
	}
	d.byTable[key] = append(d.byTable[key], spec)
	if spec.Included() {
		d.destColumns[spec.DestTable] = append(d.destColumns[spec.DestTable], spec)
	}
	if spec.ScrubSrc != SrcNone {
		d.scrubSrcByDB[spec.SrcDB] = append(d.scrubSrcByDB[spec.SrcDB], spec)
	}
}
