package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cohortware/anonymiser/internal/dbio"
	"github.com/cohortware/anonymiser/internal/dd"
	"github.com/cohortware/anonymiser/internal/extract"
)

// fakeSource is an in-memory SourceReader.
type fakeSource struct {
	mu     sync.Mutex
	tables map[dd.TableRef][]dbio.Row
}

func newFakeSource() *fakeSource {
	return &fakeSource{tables: make(map[dd.TableRef][]dbio.Row)}
}

func (f *fakeSource) setRows(db, table string, rows ...dbio.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[dd.TableRef{DB: db, Table: table}] = rows
}

func (f *fakeSource) rows(db, table string) []dbio.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dbio.Row, len(f.tables[dd.TableRef{DB: db, Table: table}]))
	copy(out, f.tables[dd.TableRef{DB: db, Table: table}])
	return out
}

func (f *fakeSource) StreamRows(ctx context.Context, db, table string, filter dbio.RowFilter, fn func(dbio.Row) error) error {
	for _, row := range f.rows(db, table) {
		switch {
		case filter.PIDField != "":
			if row.Get(filter.PIDField) != filter.PID {
				continue
			}
		case filter.PKField != "":
			n, err := strconv.ParseInt(row.Get(filter.PKField), 10, 64)
			if err != nil || n < filter.PKMin || n >= filter.PKMax {
				continue
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) StreamPKs(ctx context.Context, db, table, pkField string, fn func(string) error) error {
	for _, row := range f.rows(db, table) {
		if err := fn(row.Get(pkField)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) DistinctValues(ctx context.Context, col *dd.ColumnSpec, pidField, pid string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, row := range f.rows(col.SrcDB, col.SrcTable) {
		if row.Get(pidField) != pid || row.IsNull(col.SrcField) {
			continue
		}
		v := row.Get(col.SrcField)
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeSource) DistinctPIDs(ctx context.Context, col *dd.ColumnSpec) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, row := range f.rows(col.SrcDB, col.SrcTable) {
		if row.IsNull(col.SrcField) {
			continue
		}
		v := row.Get(col.SrcField)
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeSource) PKBounds(ctx context.Context, db, table, pkField string) (int64, int64, bool, error) {
	rows := f.rows(db, table)
	if len(rows) == 0 {
		return 0, 0, false, nil
	}
	var min, max int64
	for i, row := range rows {
		n, err := strconv.ParseInt(row.Get(pkField), 10, 64)
		if err != nil {
			return 0, 0, false, err
		}
		if i == 0 || n < min {
			min = n
		}
		if i == 0 || n > max {
			max = n
		}
	}
	return min, max, true, nil
}

// fakeDest is an in-memory DestWriter shared by all workers in a test.
type fakeDest struct {
	mu      sync.Mutex
	tables  map[string][]map[string]any
	writes  map[string]int // WriteRow calls per table
	indexed map[string]bool
	dropped int
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		tables:  make(map[string][]map[string]any),
		writes:  make(map[string]int),
		indexed: make(map[string]bool),
	}
}

func (f *fakeDest) EnsureTable(ctx context.Context, spec *dbio.TableSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[spec.Name]; !ok {
		f.tables[spec.Name] = nil
	}
	return nil
}

func (f *fakeDest) DropTable(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, table)
	f.dropped++
	return nil
}

func (f *fakeDest) WriteRow(ctx context.Context, spec *dbio.TableSpec, values map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[spec.Name]++
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	if spec.PKField != "" {
		pk := dbio.FieldString(values[spec.PKField])
		for i, existing := range f.tables[spec.Name] {
			if dbio.FieldString(existing[spec.PKField]) == pk {
				f.tables[spec.Name][i] = copied
				return nil
			}
		}
	}
	f.tables[spec.Name] = append(f.tables[spec.Name], copied)
	return nil
}

func (f *fakeDest) Flush(ctx context.Context) error { return nil }

func (f *fakeDest) DeleteByRID(ctx context.Context, table, ridField, rid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []map[string]any
	for _, row := range f.tables[table] {
		if dbio.FieldString(row[ridField]) != rid {
			kept = append(kept, row)
		}
	}
	f.tables[table] = kept
	return nil
}

func (f *fakeDest) DeleteRows(ctx context.Context, table, pkField string, pks []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[string]bool, len(pks))
	for _, pk := range pks {
		drop[pk] = true
	}
	var kept []map[string]any
	for _, row := range f.tables[table] {
		if !drop[dbio.FieldString(row[pkField])] {
			kept = append(kept, row)
		}
	}
	f.tables[table] = kept
	return nil
}

func (f *fakeDest) StreamPKs(ctx context.Context, table, pkField string, fn func(string) error) error {
	f.mu.Lock()
	rows := make([]map[string]any, len(f.tables[table]))
	copy(rows, f.tables[table])
	f.mu.Unlock()
	for _, row := range rows {
		if err := fn(dbio.FieldString(row[pkField])); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeDest) CreateIndexes(ctx context.Context, spec *dbio.TableSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed[spec.Name] = true
	return nil
}

func (f *fakeDest) writeCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[table]
}

func (f *fakeDest) rowCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func (f *fakeDest) resetWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = make(map[string]int)
}

// findRow returns the first destination row where field == value.
func (f *fakeDest) findRow(table, field, value string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.tables[table] {
		if dbio.FieldString(row[field]) == value {
			return row
		}
	}
	return nil
}

// fakeExtractor serves canned extractions keyed by document content.
type fakeExtractor struct {
	texts map[string]string // content → extracted text
}

func (f *fakeExtractor) ExtractText(ctx context.Context, data []byte, ext string) (string, error) {
	text, ok := f.texts[string(data)]
	if !ok {
		return "", fmt.Errorf("%w: no extraction for %q", extract.ErrExtraction, string(data))
	}
	return text, nil
}
