// Package dbio implements the database surface of the anonymiser: the
// streaming source reader, the batched destination writer and the
// transient-error retry policy. The pipeline depends only on the
// interfaces here; Postgres implementations sit alongside, and tests use
// in-memory fakes.
package dbio

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cohortware/anonymiser/internal/dd"
	"github.com/cohortware/anonymiser/internal/hashing"
)

// Row is one source row, keyed by source field name.
type Row map[string]any

// FieldString renders a cell for hashing, scrubbing and PK comparison.
// NULL renders as the empty string.
func FieldString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(x)
	}
}

// Get returns the named cell rendered as a string.
func (r Row) Get(field string) string {
	return FieldString(r[field])
}

// IsNull reports whether the named cell is NULL or absent.
func (r Row) IsNull(field string) bool {
	v, ok := r[field]
	return !ok || v == nil
}

// ContentHash computes the row fingerprint for incremental updates: the
// keyed hash over the row's hashable fields in a canonical order.
// Omitted columns and scrub-source columns do not contribute — they never
// reach the destination, so changes to them alone must not force a
// rewrite.
func ContentHash(h hashing.Hasher, cols []*dd.ColumnSpec, row Row) string {
	fields := make([]string, 0, len(cols))
	for _, c := range cols {
		if !c.Included() || c.ScrubSrc != dd.SrcNone {
			continue
		}
		fields = append(fields, c.SrcField+"\x1f"+row.Get(c.SrcField))
	}
	sort.Strings(fields)
	return h.Hash(strings.Join(fields, "\x1e"))
}

// RowFilter restricts a streamed read to one work partition.
type RowFilter struct {
	// Patient partition: rows whose PIDField equals PID.
	PIDField string
	PID      string

	// Integer-PK range partition: rows with PKMin <= pk < PKMax.
	PKField string
	PKMin   int64
	PKMax   int64
}

// IsZero reports whether the filter selects the whole table.
func (f RowFilter) IsZero() bool {
	return f.PIDField == "" && f.PKField == ""
}

// SourceReader streams rows and values out of one or more source
// databases. Implementations must stream: a table is never buffered
// whole.
type SourceReader interface {
	// StreamRows calls fn for every row of db.table admitted by filter.
	// A non-nil error from fn aborts the stream.
	StreamRows(ctx context.Context, db, table string, filter RowFilter, fn func(Row) error) error

	// StreamPKs calls fn with the string form of every value of pkField.
	StreamPKs(ctx context.Context, db, table, pkField string, fn func(pk string) error) error

	// DistinctValues returns the distinct non-null values of col across
	// rows where pidField = pid.
	DistinctValues(ctx context.Context, col *dd.ColumnSpec, pidField, pid string) ([]string, error)

	// DistinctPIDs returns the patient space defined by col.
	DistinctPIDs(ctx context.Context, col *dd.ColumnSpec) ([]string, error)

	// PKBounds returns the integer PK range of db.table, ok=false when
	// the table is empty.
	PKBounds(ctx context.Context, db, table, pkField string) (min, max int64, ok bool, err error)
}

// DestWriter writes the destination database. WriteRow is batched; a
// batch is committed when it reaches the configured row or byte
// threshold, on Flush, and on nothing else.
type DestWriter interface {
	EnsureTable(ctx context.Context, spec *TableSpec) error
	DropTable(ctx context.Context, table string) error

	// WriteRow upserts one destination row (insert when the table has no
	// PK column).
	WriteRow(ctx context.Context, spec *TableSpec, values map[string]any) error

	// Flush commits any pending batch.
	Flush(ctx context.Context) error

	// DeleteByRID removes every row whose ridField equals rid.
	DeleteByRID(ctx context.Context, table, ridField, rid string) error

	// DeleteRows removes the rows with the given PK values.
	DeleteRows(ctx context.Context, table, pkField string, pks []string) error

	// StreamPKs calls fn with every destination PK value of table.
	StreamPKs(ctx context.Context, table, pkField string, fn func(pk string) error) error

	// CreateIndexes builds the table's indexes, serially.
	CreateIndexes(ctx context.Context, spec *TableSpec) error
}
