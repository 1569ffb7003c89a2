package dbio

import (
	"fmt"

	"github.com/cohortware/anonymiser/internal/dd"
	"github.com/cohortware/anonymiser/internal/hashing"
)

// Automatic destination columns, added beyond what the dictionary names.
const (
	WhenFetchedField = "_when_fetched" // write timestamp
	SrcHashField     = "_src_hash"     // row content hash, hashed tables only
	TRIDField        = "trid"          // added alongside any RID column
)

// ColumnDef is one destination column.
type ColumnDef struct {
	Name    string
	SQLType string
	NotNull bool
	Spec    *dd.ColumnSpec // nil for automatic columns
}

// TableSpec is the full shape of one destination table.
type TableSpec struct {
	Name    string
	Columns []ColumnDef

	PKField  string // destination PK column, "" when the table has none
	RIDField string // destination column carrying the RID, "" when none
	Hashed   bool   // table carries _src_hash
}

// BuildTableSpec derives a destination table's shape from the dictionary
// and the run's hashers. Hash-valued columns are sized to their hasher's
// digest length.
func BuildTableSpec(dict *dd.Dictionary, destTable string, hs *hashing.Set) (*TableSpec, error) {
	cols := dict.DestColumns(destTable)
	if len(cols) == 0 {
		return nil, fmt.Errorf("destination table %s has no columns", destTable)
	}

	spec := &TableSpec{Name: destTable}
	for _, c := range cols {
		sqlType, err := destSQLType(c, hs)
		if err != nil {
			return nil, err
		}
		def := ColumnDef{Name: c.DestField, SQLType: sqlType, Spec: c}
		if c.Flags.Has(dd.FlagPK) {
			def.NotNull = true
			spec.PKField = c.DestField
			if c.Flags.Has(dd.FlagAddSourceHash) {
				spec.Hashed = true
			}
		}
		if c.Flags.Has(dd.FlagPrimaryPID) {
			def.NotNull = true
			spec.RIDField = c.DestField
		}
		spec.Columns = append(spec.Columns, def)
	}

	spec.Columns = append(spec.Columns, ColumnDef{
		Name: WhenFetchedField, SQLType: "TIMESTAMPTZ", NotNull: true,
	})
	if spec.Hashed {
		spec.Columns = append(spec.Columns, ColumnDef{
			Name:    SrcHashField,
			SQLType: fmt.Sprintf("VARCHAR(%d)", hs.Change.OutputLen()),
			NotNull: true,
		})
	}
	if spec.RIDField != "" {
		spec.Columns = append(spec.Columns, ColumnDef{
			Name: TRIDField, SQLType: "BIGINT", NotNull: true,
		})
	}
	return spec, nil
}

// destSQLType maps a column's destination datatype to SQL, overriding to
// a fixed-width string for hash-valued columns.
func destSQLType(c *dd.ColumnSpec, hs *hashing.Set) (string, error) {
	switch {
	case c.Flags.Has(dd.FlagPrimaryPID), c.ScrubSrc == dd.SrcThirdPartyXref:
		return fmt.Sprintf("VARCHAR(%d)", hs.Primary.OutputLen()), nil
	case c.Flags.Has(dd.FlagMasterPID):
		return fmt.Sprintf("VARCHAR(%d)", hs.Master.OutputLen()), nil
	}
	for _, a := range c.Alters {
		if a.Kind == dd.AlterHash {
			h, err := hs.ExtraHasher(a.Arg)
			if err != nil {
				return "", fmt.Errorf("%s: %w", c.SrcRef(), err)
			}
			return fmt.Sprintf("VARCHAR(%d)", h.OutputLen()), nil
		}
	}

	switch c.DestType {
	case dd.TypeInteger:
		return "BIGINT", nil
	case dd.TypeFloat:
		return "DOUBLE PRECISION", nil
	case dd.TypeDate:
		return "TIMESTAMP", nil
	case dd.TypeBlob:
		return "BYTEA", nil
	default:
		return "TEXT", nil
	}
}

// Field returns the column definition by name, or nil.
func (t *TableSpec) Field(name string) *ColumnDef {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}
