package dd

// Query helpers. The dictionary is immutable after Load, so all of these
// are safe for concurrent use.

// Databases returns the distinct source database tags, in first-seen order.
func (d *Dictionary) Databases() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ref := range d.tableOrder {
		if !seen[ref.DB] {
			seen[ref.DB] = true
			out = append(out, ref.DB)
		}
	}
	return out
}

// Tables returns every source table, in dictionary order.
func (d *Dictionary) Tables() []TableRef {
	out := make([]TableRef, len(d.tableOrder))
	copy(out, d.tableOrder)
	return out
}

// ColumnsFor returns the columns of one source table, in dictionary order.
func (d *Dictionary) ColumnsFor(db, table string) []*ColumnSpec {
	return d.byTable[TableRef{db, table}]
}

// PatientTables returns the tables that carry a PRIMARY_PID column.
func (d *Dictionary) PatientTables() []TableRef {
	var out []TableRef
	for _, ref := range d.tableOrder {
		if d.PIDColumn(ref.DB, ref.Table) != nil {
			out = append(out, ref)
		}
	}
	return out
}

// NonPatientTables returns the tables without a PRIMARY_PID column.
func (d *Dictionary) NonPatientTables() []TableRef {
	var out []TableRef
	for _, ref := range d.tableOrder {
		if d.PIDColumn(ref.DB, ref.Table) == nil {
			out = append(out, ref)
		}
	}
	return out
}

// ScrubSourceColumns returns the scrub-source columns of one database.
func (d *Dictionary) ScrubSourceColumns(db string) []*ColumnSpec {
	return d.scrubSrcByDB[db]
}

// RequiredScrubberColumns returns the columns whose values must be present
// before a patient may be processed.
func (d *Dictionary) RequiredScrubberColumns() []*ColumnSpec {
	var out []*ColumnSpec
	for _, c := range d.Columns {
		if c.Flags.Has(FlagRequiredScrubber) {
			out = append(out, c)
		}
	}
	return out
}

// DefinesPrimaryPIDs returns the column that defines the patient space for
// a database. Validation guarantees exactly one per database.
func (d *Dictionary) DefinesPrimaryPIDs(db string) *ColumnSpec {
	return d.definesPID[db]
}

// OptOutColumns returns every column flagged OPT_OUT.
func (d *Dictionary) OptOutColumns() []*ColumnSpec {
	var out []*ColumnSpec
	for _, c := range d.Columns {
		if c.Flags.Has(FlagOptOut) {
			out = append(out, c)
		}
	}
	return out
}

// IsOptOutColumn reports whether the column participates in opt-out
// detection.
func (d *Dictionary) IsOptOutColumn(c *ColumnSpec) bool {
	return c.Flags.Has(FlagOptOut)
}

// DestTables returns every destination table name, in dictionary order.
func (d *Dictionary) DestTables() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range d.Columns {
		if c.Included() && !seen[c.DestTable] {
			seen[c.DestTable] = true
			out = append(out, c.DestTable)
		}
	}
	return out
}

// DestColumns returns the included columns of one destination table.
func (d *Dictionary) DestColumns(table string) []*ColumnSpec {
	return d.destColumns[table]
}

// PKColumn returns the PK column of a source table, or nil.
func (d *Dictionary) PKColumn(db, table string) *ColumnSpec {
	for _, c := range d.byTable[TableRef{db, table}] {
		if c.Flags.Has(FlagPK) {
			return c
		}
	}
	return nil
}

// PIDColumn returns the PRIMARY_PID column of a source table, or nil.
func (d *Dictionary) PIDColumn(db, table string) *ColumnSpec {
	for _, c := range d.byTable[TableRef{db, table}] {
		if c.Flags.Has(FlagPrimaryPID) {
			return c
		}
	}
	return nil
}

// MPIDColumn returns the MASTER_PID column of a source table, or nil.
func (d *Dictionary) MPIDColumn(db, table string) *ColumnSpec {
	for _, c := range d.byTable[TableRef{db, table}] {
		if c.Flags.Has(FlagMasterPID) {
			return c
		}
	}
	return nil
}

// HasSourceHash reports whether a table's rows carry per-row change hashes.
func (d *Dictionary) HasSourceHash(db, table string) bool {
	pk := d.PKColumn(db, table)
	return pk != nil && pk.Flags.Has(FlagAddSourceHash)
}

// IsConstant reports whether a table's PK is flagged CONSTANT.
func (d *Dictionary) IsConstant(db, table string) bool {
	pk := d.PKColumn(db, table)
	return pk != nil && pk.Flags.Has(FlagConstant)
}

// IsAdditionOnly reports whether destination rows for a table are never
// deleted.
func (d *Dictionary) IsAdditionOnly(db, table string) bool {
	pk := d.PKColumn(db, table)
	return pk != nil && pk.Flags.Has(FlagAdditionOnly)
}
