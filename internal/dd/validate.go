package dd

import (
	"fmt"
)

// validate enforces the dictionary invariants. Called once from Parse;
// any failure is fatal at startup.
func (d *Dictionary) validate() error {
	if len(d.Columns) == 0 {
		return fmt.Errorf("data dictionary has no columns")
	}

	if err := d.validateColumns(); err != nil {
		return err
	}
	if err := d.validateTables(); err != nil {
		return err
	}
	if err := d.validatePIDSpace(); err != nil {
		return err
	}
	if err := d.validateDestIndexes(); err != nil {
		return err
	}
	return nil
}

func (d *Dictionary) validateColumns() error {
	for _, c := range d.Columns {
		if c.Flags.Has(FlagAddSourceHash) && c.Flags.Has(FlagConstant) {
			return fmt.Errorf("%s: H and C flags are mutually exclusive", c.SrcRef())
		}
		if (c.Flags.Has(FlagAddSourceHash) || c.Flags.Has(FlagConstant)) && !c.Flags.Has(FlagPK) {
			return fmt.Errorf("%s: H/C flags require the K flag", c.SrcRef())
		}
		if c.Flags.Has(FlagAdditionOnly) && !c.Flags.Has(FlagPK) {
			return fmt.Errorf("%s: A flag requires the K flag", c.SrcRef())
		}
		// A hashed or constant PK must be uniquely indexed at the
		// destination; the directive is forced rather than demanded.
		if (c.Flags.Has(FlagAddSourceHash) || c.Flags.Has(FlagConstant)) && c.Included() {
			c.Index = IndexUnique
		}
		if c.Flags.Has(FlagRequiredScrubber) && c.ScrubSrc == SrcNone {
			return fmt.Errorf("%s: R flag requires a scrub_src role", c.SrcRef())
		}
		if c.ScrubSrc == SrcThirdPartyXref {
			if c.SrcType != TypeInteger && c.SrcType != TypeText {
				return fmt.Errorf("%s: thirdparty_xref_pid column must be integer or text", c.SrcRef())
			}
			// Included xref columns are hashed with the primary PID
			// hasher automatically; any explicit alter is an error.
			if c.Included() && len(c.Alters) > 0 {
				return fmt.Errorf("%s: thirdparty_xref_pid column may not carry alter methods", c.SrcRef())
			}
		}
		if err := validateAlterPipeline(c); err != nil {
			return err
		}
	}
	return nil
}

func validateAlterPipeline(c *ColumnSpec) error {
	extractions := 0
	hasSkip := false
	for _, a := range c.Alters {
		if a.IsExtraction() {
			extractions++
		}
		if a.Kind == AlterSkipIfExtractFails {
			hasSkip = true
		}
	}
	if extractions > 1 {
		return fmt.Errorf("%s: at most one text-extraction alter method", c.SrcRef())
	}
	if hasSkip && extractions == 0 {
		return fmt.Errorf("%s: skip_if_extract_fails without an extraction method", c.SrcRef())
	}
	return nil
}

func (d *Dictionary) validateTables() error {
	for ref, cols := range d.byTable {
		pks, optOuts, pids := 0, 0, 0
		for _, c := range cols {
			if c.Flags.Has(FlagPK) {
				pks++
			}
			if c.Flags.Has(FlagOptOut) {
				optOuts++
			}
			if c.Flags.Has(FlagPrimaryPID) {
				pids++
			}
		}
		if pks > 1 {
			return fmt.Errorf("%s: more than one PK column", ref)
		}
		if pids == 0 {
			for _, c := range cols {
				if c.HasAlter(AlterScrub) {
					return fmt.Errorf("%s: scrub alter method in a table without a PRIMARY_PID column", c.SrcRef())
				}
			}
		}
		if pids > 1 {
			return fmt.Errorf("%s: more than one PRIMARY_PID column", ref)
		}
		if optOuts > 0 && pids == 0 {
			return fmt.Errorf("%s: OPT_OUT column requires a PRIMARY_PID column in the same table", ref)
		}
	}
	return nil
}

// validatePIDSpace checks the patient-identifier namespace: exactly one
// DEFINES_PRIMARY_PIDS column per source database, and one compatible
// datatype for every PRIMARY_PID column. PID types are also checked across
// databases, since multi-database runs assume a shared PID namespace.
func (d *Dictionary) validatePIDSpace() error {
	perDB := make(map[string]int)
	var pidType DataType
	var pidRef string
	for _, c := range d.Columns {
		if c.Flags.Has(FlagDefinesPrimaryPIDs) {
			perDB[c.SrcDB]++
			if perDB[c.SrcDB] > 1 {
				return fmt.Errorf("database %q: more than one DEFINES_PRIMARY_PIDS column", c.SrcDB)
			}
			if !c.Flags.Has(FlagPrimaryPID) {
				return fmt.Errorf("%s: DEFINES_PRIMARY_PIDS column must itself be a PRIMARY_PID", c.SrcRef())
			}
			d.definesPID[c.SrcDB] = c
		}
		if c.Flags.Has(FlagPrimaryPID) {
			if pidType == "" {
				pidType, pidRef = c.SrcType, c.SrcRef()
			} else if c.SrcType != pidType {
				return fmt.Errorf("%s: PRIMARY_PID datatype %s conflicts with %s (%s)",
					c.SrcRef(), c.SrcType, pidRef, pidType)
			}
		}
	}
	for db := range d.databases() {
		if perDB[db] == 0 {
			return fmt.Errorf("database %q: no DEFINES_PRIMARY_PIDS column", db)
		}
	}
	return nil
}

func (d *Dictionary) validateDestIndexes() error {
	for table, cols := range d.destColumns {
		seen := make(map[string]bool)
		fulltext := 0
		for _, c := range cols {
			if seen[c.DestField] {
				return fmt.Errorf("destination %s.%s: duplicate column", table, c.DestField)
			}
			seen[c.DestField] = true
			if c.Index == IndexFullText {
				fulltext++
			}
		}
		if fulltext > 1 {
			return fmt.Errorf("destination table %s: more than one FullText index", table)
		}
	}
	return nil
}

func (d *Dictionary) databases() map[string]bool {
	out := make(map[string]bool)
	for _, c := range d.Columns {
		out[c.SrcDB] = true
	}
	return out
}
