package pipeline

import (
	"fmt"
	"sync/atomic"
)

// Counters accumulate run statistics across workers.
type Counters struct {
	PatientsProcessed  atomic.Int64
	PatientsSkipped    atomic.Int64 // REQUIRED_SCRUBBER unmet
	PatientsOptedOut   atomic.Int64
	RowsWritten        atomic.Int64
	RowsUnchanged      atomic.Int64 // incremental fast path
	RowsFiltered       atomic.Int64 // inclusion/exclusion
	RowsSkipped        atomic.Int64 // skip_if_extract_fails
	RowsDeleted        atomic.Int64
	ExtractionFailures atomic.Int64
}

// Summary renders the end-of-run log line.
func (c *Counters) Summary() string {
	return fmt.Sprintf(
		"patients=%d skipped=%d opted_out=%d rows_written=%d unchanged=%d filtered=%d row_skips=%d deleted=%d extract_failures=%d",
		c.PatientsProcessed.Load(), c.PatientsSkipped.Load(), c.PatientsOptedOut.Load(),
		c.RowsWritten.Load(), c.RowsUnchanged.Load(), c.RowsFiltered.Load(),
		c.RowsSkipped.Load(), c.RowsDeleted.Load(), c.ExtractionFailures.Load(),
	)
}
