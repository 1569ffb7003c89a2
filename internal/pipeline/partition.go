package pipeline

import (
	"hash/fnv"

	"github.com/cohortware/anonymiser/internal/dbio"
)

// Work partitioning. Patients are sharded by PID hash so that every table
// row of one patient lands on the same worker and the scrubber is built
// once. Non-patient tables with an integer PK are split into contiguous
// PK ranges; tables without one are assigned whole to a single worker.

// pidWorker returns the worker index owning a PID.
func pidWorker(pid string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(pid))
	return int(h.Sum32() % uint32(workers))
}

// partitionPIDs splits the patient space into per-worker disjoint sets.
func partitionPIDs(pids []string, workers int) [][]string {
	out := make([][]string, workers)
	for _, pid := range pids {
		w := pidWorker(pid, workers)
		out[w] = append(out[w], pid)
	}
	return out
}

// pkRanges splits [min, max] into up to n contiguous half-open ranges.
func pkRanges(min, max int64, pkField string, n int) []dbio.RowFilter {
	if n < 1 {
		n = 1
	}
	total := max - min + 1
	if total < int64(n) {
		n = int(total)
	}
	step := total / int64(n)
	var out []dbio.RowFilter
	lo := min
	for i := 0; i < n; i++ {
		hi := lo + step
		if i == n-1 {
			hi = max + 1
		}
		out = append(out, dbio.RowFilter{PKField: pkField, PKMin: lo, PKMax: hi})
		lo = hi
	}
	return out
}
