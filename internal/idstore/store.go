// Package idstore implements the secret administrative database: the
// reversible PID↔RID mappings, opt-out lists, scrubber digests and
// per-row source-content hashes that drive incremental updates.
package idstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrMRIDConflict reports an attempt to record a master research ID for a
// patient that already has a different one. Master IDs never change, so a
// conflict means two source records disagree about who the patient is.
var ErrMRIDConflict = errors.New("conflicting MRID already recorded for this PID")

// Identity is the stored mapping for one patient.
type Identity struct {
	PID  string
	RID  string
	TRID int64
	MRID string // empty until a master PID has been seen
}

// Store is the admin-database surface the pipeline depends on. The pgx
// implementation is PG; tests use Mem.
type Store interface {
	// GetOrCreateRID returns the identity for a PID, creating the mapping
	// with the supplied RID and a fresh dense TRID on first sight.
	// Idempotent: concurrent callers for the same PID converge on one row.
	GetOrCreateRID(ctx context.Context, pid, rid string) (Identity, error)

	// SetMRID records the master research ID for a PID. Recording the
	// same MRID twice is a no-op; a different MRID is ErrMRIDConflict.
	SetMRID(ctx context.Context, pid, mrid string) error

	// OptedOut reports whether the PID or MPID appears in any opt-out list.
	OptedOut(ctx context.Context, pid, mpid string) (bool, error)

	// AddOptOutPID / AddOptOutMPID append to the opt-out lists. Entries
	// are never removed by the anonymiser.
	AddOptOutPID(ctx context.Context, pid string) error
	AddOptOutMPID(ctx context.Context, mpid string) error

	// StoreScrubberHash and PriorScrubberHash track the per-patient
	// scrubber digest between runs. PriorScrubberHash returns "" when no
	// digest has been stored.
	StoreScrubberHash(ctx context.Context, pid, digest string) error
	PriorScrubberHash(ctx context.Context, pid string) (string, error)

	// StoreRowHash and RowHash track per-row source-content hashes for
	// hashed destination tables. RowHash returns "" when no hash is stored.
	StoreRowHash(ctx context.Context, destTable, destPK, srcHash string) error
	RowHash(ctx context.Context, destTable, destPK string) (string, error)

	// DeleteRowHashes removes the stored hashes for the given destination
	// PKs, used when source rows disappear.
	DeleteRowHashes(ctx context.Context, destTable string, destPKs []string) error
}

// Admin extends Store with the lifecycle operations only the orchestrator
// startup path uses.
type Admin interface {
	Store

	// EnsureSchema creates the admin tables if absent.
	EnsureSchema(ctx context.Context) error

	// WipeMappings clears the PID↔RID map, scrubber digests and row
	// hashes. Opt-out lists survive: withdrawal is permanent. Only
	// honoured on a full run with the wipe switch set.
	WipeMappings(ctx context.Context) error
}

func validatePID(pid string) error {
	if pid == "" {
		return fmt.Errorf("empty pid")
	}
	return nil
}
