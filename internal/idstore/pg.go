package idstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the Postgres-backed admin store.
type PG struct {
	pool        *pgxpool.Pool
	callTimeout time.Duration
}

// NewPG opens a connection pool to the admin database.
func NewPG(ctx context.Context, connString string, callTimeout time.Duration) (*PG, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create admin pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping admin database: %w", err)
	}
	return &PG{pool: pool, callTimeout: callTimeout}, nil
}

func (s *PG) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

// Close closes the connection pool.
func (s *PG) Close() {
	s.pool.Close()
}

// EnsureSchema creates the admin tables if absent.
func (s *PG) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS pid_rid_map (
			pid TEXT PRIMARY KEY,
			rid TEXT NOT NULL,
			mrid TEXT,
			trid BIGINT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS opt_out_pid (pid TEXT PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS opt_out_mpid (mpid TEXT PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS patient_scrubber_hash (
			pid TEXT PRIMARY KEY,
			scrubber_digest TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS source_row_hash (
			destination_table TEXT NOT NULL,
			destination_pk TEXT NOT NULL,
			source_hash TEXT NOT NULL,
			PRIMARY KEY (destination_table, destination_pk)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure admin schema: %w", err)
		}
	}
	return nil
}

// WipeMappings clears mappings and hashes but never the opt-out lists.
func (s *PG) WipeMappings(ctx context.Context) error {
	for _, table := range []string{"pid_rid_map", "patient_scrubber_hash", "source_row_hash"} {
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
	}
	return nil
}

// GetOrCreateRID returns the identity for a PID, allocating a dense TRID
// on first sight. TRID allocation races are resolved by the unique
// constraint and retried.
func (s *PG) GetOrCreateRID(ctx context.Context, pid, rid string) (Identity, error) {
	if err := validatePID(pid); err != nil {
		return Identity{}, err
	}
	for {
		id, err := s.lookup(ctx, pid)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, fmt.Errorf("lookup pid: %w", err)
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO pid_rid_map (pid, rid, trid)
			SELECT $1::text, $2::text, COALESCE(MAX(trid), 0) + 1 FROM pid_rid_map
			ON CONFLICT (pid) DO NOTHING
		`, pid, rid)
		if err != nil {
			if isUniqueViolation(err) {
				continue // lost the TRID race; another worker took the slot
			}
			return Identity{}, fmt.Errorf("create rid mapping: %w", err)
		}
	}
}

func (s *PG) lookup(ctx context.Context, pid string) (Identity, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	var id Identity
	var mrid *string
	err := s.pool.QueryRow(cctx,
		`SELECT pid, rid, mrid, trid FROM pid_rid_map WHERE pid = $1`, pid,
	).Scan(&id.PID, &id.RID, &mrid, &id.TRID)
	if err != nil {
		return Identity{}, err
	}
	if mrid != nil {
		id.MRID = *mrid
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// SetMRID records the master research ID, failing on disagreement.
func (s *PG) SetMRID(ctx context.Context, pid, mrid string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pid_rid_map SET mrid = $2
		WHERE pid = $1 AND (mrid IS NULL OR mrid = $2)
	`, pid, mrid)
	if err != nil {
		return fmt.Errorf("set mrid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the PID is unknown or a different MRID is recorded.
		var existing *string
		err := s.pool.QueryRow(ctx,
			`SELECT mrid FROM pid_rid_map WHERE pid = $1`, pid).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("set mrid: pid %s has no rid mapping", pid)
		}
		if err != nil {
			return fmt.Errorf("set mrid: %w", err)
		}
		return fmt.Errorf("pid %s: %w", pid, ErrMRIDConflict)
	}
	return nil
}

// OptedOut reports membership of either opt-out list.
func (s *PG) OptedOut(ctx context.Context, pid, mpid string) (bool, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	var out bool
	err := s.pool.QueryRow(cctx, `
		SELECT EXISTS (SELECT 1 FROM opt_out_pid WHERE pid = $1)
		    OR EXISTS (SELECT 1 FROM opt_out_mpid WHERE mpid = $2 AND $2 <> '')
	`, pid, mpid).Scan(&out)
	if err != nil {
		return false, fmt.Errorf("opt-out check: %w", err)
	}
	return out, nil
}

// AddOptOutPID appends a PID to the opt-out list.
func (s *PG) AddOptOutPID(ctx context.Context, pid string) error {
	if err := validatePID(pid); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO opt_out_pid (pid) VALUES ($1) ON CONFLICT DO NOTHING`, pid)
	if err != nil {
		return fmt.Errorf("add opt-out pid: %w", err)
	}
	return nil
}

// AddOptOutMPID appends an MPID to the opt-out list.
func (s *PG) AddOptOutMPID(ctx context.Context, mpid string) error {
	if mpid == "" {
		return fmt.Errorf("empty mpid")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO opt_out_mpid (mpid) VALUES ($1) ON CONFLICT DO NOTHING`, mpid)
	if err != nil {
		return fmt.Errorf("add opt-out mpid: %w", err)
	}
	return nil
}

// StoreScrubberHash upserts the patient's scrubber digest.
func (s *PG) StoreScrubberHash(ctx context.Context, pid, digest string) error {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.pool.Exec(cctx, `
		INSERT INTO patient_scrubber_hash (pid, scrubber_digest) VALUES ($1, $2)
		ON CONFLICT (pid) DO UPDATE SET scrubber_digest = EXCLUDED.scrubber_digest
	`, pid, digest)
	if err != nil {
		return fmt.Errorf("store scrubber hash: %w", err)
	}
	return nil
}

// PriorScrubberHash returns the stored digest, or "" when absent.
func (s *PG) PriorScrubberHash(ctx context.Context, pid string) (string, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	var digest string
	err := s.pool.QueryRow(cctx,
		`SELECT scrubber_digest FROM patient_scrubber_hash WHERE pid = $1`, pid).Scan(&digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("prior scrubber hash: %w", err)
	}
	return digest, nil
}

// StoreRowHash upserts one row's source-content hash.
func (s *PG) StoreRowHash(ctx context.Context, destTable, destPK, srcHash string) error {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	_, err := s.pool.Exec(cctx, `
		INSERT INTO source_row_hash (destination_table, destination_pk, source_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (destination_table, destination_pk)
		DO UPDATE SET source_hash = EXCLUDED.source_hash
	`, destTable, destPK, srcHash)
	if err != nil {
		return fmt.Errorf("store row hash: %w", err)
	}
	return nil
}

// RowHash returns one row's stored hash, or "" when absent.
func (s *PG) RowHash(ctx context.Context, destTable, destPK string) (string, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	var h string
	err := s.pool.QueryRow(cctx, `
		SELECT source_hash FROM source_row_hash
		WHERE destination_table = $1 AND destination_pk = $2
	`, destTable, destPK).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("row hash: %w", err)
	}
	return h, nil
}

// DeleteRowHashes removes stored hashes for vanished source rows.
func (s *PG) DeleteRowHashes(ctx context.Context, destTable string, destPKs []string) error {
	if len(destPKs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM source_row_hash
		WHERE destination_table = $1 AND destination_pk = ANY($2)
	`, destTable, destPKs)
	if err != nil {
		return fmt.Errorf("delete row hashes: %w", err)
	}
	return nil
}
