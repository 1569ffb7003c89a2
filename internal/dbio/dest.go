package dbio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cohortware/anonymiser/internal/dd"
)

// PGDest writes the destination database. One PGDest belongs to one
// worker: the batch state is not safe for concurrent use, the pool is.
type PGDest struct {
	pool        *pgxpool.Pool
	maxRows     int
	maxBytes    int64
	callTimeout time.Duration

	pending      []pendingRow
	pendingBytes int64

	// OnWrite, when set, observes every committed batch: the table and
	// the number of rows committed.
	OnWrite func(table string, rows int)
}

type pendingRow struct {
	sql   string
	args  []any
	table string
	size  int64
}

// NewDestPool opens the shared destination pool.
func NewDestPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create destination pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping destination database: %w", err)
	}
	return pool, nil
}

// NewPGDest builds one worker's writer over the shared pool.
func NewPGDest(pool *pgxpool.Pool, maxRows int, maxBytes int64, callTimeout time.Duration) *PGDest {
	return &PGDest{pool: pool, maxRows: maxRows, maxBytes: maxBytes, callTimeout: callTimeout}
}

func (d *PGDest) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.callTimeout)
}

// EnsureTable creates the destination table if absent.
func (d *PGDest) EnsureTable(ctx context.Context, spec *TableSpec) error {
	var defs []string
	for _, c := range spec.Columns {
		def := ident(c.Name) + " " + c.SQLType
		if c.NotNull {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if spec.PKField != "" {
		defs = append(defs, "PRIMARY KEY ("+ident(spec.PKField)+")")
	}
	ddl := "CREATE TABLE IF NOT EXISTS " + ident(spec.Name) + " (" + strings.Join(defs, ", ") + ")"
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	if _, err := d.pool.Exec(cctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

// DropTable drops a destination table.
func (d *PGDest) DropTable(ctx context.Context, table string) error {
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	if _, err := d.pool.Exec(cctx, "DROP TABLE IF EXISTS "+ident(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

// WriteRow queues one row; the batch commits at the row or byte
// threshold. Tables with a PK upsert, others insert.
func (d *PGDest) WriteRow(ctx context.Context, spec *TableSpec, values map[string]any) error {
	cols := make([]string, 0, len(spec.Columns))
	args := make([]any, 0, len(spec.Columns))
	placeholders := make([]string, 0, len(spec.Columns))
	var size int64
	for _, c := range spec.Columns {
		v, ok := values[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, ident(c.Name))
		args = append(args, v)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		size += int64(len(FieldString(v)))
	}

	sql := "INSERT INTO " + ident(spec.Name) +
		" (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	if spec.PKField != "" {
		var sets []string
		for _, c := range cols {
			if c == ident(spec.PKField) {
				continue
			}
			sets = append(sets, c+" = EXCLUDED."+c)
		}
		sql += " ON CONFLICT (" + ident(spec.PKField) + ") DO UPDATE SET " + strings.Join(sets, ", ")
	}

	d.pending = append(d.pending, pendingRow{sql: sql, args: args, table: spec.Name, size: size})
	d.pendingBytes += size
	if len(d.pending) >= d.maxRows || d.pendingBytes >= d.maxBytes {
		return d.Flush(ctx)
	}
	return nil
}

// Flush commits the pending batch in one transaction.
func (d *PGDest) Flush(ctx context.Context) error {
	if len(d.pending) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	perTable := make(map[string]int)
	for _, p := range d.pending {
		batch.Queue(p.sql, p.args...)
		perTable[p.table]++
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin destination batch: %w", err)
	}
	br := tx.SendBatch(ctx, batch)
	var execErr error
	for range d.pending {
		if _, err := br.Exec(); err != nil && execErr == nil {
			execErr = err
		}
	}
	if err := br.Close(); err != nil && execErr == nil {
		execErr = err
	}
	if execErr != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("destination batch: %w", execErr)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit destination batch: %w", err)
	}

	if d.OnWrite != nil {
		for table, n := range perTable {
			d.OnWrite(table, n)
		}
	}
	d.pending = nil
	d.pendingBytes = 0
	return nil
}

// DeleteByRID removes every destination row of one patient from a table.
func (d *PGDest) DeleteByRID(ctx context.Context, table, ridField, rid string) error {
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	_, err := d.pool.Exec(cctx,
		"DELETE FROM "+ident(table)+" WHERE "+ident(ridField)+" = $1", rid)
	if err != nil {
		return fmt.Errorf("delete by rid from %s: %w", table, err)
	}
	return nil
}

// DeleteRows removes rows by PK value.
func (d *PGDest) DeleteRows(ctx context.Context, table, pkField string, pks []string) error {
	if len(pks) == 0 {
		return nil
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	_, err := d.pool.Exec(cctx,
		"DELETE FROM "+ident(table)+" WHERE "+ident(pkField)+"::text = ANY($1)", pks)
	if err != nil {
		return fmt.Errorf("delete rows from %s: %w", table, err)
	}
	return nil
}

// StreamPKs streams every destination PK value of a table.
func (d *PGDest) StreamPKs(ctx context.Context, table, pkField string, fn func(string) error) error {
	rows, err := d.pool.Query(ctx,
		"SELECT "+ident(pkField)+" FROM "+ident(table))
	if err != nil {
		return fmt.Errorf("stream destination pks %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		if err := fn(FieldString(values[0])); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CreateIndexes builds the table's declared indexes, serially; the
// orchestrator parallelises across tables, never within one.
func (d *PGDest) CreateIndexes(ctx context.Context, spec *TableSpec) error {
	for _, c := range spec.Columns {
		if c.Spec == nil {
			continue
		}
		stmt := indexDDL(spec.Name, c)
		if stmt == "" {
			continue
		}
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("index %s.%s: %w", spec.Name, c.Name, err)
		}
	}
	return nil
}

func indexDDL(table string, c ColumnDef) string {
	name := ident(fmt.Sprintf("anon_idx_%s_%s", table, c.Name))
	target := ident(c.Name)
	if c.Spec.IndexLen > 0 {
		target = fmt.Sprintf("(left(%s, %d))", ident(c.Name), c.Spec.IndexLen)
	}
	switch c.Spec.Index {
	case dd.IndexNormal:
		return "CREATE INDEX IF NOT EXISTS " + name + " ON " + ident(table) + " (" + target + ")"
	case dd.IndexUnique:
		return "CREATE UNIQUE INDEX IF NOT EXISTS " + name + " ON " + ident(table) + " (" + target + ")"
	case dd.IndexFullText:
		return "CREATE INDEX IF NOT EXISTS " + name + " ON " + ident(table) +
			" USING GIN (to_tsvector('simple', " + ident(c.Name) + "))"
	default:
		return ""
	}
}
