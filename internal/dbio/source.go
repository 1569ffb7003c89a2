package dbio

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cohortware/anonymiser/internal/config"
	"github.com/cohortware/anonymiser/internal/dd"
)

// PGSource reads the source databases, one pool per database tag.
// callTimeout bounds point queries; streamed reads run on the caller's
// context, since a long table scan is not a stuck call.
type PGSource struct {
	pools       map[string]*pgxpool.Pool
	callTimeout time.Duration
}

// NewPGSource opens a pool per configured source database.
func NewPGSource(ctx context.Context, dbs []config.DatabaseConfig, callTimeout time.Duration) (*PGSource, error) {
	s := &PGSource{pools: make(map[string]*pgxpool.Pool, len(dbs)), callTimeout: callTimeout}
	for _, db := range dbs {
		pool, err := pgxpool.New(ctx, db.DSN)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("source %s: create pool: %w", db.Tag, err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			s.Close()
			return nil, fmt.Errorf("source %s: ping: %w", db.Tag, err)
		}
		s.pools[db.Tag] = pool
	}
	return s, nil
}

// Close closes every pool.
func (s *PGSource) Close() {
	for _, p := range s.pools {
		p.Close()
	}
}

func (s *PGSource) pool(db string) (*pgxpool.Pool, error) {
	p, ok := s.pools[db]
	if !ok {
		return nil, fmt.Errorf("no source database with tag %q", db)
	}
	return p, nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (s *PGSource) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

// StreamRows streams db.table through fn, one row at a time.
func (s *PGSource) StreamRows(ctx context.Context, db, table string, filter RowFilter, fn func(Row) error) error {
	pool, err := s.pool(db)
	if err != nil {
		return err
	}

	query := "SELECT * FROM " + ident(table)
	var args []any
	switch {
	case filter.PIDField != "":
		query += " WHERE " + ident(filter.PIDField) + " = $1"
		args = append(args, filter.PID)
	case filter.PKField != "":
		query += " WHERE " + ident(filter.PKField) + " >= $1 AND " + ident(filter.PKField) + " < $2"
		args = append(args, filter.PKMin, filter.PKMax)
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("stream %s.%s: %w", db, table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("stream %s.%s: %w", db, table, err)
		}
		row := make(Row, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StreamPKs streams the string form of every pkField value.
func (s *PGSource) StreamPKs(ctx context.Context, db, table, pkField string, fn func(string) error) error {
	pool, err := s.pool(db)
	if err != nil {
		return err
	}
	rows, err := pool.Query(ctx,
		"SELECT "+ident(pkField)+" FROM "+ident(table))
	if err != nil {
		return fmt.Errorf("stream pks %s.%s: %w", db, table, err)
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

// DistinctValues returns the distinct non-null values of a scrub-source
// column for one patient.
func (s *PGSource) DistinctValues(ctx context.Context, col *dd.ColumnSpec, pidField, pid string) ([]string, error) {
	pool, err := s.pool(col.SrcDB)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s = $1 AND %s IS NOT NULL",
		ident(col.SrcField), ident(col.SrcTable), ident(pidField), ident(col.SrcField))
	rows, err := pool.Query(ctx, query, pid)
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", col.SrcRef(), err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, FieldString(values[0]))
	}
	return out, rows.Err()
}

// DistinctPIDs returns the patient space defined by col.
func (s *PGSource) DistinctPIDs(ctx context.Context, col *dd.ColumnSpec) ([]string, error) {
	pool, err := s.pool(col.SrcDB)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL",
		ident(col.SrcField), ident(col.SrcTable), ident(col.SrcField))
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("distinct pids %s: %w", col.SrcRef(), err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, FieldString(values[0]))
	}
	return out, rows.Err()
}

// PKBounds returns the integer PK range of a table.
func (s *PGSource) PKBounds(ctx context.Context, db, table, pkField string) (int64, int64, bool, error) {
	pool, err := s.pool(db)
	if err != nil {
		return 0, 0, false, err
	}
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	var min, max *int64
	err = pool.QueryRow(cctx,
		"SELECT MIN("+ident(pkField)+"), MAX("+ident(pkField)+") FROM "+ident(table),
	).Scan(&min, &max)
	if err != nil {
		return 0, 0, false, fmt.Errorf("pk bounds %s.%s: %w", db, table, err)
	}
	if min == nil || max == nil {
		return 0, 0, false, nil
	}
	return *min, *max, true, nil
}
