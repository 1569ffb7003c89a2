package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/cohortware/anonymiser/internal/config"
	"github.com/cohortware/anonymiser/internal/dbio"
	"github.com/cohortware/anonymiser/internal/dd"
	"github.com/cohortware/anonymiser/internal/extract"
	"github.com/cohortware/anonymiser/internal/hashing"
	"github.com/cohortware/anonymiser/internal/idstore"
	"github.com/cohortware/anonymiser/internal/scrub"
)

// Orchestrator drives a full or incremental anonymisation run.
type Orchestrator struct {
	cfg       *config.Config
	dict      *dd.Dictionary
	hashers   *hashing.Set
	store     idstore.Admin
	src       dbio.SourceReader
	newWriter func() dbio.DestWriter
	extractor extract.Extractor
	builder   *scrub.Builder

	specs map[string]*dbio.TableSpec

	Counters Counters
}

// BuildHashers constructs the run's hasher set from config.
func BuildHashers(cfg *config.Config) (*hashing.Set, error) {
	build := func(name string, hc config.HasherConfig) (hashing.Hasher, error) {
		algo, err := hashing.ParseAlgorithm(hc.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		h, err := hashing.NewHMACHasher(algo, hc.Key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return h, nil
	}

	set := &hashing.Set{Extra: make(map[string]hashing.Hasher)}
	var err error
	if set.Primary, err = build("primary_pid_hasher", cfg.PrimaryHasher); err != nil {
		return nil, err
	}
	if set.Master, err = build("master_pid_hasher", cfg.MasterHasher); err != nil {
		return nil, err
	}
	if set.Change, err = build("change_detection_hasher", cfg.ChangeHasher); err != nil {
		return nil, err
	}
	// The scrubber digest shares the change-detection secret: both are
	// change-detection keys, never published.
	if set.Digest, err = hashing.NewDigestHasher(cfg.ChangeHasher.Key); err != nil {
		return nil, err
	}
	for tag, hc := range cfg.ExtraHashers {
		if set.Extra[tag], err = build("extra hasher "+tag, hc); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// New wires an orchestrator. newWriter is called once per worker; the
// returned writers must not share batch state.
func New(cfg *config.Config, dict *dd.Dictionary, hashers *hashing.Set,
	store idstore.Admin, src dbio.SourceReader, newWriter func() dbio.DestWriter,
	extractor extract.Extractor) (*Orchestrator, error) {

	builder, err := scrub.NewBuilder(cfg, dict)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		dict:      dict,
		hashers:   hashers,
		store:     store,
		src:       src,
		newWriter: newWriter,
		extractor: extractor,
		builder:   builder,
		specs:     make(map[string]*dbio.TableSpec),
	}
	for _, table := range dict.DestTables() {
		spec, err := dbio.BuildTableSpec(dict, table, hashers)
		if err != nil {
			return nil, err
		}
		o.specs[table] = spec
	}
	return o, nil
}

// Run executes the configured run and logs a summary.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.store.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := o.prepareDestination(ctx); err != nil {
		return err
	}
	if err := o.propagateOptOuts(ctx); err != nil {
		return err
	}

	pids, err := o.patientSpace(ctx)
	if err != nil {
		return err
	}
	log.Printf("[orchestrator] %d patients across %d workers (%s run)",
		len(pids), o.cfg.Workers, runKind(o.cfg.FullRun))

	if err := o.runPatientTables(ctx, pids); err != nil {
		return err
	}
	if err := o.runNonPatientTables(ctx); err != nil {
		return err
	}
	if err := o.deleteAbsentRows(ctx); err != nil {
		return err
	}
	if err := o.createIndexes(ctx); err != nil {
		return err
	}

	log.Printf("[orchestrator] run complete: %s", o.Counters.Summary())
	return nil
}

func runKind(full bool) string {
	if full {
		return "full"
	}
	return "incremental"
}

func (o *Orchestrator) retry(ctx context.Context, op func() error) error {
	return dbio.Retry(ctx, o.cfg.DBMaxRetryElapsed(), op)
}

// prepareDestination drops (full run) and creates the destination tables.
func (o *Orchestrator) prepareDestination(ctx context.Context) error {
	w := o.newWriter()
	if o.cfg.FullRun {
		for _, table := range o.dict.DestTables() {
			if err := o.retry(ctx, func() error { return w.DropTable(ctx, table) }); err != nil {
				return err
			}
		}
		if o.cfg.WipeIdentifierMaps {
			log.Printf("[orchestrator] wiping identifier maps")
			if err := o.store.WipeMappings(ctx); err != nil {
				return err
			}
		}
	}
	for _, table := range o.dict.DestTables() {
		spec := o.specs[table]
		if err := o.retry(ctx, func() error { return w.EnsureTable(ctx, spec) }); err != nil {
			return err
		}
	}
	return nil
}

// propagateOptOuts folds every opt-out source into the admin store:
// file-supplied PID/MPID lists and flagged columns whose value matches
// optout_col_values.
func (o *Orchestrator) propagateOptOuts(ctx context.Context) error {
	for _, path := range o.cfg.OptOutPIDFiles {
		if err := o.addOptOutsFromFile(ctx, path, o.store.AddOptOutPID); err != nil {
			return err
		}
	}
	for _, path := range o.cfg.OptOutMPIDFiles {
		if err := o.addOptOutsFromFile(ctx, path, o.store.AddOptOutMPID); err != nil {
			return err
		}
	}

	if len(o.cfg.OptOutColValues) == 0 {
		return nil
	}
	match := make(map[string]bool, len(o.cfg.OptOutColValues))
	for _, v := range o.cfg.OptOutColValues {
		match[v] = true
	}
	for _, col := range o.dict.OptOutColumns() {
		pidCol := o.dict.PIDColumn(col.SrcDB, col.SrcTable)
		err := o.src.StreamRows(ctx, col.SrcDB, col.SrcTable, dbio.RowFilter{}, func(row dbio.Row) error {
			if !match[row.Get(col.SrcField)] {
				return nil
			}
			pid := row.Get(pidCol.SrcField)
			if pid == "" {
				return nil
			}
			return o.store.AddOptOutPID(ctx, pid)
		})
		if err != nil {
			return fmt.Errorf("opt-out column %s: %w", col.SrcRef(), err)
		}
	}
	return nil
}

func (o *Orchestrator) addOptOutsFromFile(ctx context.Context, path string, add func(context.Context, string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opt-out list: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := add(ctx, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// patientSpace unions the DEFINES_PRIMARY_PIDS column of every source
// database, sorted for a stable partitioning.
func (o *Orchestrator) patientSpace(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, db := range o.dict.Databases() {
		col := o.dict.DefinesPrimaryPIDs(db)
		pids, err := o.src.DistinctPIDs(ctx, col)
		if err != nil {
			return nil, err
		}
		for _, pid := range pids {
			if pid != "" {
				seen[pid] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for pid := range seen {
		out = append(out, pid)
	}
	sort.Strings(out)
	return out, nil
}

// runPatientTables processes every patient, sharded by PID across the
// worker pool.
func (o *Orchestrator) runPatientTables(ctx context.Context, pids []string) error {
	shards := partitionPIDs(pids, o.cfg.Workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := range shards {
		shard := shards[i]
		if len(shard) == 0 {
			continue
		}
		g.Go(func() error {
			w := &worker{o: o, dest: o.newWriter()}
			for _, pid := range shard {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := o.processPatient(ctx, w, pid); err != nil {
					return err
				}
			}
			return w.flush(ctx)
		})
	}
	return g.Wait()
}

// tableUnit is one partition of a non-patient table.
type tableUnit struct {
	ref    dd.TableRef
	filter dbio.RowFilter
}

// runNonPatientTables partitions non-patient tables by integer PK ranges
// where possible and distributes the units across workers.
func (o *Orchestrator) runNonPatientTables(ctx context.Context) error {
	var units []tableUnit
	for _, ref := range o.dict.NonPatientTables() {
		if !o.tableReachesDestination(ref) {
			continue
		}
		pk := o.dict.PKColumn(ref.DB, ref.Table)
		if pk != nil && pk.SrcType == dd.TypeInteger {
			min, max, ok, err := o.src.PKBounds(ctx, ref.DB, ref.Table, pk.SrcField)
			if err != nil {
				return err
			}
			if !ok {
				continue // empty table; deletion pass still runs
			}
			for _, f := range pkRanges(min, max, pk.SrcField, o.cfg.Workers) {
				units = append(units, tableUnit{ref: ref, filter: f})
			}
			continue
		}
		units = append(units, tableUnit{ref: ref})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i := range units {
		u := units[i]
		g.Go(func() error {
			w := &worker{o: o, dest: o.newWriter()}
			if err := w.processTable(ctx, u.ref, u.filter, nil); err != nil {
				return err
			}
			return w.flush(ctx)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) tableReachesDestination(ref dd.TableRef) bool {
	for _, c := range o.dict.ColumnsFor(ref.DB, ref.Table) {
		if c.Included() {
			return true
		}
	}
	return false
}

// deleteAbsentRows removes destination rows whose source PK has vanished,
// except in ADDITION_ONLY tables.
func (o *Orchestrator) deleteAbsentRows(ctx context.Context) error {
	w := o.newWriter()
	for _, ref := range o.dict.Tables() {
		pk := o.dict.PKColumn(ref.DB, ref.Table)
		if pk == nil || !pk.Included() || o.dict.IsAdditionOnly(ref.DB, ref.Table) {
			continue
		}
		spec, ok := o.specs[pk.DestTable]
		if !ok {
			continue
		}

		present := make(map[string]bool)
		err := o.src.StreamPKs(ctx, ref.DB, ref.Table, pk.SrcField, func(raw string) error {
			present[o.destPKValue(pk, raw)] = true
			return nil
		})
		if err != nil {
			return err
		}

		var absent []string
		err = w.StreamPKs(ctx, spec.Name, spec.PKField, func(v string) error {
			if !present[v] {
				absent = append(absent, v)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(absent) == 0 {
			continue
		}

		if err := o.retry(ctx, func() error {
			return w.DeleteRows(ctx, spec.Name, spec.PKField, absent)
		}); err != nil {
			return err
		}
		if err := o.store.DeleteRowHashes(ctx, spec.Name, absent); err != nil {
			return err
		}
		o.Counters.RowsDeleted.Add(int64(len(absent)))
		log.Printf("[orchestrator] %s: deleted %d rows absent from source", spec.Name, len(absent))
	}
	return nil
}

// destPKValue maps a raw source PK to its destination form: a PK that is
// also the PRIMARY_PID lands as the RID, and hash-altered PKs land hashed.
func (o *Orchestrator) destPKValue(pk *dd.ColumnSpec, raw string) string {
	if pk.Flags.Has(dd.FlagPrimaryPID) {
		return o.hashers.Primary.Hash(raw)
	}
	for _, a := range pk.Alters {
		if a.Kind == dd.AlterHash {
			if h, err := o.hashers.ExtraHasher(a.Arg); err == nil {
				return h.Hash(raw)
			}
		}
	}
	return raw
}

// createIndexes builds indexes, one table per worker in parallel,
// serially within a table.
func (o *Orchestrator) createIndexes(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, table := range o.dict.DestTables() {
		spec := o.specs[table]
		g.Go(func() error {
			w := o.newWriter()
			return o.retry(ctx, func() error { return w.CreateIndexes(ctx, spec) })
		})
	}
	return g.Wait()
}
