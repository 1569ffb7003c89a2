package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cohortware/anonymiser/internal/dbio"
	"github.com/cohortware/anonymiser/internal/dd"
	"github.com/cohortware/anonymiser/internal/scrub"
)

// constantRowHash marks rows of CONSTANT tables in the row-hash store: a
// hash that is trivially constant, so an existing row is never rewritten.
const constantRowHash = "constant"

// patientCtx is the per-patient state threaded through row processing.
type patientCtx struct {
	pid      string
	rid      string
	mrid     string
	trid     int64
	scrubber *scrub.Scrubber
	force    bool // scrubber changed: disable the incremental fast path
}

// worker owns one shard of the run: its own destination writer and the
// row hashes pending until that writer's rows are safely committed.
type worker struct {
	o    *Orchestrator
	dest dbio.DestWriter

	pendingHashes []rowHashRec
}

type rowHashRec struct {
	table, pk, hash string
}

// flush commits pending destination rows, then records their row hashes.
// Hashes strictly follow rows: a crash between the two leaves hashes
// missing, which only costs a rewrite on the next run.
func (w *worker) flush(ctx context.Context) error {
	if err := w.o.retry(ctx, func() error { return w.dest.Flush(ctx) }); err != nil {
		return err
	}
	for _, rec := range w.pendingHashes {
		if err := w.o.store.StoreRowHash(ctx, rec.table, rec.pk, rec.hash); err != nil {
			return err
		}
	}
	w.pendingHashes = w.pendingHashes[:0]
	return nil
}

// processPatient runs the whole per-patient protocol: opt-out check,
// identity mapping, scrubber build, digest comparison, row processing.
func (o *Orchestrator) processPatient(ctx context.Context, w *worker, pid string) error {
	mpid, err := o.lookupMPID(ctx, pid)
	if err != nil {
		return err
	}

	opted, err := o.store.OptedOut(ctx, pid, mpid)
	if err != nil {
		return err
	}
	if opted {
		return o.handleOptOut(ctx, w, pid)
	}

	rid := o.hashers.Primary.Hash(pid)
	var id struct {
		trid int64
		mrid string
	}
	if err := o.retry(ctx, func() error {
		identity, err := o.store.GetOrCreateRID(ctx, pid, rid)
		if err != nil {
			return err
		}
		id.trid, id.mrid = identity.TRID, identity.MRID
		return nil
	}); err != nil {
		return err
	}

	mrid := id.mrid
	if mpid != "" {
		mrid = o.hashers.Master.Hash(mpid)
		if err := o.store.SetMRID(ctx, pid, mrid); err != nil {
			return err
		}
	}

	scrubber, err := o.builder.Build(ctx, &valueSource{o: o}, pid)
	if err != nil {
		if errors.Is(err, scrub.ErrRequiredScrubberMissing) {
			o.Counters.PatientsSkipped.Add(1)
			log.Printf("[orchestrator] skipping patient: %v", err)
			return nil
		}
		return err
	}

	digest := scrubber.SourceDigest(o.hashers.Digest)
	prior, err := o.store.PriorScrubberHash(ctx, pid)
	if err != nil {
		return err
	}

	pctx := &patientCtx{
		pid:      pid,
		rid:      rid,
		mrid:     mrid,
		trid:     id.trid,
		scrubber: scrubber,
		force:    digest != prior,
	}

	for _, ref := range o.dict.PatientTables() {
		pidCol := o.dict.PIDColumn(ref.DB, ref.Table)
		filter := dbio.RowFilter{PIDField: pidCol.SrcField, PID: pid}
		if err := w.processTable(ctx, ref, filter, pctx); err != nil {
			return err
		}
	}

	// Commit this patient's rows, then the digest: a digest must never
	// get ahead of the rows it describes.
	if err := w.flush(ctx); err != nil {
		return err
	}
	if err := o.store.StoreScrubberHash(ctx, pid, digest); err != nil {
		return err
	}
	o.Counters.PatientsProcessed.Add(1)
	return nil
}

// handleOptOut records the PID and deletes every destination row keyed by
// the patient's RID.
func (o *Orchestrator) handleOptOut(ctx context.Context, w *worker, pid string) error {
	if err := o.store.AddOptOutPID(ctx, pid); err != nil {
		return err
	}
	rid := o.hashers.Primary.Hash(pid)
	for _, ref := range o.dict.PatientTables() {
		spec := o.specForTable(ref)
		if spec == nil || spec.RIDField == "" {
			continue
		}
		if err := o.retry(ctx, func() error {
			return w.dest.DeleteByRID(ctx, spec.Name, spec.RIDField, rid)
		}); err != nil {
			return err
		}
	}
	o.Counters.PatientsOptedOut.Add(1)
	log.Printf("[orchestrator] opt-out: deleted destination rows for one patient")
	return nil
}

// lookupMPID finds the patient's master PID, if any table records one.
func (o *Orchestrator) lookupMPID(ctx context.Context, pid string) (string, error) {
	for _, ref := range o.dict.PatientTables() {
		mpidCol := o.dict.MPIDColumn(ref.DB, ref.Table)
		if mpidCol == nil {
			continue
		}
		pidCol := o.dict.PIDColumn(ref.DB, ref.Table)
		vals, err := o.src.DistinctValues(ctx, mpidCol, pidCol.SrcField, pid)
		if err != nil {
			return "", err
		}
		for _, v := range vals {
			if v != "" {
				return v, nil
			}
		}
	}
	return "", nil
}

// specForTable maps a source table to its destination spec, nil when the
// table contributes nothing to the destination.
func (o *Orchestrator) specForTable(ref dd.TableRef) *dbio.TableSpec {
	for _, c := range o.dict.ColumnsFor(ref.DB, ref.Table) {
		if c.Included() {
			return o.specs[c.DestTable]
		}
	}
	return nil
}

// processTable streams one partition of one source table into the
// destination, honouring the incremental protocol.
func (w *worker) processTable(ctx context.Context, ref dd.TableRef, filter dbio.RowFilter, pctx *patientCtx) error {
	o := w.o
	spec := o.specForTable(ref)
	if spec == nil {
		return nil // scrub-source-only table
	}
	cols := o.dict.ColumnsFor(ref.DB, ref.Table)
	pkCol := o.dict.PKColumn(ref.DB, ref.Table)
	hashed := o.dict.HasSourceHash(ref.DB, ref.Table)
	constant := o.dict.IsConstant(ref.DB, ref.Table)

	return o.src.StreamRows(ctx, ref.DB, ref.Table, filter, func(row dbio.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, c := range cols {
			if len(c.InclusionValues) == 0 && len(c.ExclusionValues) == 0 {
				continue
			}
			if !c.MatchesInclusion(row.Get(c.SrcField)) {
				o.Counters.RowsFiltered.Add(1)
				return nil
			}
		}

		var destPK, srcHash string
		if pkCol != nil {
			destPK = o.destPKValue(pkCol, row.Get(pkCol.SrcField))
		}
		switch {
		case hashed:
			srcHash = dbio.ContentHash(o.hashers.Change, cols, row)
		case constant:
			srcHash = constantRowHash
		}

		fastPath := srcHash != "" && destPK != "" && !o.cfg.FullRun && (pctx == nil || !pctx.force)
		if fastPath {
			stored, err := o.store.RowHash(ctx, spec.Name, destPK)
			if err != nil {
				return err
			}
			if stored == srcHash {
				o.Counters.RowsUnchanged.Add(1)
				return nil
			}
		}

		values, err := w.buildDestValues(ctx, spec, cols, row, pctx, srcHash)
		if err != nil {
			if errors.Is(err, errSkipRow) {
				o.Counters.RowsSkipped.Add(1)
				return nil
			}
			return err
		}

		if err := w.dest.WriteRow(ctx, spec, values); err != nil {
			return err
		}
		o.Counters.RowsWritten.Add(1)
		if srcHash != "" && destPK != "" {
			w.pendingHashes = append(w.pendingHashes, rowHashRec{table: spec.Name, pk: destPK, hash: srcHash})
		}
		return nil
	})
}

// buildDestValues materialises one destination row.
func (w *worker) buildDestValues(ctx context.Context, spec *dbio.TableSpec, cols []*dd.ColumnSpec,
	row dbio.Row, pctx *patientCtx, srcHash string) (map[string]any, error) {

	o := w.o
	ac := &alterContext{hashers: o.hashers, extractor: o.extractor, row: row, counters: &o.Counters}
	if pctx != nil {
		ac.scrubber = pctx.scrubber
	}

	values := make(map[string]any, len(spec.Columns))
	for _, c := range cols {
		if !c.Included() {
			continue
		}
		switch {
		case c.Flags.Has(dd.FlagPrimaryPID):
			if pctx == nil {
				return nil, fmt.Errorf("%s: patient column outside a patient context", c.SrcRef())
			}
			values[c.DestField] = pctx.rid
			values[dbio.TRIDField] = pctx.trid
		case c.Flags.Has(dd.FlagMasterPID):
			if pctx == nil || pctx.mrid == "" {
				values[c.DestField] = nil
			} else {
				values[c.DestField] = pctx.mrid
			}
		case c.ScrubSrc == dd.SrcThirdPartyXref:
			if row.IsNull(c.SrcField) {
				values[c.DestField] = nil
			} else {
				values[c.DestField] = o.hashers.Primary.Hash(row.Get(c.SrcField))
			}
		default:
			v, err := applyAlters(ctx, ac, c, row[c.SrcField])
			if err != nil {
				return nil, err
			}
			values[c.DestField] = v
		}
	}

	values[dbio.WhenFetchedField] = time.Now().UTC()
	if spec.Hashed {
		values[dbio.SrcHashField] = srcHash
	}
	return values, nil
}

// valueSource adapts the source reader to the scrubber builder: values of
// a scrub-source column are fetched by the PID column of its own table.
type valueSource struct {
	o *Orchestrator
}

func (v *valueSource) ScrubSourceValues(ctx context.Context, col *dd.ColumnSpec, pid string) ([]string, error) {
	pidCol := v.o.dict.PIDColumn(col.SrcDB, col.SrcTable)
	if pidCol == nil {
		return nil, nil // scrub sources live in patient tables
	}
	return v.o.src.DistinctValues(ctx, col, pidCol.SrcField, pid)
}
