// Package pipeline implements the orchestrator: work partitioning across
// parallel workers, per-patient processing, the incremental-update
// protocol and opt-out propagation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"

	"github.com/cohortware/anonymiser/internal/dbio"
	"github.com/cohortware/anonymiser/internal/dd"
	"github.com/cohortware/anonymiser/internal/extract"
	"github.com/cohortware/anonymiser/internal/hashing"
	"github.com/cohortware/anonymiser/internal/scrub"
)

// errSkipRow aborts processing of the current row without failing the
// table (skip_if_extract_fails).
var errSkipRow = errors.New("row skipped")

// alterContext carries what a cell transformation may need.
type alterContext struct {
	hashers   *hashing.Set
	extractor extract.Extractor
	scrubber  *scrub.Scrubber // nil for non-patient tables
	row       dbio.Row
	counters  *Counters
}

// applyAlters runs a column's alter pipeline over its raw cell value in
// the fixed order: text extraction, HTML unescape/untag, date
// truncation, hashing, scrubbing. The returned value is what reaches the
// destination column.
func applyAlters(ctx context.Context, ac *alterContext, col *dd.ColumnSpec, raw any) (any, error) {
	value := raw

	for _, a := range col.Alters {
		if !a.IsExtraction() {
			continue
		}
		text, err := extractCell(ctx, ac, a, value)
		if err != nil {
			if ac.counters != nil {
				ac.counters.ExtractionFailures.Add(1)
			}
			if col.HasAlter(dd.AlterSkipIfExtractFails) {
				return nil, fmt.Errorf("%s: %w", col.SrcRef(), errSkipRow)
			}
			return nil, nil // cell becomes NULL, row survives
		}
		value = text
		break
	}

	if col.HasAlter(dd.AlterHTMLUnescape) {
		value = html.UnescapeString(dbio.FieldString(value))
	}
	if col.HasAlter(dd.AlterHTMLUntag) {
		value = extract.StripTags(dbio.FieldString(value))
	}

	for _, kind := range []dd.AlterKind{dd.AlterTruncateDate, dd.AlterHash, dd.AlterScrub} {
		for _, a := range col.Alters {
			if a.Kind != kind {
				continue
			}
			switch a.Kind {
			case dd.AlterTruncateDate:
				t, err := truncateDate(value)
				if err != nil {
					return nil, nil // unparseable date: destination NULL
				}
				value = t
			case dd.AlterHash:
				h, err := ac.hashers.ExtraHasher(a.Arg)
				if err != nil {
					return nil, err
				}
				value = h.Hash(dbio.FieldString(value))
			case dd.AlterScrub:
				if ac.scrubber == nil {
					return nil, fmt.Errorf("%s: scrub outside a patient context", col.SrcRef())
				}
				value = ac.scrubber.Scrub(dbio.FieldString(value))
			}
		}
	}
	return value, nil
}

func extractCell(ctx context.Context, ac *alterContext, a dd.AlterMethod, value any) (string, error) {
	if value == nil {
		return "", fmt.Errorf("%w: NULL document cell", extract.ErrExtraction)
	}
	switch a.Kind {
	case dd.AlterBinaryToText:
		data, ok := value.([]byte)
		if !ok {
			data = []byte(dbio.FieldString(value))
		}
		ext := ac.row.Get(a.Arg)
		return ac.extractor.ExtractText(ctx, data, ext)
	case dd.AlterFilenameToText:
		return extract.FromFile(ctx, ac.extractor, dbio.FieldString(value))
	case dd.AlterFilenameFormat:
		fields := make(map[string]string, len(ac.row))
		for k := range ac.row {
			fields[k] = ac.row.Get(k)
		}
		path := extract.ResolveTemplate(a.Arg, dbio.FieldString(value), fields)
		return extract.FromFile(ctx, ac.extractor, path)
	}
	return "", fmt.Errorf("%w: not an extraction method", extract.ErrExtraction)
}

// truncateDate keeps year and month, pinning the day to the 1st.
func truncateDate(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return time.Date(v.Year(), v.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case nil:
		return time.Time{}, fmt.Errorf("NULL date")
	}
	s := dbio.FieldString(value)
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", "02/01/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
