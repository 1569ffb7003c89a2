package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/cohortware/anonymiser/internal/dbio"
	"github.com/cohortware/anonymiser/internal/dd"
)

// CONSTANT tables: an existing destination row is never rewritten, new
// rows are added.
func TestConstantTableNeverRewritten(t *testing.T) {
	h := newHarness(t)
	content := strings.Join([]string{
		fullHeader,
		ddRow("rio", "patients", "patient_id", "integer", "KP*", "", "", "include", "", "", "", "patients", "rid", "text"),
		ddRow("rio", "patients", "surname", "text", "", "patient", "words", "omit"),
		ddRow("rio", "docs", "doc_id", "integer", "KC", "", "", "include", "", "", "", "docs", "doc_id", "integer"),
		ddRow("rio", "docs", "title", "text", "", "", "", "include", "", "", "", "docs", "title", "text"),
	}, "\n")
	var err error
	h.dict, err = dd.Parse(content)
	if err != nil {
		t.Fatal(err)
	}
	h.src = newFakeSource()
	h.src.setRows("rio", "patients", dbio.Row{"patient_id": 1, "surname": "Smith"})
	h.src.setRows("rio", "docs", dbio.Row{"doc_id": 1, "title": "original"})
	h.dest = newFakeDest()

	h.run(t, true)
	if got := dbio.FieldString(h.dest.findRow("docs", "doc_id", "1")["title"]); got != "original" {
		t.Fatalf("run 1 title = %q", got)
	}

	// The source row changes and a new row appears; only the new row is
	// written.
	h.src.setRows("rio", "docs",
		dbio.Row{"doc_id": 1, "title": "edited"},
		dbio.Row{"doc_id": 2, "title": "second"},
	)
	h.dest.resetWrites()
	h.run(t, false)

	if got := h.dest.writeCount("docs"); got != 1 {
		t.Errorf("docs writes = %d, want 1", got)
	}
	if got := dbio.FieldString(h.dest.findRow("docs", "doc_id", "1")["title"]); got != "original" {
		t.Errorf("constant row rewritten: title = %q", got)
	}
	if h.dest.findRow("docs", "doc_id", "2") == nil {
		t.Error("new row not written")
	}
}

func TestCancelledRunAborts(t *testing.T) {
	h := newHarness(t)
	h.cfg.FullRun = true
	hashers, err := BuildHashers(h.cfg)
	if err != nil {
		t.Fatal(err)
	}
	o, err := New(h.cfg, h.dict, hashers, h.store, h.src,
		func() dbio.DestWriter { return h.dest }, h.ext)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Run(ctx); err == nil {
		t.Error("cancelled run returned nil")
	}
}
