package review

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmtavares/depovox/internal/catalog"
	"github.com/jmtavares/depovox/internal/extract"
	"github.com/jmtavares/depovox/internal/ledger"
	"github.com/jmtavares/depovox/internal/reconcile"
)

func intp(v int) *int { return &v }

// seedDrug creates a catalog entry with the given stock by applying an entry
// movement, keeping the cached stock and the movement log consistent.
func seedDrug(t *testing.T, store *ledger.MemStore, name string, stock int) *catalog.Drug {
	t.Helper()
	d := &catalog.Drug{Name: name}
	if stock > 0 {
		mv := &ledger.Movement{Type: ledger.Entry, Pieces: stock, ImportKey: "seed-" + name}
		if err := store.Apply(context.Background(), d, mv); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
		return d
	}
	if err := store.CreateDrug(context.Background(), d); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return d
}

func entryTx(drug *catalog.Drug, ref string, pieces int) *reconcile.Transaction {
	rec := &extract.Record{
		DrugName:     drug.Name,
		MovementType: ledger.Entry,
		PiecesMoved:  intp(pieces),
	}
	return &reconcile.Transaction{
		Record:        rec,
		TranscriptRef: ref,
		Movement: ledger.Movement{
			DrugID:        drug.ID,
			Type:          ledger.Entry,
			Pieces:        pieces,
			TranscriptRef: ref,
		},
		Delta:      pieces,
		Confidence: 1.0,
		ExactMatch: true,
	}
}

func TestGateStageAndCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledger.NewMemStore()
	drug := seedDrug(t, store, "paracetamol", 0)
	gate := NewGate(store)

	batch, err := gate.Stage(ctx, []*reconcile.Transaction{entryTx(drug, "audio/a.wav", 300)})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if len(batch.Records) != 1 {
		t.Fatalf("staged %d records, want 1", len(batch.Records))
	}
	rec := batch.Records[0]
	if rec.State != reconcile.StateStaged {
		t.Errorf("State = %s, want staged", rec.State)
	}
	if rec.ImportKey == "" || rec.Duplicate {
		t.Errorf("ImportKey = %q, Duplicate = %v", rec.ImportKey, rec.Duplicate)
	}

	// Staging writes nothing.
	d, _ := store.GetDrug(ctx, drug.ID)
	if d.CurrentStock != 0 {
		t.Fatalf("stock = %d after staging, want 0", d.CurrentStock)
	}

	if err := gate.Commit(ctx, rec.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rec.State != reconcile.StateCommitted {
		t.Errorf("State = %s after commit", rec.State)
	}
	d, _ = store.GetDrug(ctx, drug.ID)
	if d.CurrentStock != 300 {
		t.Fatalf("stock = %d after commit, want 300", d.CurrentStock)
	}

	// A committed record cannot commit or be rejected again.
	if err := gate.Commit(ctx, rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Commit error = %v, want ErrInvalidState", err)
	}
	if err := gate.Reject(rec.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Reject after commit error = %v, want ErrInvalidState", err)
	}
}

func TestGateIdempotentImport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledger.NewMemStore()
	drug := seedDrug(t, store, "paracetamol", 0)
	gate := NewGate(store)

	// First pass commits.
	batch, err := gate.Stage(ctx, []*reconcile.Transaction{entryTx(drug, "audio/a.wav", 100)})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := gate.Commit(ctx, batch.Records[0].ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Replaying the same dictation stages as a flagged duplicate.
	batch2, err := gate.Stage(ctx, []*reconcile.Transaction{entryTx(drug, "audio/a.wav", 100)})
	if err != nil {
		t.Fatalf("Stage replay: %v", err)
	}
	dup := batch2.Records[0]
	if !dup.Duplicate {
		t.Fatal("replayed record not flagged as duplicate")
	}
	if err := gate.Commit(ctx, dup.ID); !errors.Is(err, ErrDuplicateImport) {
		t.Fatalf("Commit duplicate error = %v, want ErrDuplicateImport", err)
	}

	d, _ := store.GetDrug(ctx, drug.ID)
	if d.CurrentStock != 100 {
		t.Fatalf("stock = %d, want 100 (single import)", d.CurrentStock)
	}

	// A different dictation of the same content from another recording is a
	// separate import.
	batch3, err := gate.Stage(ctx, []*reconcile.Transaction{entryTx(drug, "audio/b.wav", 100)})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if batch3.Records[0].Duplicate {
		t.Fatal("distinct transcript flagged as duplicate")
	}
}

func TestGateCompoundCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledger.NewMemStore()
	gate := NewGate(store)

	rec := &extract.Record{
		DrugName:     "omeprazol",
		MovementType: ledger.Entry,
		PiecesMoved:  intp(28),
	}
	newDrug := &catalog.Drug{Name: "omeprazol", Dose: "20 mg"}
	tx := &reconcile.Transaction{
		Record:        rec,
		TranscriptRef: "audio/new.wav",
		NewDrug:       newDrug,
		Movement:      ledger.Movement{Type: ledger.Entry, Pieces: 28, TranscriptRef: "audio/new.wav"},
		Delta:         28,
		Confidence:    1.0,
	}

	batch, err := gate.Stage(ctx, []*reconcile.Transaction{tx})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := gate.Commit(ctx, batch.Records[0].ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if newDrug.ID == 0 {
		t.Fatal("new drug was not created")
	}
	d, err := store.GetDrug(ctx, newDrug.ID)
	if err != nil {
		t.Fatalf("GetDrug: %v", err)
	}
	if d.CurrentStock != 28 {
		t.Errorf("CurrentStock = %d, want 28", d.CurrentStock)
	}
	movements, _ := store.ListMovements(ctx, newDrug.ID, 0)
	if len(movements) != 1 {
		t.Fatalf("movement log has %d rows, want 1", len(movements))
	}
}

func TestGateUnresolvedQuantity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledger.NewMemStore()
	drug := seedDrug(t, store, "paracetamol", 0)
	gate := NewGate(store)

	rec := &extract.Record{
		DrugName:     "paracetamol",
		MovementType: ledger.Entry,
		BoxesMoved:   intp(3), // box size unknown at extraction time
	}
	tx := &reconcile.Transaction{
		Record:          rec,
		TranscriptRef:   "audio/boxes.wav",
		Movement:        ledger.Movement{DrugID: drug.ID, Type: ledger.Entry, Pieces: 0},
		UnresolvedBoxes: 3,
		Confidence:      1.0,
	}

	batch, err := gate.Stage(ctx, []*reconcile.Transaction{tx})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	id := batch.Records[0].ID

	if err := gate.Commit(ctx, id); !errors.Is(err, ErrUnresolvedQuantity) {
		t.Fatalf("Commit error = %v, want ErrUnresolvedQuantity", err)
	}

	if err := gate.ResolveQuantity(ctx, id, 300); err != nil {
		t.Fatalf("ResolveQuantity: %v", err)
	}
	if err := gate.Commit(ctx, id); err != nil {
		t.Fatalf("Commit after resolve: %v", err)
	}
	d, _ := store.GetDrug(ctx, drug.ID)
	if d.CurrentStock != 300 {
		t.Fatalf("stock = %d, want 300", d.CurrentStock)
	}
}

func TestGateResolveQuantityExitStock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	boxedExit := func(drug *catalog.Drug, boxes int, override bool) *reconcile.Transaction {
		rec := &extract.Record{
			DrugName:     drug.Name,
			MovementType: ledger.Exit,
			BoxesMoved:   intp(boxes),
		}
		return &reconcile.Transaction{
			Record:          rec,
			TranscriptRef:   "audio/boxes-out.wav",
			Movement:        ledger.Movement{DrugID: drug.ID, Type: ledger.Exit, Pieces: 0},
			UnresolvedBoxes: boxes,
			Confidence:      1.0,
			Override:        override,
		}
	}

	t.Run("resolution exceeding stock is refused", func(t *testing.T) {
		t.Parallel()
		store := ledger.NewMemStore()
		drug := seedDrug(t, store, "paracetamol", 10)
		gate := NewGate(store)

		batch, err := gate.Stage(ctx, []*reconcile.Transaction{boxedExit(drug, 5, false)})
		if err != nil {
			t.Fatalf("Stage: %v", err)
		}
		id := batch.Records[0].ID

		err = gate.ResolveQuantity(ctx, id, 50)
		if !errors.Is(err, reconcile.ErrInsufficientStock) {
			t.Fatalf("ResolveQuantity error = %v, want ErrInsufficientStock", err)
		}

		// The refused resolution leaves the record blocked as before.
		rec, err := gate.Record(id)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if rec.Tx.UnresolvedBoxes != 5 || rec.Tx.Movement.Pieces != 0 {
			t.Fatalf("record mutated by refused resolution: %+v", rec.Tx)
		}
		if err := gate.Commit(ctx, id); !errors.Is(err, ErrUnresolvedQuantity) {
			t.Fatalf("Commit error = %v, want ErrUnresolvedQuantity", err)
		}
		d, _ := store.GetDrug(ctx, drug.ID)
		if d.CurrentStock != 10 {
			t.Fatalf("stock = %d, want 10 untouched", d.CurrentStock)
		}
	})

	t.Run("resolution within stock commits", func(t *testing.T) {
		t.Parallel()
		store := ledger.NewMemStore()
		drug := seedDrug(t, store, "paracetamol", 10)
		gate := NewGate(store)

		batch, err := gate.Stage(ctx, []*reconcile.Transaction{boxedExit(drug, 1, false)})
		if err != nil {
			t.Fatalf("Stage: %v", err)
		}
		id := batch.Records[0].ID

		if err := gate.ResolveQuantity(ctx, id, 8); err != nil {
			t.Fatalf("ResolveQuantity: %v", err)
		}
		if err := gate.Commit(ctx, id); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		d, _ := store.GetDrug(ctx, drug.ID)
		if d.CurrentStock != 2 {
			t.Fatalf("stock = %d, want 2", d.CurrentStock)
		}
	})

	t.Run("override waiver carries through resolution", func(t *testing.T) {
		t.Parallel()
		store := ledger.NewMemStore()
		drug := seedDrug(t, store, "paracetamol", 10)
		gate := NewGate(store)

		batch, err := gate.Stage(ctx, []*reconcile.Transaction{boxedExit(drug, 5, true)})
		if err != nil {
			t.Fatalf("Stage: %v", err)
		}
		id := batch.Records[0].ID

		if err := gate.ResolveQuantity(ctx, id, 50); err != nil {
			t.Fatalf("ResolveQuantity with override: %v", err)
		}
		if err := gate.Commit(ctx, id); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		d, _ := store.GetDrug(ctx, drug.ID)
		if d.CurrentStock != -40 {
			t.Fatalf("stock = %d, want -40 (overridden backdated correction)", d.CurrentStock)
		}
	})
}

func TestGateReject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledger.NewMemStore()
	drug := seedDrug(t, store, "paracetamol", 50)
	gate := NewGate(store)

	batch, err := gate.Stage(ctx, []*reconcile.Transaction{entryTx(drug, "audio/a.wav", 10)})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	id := batch.Records[0].ID

	if err := gate.Reject(id); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := gate.Commit(ctx, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Commit after reject error = %v, want ErrInvalidState", err)
	}
	d, _ := store.GetDrug(ctx, drug.ID)
	if d.CurrentStock != 50 {
		t.Fatalf("stock = %d changed by a rejected record", d.CurrentStock)
	}
}

func TestGateAmbiguousResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledger.NewMemStore()
	lowID := seedDrug(t, store, "paracetamol", 100).ID
	highID := seedDrug(t, store, "paracetamol forte", 40).ID
	gate := NewGate(store)

	// Candidate snapshots carry the catalog state the matcher saw.
	low, err := store.GetDrug(ctx, lowID)
	if err != nil {
		t.Fatalf("GetDrug: %v", err)
	}
	high, err := store.GetDrug(ctx, highID)
	if err != nil {
		t.Fatalf("GetDrug: %v", err)
	}

	rec := &extract.Record{
		DrugName:     "paracetamol",
		MovementType: ledger.Exit,
		PiecesMoved:  intp(20),
	}
	parked := gate.StageAmbiguous(rec, "audio/amb.wav", []catalog.Candidate{
		{Drug: *low, Score: 1.0},
		{Drug: *high, Score: 0.92},
	})

	if parked.State != reconcile.StateAmbiguous {
		t.Fatalf("State = %s, want ambiguous", parked.State)
	}
	batch := &StagedBatch{Records: []*StagedRecord{parked}}
	if sum := batch.Summarize(); sum.Ambiguous != 1 {
		t.Fatalf("Summary = %+v, want 1 ambiguous", sum)
	}

	// No commit without a selection.
	if err := gate.Commit(ctx, parked.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Commit error = %v, want ErrInvalidState", err)
	}

	rc := reconcile.NewReconciler()
	if err := gate.SelectCandidate(ctx, parked.ID, 999, rc); !errors.Is(err, ErrUnknownCandidate) {
		t.Fatalf("SelectCandidate(999) error = %v, want ErrUnknownCandidate", err)
	}

	if err := gate.SelectCandidate(ctx, parked.ID, low.ID, rc); err != nil {
		t.Fatalf("SelectCandidate: %v", err)
	}
	if parked.State != reconcile.StateStaged {
		t.Fatalf("State = %s after selection, want staged", parked.State)
	}
	if parked.Tx.Movement.DrugID != low.ID || parked.Tx.Delta != -20 {
		t.Fatalf("replanned tx = %+v", parked.Tx)
	}
	if parked.ImportKey == "" || len(parked.Candidates) != 0 {
		t.Fatalf("selection left key %q, %d candidates", parked.ImportKey, len(parked.Candidates))
	}

	// A second selection is a lifecycle violation, not a replan.
	if err := gate.SelectCandidate(ctx, parked.ID, high.ID, rc); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second SelectCandidate error = %v, want ErrInvalidState", err)
	}

	if err := gate.Commit(ctx, parked.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	d, _ := store.GetDrug(ctx, low.ID)
	if d.CurrentStock != 80 {
		t.Fatalf("stock = %d, want 80", d.CurrentStock)
	}
}

func TestImportKeyDeterminism(t *testing.T) {
	t.Parallel()

	rec := func() *extract.Record {
		return &extract.Record{
			DrugName:     "paracetamol",
			Dose:         "500 mg",
			MovementType: ledger.Exit,
			PiecesMoved:  intp(10),
			DateMovement: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
		}
	}

	k1 := ImportKey("audio/a.wav", rec())
	k2 := ImportKey("audio/a.wav", rec())
	if k1 != k2 {
		t.Fatal("identical extractions produced different keys")
	}

	if ImportKey("audio/b.wav", rec()) == k1 {
		t.Error("different transcript refs must produce different keys")
	}

	changed := rec()
	changed.PiecesMoved = intp(11)
	if ImportKey("audio/a.wav", changed) == k1 {
		t.Error("different field values must produce different keys")
	}

	// nil and zero quantities are distinct dictations.
	nilPieces := rec()
	nilPieces.PiecesMoved = nil
	zeroPieces := rec()
	zeroPieces.PiecesMoved = intp(0)
	if ImportKey("audio/a.wav", nilPieces) == ImportKey("audio/a.wav", zeroPieces) {
		t.Error("nil and zero pieces must produce different keys")
	}
}

func TestBatchSummaryAndCSV(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := ledger.NewMemStore()
	drug := seedDrug(t, store, "paracetamol", 100)
	gate := NewGate(store)

	exact := entryTx(drug, "audio/a.wav", 10)
	fuzzy := entryTx(drug, "audio/b.wav", 20)
	fuzzy.ExactMatch = false
	fuzzy.Confidence = 0.91
	create := &reconcile.Transaction{
		Record:        &extract.Record{DrugName: "omeprazol"},
		TranscriptRef: "audio/c.wav",
		NewDrug:       &catalog.Drug{Name: "omeprazol"},
		Confidence:    1.0,
	}

	batch, err := gate.Stage(ctx, []*reconcile.Transaction{exact, fuzzy, create})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	sum := batch.Summarize()
	if sum.Total != 3 || sum.Exact != 1 || sum.Fuzzy != 1 || sum.NewDrugs != 1 {
		t.Fatalf("Summary = %+v", sum)
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, batch); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("CSV has %d lines, want header + 3 rows", len(lines))
	}
	if !strings.HasPrefix(lines[0], "record_id,state,drug_name") {
		t.Errorf("CSV header = %q", lines[0])
	}
	if !strings.Contains(buf.String(), "omeprazol") {
		t.Error("CSV missing new-drug row")
	}
}
