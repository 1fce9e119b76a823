package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/jmtavares/depovox/internal/catalog"
	"github.com/jmtavares/depovox/internal/extract"
	"github.com/jmtavares/depovox/internal/ledger"
)

func day(s string) time.Time {
	t, err := time.Parse(catalog.DateFormat, s)
	if err != nil {
		panic(err)
	}
	return t
}

func intp(v int) *int { return &v }

func matched(d catalog.Drug, score float64, exact bool) catalog.Result {
	return catalog.Result{Outcome: catalog.OutcomeMatched, Drug: &d, Score: score, Exact: exact}
}

func TestReconcileEntry(t *testing.T) {
	t.Parallel()
	r := NewReconciler()

	// Three boxes of a hundred on top of empty stock.
	drug := catalog.Drug{ID: 1, Name: "ácido fólico", Dose: "5 mg", Lot: "SNT4112", CurrentStock: 0}
	rec := &extract.Record{
		DrugName:     "acido folico",
		Dose:         "5mg",
		MovementType: ledger.Entry,
		PiecesMoved:  intp(0),
		BoxesMoved:   intp(3),
		PiecesPerBox: intp(100),
		DateMovement: day("2025-03-14"),
	}

	tx, err := r.Reconcile(rec, "audio/dep1.wav", matched(drug, 1.0, true))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if tx.Delta != 300 {
		t.Errorf("Delta = %d, want 300", tx.Delta)
	}
	if tx.Movement.Pieces != 300 || tx.Movement.Type != ledger.Entry {
		t.Errorf("Movement = %+v", tx.Movement)
	}
	if tx.Movement.DrugID != 1 {
		t.Errorf("Movement.DrugID = %d, want 1", tx.Movement.DrugID)
	}
	if tx.Movement.TranscriptRef != "audio/dep1.wav" {
		t.Errorf("TranscriptRef = %q", tx.Movement.TranscriptRef)
	}
	if !tx.ExactMatch || tx.Confidence != 1.0 {
		t.Errorf("ExactMatch = %v, Confidence = %v", tx.ExactMatch, tx.Confidence)
	}
	if tx.CreatesDrug() {
		t.Error("entry on an existing drug must not create one")
	}
}

func TestReconcileExit(t *testing.T) {
	t.Parallel()

	t.Run("within stock", func(t *testing.T) {
		t.Parallel()
		drug := catalog.Drug{ID: 1, Name: "paracetamol", CurrentStock: 100}
		rec := &extract.Record{DrugName: "paracetamol", MovementType: ledger.Exit, PiecesMoved: intp(40)}

		tx, err := NewReconciler().Reconcile(rec, "ref", matched(drug, 1.0, true))
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if tx.Delta != -40 {
			t.Errorf("Delta = %d, want -40", tx.Delta)
		}
		if tx.Override {
			t.Error("Override set without need")
		}
	})

	t.Run("insufficient stock blocks the record", func(t *testing.T) {
		t.Parallel()
		drug := catalog.Drug{ID: 1, Name: "paracetamol", CurrentStock: 10}
		rec := &extract.Record{DrugName: "paracetamol", MovementType: ledger.Exit, PiecesMoved: intp(50)}

		_, err := NewReconciler().Reconcile(rec, "ref", matched(drug, 1.0, true))
		if !errors.Is(err, ErrInsufficientStock) {
			t.Fatalf("Reconcile error = %v, want ErrInsufficientStock", err)
		}
	})

	t.Run("override permits negative stock", func(t *testing.T) {
		t.Parallel()
		drug := catalog.Drug{ID: 1, Name: "paracetamol", CurrentStock: 10}
		rec := &extract.Record{DrugName: "paracetamol", MovementType: ledger.Exit, PiecesMoved: intp(50)}

		tx, err := NewReconciler(WithStockOverride()).Reconcile(rec, "ref", matched(drug, 1.0, true))
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if tx.Delta != -50 {
			t.Errorf("Delta = %d, want -50", tx.Delta)
		}
		if !tx.Override {
			t.Error("Override flag not recorded on the plan")
		}
	})
}

func TestReconcileInventory(t *testing.T) {
	t.Parallel()

	t.Run("delta against cached stock", func(t *testing.T) {
		t.Parallel()
		drug := catalog.Drug{ID: 1, Name: "amoxicilina", CurrentStock: 120, LastInventoryDate: day("2025-01-01")}
		rec := &extract.Record{
			DrugName:     "amoxicilina",
			MovementType: ledger.Inventory,
			PiecesMoved:  intp(95),
			DateMovement: day("2025-02-01"),
		}

		tx, err := NewReconciler().Reconcile(rec, "ref", matched(drug, 1.0, true))
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if tx.Delta != -25 {
			t.Errorf("Delta = %d, want -25", tx.Delta)
		}
		if tx.Movement.Pieces != 95 {
			t.Errorf("Movement.Pieces = %d, want the absolute count 95", tx.Movement.Pieces)
		}
	})

	t.Run("count predating the last inventory is stale", func(t *testing.T) {
		t.Parallel()
		drug := catalog.Drug{ID: 1, Name: "amoxicilina", CurrentStock: 120, LastInventoryDate: day("2025-03-01")}
		rec := &extract.Record{
			DrugName:     "amoxicilina",
			MovementType: ledger.Inventory,
			PiecesMoved:  intp(95),
			DateMovement: day("2025-02-01"),
		}

		_, err := NewReconciler().Reconcile(rec, "ref", matched(drug, 1.0, true))
		if !errors.Is(err, ErrStaleInventory) {
			t.Fatalf("Reconcile error = %v, want ErrStaleInventory", err)
		}
	})

	t.Run("undated count is accepted", func(t *testing.T) {
		t.Parallel()
		drug := catalog.Drug{ID: 1, Name: "amoxicilina", CurrentStock: 120, LastInventoryDate: day("2025-03-01")}
		rec := &extract.Record{DrugName: "amoxicilina", MovementType: ledger.Inventory, PiecesMoved: intp(95)}

		tx, err := NewReconciler().Reconcile(rec, "ref", matched(drug, 1.0, true))
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if tx.Delta != -25 {
			t.Errorf("Delta = %d, want -25", tx.Delta)
		}
	})
}

func TestReconcileNewDrug(t *testing.T) {
	t.Parallel()

	newDrugResult := func() catalog.Result {
		return catalog.Result{
			Outcome: catalog.OutcomeNewDrug,
			Draft:   &catalog.Drug{Name: "omeprazol", Dose: "20 mg", PiecesPerBox: 14},
		}
	}

	t.Run("compound create plus entry", func(t *testing.T) {
		t.Parallel()
		rec := &extract.Record{
			DrugName:     "omeprazol",
			Dose:         "20 mg",
			MovementType: ledger.Entry,
			BoxesMoved:   intp(2),
			PiecesPerBox: intp(14),
		}

		tx, err := NewReconciler().Reconcile(rec, "ref", newDrugResult())
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if !tx.CreatesDrug() || tx.NewDrug.Name != "omeprazol" {
			t.Fatalf("NewDrug = %+v", tx.NewDrug)
		}
		if tx.Movement.DrugID != 0 {
			t.Errorf("Movement.DrugID = %d before the drug exists, want 0", tx.Movement.DrugID)
		}
		if tx.Delta != 28 {
			t.Errorf("Delta = %d, want 28", tx.Delta)
		}
	})

	t.Run("definition without movement", func(t *testing.T) {
		t.Parallel()
		rec := &extract.Record{DrugName: "omeprazol", Dose: "20 mg"}

		tx, err := NewReconciler().Reconcile(rec, "ref", newDrugResult())
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if !tx.CreatesDrug() || tx.HasMovement() {
			t.Fatalf("tx = %+v", tx)
		}
	})

	t.Run("disabled creation rejects the record", func(t *testing.T) {
		t.Parallel()
		rec := &extract.Record{DrugName: "omeprazol", MovementType: ledger.Entry, PiecesMoved: intp(1)}

		_, err := NewReconciler(WithoutNewDrugs()).Reconcile(rec, "ref", newDrugResult())
		if !errors.Is(err, ErrUnknownDrug) {
			t.Fatalf("Reconcile error = %v, want ErrUnknownDrug", err)
		}
	})
}

func TestReconcileAmbiguous(t *testing.T) {
	t.Parallel()

	res := catalog.Result{
		Outcome: catalog.OutcomeAmbiguous,
		Candidates: []catalog.Candidate{
			{Drug: catalog.Drug{ID: 2, Name: "paracetamol", Dose: "500 mg"}, Score: 1.0},
			{Drug: catalog.Drug{ID: 3, Name: "paracetamol", Dose: "750 mg"}, Score: 1.0},
		},
	}
	rec := &extract.Record{DrugName: "paracetamol", MovementType: ledger.Exit, PiecesMoved: intp(5)}

	_, err := NewReconciler().Reconcile(rec, "ref", res)
	if !errors.Is(err, ErrAmbiguousMatch) {
		t.Fatalf("Reconcile error = %v, want ErrAmbiguousMatch", err)
	}
}

func TestReconcileUnresolvedBoxes(t *testing.T) {
	t.Parallel()

	drug := catalog.Drug{ID: 1, Name: "paracetamol", CurrentStock: 50}
	rec := &extract.Record{
		DrugName:     "paracetamol",
		MovementType: ledger.Entry,
		PiecesMoved:  intp(5),
		BoxesMoved:   intp(2), // box size unknown
	}

	tx, err := NewReconciler().Reconcile(rec, "ref", matched(drug, 1.0, true))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if tx.UnresolvedBoxes != 2 {
		t.Fatalf("UnresolvedBoxes = %d, want 2", tx.UnresolvedBoxes)
	}
	if tx.Delta != 5 {
		t.Errorf("Delta = %d, want only the loose pieces", tx.Delta)
	}
}

func TestReconcileNothingToApply(t *testing.T) {
	t.Parallel()

	drug := catalog.Drug{ID: 1, Name: "paracetamol"}
	rec := &extract.Record{DrugName: "paracetamol"} // no movement, drug already known

	_, err := NewReconciler().Reconcile(rec, "ref", matched(drug, 1.0, true))
	if !errors.Is(err, ErrNothingToApply) {
		t.Fatalf("Reconcile error = %v, want ErrNothingToApply", err)
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateExtracted, StateMatched, true},
		{StateExtracted, StateAmbiguous, true},
		{StateExtracted, StateCommitted, false},
		{StateMatched, StateReconciled, true},
		{StateAmbiguous, StateMatched, true},
		{StateReconciled, StateStaged, true},
		{StateStaged, StateCommitted, true},
		{StateStaged, StateRejected, true},
		{StateCommitted, StateRejected, false},
		{StateRejected, StateStaged, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}

	if !StateCommitted.Terminal() || !StateRejected.Terminal() {
		t.Error("committed and rejected must be terminal")
	}
	if StateStaged.Terminal() {
		t.Error("staged must not be terminal")
	}
}
