// Package reconcile turns a matched extraction into a planned ledger write.
//
// The reconciler is pure planning: it computes the stock delta a movement
// implies and enforces the business rules (stale inventory counts,
// insufficient stock) without touching storage. The review gate commits the
// resulting [Transaction] later, or never.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmtavares/depovox/internal/catalog"
	"github.com/jmtavares/depovox/internal/extract"
	"github.com/jmtavares/depovox/internal/ledger"
)

// Sentinel errors for reconciliation failures. These block the record they
// occur on, never the batch.
var (
	// ErrAmbiguousMatch means the catalog matcher could not pick a single
	// entry. Not fatal; the record routes to human resolution.
	ErrAmbiguousMatch = errors.New("reconcile: ambiguous catalog match")

	// ErrStaleInventory means an inventory count is dated before the
	// drug's existing last-inventory date and would rewind history.
	ErrStaleInventory = errors.New("reconcile: stale inventory count")

	// ErrInsufficientStock means an exit would drive the stock negative.
	// An explicit override permits it for backdated corrections.
	ErrInsufficientStock = errors.New("reconcile: insufficient stock")

	// ErrNothingToApply means the dictation resolved to an existing drug
	// but described no movement, so there is no ledger write to plan.
	ErrNothingToApply = errors.New("reconcile: nothing to apply")

	// ErrUnknownDrug means the drug is not in the catalog and creating new
	// entries was disabled.
	ErrUnknownDrug = errors.New("reconcile: unknown drug")
)

// AmbiguityError reports a drug mention the catalog matcher could not settle.
// It carries the ranked candidates so the reviewer can pick one; the review
// gate parks such records until a selection re-enters reconciliation. Wraps
// [ErrAmbiguousMatch] for errors.Is checks.
type AmbiguityError struct {
	Name       string
	Candidates []catalog.Candidate
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("reconcile: %q: %d candidates: %v",
		e.Name, len(e.Candidates), ErrAmbiguousMatch)
}

func (e *AmbiguityError) Unwrap() error { return ErrAmbiguousMatch }

// Transaction is a planned ledger write for one record. It is inert until
// the review gate commits it.
type Transaction struct {
	// Record is the extraction the plan came from.
	Record *extract.Record

	// TranscriptRef ties the plan back to its dictation.
	TranscriptRef string

	// NewDrug is the catalog entry to create alongside the movement, for
	// drugs the matcher declared new. Nil when the drug already exists.
	NewDrug *catalog.Drug

	// Movement is the planned log row. Its DrugID is zero when NewDrug is
	// set; the store assigns it at commit. A zero-valued Type means the
	// dictation only defined a drug and the plan creates no movement.
	Movement ledger.Movement

	// Delta is the signed stock change the movement implies, computed
	// against the catalog snapshot. Shown to the reviewer; the store
	// recomputes it against the locked row at commit time.
	Delta int

	// Confidence is the match score that resolved the drug, 1.0 for exact
	// matches and drugs being created.
	Confidence float64

	// ExactMatch reports whether the drug resolved in the exact stage.
	ExactMatch bool

	// UnresolvedBoxes is the dictated box count that could not convert to
	// pieces because the box size is unknown. Non-zero blocks commit until
	// a reviewer resolves the quantity.
	UnresolvedBoxes int

	// Override reports that the insufficient-stock rule is waived for this
	// plan, whether or not the planned quantity needed it. A later requantify
	// (boxes resolved to pieces) honours the same waiver.
	Override bool
}

// CreatesDrug reports whether committing the transaction creates a catalog
// entry.
func (t *Transaction) CreatesDrug() bool { return t.NewDrug != nil }

// HasMovement reports whether the transaction carries a ledger movement.
func (t *Transaction) HasMovement() bool { return t.Movement.Type != "" }

// Option is a functional option for configuring a [Reconciler].
type Option func(*Reconciler)

// WithStockOverride permits exits that drive stock negative. Meant for
// correction runs importing known backdated data.
func WithStockOverride() Option {
	return func(r *Reconciler) {
		r.stockOverride = true
	}
}

// WithoutNewDrugs rejects records whose drug the matcher declared new
// instead of planning a create. Useful when the catalog is authoritative and
// dictations must not grow it.
func WithoutNewDrugs() Option {
	return func(r *Reconciler) {
		r.allowNewDrugs = false
	}
}

// Reconciler plans ledger writes from matched extractions. It holds no
// mutable state and is safe for concurrent use.
type Reconciler struct {
	stockOverride bool
	allowNewDrugs bool
}

// NewReconciler returns a new [Reconciler] configured with the supplied
// options.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{allowNewDrugs: true}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile plans the ledger write for one extracted record given its catalog
// match. The match result decides drug identity; the record decides the
// movement. Business-rule violations surface as wrapped sentinel errors and
// leave no trace anywhere.
func (r *Reconciler) Reconcile(rec *extract.Record, transcriptRef string, match catalog.Result) (*Transaction, error) {
	tx := &Transaction{
		Record:        rec,
		TranscriptRef: transcriptRef,
		Confidence:    1.0,
	}

	var drug catalog.Drug
	switch match.Outcome {
	case catalog.OutcomeMatched:
		drug = *match.Drug
		tx.Confidence = match.Score
		tx.ExactMatch = match.Exact
	case catalog.OutcomeNewDrug:
		if !r.allowNewDrugs {
			return nil, fmt.Errorf("reconcile: %q: %w", rec.DrugName, ErrUnknownDrug)
		}
		draft := *match.Draft
		tx.NewDrug = &draft
		drug = draft
	case catalog.OutcomeAmbiguous:
		return nil, &AmbiguityError{Name: rec.DrugName, Candidates: match.Candidates}
	default:
		return nil, fmt.Errorf("reconcile: unknown match outcome %q", match.Outcome)
	}

	if !rec.IsMovement() {
		if tx.NewDrug == nil {
			return nil, fmt.Errorf("reconcile: %q: %w", rec.DrugName, ErrNothingToApply)
		}
		// Drug definition only; nothing moves.
		return tx, nil
	}

	pieces, unresolved := rec.TotalPieces()
	tx.UnresolvedBoxes = unresolved
	tx.Movement = ledger.Movement{
		DrugID:            drug.ID,
		Date:              rec.DateMovement,
		Type:              rec.MovementType,
		Pieces:            pieces,
		DestinationOrigin: rec.DestinationOrigin,
		Signature:         rec.Signature,
		TranscriptRef:     transcriptRef,
	}
	if tx.NewDrug != nil {
		tx.Movement.DrugID = 0
	}

	delta, err := r.planDelta(&tx.Movement, drug, rec.DateMovement)
	if err != nil {
		return nil, err
	}
	tx.Delta = delta
	tx.Override = r.stockOverride && rec.MovementType == ledger.Exit
	return tx, nil
}

// planDelta applies the per-type business rules and returns the signed stock
// change.
func (r *Reconciler) planDelta(mv *ledger.Movement, drug catalog.Drug, date time.Time) (int, error) {
	switch mv.Type {
	case ledger.Inventory:
		// A count older than the last authoritative count would rewind
		// history; the newer count already supersedes it.
		if !drug.LastInventoryDate.IsZero() && !date.IsZero() && date.Before(drug.LastInventoryDate) {
			return 0, fmt.Errorf("reconcile: count dated %s precedes last inventory %s: %w",
				date.Format(catalog.DateFormat),
				drug.LastInventoryDate.Format(catalog.DateFormat),
				ErrStaleInventory)
		}
		return mv.Pieces - drug.CurrentStock, nil

	case ledger.Entry:
		return mv.Pieces, nil

	case ledger.Exit:
		if remaining := drug.CurrentStock - mv.Pieces; remaining < 0 && !r.stockOverride {
			return 0, fmt.Errorf("reconcile: exit of %d exceeds stock of %d: %w",
				mv.Pieces, drug.CurrentStock, ErrInsufficientStock)
		}
		return -mv.Pieces, nil
	}
	return 0, fmt.Errorf("reconcile: unknown movement type %q", mv.Type)
}
