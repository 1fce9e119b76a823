// Package extract turns a transcribed dictation into a typed candidate
// record via a language model.
//
// The model's output is untrusted input. Nothing downstream ever touches the
// raw response text: the extractor parses it into a fixed shape, rejects
// unknown fields, validates every numeric and enumerated value, and only then
// hands a [Record] to the matcher.
package extract

import (
	"errors"
	"time"

	"github.com/jmtavares/depovox/internal/catalog"
	"github.com/jmtavares/depovox/internal/ledger"
)

// Sentinel errors for extraction failures. Use errors.Is to test for them;
// wrapped errors carry the detail.
var (
	// ErrMalformedResponse means the model output was not a single
	// well-formed object with only the recognised fields. Retried once with
	// a corrective re-prompt before being surfaced.
	ErrMalformedResponse = errors.New("extract: malformed model response")

	// ErrInvalidMovementType means movement_type did not normalise to
	// entry, exit or inventory. Not retryable.
	ErrInvalidMovementType = errors.New("extract: invalid movement type")

	// ErrInvalidQuantity means a numeric field was negative or fractional.
	// Not retryable.
	ErrInvalidQuantity = errors.New("extract: invalid quantity")

	// ErrInvalidDate means a date field was not in YYYY-MM-DD form. Not
	// retryable.
	ErrInvalidDate = errors.New("extract: invalid date")
)

// Record is the validated structured output of one dictation. Every field is
// optional; partial extraction is expected. The zero value of a string field
// means the dictation did not mention it, and nil integer pointers mean the
// quantity is unknown (distinct from zero).
type Record struct {
	// DrugName is the drug mention as spoken. Resolution to a catalog entry
	// happens later; this stays raw text here.
	DrugName string

	Dose  string
	Units string
	Type  string
	Lot   string

	// PiecesPerBox is the box size when dictated; nil when unknown.
	PiecesPerBox *int

	// MovementType is empty when the dictation only defines a drug and
	// moves no stock.
	MovementType ledger.MovementType

	// PiecesMoved is the loose piece count; nil when not dictated.
	PiecesMoved *int

	// BoxesMoved is the box count; nil when not dictated.
	BoxesMoved *int

	DestinationOrigin string

	// DateMovement is zero when the dictation gave no date.
	DateMovement time.Time

	// Signature is the person responsible, as dictated.
	Signature string

	// Expiration is the batch expiration date; zero when not dictated.
	Expiration time.Time
}

// IsMovement reports whether the record moves stock, as opposed to only
// defining or amending a catalog entry.
func (r *Record) IsMovement() bool {
	return r.MovementType != ""
}

// TotalPieces resolves the dictated quantities into a single piece count.
// Boxes convert at PiecesPerBox when it is known; otherwise they are returned
// separately as unresolved so the caller can refuse to commit until a human
// supplies the box size. Dropping them silently would understate the
// movement.
func (r *Record) TotalPieces() (pieces, unresolvedBoxes int) {
	if r.PiecesMoved != nil {
		pieces = *r.PiecesMoved
	}
	if r.BoxesMoved == nil {
		return pieces, 0
	}
	if r.PiecesPerBox == nil {
		return pieces, *r.BoxesMoved
	}
	return pieces + (*r.BoxesMoved)*(*r.PiecesPerBox), 0
}

// Query maps the record's drug identity fields into a catalog match query.
func (r *Record) Query() catalog.Query {
	q := catalog.Query{
		Name:       r.DrugName,
		Dose:       r.Dose,
		Units:      r.Units,
		Type:       r.Type,
		Lot:        r.Lot,
		Expiration: r.Expiration,
	}
	if r.PiecesPerBox != nil {
		q.PiecesPerBox = *r.PiecesPerBox
	}
	return q
}
