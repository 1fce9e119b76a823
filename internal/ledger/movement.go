// Package ledger holds the persistent inventory model: the drugs catalog
// table and the append-only movements log, plus the Store abstraction the
// reconciler and review gate write through.
//
// The movement log is the source of truth. A drug's current_stock column is a
// cache derived from it and is only ever written as a consequence of a
// movement insert, never independently.
package ledger

import (
	"time"

	"github.com/jmtavares/depovox/internal/catalog"
)

// MovementType classifies a ledger movement.
type MovementType string

const (
	// Entry adds stock received into the deposit.
	Entry MovementType = "entry"

	// Exit removes stock dispensed or transferred out.
	Exit MovementType = "exit"

	// Inventory is an authoritative recount that overrides the cached stock.
	Inventory MovementType = "inventory"
)

// movementSynonyms maps normalised spoken forms to movement types. Dictations
// are in Portuguese, so the Portuguese words are first-class.
var movementSynonyms = map[string]MovementType{
	"entry":      Entry,
	"entrada":    Entry,
	"exit":       Exit,
	"saida":      Exit,
	"inventory":  Inventory,
	"inventario": Inventory,
	"contagem":   Inventory,
}

// ParseMovementType normalises a spoken or written movement type
// (case-insensitive, diacritics folded, Portuguese synonyms accepted) to its
// canonical value. The second return reports whether the input was
// recognised.
func ParseMovementType(s string) (MovementType, bool) {
	mt, ok := movementSynonyms[catalog.NormalizeName(s)]
	return mt, ok
}

// Movement is one row of the append-only movement log.
type Movement struct {
	// ID is assigned by the store on insert.
	ID int64

	// DrugID references the catalog entry the movement applies to. Never
	// zero once reconciled.
	DrugID int64

	// Date is the date the movement happened, as dictated. Distinct from
	// EntryDatetime, which records when the row was written.
	Date time.Time

	// Type is one of Entry, Exit, Inventory.
	Type MovementType

	// Pieces is the piece count of the movement: the quantity added for an
	// entry, the quantity removed for an exit (stored as a positive
	// magnitude), or the authoritative total count for an inventory.
	Pieces int

	// DestinationOrigin is the destination of an exit or the origin of an
	// entry, free text.
	DestinationOrigin string

	// Signature identifies the person who recorded the movement.
	Signature string

	// TranscriptRef points back to the dictation that produced this row.
	TranscriptRef string

	// ImportKey is the idempotency key of the import that produced this
	// row. Unique across the log.
	ImportKey string

	// EntryDatetime is the record-creation timestamp, immutable once
	// written.
	EntryDatetime time.Time
}

// SignedDelta returns the stock change this movement applies relative to the
// given current stock. Inventory movements are absolute counts, so their
// delta depends on the stock at application time.
func (m Movement) SignedDelta(currentStock int) int {
	switch m.Type {
	case Entry:
		return m.Pieces
	case Exit:
		return -m.Pieces
	case Inventory:
		return m.Pieces - currentStock
	}
	return 0
}
