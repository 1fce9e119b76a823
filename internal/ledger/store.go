package ledger

import (
	"context"
	"errors"

	"github.com/jmtavares/depovox/internal/catalog"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrDuplicateImportKey means a movement with the same import key was
	// already committed. The caller surfaces this as a duplicate import.
	ErrDuplicateImportKey = errors.New("ledger: duplicate import key")

	// ErrDrugNotFound means the referenced catalog entry does not exist.
	ErrDrugNotFound = errors.New("ledger: drug not found")
)

// Store provides access to the drugs catalog and the movement log.
// Implementations must be safe for concurrent use.
type Store interface {
	// ListDrugs returns the full catalog snapshot, ordered by ID. The
	// matcher runs against this snapshot; hospital deposit catalogs are
	// small enough to load whole.
	ListDrugs(ctx context.Context) ([]catalog.Drug, error)

	// GetDrug retrieves one catalog entry. Returns ErrDrugNotFound if no
	// entry with the given ID exists.
	GetDrug(ctx context.Context, id int64) (*catalog.Drug, error)

	// CreateDrug inserts a new catalog entry and assigns its ID.
	CreateDrug(ctx context.Context, d *catalog.Drug) error

	// HasImportKey reports whether a movement with the given import key has
	// already been committed.
	HasImportKey(ctx context.Context, key string) (bool, error)

	// Apply atomically commits one movement: when newDrug is non-nil it is
	// created first and mv.DrugID is set to the new ID, then mv is inserted
	// and the drug's cached stock is adjusted by the movement's signed
	// delta. Inventory movements also advance last_inventory_date to the
	// movement date. Either everything lands or nothing does.
	//
	// Returns ErrDuplicateImportKey if mv.ImportKey was already committed
	// and ErrDrugNotFound if mv.DrugID references no catalog entry.
	Apply(ctx context.Context, newDrug *catalog.Drug, mv *Movement) error

	// ListMovements returns the movement log for one drug, most recent
	// first. A non-positive limit returns all rows.
	ListMovements(ctx context.Context, drugID int64, limit int) ([]Movement, error)

	// RecomputeStock replays the drug's full movement log in order and
	// returns the resulting piece count, ignoring the cached column. Used
	// as a consistency check against current_stock.
	RecomputeStock(ctx context.Context, drugID int64) (int, error)
}

// ReplayStock folds a movement log (oldest first) into a stock count.
// Inventory movements reset the running count to their absolute value.
func ReplayStock(movements []Movement) int {
	stock := 0
	for _, m := range movements {
		stock += m.SignedDelta(stock)
	}
	return stock
}
