package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmtavares/depovox/internal/catalog"
)

// MemStore is an in-memory [Store]. It backs unit tests and dry runs where no
// database is configured; semantics mirror [PostgresStore], including the
// atomicity of Apply.
type MemStore struct {
	mu             sync.Mutex
	drugs          map[int64]catalog.Drug
	movements      []Movement
	importKeys     map[string]struct{}
	nextDrugID     int64
	nextMovementID int64
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		drugs:          make(map[int64]catalog.Drug),
		importKeys:     make(map[string]struct{}),
		nextDrugID:     1,
		nextMovementID: 1,
	}
}

// ListDrugs returns the catalog snapshot, ordered by ID.
func (s *MemStore) ListDrugs(ctx context.Context) ([]catalog.Drug, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drugs := make([]catalog.Drug, 0, len(s.drugs))
	for _, d := range s.drugs {
		drugs = append(drugs, d)
	}
	sort.Slice(drugs, func(i, j int) bool { return drugs[i].ID < drugs[j].ID })
	return drugs, nil
}

// GetDrug retrieves one catalog entry by ID.
func (s *MemStore) GetDrug(ctx context.Context, id int64) (*catalog.Drug, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drugs[id]
	if !ok {
		return nil, fmt.Errorf("ledger: get drug %d: %w", id, ErrDrugNotFound)
	}
	return &d, nil
}

// CreateDrug inserts a new catalog entry and assigns its ID.
func (s *MemStore) CreateDrug(ctx context.Context, d *catalog.Drug) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createDrugLocked(d)
	return nil
}

func (s *MemStore) createDrugLocked(d *catalog.Drug) {
	d.ID = s.nextDrugID
	s.nextDrugID++
	s.drugs[d.ID] = *d
}

// HasImportKey reports whether a movement with the given import key exists.
func (s *MemStore) HasImportKey(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.importKeys[key]
	return ok, nil
}

// Apply atomically commits one movement, creating newDrug first when given.
// Nothing is mutated on any failure path.
func (s *MemStore) Apply(ctx context.Context, newDrug *catalog.Drug, mv *Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.importKeys[mv.ImportKey]; ok {
		return fmt.Errorf("ledger: apply: key %q: %w", mv.ImportKey, ErrDuplicateImportKey)
	}

	drugID := mv.DrugID
	if newDrug == nil {
		if _, ok := s.drugs[drugID]; !ok {
			return fmt.Errorf("ledger: apply: drug %d: %w", drugID, ErrDrugNotFound)
		}
	}

	// All checks passed; mutations from here on cannot fail.
	if newDrug != nil {
		s.createDrugLocked(newDrug)
		drugID = newDrug.ID
		mv.DrugID = drugID
	}

	d := s.drugs[drugID]
	delta := mv.SignedDelta(d.CurrentStock)
	d.CurrentStock += delta
	// An undated count must not erase the last inventory date; the
	// stale-count guard depends on it.
	if mv.Type == Inventory && !mv.Date.IsZero() {
		d.LastInventoryDate = mv.Date
	}
	s.drugs[drugID] = d

	mv.ID = s.nextMovementID
	s.nextMovementID++
	mv.EntryDatetime = time.Now()
	s.movements = append(s.movements, *mv)
	s.importKeys[mv.ImportKey] = struct{}{}
	return nil
}

// ListMovements returns the movement log for one drug, most recent first.
func (s *MemStore) ListMovements(ctx context.Context, drugID int64, limit int) ([]Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var movements []Movement
	for _, m := range s.movements {
		if m.DrugID == drugID {
			movements = append(movements, m)
		}
	}
	sort.Slice(movements, func(i, j int) bool {
		if !movements[i].Date.Equal(movements[j].Date) {
			return movements[i].Date.After(movements[j].Date)
		}
		return movements[i].ID > movements[j].ID
	})
	if limit > 0 && len(movements) > limit {
		movements = movements[:limit]
	}
	return movements, nil
}

// RecomputeStock replays the drug's movement log, oldest first, and returns
// the resulting piece count.
func (s *MemStore) RecomputeStock(ctx context.Context, drugID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var log []Movement
	for _, m := range s.movements {
		if m.DrugID == drugID {
			log = append(log, m)
		}
	}
	sort.Slice(log, func(i, j int) bool {
		if !log[i].Date.Equal(log[j].Date) {
			return log[i].Date.Before(log[j].Date)
		}
		return log[i].ID < log[j].ID
	})
	return ReplayStock(log), nil
}
