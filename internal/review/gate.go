// Package review is the human confirmation gate between planned ledger
// writes and the ledger itself.
//
// Nothing reaches storage without passing through here: plans are staged
// under a batch, shown to a reviewer (terminal listing or CSV artifact), and
// committed one by one. Every staged record carries a deterministic import
// key derived from its source dictation and extracted values, so replaying
// the same audio file can never double-book a movement.
package review

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmtavares/depovox/internal/catalog"
	"github.com/jmtavares/depovox/internal/extract"
	"github.com/jmtavares/depovox/internal/ledger"
	"github.com/jmtavares/depovox/internal/reconcile"
)

// Sentinel errors returned by the gate.
var (
	// ErrDuplicateImport means the record's import key was already
	// committed. The record stays inspectable but can never commit.
	ErrDuplicateImport = errors.New("review: duplicate import")

	// ErrUnresolvedQuantity means the record still carries boxes that
	// could not convert to pieces. Resolve the quantity before committing.
	ErrUnresolvedQuantity = errors.New("review: unresolved box quantity")

	// ErrRecordNotFound means no staged record has the given ID.
	ErrRecordNotFound = errors.New("review: record not found")

	// ErrInvalidState means the record's lifecycle does not permit the
	// requested action (e.g. committing a rejected record).
	ErrInvalidState = errors.New("review: invalid record state")

	// ErrUnknownCandidate means the selected drug is not among an ambiguous
	// record's candidates.
	ErrUnknownCandidate = errors.New("review: unknown candidate")
)

// StagedRecord is one plan held by the gate.
type StagedRecord struct {
	// ID identifies the record within the gate.
	ID string

	// Tx is the planned ledger write.
	Tx *reconcile.Transaction

	// State is the record's lifecycle position.
	State reconcile.State

	// ImportKey is the idempotency key for the planned movement.
	ImportKey string

	// Duplicate reports that the import key was already committed when the
	// record was staged. Duplicate records are staged for inspection but
	// refuse to commit.
	Duplicate bool

	// Candidates holds the ranked catalog entries for a record parked in
	// the ambiguous state, awaiting [Gate.SelectCandidate]. Empty otherwise.
	Candidates []catalog.Candidate
}

// StagedBatch groups the records staged in one call.
type StagedBatch struct {
	ID        string
	CreatedAt time.Time
	Records   []*StagedRecord
}

// Summary tallies a batch for the reviewer.
type Summary struct {
	Total      int
	Exact      int
	Fuzzy      int
	NewDrugs   int
	Ambiguous  int
	Duplicates int
	Unresolved int
}

// Summarize tallies the batch.
func (b *StagedBatch) Summarize() Summary {
	var s Summary
	for _, r := range b.Records {
		s.Total++
		switch {
		case r.State == reconcile.StateAmbiguous:
			s.Ambiguous++
		case r.Tx.CreatesDrug():
			s.NewDrugs++
		case r.Tx.ExactMatch:
			s.Exact++
		default:
			s.Fuzzy++
		}
		if r.Duplicate {
			s.Duplicates++
		}
		if r.Tx.UnresolvedBoxes > 0 {
			s.Unresolved++
		}
	}
	return s
}

// Gate stages planned transactions and commits them to a [ledger.Store] on
// explicit confirmation. Safe for concurrent use; the gate mutex is held
// across store calls, serialising commits the way the single-writer pipeline
// expects.
type Gate struct {
	store ledger.Store

	mu      sync.Mutex
	records map[string]*StagedRecord
}

// NewGate returns a gate committing through the given store.
func NewGate(store ledger.Store) *Gate {
	return &Gate{
		store:   store,
		records: make(map[string]*StagedRecord),
	}
}

// Stage holds the given plans for review and returns them as a batch.
// Records whose import key was already committed are flagged as duplicates
// rather than dropped, so the reviewer can see what was skipped and why.
func (g *Gate) Stage(ctx context.Context, txs []*reconcile.Transaction) (*StagedBatch, error) {
	batch := &StagedBatch{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}

	for _, tx := range txs {
		key := ImportKey(tx.TranscriptRef, tx.Record)
		dup, err := g.store.HasImportKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("review: stage: %w", err)
		}

		rec := &StagedRecord{
			ID:        uuid.NewString(),
			Tx:        tx,
			State:     reconcile.StateStaged,
			ImportKey: key,
			Duplicate: dup,
		}
		batch.Records = append(batch.Records, rec)

		g.mu.Lock()
		g.records[rec.ID] = rec
		g.mu.Unlock()
	}
	return batch, nil
}

// StageAmbiguous parks a record whose drug mention the matcher could not
// settle. The record carries the ranked candidates for the reviewer and has
// no planned write; it refuses to commit until [Gate.SelectCandidate]
// resolves the drug.
func (g *Gate) StageAmbiguous(rec *extract.Record, transcriptRef string, candidates []catalog.Candidate) *StagedRecord {
	r := &StagedRecord{
		ID:         uuid.NewString(),
		Tx:         &reconcile.Transaction{Record: rec, TranscriptRef: transcriptRef},
		State:      reconcile.StateAmbiguous,
		Candidates: candidates,
	}

	g.mu.Lock()
	g.records[r.ID] = r
	g.mu.Unlock()
	return r
}

// SelectCandidate resolves an ambiguous record to the candidate with the
// given drug ID and re-enters reconciliation: the ledger write is planned
// against the chosen entry under the same business rules as any match, and
// the record moves on to the staged state with its import key and duplicate
// flag set.
func (g *Gate) SelectCandidate(ctx context.Context, id string, drugID int64, rc *reconcile.Reconciler) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		return fmt.Errorf("review: %q: %w", id, ErrRecordNotFound)
	}
	if !rec.State.CanTransition(reconcile.StateMatched) {
		return fmt.Errorf("review: %q is %s: %w", id, rec.State, ErrInvalidState)
	}

	var chosen *catalog.Candidate
	for i := range rec.Candidates {
		if rec.Candidates[i].Drug.ID == drugID {
			chosen = &rec.Candidates[i]
			break
		}
	}
	if chosen == nil {
		return fmt.Errorf("review: %q: drug %d: %w", id, drugID, ErrUnknownCandidate)
	}

	drug := chosen.Drug
	tx, err := rc.Reconcile(rec.Tx.Record, rec.Tx.TranscriptRef, catalog.Result{
		Outcome: catalog.OutcomeMatched,
		Drug:    &drug,
		Score:   chosen.Score,
	})
	if err != nil {
		return fmt.Errorf("review: select %q: %w", id, err)
	}

	key := ImportKey(tx.TranscriptRef, tx.Record)
	dup, err := g.store.HasImportKey(ctx, key)
	if err != nil {
		return fmt.Errorf("review: select %q: %w", id, err)
	}

	rec.Tx = tx
	rec.ImportKey = key
	rec.Duplicate = dup
	rec.Candidates = nil
	rec.State = reconcile.StateStaged
	return nil
}

// Record returns the staged record with the given ID.
func (g *Gate) Record(id string) (*StagedRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		return nil, fmt.Errorf("review: %q: %w", id, ErrRecordNotFound)
	}
	return rec, nil
}

// ResolveQuantity supplies the total piece count for a record staged with an
// unresolved box quantity and replans its delta against current stock.
func (g *Gate) ResolveQuantity(ctx context.Context, id string, pieces int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		return fmt.Errorf("review: %q: %w", id, ErrRecordNotFound)
	}
	if rec.State != reconcile.StateStaged {
		return fmt.Errorf("review: %q is %s: %w", id, rec.State, ErrInvalidState)
	}
	if pieces < 0 {
		return fmt.Errorf("review: %q: negative piece count %d", id, pieces)
	}

	tx := rec.Tx

	// Replan the delta before mutating the record, so a refused resolution
	// leaves it staged exactly as it was. The unresolved quantity skipped
	// the reconciler's per-type rules, so the exit stock check happens here.
	var delta int
	switch tx.Movement.Type {
	case ledger.Entry:
		delta = pieces
	case ledger.Exit:
		stock := 0
		if tx.NewDrug == nil {
			d, err := g.store.GetDrug(ctx, tx.Movement.DrugID)
			if err != nil {
				return fmt.Errorf("review: resolve %q: %w", id, err)
			}
			stock = d.CurrentStock
		}
		if stock-pieces < 0 && !tx.Override {
			return fmt.Errorf("review: resolve %q: exit of %d exceeds stock of %d: %w",
				id, pieces, stock, reconcile.ErrInsufficientStock)
		}
		delta = -pieces
	case ledger.Inventory:
		if tx.NewDrug == nil {
			d, err := g.store.GetDrug(ctx, tx.Movement.DrugID)
			if err != nil {
				return fmt.Errorf("review: resolve %q: %w", id, err)
			}
			delta = pieces - d.CurrentStock
		} else {
			delta = pieces
		}
	}

	tx.Movement.Pieces = pieces
	tx.UnresolvedBoxes = 0
	tx.Delta = delta
	return nil
}

// Commit writes one staged record to the ledger. The write is atomic: for a
// new drug the catalog entry, the movement and the stock update land
// together or not at all.
//
// Fails with [ErrDuplicateImport] when the record was flagged as a duplicate
// at staging time or the store reports the key as already committed (the
// database backstop), and with [ErrUnresolvedQuantity] while the record
// carries unconverted boxes.
func (g *Gate) Commit(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		return fmt.Errorf("review: %q: %w", id, ErrRecordNotFound)
	}

	if !rec.State.CanTransition(reconcile.StateCommitted) {
		return fmt.Errorf("review: %q is %s: %w", id, rec.State, ErrInvalidState)
	}
	if rec.Duplicate {
		return fmt.Errorf("review: %q: key %s: %w", id, rec.ImportKey, ErrDuplicateImport)
	}
	if rec.Tx.UnresolvedBoxes > 0 {
		return fmt.Errorf("review: %q: %d boxes with unknown size: %w",
			id, rec.Tx.UnresolvedBoxes, ErrUnresolvedQuantity)
	}

	if rec.Tx.HasMovement() {
		mv := rec.Tx.Movement
		mv.ImportKey = rec.ImportKey
		if err := g.store.Apply(ctx, rec.Tx.NewDrug, &mv); err != nil {
			if errors.Is(err, ledger.ErrDuplicateImportKey) {
				rec.Duplicate = true
				return fmt.Errorf("review: %q: %w", id, ErrDuplicateImport)
			}
			return fmt.Errorf("review: commit %q: %w", id, err)
		}
		rec.Tx.Movement = mv
	} else if rec.Tx.CreatesDrug() {
		if err := g.store.CreateDrug(ctx, rec.Tx.NewDrug); err != nil {
			return fmt.Errorf("review: commit %q: %w", id, err)
		}
	}

	rec.State = reconcile.StateCommitted
	return nil
}

// Reject discards a staged record. The ledger is untouched.
func (g *Gate) Reject(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		return fmt.Errorf("review: %q: %w", id, ErrRecordNotFound)
	}
	if !rec.State.CanTransition(reconcile.StateRejected) {
		return fmt.Errorf("review: %q is %s: %w", id, rec.State, ErrInvalidState)
	}
	rec.State = reconcile.StateRejected
	return nil
}

// ImportKey derives the deterministic idempotency key for one extraction:
// a hex SHA-256 over the source transcript reference and every extracted
// field value. Identical dictations processed twice produce identical keys;
// any change to what was heard produces a new one.
func ImportKey(transcriptRef string, rec *extract.Record) string {
	fields := []string{
		transcriptRef,
		rec.DrugName,
		rec.Dose,
		rec.Units,
		rec.Type,
		rec.Lot,
		keyInt(rec.PiecesPerBox),
		string(rec.MovementType),
		keyInt(rec.PiecesMoved),
		keyInt(rec.BoxesMoved),
		rec.DestinationOrigin,
		keyDate(rec.DateMovement),
		rec.Signature,
		keyDate(rec.Expiration),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func keyInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func keyDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(catalog.DateFormat)
}
