package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jmtavares/depovox/internal/catalog"
)

// Schema is the SQL DDL for the drugs and movements tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
//
// current_stock is a cache over the movement log and is only written inside
// the same transaction as a movement insert. import_key is unique so a
// replayed import fails at the database even if the application-level
// duplicate check was bypassed.
const Schema = `
CREATE TABLE IF NOT EXISTS drugs (
    id                  BIGSERIAL PRIMARY KEY,
    name                TEXT NOT NULL,
    dose                TEXT NOT NULL DEFAULT '',
    units               TEXT NOT NULL DEFAULT '',
    pieces_per_box      INTEGER NOT NULL DEFAULT 0,
    type                TEXT NOT NULL DEFAULT '',
    lot                 TEXT NOT NULL DEFAULT '',
    expiration          DATE,
    current_stock       INTEGER NOT NULL DEFAULT 0,
    last_inventory_date DATE
);
CREATE INDEX IF NOT EXISTS idx_drugs_name ON drugs(name);

CREATE TABLE IF NOT EXISTS movements (
    id                 BIGSERIAL PRIMARY KEY,
    drug_id            BIGINT NOT NULL REFERENCES drugs(id),
    date_movement      DATE,
    movement_type      TEXT NOT NULL CHECK (movement_type IN ('entry', 'exit', 'inventory')),
    pieces_moved       INTEGER NOT NULL,
    destination_origin TEXT NOT NULL DEFAULT '',
    signature          TEXT NOT NULL DEFAULT '',
    transcript_ref     TEXT NOT NULL DEFAULT '',
    import_key         TEXT NOT NULL UNIQUE,
    entry_datetime     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_movements_drug ON movements(drug_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the drugs
// and movements tables if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

const drugColumns = `id, name, dose, units, pieces_per_box, type, lot,
       expiration, current_stock, last_inventory_date`

// ListDrugs returns the full catalog snapshot, ordered by ID.
func (s *PostgresStore) ListDrugs(ctx context.Context) ([]catalog.Drug, error) {
	const query = `SELECT ` + drugColumns + ` FROM drugs ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger: list drugs: %w", err)
	}
	defer rows.Close()

	var drugs []catalog.Drug
	for rows.Next() {
		d, err := scanDrug(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: list drugs scan: %w", err)
		}
		drugs = append(drugs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list drugs: %w", err)
	}
	return drugs, nil
}

// GetDrug retrieves one catalog entry by ID.
func (s *PostgresStore) GetDrug(ctx context.Context, id int64) (*catalog.Drug, error) {
	const query = `SELECT ` + drugColumns + ` FROM drugs WHERE id = $1`

	d, err := scanDrug(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ledger: get drug %d: %w", id, ErrDrugNotFound)
		}
		return nil, fmt.Errorf("ledger: get drug %d: %w", id, err)
	}
	return d, nil
}

// CreateDrug inserts a new catalog entry and assigns its ID.
func (s *PostgresStore) CreateDrug(ctx context.Context, d *catalog.Drug) error {
	return createDrug(ctx, s.db, d)
}

// createDrug runs against either the pool or an open transaction.
func createDrug(ctx context.Context, db interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, d *catalog.Drug) error {
	const query = `
		INSERT INTO drugs (
			name, dose, units, pieces_per_box, type, lot,
			expiration, current_stock, last_inventory_date
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`

	err := db.QueryRow(ctx, query,
		d.Name, d.Dose, d.Units, d.PiecesPerBox, d.Type, d.Lot,
		nullDate(d.Expiration), d.CurrentStock, nullDate(d.LastInventoryDate),
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("ledger: create drug: %w", err)
	}
	return nil
}

// HasImportKey reports whether a movement with the given import key exists.
func (s *PostgresStore) HasImportKey(ctx context.Context, key string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM movements WHERE import_key = $1)`

	var exists bool
	if err := s.db.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger: has import key: %w", err)
	}
	return exists, nil
}

// Apply atomically commits one movement, creating newDrug first when given.
// The drug row is locked for the duration so the delta of an inventory
// movement is computed against a stable stock value.
func (s *PostgresStore) Apply(ctx context.Context, newDrug *catalog.Drug, mv *Movement) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: apply: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if newDrug != nil {
		if err := createDrug(ctx, tx, newDrug); err != nil {
			return err
		}
		mv.DrugID = newDrug.ID
	}

	var stock int
	err = tx.QueryRow(ctx,
		`SELECT current_stock FROM drugs WHERE id = $1 FOR UPDATE`, mv.DrugID,
	).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("ledger: apply: drug %d: %w", mv.DrugID, ErrDrugNotFound)
		}
		return fmt.Errorf("ledger: apply: lock drug %d: %w", mv.DrugID, err)
	}

	const insert = `
		INSERT INTO movements (
			drug_id, date_movement, movement_type, pieces_moved,
			destination_origin, signature, transcript_ref, import_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, entry_datetime`

	err = tx.QueryRow(ctx, insert,
		mv.DrugID, nullDate(mv.Date), string(mv.Type), mv.Pieces,
		mv.DestinationOrigin, mv.Signature, mv.TranscriptRef, mv.ImportKey,
	).Scan(&mv.ID, &mv.EntryDatetime)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ledger: apply: key %q: %w", mv.ImportKey, ErrDuplicateImportKey)
		}
		return fmt.Errorf("ledger: apply: insert movement: %w", err)
	}

	delta := mv.SignedDelta(stock)
	// An undated count must not null out last_inventory_date; the
	// stale-count guard depends on it.
	if mv.Type == Inventory && !mv.Date.IsZero() {
		_, err = tx.Exec(ctx,
			`UPDATE drugs SET current_stock = current_stock + $2, last_inventory_date = $3 WHERE id = $1`,
			mv.DrugID, delta, nullDate(mv.Date),
		)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE drugs SET current_stock = current_stock + $2 WHERE id = $1`,
			mv.DrugID, delta,
		)
	}
	if err != nil {
		return fmt.Errorf("ledger: apply: update stock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: apply: commit: %w", err)
	}
	return nil
}

// ListMovements returns the movement log for one drug, most recent first.
func (s *PostgresStore) ListMovements(ctx context.Context, drugID int64, limit int) ([]Movement, error) {
	query := `
		SELECT id, drug_id, date_movement, movement_type, pieces_moved,
		       destination_origin, signature, transcript_ref, import_key, entry_datetime
		FROM movements
		WHERE drug_id = $1
		ORDER BY date_movement DESC NULLS LAST, id DESC`
	args := []any{drugID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list movements: %w", err)
	}
	defer rows.Close()

	var movements []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: list movements scan: %w", err)
		}
		movements = append(movements, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list movements: %w", err)
	}
	return movements, nil
}

// RecomputeStock replays the drug's movement log, oldest first, and returns
// the resulting piece count.
func (s *PostgresStore) RecomputeStock(ctx context.Context, drugID int64) (int, error) {
	const query = `
		SELECT id, drug_id, date_movement, movement_type, pieces_moved,
		       destination_origin, signature, transcript_ref, import_key, entry_datetime
		FROM movements
		WHERE drug_id = $1
		ORDER BY date_movement ASC NULLS FIRST, id ASC`

	rows, err := s.db.Query(ctx, query, drugID)
	if err != nil {
		return 0, fmt.Errorf("ledger: recompute stock: %w", err)
	}
	defer rows.Close()

	var log []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return 0, fmt.Errorf("ledger: recompute stock scan: %w", err)
		}
		log = append(log, *m)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("ledger: recompute stock: %w", err)
	}
	return ReplayStock(log), nil
}

// scanDrug reads one drugs row, converting nullable date columns.
func scanDrug(row pgx.Row) (*catalog.Drug, error) {
	var d catalog.Drug
	var expiration, lastInventory *time.Time

	err := row.Scan(
		&d.ID, &d.Name, &d.Dose, &d.Units, &d.PiecesPerBox, &d.Type, &d.Lot,
		&expiration, &d.CurrentStock, &lastInventory,
	)
	if err != nil {
		return nil, err
	}
	if expiration != nil {
		d.Expiration = *expiration
	}
	if lastInventory != nil {
		d.LastInventoryDate = *lastInventory
	}
	return &d, nil
}

// scanMovement reads one movements row.
func scanMovement(row pgx.Row) (*Movement, error) {
	var m Movement
	var date *time.Time
	var mt string

	err := row.Scan(
		&m.ID, &m.DrugID, &date, &mt, &m.Pieces,
		&m.DestinationOrigin, &m.Signature, &m.TranscriptRef, &m.ImportKey, &m.EntryDatetime,
	)
	if err != nil {
		return nil, err
	}
	if date != nil {
		m.Date = *date
	}
	m.Type = MovementType(mt)
	return &m, nil
}

// nullDate converts a zero time to SQL NULL.
func nullDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// isUniqueViolation checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
