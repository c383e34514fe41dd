package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection pool. Tests use it to drive
// the query paths without a live Postgres.
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// BeginTx starts a transaction. Settlement and checkout run their claim and
// stock mutations inside one transaction so they are observed all-or-nothing.
func (s *Store) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, nil)
}

// GetVariantByID retrieves a catalog variant by ID
func (s *Store) GetVariantByID(ctx context.Context, id int64) (*models.Variant, error) {
	var variant models.Variant
	err := s.db.GetContext(ctx, &variant, "SELECT * FROM variants WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("variant not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &variant, nil
}

// GetVariantsByIDs retrieves multiple variants by IDs
func (s *Store) GetVariantsByIDs(ctx context.Context, ids []int64) ([]models.Variant, error) {
	if len(ids) == 0 {
		return []models.Variant{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM variants WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var variants []models.Variant
	err = s.db.SelectContext(ctx, &variants, query, args...)
	return variants, err
}

// GetAvailable returns the advisory availability for a variant: the pool
// count for quantity-tracked stock, the number of unclaimed units for
// unique-tracked stock. Read-only, carries no reservation guarantee.
func (s *Store) GetAvailable(ctx context.Context, variantID int64, inventoryType string) (int, error) {
	var available int
	var err error
	if inventoryType == models.InventoryTypeUnique {
		err = s.db.GetContext(ctx, &available,
			"SELECT COUNT(*) FROM unique_units WHERE variant_id = $1 AND status = $2 AND NOT archived",
			variantID, models.UnitStatusAvailable)
	} else {
		err = s.db.GetContext(ctx, &available,
			"SELECT available FROM stock_pool WHERE variant_id = $1", variantID)
		if err == sql.ErrNoRows {
			return 0, nil
		}
	}
	return available, err
}

// TryDebit atomically decrements the counted pool iff available >= qty.
// Returns false on exhaustion; exhaustion is an expected business outcome,
// not an error. The precondition and the decrement are one statement, so no
// intermediate state is ever observable.
func (s *Store) TryDebit(ctx context.Context, q sqlx.ExtContext, variantID int64, qty int) (bool, error) {
	res, err := q.ExecContext(ctx,
		"UPDATE stock_pool SET available = available - $1, updated_at = NOW() WHERE variant_id = $2 AND available >= $1",
		qty, variantID)
	if err != nil {
		return false, fmt.Errorf("failed to debit stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// Credit is the compensating inverse of TryDebit. Callers guard exactly-once
// application via the order's stock_committed CAS; the increment itself is a
// plain atomic update.
func (s *Store) Credit(ctx context.Context, q sqlx.ExtContext, variantID int64, qty int) error {
	_, err := q.ExecContext(ctx,
		"UPDATE stock_pool SET available = available + $1, updated_at = NOW() WHERE variant_id = $2",
		qty, variantID)
	if err != nil {
		return fmt.Errorf("failed to credit stock: %w", err)
	}
	return nil
}

// TryClaimUnit atomically reserves one available, non-archived unit of the
// variant under the provisional holder sentinel. The Available->Reserved
// transition is the concurrency guard: two racing claims can never take the
// same unit. Returns (0, false, nil) when no unit is free.
func (s *Store) TryClaimUnit(ctx context.Context, q sqlx.ExtContext, variantID int64) (int64, bool, error) {
	var unitID int64
	err := sqlx.GetContext(ctx, q, &unitID, `
		UPDATE unique_units SET status = $1, holding_order_id = $2
		WHERE id = (
			SELECT id FROM unique_units
			WHERE variant_id = $3 AND status = $4 AND NOT archived
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`,
		models.UnitStatusReserved, models.ProvisionalHolderID,
		variantID, models.UnitStatusAvailable)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to claim unit: %w", err)
	}
	return unitID, true, nil
}

// LinkUnit overwrites a claimed unit's provisional holder with the real
// order id. Must run inside the same transaction as the claim.
func (s *Store) LinkUnit(ctx context.Context, q sqlx.ExtContext, unitID, orderID int64) error {
	res, err := q.ExecContext(ctx,
		"UPDATE unique_units SET holding_order_id = $1 WHERE id = $2 AND status = $3",
		orderID, unitID, models.UnitStatusReserved)
	if err != nil {
		return fmt.Errorf("failed to link unit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("unit %d not in reserved state for linkage", unitID)
	}
	return nil
}

// Release returns a reserved unit to the pool, clearing its holder.
// Idempotent: releasing an already-restored unit matches zero rows and is a
// no-op, which compensation retries rely on.
func (s *Store) Release(ctx context.Context, q sqlx.ExtContext, unitID, orderID int64) error {
	_, err := q.ExecContext(ctx,
		"UPDATE unique_units SET status = $1, holding_order_id = NULL WHERE id = $2 AND holding_order_id = $3 AND status = $4",
		models.UnitStatusAvailable, unitID, orderID, models.UnitStatusReserved)
	if err != nil {
		return fmt.Errorf("failed to release unit: %w", err)
	}
	return nil
}

// FinalizeSale moves a unit Reserved->Sold. Valid only from Reserved.
func (s *Store) FinalizeSale(ctx context.Context, q sqlx.ExtContext, unitID int64) error {
	res, err := q.ExecContext(ctx,
		"UPDATE unique_units SET status = $1, sold_at = NOW() WHERE id = $2 AND status = $3",
		models.UnitStatusSold, unitID, models.UnitStatusReserved)
	if err != nil {
		return fmt.Errorf("failed to finalize sale: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("unit %d not in reserved state for sale", unitID)
	}
	return nil
}

// GetUnitByID retrieves a unique unit by ID
func (s *Store) GetUnitByID(ctx context.Context, unitID int64) (*models.UniqueUnit, error) {
	var unit models.UniqueUnit
	err := s.db.GetContext(ctx, &unit, "SELECT * FROM unique_units WHERE id = $1", unitID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unit not found: %d", unitID)
	}
	if err != nil {
		return nil, err
	}
	return &unit, nil
}
