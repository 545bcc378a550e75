package sqlstore

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/inventory-ledger/inventory"
)

// =============================================================================
// TRANSACTIONAL STORE (inventory.Tx)
// =============================================================================

type txStore struct {
	reader
	tx *sqlx.Tx
}

func (ts *txStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := ts.tx.ExecContext(ctx, ts.tx.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (ts *txStore) SaveProject(ctx context.Context, p inventory.Project) error {
	_, err := ts.exec(ctx, `INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt)
	return wrap("save project", err)
}

func (ts *txStore) SaveStore(ctx context.Context, s inventory.Store) error {
	_, err := ts.exec(ctx, `
		INSERT INTO stores (id, name, type, project_id, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			project_id = excluded.project_id,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, s.ID, s.Name, string(s.Type), s.ProjectID, s.CreatedAt, s.UpdatedAt, s.DeletedAt)
	if isUniqueViolation(err) {
		return &inventory.ConflictError{Message: "project already has a store"}
	}
	return wrap("save store", err)
}

func (ts *txStore) SaveCategory(ctx context.Context, c inventory.Category) error {
	_, err := ts.exec(ctx, `INSERT INTO categories (id, name, name_key, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.NameKey, c.CreatedAt)
	if isUniqueViolation(err) {
		return &inventory.ConflictError{Message: "category " + c.Name + " already exists"}
	}
	return wrap("save category", err)
}

func (ts *txStore) SaveProduct(ctx context.Context, p inventory.Product) error {
	_, err := ts.exec(ctx, `
		INSERT INTO products (id, category_id, name, name_key, unit, restock_level, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			category_id = excluded.category_id,
			name = excluded.name,
			name_key = excluded.name_key,
			unit = excluded.unit,
			restock_level = excluded.restock_level,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, p.ID, p.CategoryID, p.Name, p.NameKey, p.Unit, p.RestockLevel, p.CreatedAt, p.UpdatedAt, p.DeletedAt)
	if isUniqueViolation(err) {
		return &inventory.ConflictError{Message: "product " + p.Name + " already exists in this category"}
	}
	return wrap("save product", err)
}

// =============================================================================
// LOCKS & BALANCES
// =============================================================================

func (ts *txStore) LockStore(ctx context.Context, id string, exclusive bool) (*inventory.Store, error) {
	query := `SELECT ` + storeColumns + ` FROM stores WHERE id = ?`
	if ts.postgres {
		if exclusive {
			query += ` FOR UPDATE`
		} else {
			query += ` FOR SHARE`
		}
	}
	var s inventory.Store
	ok, err := ts.get(ctx, &s, query, id)
	if err != nil || !ok {
		return nil, wrap("lock store", err)
	}
	normStore(&s)
	return &s, nil
}

// LockBalance creates the balance row on first use so that there is
// always a row to lock, then reads it under FOR UPDATE.
func (ts *txStore) LockBalance(ctx context.Context, storeID, productID string) (decimal.Decimal, error) {
	_, err := ts.exec(ctx, `
		INSERT INTO inventory_balances (store_id, product_id, quantity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (store_id, product_id) DO NOTHING
	`, storeID, productID, decimal.Zero, time.Now().UTC())
	if err != nil {
		return decimal.Zero, wrap("create balance", err)
	}

	query := `SELECT quantity FROM inventory_balances WHERE store_id = ? AND product_id = ?`
	if ts.postgres {
		query += ` FOR UPDATE`
	}
	var qty decimal.Decimal
	if _, err := ts.get(ctx, &qty, query, storeID, productID); err != nil {
		return decimal.Zero, wrap("lock balance", err)
	}
	return qty, nil
}

func (ts *txStore) SetBalance(ctx context.Context, storeID, productID string, qty decimal.Decimal, at time.Time) error {
	_, err := ts.exec(ctx, `
		UPDATE inventory_balances SET quantity = ?, updated_at = ?
		WHERE store_id = ? AND product_id = ?
	`, qty, at, storeID, productID)
	return wrap("set balance", err)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func (ts *txStore) InsertPurchase(ctx context.Context, p inventory.Purchase) error {
	_, err := ts.exec(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.StoreID, p.ProductID, p.Quantity, p.UnitCost, p.TotalCost, dateArg(p.PurchaseDate),
		p.Notes, p.RequestID, p.CreatedBy, p.CreatedAt, p.DeletedAt, p.DeletedBy)
	if isUniqueViolation(err) && isRequestIndex(err) {
		return inventory.ErrDuplicateRequest
	}
	return wrap("insert purchase", err)
}

func (ts *txStore) InsertIssue(ctx context.Context, i inventory.Issue) error {
	_, err := ts.exec(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, i.ID, i.FromStoreID, i.ToStoreID, i.ProductID, i.Quantity, i.IssuedToName, dateArg(i.IssueDate),
		i.Notes, i.RequestID, i.CreatedBy, i.CreatedAt, i.DeletedAt, i.DeletedBy)
	if isUniqueViolation(err) && isRequestIndex(err) {
		return inventory.ErrDuplicateRequest
	}
	return wrap("insert issue", err)
}

func isRequestIndex(err error) bool {
	return strings.Contains(violatedIndex(err), "request_id")
}

// MarkPurchaseDeleted is the soft delete guard. The WHERE clause makes
// the update a no-op for a row that is already deleted, and on PostgreSQL
// the row lock makes a concurrent caller wait and then match nothing.
func (ts *txStore) MarkPurchaseDeleted(ctx context.Context, id, by string, at time.Time) (bool, error) {
	n, err := ts.exec(ctx, `
		UPDATE purchases SET deleted_at = ?, deleted_by = ?
		WHERE id = ? AND deleted_at IS NULL
	`, at, nullable(by), id)
	if err != nil {
		return false, wrap("delete purchase", err)
	}
	return n == 1, nil
}

func (ts *txStore) MarkIssueDeleted(ctx context.Context, id, by string, at time.Time) (bool, error) {
	n, err := ts.exec(ctx, `
		UPDATE issues SET deleted_at = ?, deleted_by = ?
		WHERE id = ? AND deleted_at IS NULL
	`, at, nullable(by), id)
	if err != nil {
		return false, wrap("delete issue", err)
	}
	return n == 1, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
