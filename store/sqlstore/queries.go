package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/inventory-ledger/inventory"
)

const (
	projectColumns  = `id, name, created_at`
	storeColumns    = `id, name, type, project_id, created_at, updated_at, deleted_at`
	categoryColumns = `id, name, name_key, created_at`
	productColumns  = `id, category_id, name, name_key, unit, restock_level, created_at, updated_at, deleted_at`
	balanceColumns  = `store_id, product_id, quantity, updated_at`
	purchaseColumns = `id, store_id, product_id, quantity, unit_cost, total_cost, purchase_date,
		notes, request_id, created_by, created_at, deleted_at, deleted_by`
	issueColumns = `id, from_store_id, to_store_id, product_id, quantity, issued_to_name, issue_date,
		notes, request_id, created_by, created_at, deleted_at, deleted_by`
)

// reader runs read queries against either the pool or an open transaction.
type reader struct {
	q        sqlx.ExtContext
	postgres bool
}

// get scans one row into dest and reports whether a row was found.
func (r *reader) get(ctx context.Context, dest any, query string, args ...any) (bool, error) {
	err := sqlx.GetContext(ctx, r.q, dest, r.q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// selectAll expands slice arguments into IN lists before running query.
func (r *reader) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return err
	}
	return sqlx.SelectContext(ctx, r.q, dest, r.q.Rebind(expanded), expandedArgs...)
}

// =============================================================================
// PROJECTS & STORES
// =============================================================================

func (r *reader) GetProject(ctx context.Context, id string) (*inventory.Project, error) {
	var p inventory.Project
	ok, err := r.get(ctx, &p, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	if err != nil || !ok {
		return nil, wrap("get project", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (r *reader) ListProjects(ctx context.Context) ([]inventory.Project, error) {
	ps := []inventory.Project{}
	if err := r.selectAll(ctx, &ps, `SELECT `+projectColumns+` FROM projects ORDER BY name, created_at`); err != nil {
		return nil, wrap("list projects", err)
	}
	for i := range ps {
		ps[i].CreatedAt = ps[i].CreatedAt.UTC()
	}
	return ps, nil
}

func (r *reader) GetStore(ctx context.Context, id string) (*inventory.Store, error) {
	var s inventory.Store
	ok, err := r.get(ctx, &s, `SELECT `+storeColumns+` FROM stores WHERE id = ?`, id)
	if err != nil || !ok {
		return nil, wrap("get store", err)
	}
	normStore(&s)
	return &s, nil
}

func (r *reader) ListStores(ctx context.Context, f inventory.StoreFilter) ([]inventory.Store, error) {
	w := where{}
	if !f.IncludeDeleted {
		w.add(`deleted_at IS NULL`)
	}
	if f.Type != "" {
		w.add(`type = ?`, string(f.Type))
	}
	if f.ProjectID != "" {
		w.add(`project_id = ?`, f.ProjectID)
	}
	ss := []inventory.Store{}
	if err := r.selectAll(ctx, &ss, `SELECT `+storeColumns+` FROM stores`+w.sql()+` ORDER BY name, created_at`, w.args...); err != nil {
		return nil, wrap("list stores", err)
	}
	for i := range ss {
		normStore(&ss[i])
	}
	return ss, nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (r *reader) GetCategory(ctx context.Context, id string) (*inventory.Category, error) {
	return r.getCategory(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = ?`, id)
}

func (r *reader) FindCategoryByKey(ctx context.Context, key string) (*inventory.Category, error) {
	return r.getCategory(ctx, `SELECT `+categoryColumns+` FROM categories WHERE name_key = ?`, key)
}

func (r *reader) getCategory(ctx context.Context, query string, arg string) (*inventory.Category, error) {
	var c inventory.Category
	ok, err := r.get(ctx, &c, query, arg)
	if err != nil || !ok {
		return nil, wrap("get category", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (r *reader) ListCategories(ctx context.Context) ([]inventory.Category, error) {
	cs := []inventory.Category{}
	if err := r.selectAll(ctx, &cs, `SELECT `+categoryColumns+` FROM categories ORDER BY name`); err != nil {
		return nil, wrap("list categories", err)
	}
	for i := range cs {
		cs[i].CreatedAt = cs[i].CreatedAt.UTC()
	}
	return cs, nil
}

func (r *reader) GetProduct(ctx context.Context, id string) (*inventory.Product, error) {
	return r.getProduct(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
}

func (r *reader) FindProductByKey(ctx context.Context, categoryID, key string) (*inventory.Product, error) {
	return r.getProduct(ctx, `SELECT `+productColumns+` FROM products WHERE category_id = ? AND name_key = ?`, categoryID, key)
}

func (r *reader) getProduct(ctx context.Context, query string, args ...any) (*inventory.Product, error) {
	var p inventory.Product
	ok, err := r.get(ctx, &p, query, args...)
	if err != nil || !ok {
		return nil, wrap("get product", err)
	}
	normProduct(&p)
	return &p, nil
}

func (r *reader) ListProducts(ctx context.Context, f inventory.ProductFilter) ([]inventory.Product, error) {
	w := where{}
	if !f.IncludeDeleted {
		w.add(`deleted_at IS NULL`)
	}
	if f.CategoryID != "" {
		w.add(`category_id = ?`, f.CategoryID)
	}
	ps := []inventory.Product{}
	if err := r.selectAll(ctx, &ps, `SELECT `+productColumns+` FROM products`+w.sql()+` ORDER BY name, id`, w.args...); err != nil {
		return nil, wrap("list products", err)
	}
	for i := range ps {
		normProduct(&ps[i])
	}
	return ps, nil
}

// =============================================================================
// BALANCES
// =============================================================================

func (r *reader) GetBalance(ctx context.Context, storeID, productID string) (decimal.Decimal, error) {
	var qty decimal.Decimal
	_, err := r.get(ctx, &qty, `SELECT quantity FROM inventory_balances WHERE store_id = ? AND product_id = ?`, storeID, productID)
	if err != nil {
		return decimal.Zero, wrap("get balance", err)
	}
	return qty, nil
}

func (r *reader) ListBalances(ctx context.Context, f inventory.BalanceFilter) ([]inventory.Balance, error) {
	bs := []inventory.Balance{}
	if f.StoreIDs != nil && len(f.StoreIDs) == 0 {
		return bs, nil
	}
	w := where{}
	if f.StoreIDs != nil {
		w.add(`store_id IN (?)`, f.StoreIDs)
	}
	if f.ProductID != "" {
		w.add(`product_id = ?`, f.ProductID)
	}
	if err := r.selectAll(ctx, &bs, `SELECT `+balanceColumns+` FROM inventory_balances`+w.sql()+` ORDER BY store_id, product_id`, w.args...); err != nil {
		return nil, wrap("list balances", err)
	}
	for i := range bs {
		bs[i].UpdatedAt = bs[i].UpdatedAt.UTC()
	}
	return bs, nil
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func (r *reader) GetPurchase(ctx context.Context, id string) (*inventory.Purchase, error) {
	return r.getPurchase(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, id)
}

func (r *reader) FindPurchaseByRequestID(ctx context.Context, requestID string) (*inventory.Purchase, error) {
	return r.getPurchase(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE request_id = ?`, requestID)
}

func (r *reader) getPurchase(ctx context.Context, query, arg string) (*inventory.Purchase, error) {
	var p inventory.Purchase
	ok, err := r.get(ctx, &p, query, arg)
	if err != nil || !ok {
		return nil, wrap("get purchase", err)
	}
	normPurchase(&p)
	return &p, nil
}

func (r *reader) ListPurchases(ctx context.Context, f inventory.MovementFilter) ([]inventory.Purchase, error) {
	ps := []inventory.Purchase{}
	if f.StoreIDs != nil && len(f.StoreIDs) == 0 {
		return ps, nil
	}
	w := movementWhere(f, "purchase_date")
	if f.StoreIDs != nil {
		w.add(`store_id IN (?)`, f.StoreIDs)
	}
	query := `SELECT ` + purchaseColumns + ` FROM purchases` + w.sql() + ` ORDER BY purchase_date, created_at`
	if err := r.selectAll(ctx, &ps, query, w.args...); err != nil {
		return nil, wrap("list purchases", err)
	}
	for i := range ps {
		normPurchase(&ps[i])
	}
	return ps, nil
}

func (r *reader) GetIssue(ctx context.Context, id string) (*inventory.Issue, error) {
	return r.getIssue(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
}

func (r *reader) FindIssueByRequestID(ctx context.Context, requestID string) (*inventory.Issue, error) {
	return r.getIssue(ctx, `SELECT `+issueColumns+` FROM issues WHERE request_id = ?`, requestID)
}

func (r *reader) getIssue(ctx context.Context, query, arg string) (*inventory.Issue, error) {
	var i inventory.Issue
	ok, err := r.get(ctx, &i, query, arg)
	if err != nil || !ok {
		return nil, wrap("get issue", err)
	}
	normIssue(&i)
	return &i, nil
}

func (r *reader) ListIssues(ctx context.Context, f inventory.MovementFilter) ([]inventory.Issue, error) {
	is := []inventory.Issue{}
	if f.StoreIDs != nil && len(f.StoreIDs) == 0 {
		return is, nil
	}
	w := movementWhere(f, "issue_date")
	if f.StoreIDs != nil {
		w.add(`(from_store_id IN (?) OR to_store_id IN (?))`, f.StoreIDs, f.StoreIDs)
	}
	query := `SELECT ` + issueColumns + ` FROM issues` + w.sql() + ` ORDER BY issue_date, created_at`
	if err := r.selectAll(ctx, &is, query, w.args...); err != nil {
		return nil, wrap("list issues", err)
	}
	for i := range is {
		normIssue(&is[i])
	}
	return is, nil
}

func movementWhere(f inventory.MovementFilter, dateColumn string) where {
	w := where{}
	if !f.IncludeDeleted {
		w.add(`deleted_at IS NULL`)
	}
	if f.ProductID != "" {
		w.add(`product_id = ?`, f.ProductID)
	}
	if f.From != nil {
		w.add(dateColumn+` >= ?`, dateArg(*f.From))
	}
	if f.To != nil {
		w.add(dateColumn+` <= ?`, dateArg(*f.To))
	}
	return w
}

// =============================================================================
// HELPERS
// =============================================================================

type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func dateArg(t time.Time) string {
	return t.Format(time.DateOnly)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// Drivers hand back times in the session zone (lib/pq) or a fixed zero
// offset; the domain works in UTC throughout.

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func normStore(s *inventory.Store) {
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	s.DeletedAt = utcPtr(s.DeletedAt)
}

func normProduct(p *inventory.Product) {
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.DeletedAt = utcPtr(p.DeletedAt)
}

func normPurchase(p *inventory.Purchase) {
	p.PurchaseDate = inventory.DateOf(p.PurchaseDate)
	p.CreatedAt = p.CreatedAt.UTC()
	p.DeletedAt = utcPtr(p.DeletedAt)
}

func normIssue(i *inventory.Issue) {
	i.IssueDate = inventory.DateOf(i.IssueDate)
	i.CreatedAt = i.CreatedAt.UTC()
	i.DeletedAt = utcPtr(i.DeletedAt)
}
