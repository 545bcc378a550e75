// Package memory provides an in-memory inventory.Repository for tests and
// local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/inventory-ledger/inventory"
)

// =============================================================================
// MEMORY REPOSITORY
// =============================================================================

// Memory keeps every table in maps guarded by one RWMutex. WithTx holds
// the write lock for the whole transaction, which is what makes
// LockBalance safe: there is only ever one writer.
type Memory struct {
	mu sync.RWMutex
	st *state
}

var (
	_ inventory.Repository = (*Memory)(nil)
	_ inventory.Tx         = (*txView)(nil)
)

func New() *Memory {
	return &Memory{st: newState()}
}

type state struct {
	projects   map[string]inventory.Project
	stores     map[string]inventory.Store
	categories map[string]inventory.Category
	products   map[string]inventory.Product
	balances   map[inventory.BalanceKey]inventory.Balance
	purchases  []inventory.Purchase
	issues     []inventory.Issue
	requests   map[string]bool
}

func newState() *state {
	return &state{
		projects:   make(map[string]inventory.Project),
		stores:     make(map[string]inventory.Store),
		categories: make(map[string]inventory.Category),
		products:   make(map[string]inventory.Product),
		balances:   make(map[inventory.BalanceKey]inventory.Balance),
		requests:   make(map[string]bool),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(inventory.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		projects:   make(map[string]inventory.Project, len(s.projects)),
		stores:     make(map[string]inventory.Store, len(s.stores)),
		categories: make(map[string]inventory.Category, len(s.categories)),
		products:   make(map[string]inventory.Product, len(s.products)),
		balances:   make(map[inventory.BalanceKey]inventory.Balance, len(s.balances)),
		purchases:  append([]inventory.Purchase(nil), s.purchases...),
		issues:     append([]inventory.Issue(nil), s.issues...),
		requests:   make(map[string]bool, len(s.requests)),
	}
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.stores {
		c.stores[k] = v
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	return c
}

// =============================================================================
// READS (lock held by the caller)
// =============================================================================

func (s *state) getProject(id string) *inventory.Project {
	if p, ok := s.projects[id]; ok {
		return &p
	}
	return nil
}

func (s *state) listProjects() []inventory.Project {
	out := make([]inventory.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *state) getStore(id string) *inventory.Store {
	if st, ok := s.stores[id]; ok {
		return &st
	}
	return nil
}

func (s *state) listStores(f inventory.StoreFilter) []inventory.Store {
	out := make([]inventory.Store, 0, len(s.stores))
	for _, st := range s.stores {
		if !f.IncludeDeleted && st.IsDeleted() {
			continue
		}
		if f.Type != "" && st.Type != f.Type {
			continue
		}
		if f.ProjectID != "" && (st.ProjectID == nil || *st.ProjectID != f.ProjectID) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *state) getCategory(id string) *inventory.Category {
	if c, ok := s.categories[id]; ok {
		return &c
	}
	return nil
}

func (s *state) findCategoryByKey(key string) *inventory.Category {
	for _, c := range s.categories {
		if c.NameKey == key {
			return &c
		}
	}
	return nil
}

func (s *state) listCategories() []inventory.Category {
	out := make([]inventory.Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *state) getProduct(id string) *inventory.Product {
	if p, ok := s.products[id]; ok {
		return &p
	}
	return nil
}

func (s *state) findProductByKey(categoryID, key string) *inventory.Product {
	for _, p := range s.products {
		if p.CategoryID == categoryID && p.NameKey == key {
			return &p
		}
	}
	return nil
}

func (s *state) listProducts(f inventory.ProductFilter) []inventory.Product {
	out := make([]inventory.Product, 0, len(s.products))
	for _, p := range s.products {
		if !f.IncludeDeleted && p.IsDeleted() {
			continue
		}
		if f.CategoryID != "" && p.CategoryID != f.CategoryID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) getBalance(storeID, productID string) decimal.Decimal {
	return s.balances[inventory.BalanceKey{StoreID: storeID, ProductID: productID}].Quantity
}

func (s *state) listBalances(f inventory.BalanceFilter) []inventory.Balance {
	stores := idSet(f.StoreIDs)
	out := make([]inventory.Balance, 0, len(s.balances))
	for k, b := range s.balances {
		if stores != nil && !stores[k.StoreID] {
			continue
		}
		if f.ProductID != "" && k.ProductID != f.ProductID {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StoreID != out[j].StoreID {
			return out[i].StoreID < out[j].StoreID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

func (s *state) findPurchase(match func(*inventory.Purchase) bool) *inventory.Purchase {
	for i := range s.purchases {
		if match(&s.purchases[i]) {
			p := s.purchases[i]
			return &p
		}
	}
	return nil
}

func (s *state) listPurchases(f inventory.MovementFilter) []inventory.Purchase {
	stores := idSet(f.StoreIDs)
	out := make([]inventory.Purchase, 0)
	for _, p := range s.purchases {
		if stores != nil && !stores[p.StoreID] {
			continue
		}
		if !keepMovement(f, p.ProductID, p.PurchaseDate, p.IsDeleted()) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return before(out[i].PurchaseDate, out[i].CreatedAt, out[j].PurchaseDate, out[j].CreatedAt)
	})
	return out
}

func (s *state) findIssue(match func(*inventory.Issue) bool) *inventory.Issue {
	for i := range s.issues {
		if match(&s.issues[i]) {
			is := s.issues[i]
			return &is
		}
	}
	return nil
}

func (s *state) listIssues(f inventory.MovementFilter) []inventory.Issue {
	stores := idSet(f.StoreIDs)
	out := make([]inventory.Issue, 0)
	for _, is := range s.issues {
		if stores != nil && !stores[is.FromStoreID] && (is.ToStoreID == nil || !stores[*is.ToStoreID]) {
			continue
		}
		if !keepMovement(f, is.ProductID, is.IssueDate, is.IsDeleted()) {
			continue
		}
		out = append(out, is)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return before(out[i].IssueDate, out[i].CreatedAt, out[j].IssueDate, out[j].CreatedAt)
	})
	return out
}

func keepMovement(f inventory.MovementFilter, productID string, date time.Time, deleted bool) bool {
	if !f.IncludeDeleted && deleted {
		return false
	}
	if f.ProductID != "" && productID != f.ProductID {
		return false
	}
	if f.From != nil && date.Before(*f.From) {
		return false
	}
	if f.To != nil && date.After(*f.To) {
		return false
	}
	return true
}

func before(d1, c1, d2, c2 time.Time) bool {
	if !d1.Equal(d2) {
		return d1.Before(d2)
	}
	return c1.Before(c2)
}

// idSet returns nil for a nil slice, meaning "no restriction".
func idSet(ids []string) map[string]bool {
	if ids == nil {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// =============================================================================
// READER - Locked entry points
// =============================================================================

func (m *Memory) GetProject(ctx context.Context, id string) (*inventory.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getProject(id), nil
}

func (m *Memory) ListProjects(ctx context.Context) ([]inventory.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listProjects(), nil
}

func (m *Memory) GetStore(ctx context.Context, id string) (*inventory.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getStore(id), nil
}

func (m *Memory) ListStores(ctx context.Context, f inventory.StoreFilter) ([]inventory.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listStores(f), nil
}

func (m *Memory) GetCategory(ctx context.Context, id string) (*inventory.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getCategory(id), nil
}

func (m *Memory) FindCategoryByKey(ctx context.Context, key string) (*inventory.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findCategoryByKey(key), nil
}

func (m *Memory) ListCategories(ctx context.Context) ([]inventory.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listCategories(), nil
}

func (m *Memory) GetProduct(ctx context.Context, id string) (*inventory.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getProduct(id), nil
}

func (m *Memory) FindProductByKey(ctx context.Context, categoryID, key string) (*inventory.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findProductByKey(categoryID, key), nil
}

func (m *Memory) ListProducts(ctx context.Context, f inventory.ProductFilter) ([]inventory.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listProducts(f), nil
}

func (m *Memory) GetBalance(ctx context.Context, storeID, productID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getBalance(storeID, productID), nil
}

func (m *Memory) ListBalances(ctx context.Context, f inventory.BalanceFilter) ([]inventory.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listBalances(f), nil
}

func (m *Memory) GetPurchase(ctx context.Context, id string) (*inventory.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findPurchase(func(p *inventory.Purchase) bool { return p.ID == id }), nil
}

func (m *Memory) FindPurchaseByRequestID(ctx context.Context, requestID string) (*inventory.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findPurchase(byPurchaseRequest(requestID)), nil
}

func (m *Memory) ListPurchases(ctx context.Context, f inventory.MovementFilter) ([]inventory.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listPurchases(f), nil
}

func (m *Memory) GetIssue(ctx context.Context, id string) (*inventory.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findIssue(func(i *inventory.Issue) bool { return i.ID == id }), nil
}

func (m *Memory) FindIssueByRequestID(ctx context.Context, requestID string) (*inventory.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findIssue(byIssueRequest(requestID)), nil
}

func (m *Memory) ListIssues(ctx context.Context, f inventory.MovementFilter) ([]inventory.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listIssues(f), nil
}

func byPurchaseRequest(id string) func(*inventory.Purchase) bool {
	return func(p *inventory.Purchase) bool { return p.RequestID != nil && *p.RequestID == id }
}

func byIssueRequest(id string) func(*inventory.Issue) bool {
	return func(i *inventory.Issue) bool { return i.RequestID != nil && *i.RequestID == id }
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView reads and writes the live state directly; Memory.WithTx already
// holds the write lock and restores the snapshot on error.
type txView struct {
	st *state
}

func (tv *txView) GetProject(ctx context.Context, id string) (*inventory.Project, error) {
	return tv.st.getProject(id), nil
}

func (tv *txView) ListProjects(ctx context.Context) ([]inventory.Project, error) {
	return tv.st.listProjects(), nil
}

func (tv *txView) GetStore(ctx context.Context, id string) (*inventory.Store, error) {
	return tv.st.getStore(id), nil
}

func (tv *txView) ListStores(ctx context.Context, f inventory.StoreFilter) ([]inventory.Store, error) {
	return tv.st.listStores(f), nil
}

func (tv *txView) GetCategory(ctx context.Context, id string) (*inventory.Category, error) {
	return tv.st.getCategory(id), nil
}

func (tv *txView) FindCategoryByKey(ctx context.Context, key string) (*inventory.Category, error) {
	return tv.st.findCategoryByKey(key), nil
}

func (tv *txView) ListCategories(ctx context.Context) ([]inventory.Category, error) {
	return tv.st.listCategories(), nil
}

func (tv *txView) GetProduct(ctx context.Context, id string) (*inventory.Product, error) {
	return tv.st.getProduct(id), nil
}

func (tv *txView) FindProductByKey(ctx context.Context, categoryID, key string) (*inventory.Product, error) {
	return tv.st.findProductByKey(categoryID, key), nil
}

func (tv *txView) ListProducts(ctx context.Context, f inventory.ProductFilter) ([]inventory.Product, error) {
	return tv.st.listProducts(f), nil
}

func (tv *txView) GetBalance(ctx context.Context, storeID, productID string) (decimal.Decimal, error) {
	return tv.st.getBalance(storeID, productID), nil
}

func (tv *txView) ListBalances(ctx context.Context, f inventory.BalanceFilter) ([]inventory.Balance, error) {
	return tv.st.listBalances(f), nil
}

func (tv *txView) GetPurchase(ctx context.Context, id string) (*inventory.Purchase, error) {
	return tv.st.findPurchase(func(p *inventory.Purchase) bool { return p.ID == id }), nil
}

func (tv *txView) FindPurchaseByRequestID(ctx context.Context, requestID string) (*inventory.Purchase, error) {
	return tv.st.findPurchase(byPurchaseRequest(requestID)), nil
}

func (tv *txView) ListPurchases(ctx context.Context, f inventory.MovementFilter) ([]inventory.Purchase, error) {
	return tv.st.listPurchases(f), nil
}

func (tv *txView) GetIssue(ctx context.Context, id string) (*inventory.Issue, error) {
	return tv.st.findIssue(func(i *inventory.Issue) bool { return i.ID == id }), nil
}

func (tv *txView) FindIssueByRequestID(ctx context.Context, requestID string) (*inventory.Issue, error) {
	return tv.st.findIssue(byIssueRequest(requestID)), nil
}

func (tv *txView) ListIssues(ctx context.Context, f inventory.MovementFilter) ([]inventory.Issue, error) {
	return tv.st.listIssues(f), nil
}

func (tv *txView) SaveProject(ctx context.Context, p inventory.Project) error {
	tv.st.projects[p.ID] = p
	return nil
}

func (tv *txView) SaveStore(ctx context.Context, s inventory.Store) error {
	tv.st.stores[s.ID] = s
	return nil
}

func (tv *txView) SaveCategory(ctx context.Context, c inventory.Category) error {
	tv.st.categories[c.ID] = c
	return nil
}

func (tv *txView) SaveProduct(ctx context.Context, p inventory.Product) error {
	tv.st.products[p.ID] = p
	return nil
}

func (tv *txView) LockStore(ctx context.Context, id string, exclusive bool) (*inventory.Store, error) {
	return tv.st.getStore(id), nil
}

// LockBalance needs no extra locking: the transaction is the only writer.
func (tv *txView) LockBalance(ctx context.Context, storeID, productID string) (decimal.Decimal, error) {
	return tv.st.getBalance(storeID, productID), nil
}

func (tv *txView) SetBalance(ctx context.Context, storeID, productID string, qty decimal.Decimal, at time.Time) error {
	k := inventory.BalanceKey{StoreID: storeID, ProductID: productID}
	tv.st.balances[k] = inventory.Balance{StoreID: storeID, ProductID: productID, Quantity: qty, UpdatedAt: at}
	return nil
}

func (tv *txView) InsertPurchase(ctx context.Context, p inventory.Purchase) error {
	if err := tv.claimRequest("purchase:", p.RequestID); err != nil {
		return err
	}
	tv.st.purchases = append(tv.st.purchases, p)
	return nil
}

func (tv *txView) InsertIssue(ctx context.Context, i inventory.Issue) error {
	if err := tv.claimRequest("issue:", i.RequestID); err != nil {
		return err
	}
	tv.st.issues = append(tv.st.issues, i)
	return nil
}

func (tv *txView) claimRequest(prefix string, id *string) error {
	if id == nil {
		return nil
	}
	if tv.st.requests[prefix+*id] {
		return inventory.ErrDuplicateRequest
	}
	tv.st.requests[prefix+*id] = true
	return nil
}

// MarkPurchaseDeleted is the soft delete guard: it only reports true for
// the call that actually flips deleted_at.
func (tv *txView) MarkPurchaseDeleted(ctx context.Context, id, by string, at time.Time) (bool, error) {
	for i := range tv.st.purchases {
		p := &tv.st.purchases[i]
		if p.ID != id {
			continue
		}
		if p.IsDeleted() {
			return false, nil
		}
		p.DeletedAt = &at
		p.DeletedBy = author(by)
		return true, nil
	}
	return false, nil
}

func (tv *txView) MarkIssueDeleted(ctx context.Context, id, by string, at time.Time) (bool, error) {
	for i := range tv.st.issues {
		is := &tv.st.issues[i]
		if is.ID != id {
			continue
		}
		if is.IsDeleted() {
			return false, nil
		}
		is.DeletedAt = &at
		is.DeletedBy = author(by)
		return true, nil
	}
	return false, nil
}

func author(by string) *string {
	if by == "" {
		return nil
	}
	return &by
}
