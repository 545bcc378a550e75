package inventory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/inventory/memory"
	"github.com/warp/inventory-ledger/store/sqlstore"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

// backends lists every Repository the ledger tests run against.
var backends = []struct {
	name string
	open func(t *testing.T) inventory.Repository
}{
	{"memory", func(t *testing.T) inventory.Repository { return memory.New() }},
	{"sqlite", func(t *testing.T) inventory.Repository {
		s, err := sqlstore.New(sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: ":memory:"}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

// eachBackend runs fn once per repository implementation.
func eachBackend(t *testing.T, fn func(t *testing.T, repo inventory.Repository)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

// fixture is a small site: one central yard, two project stores and a
// bag product.
type fixture struct {
	t      *testing.T
	ctx    context.Context
	repo   inventory.Repository
	reg    *inventory.Registry
	ledger *inventory.Ledger

	central, siteA, siteB string
	cement                string
}

var day = inventory.Date(2025, time.March, 10)

func newFixture(t *testing.T, repo inventory.Repository, opts ...inventory.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		t:      t,
		ctx:    ctx,
		repo:   repo,
		reg:    inventory.NewRegistry(repo, opts...),
		ledger: inventory.NewLedger(repo, opts...),
	}

	a, err := f.reg.CreateProject(ctx, "Tower A")
	require.NoError(t, err)
	b, err := f.reg.CreateProject(ctx, "Tower B")
	require.NoError(t, err)

	f.central = f.store("Central Yard", inventory.StoreCentral, "")
	f.siteA = f.store("Tower A Store", inventory.StoreProject, a.ID)
	f.siteB = f.store("Tower B Store", inventory.StoreProject, b.ID)

	cat, err := f.reg.CreateCategory(ctx, "Cement")
	require.NoError(t, err)
	p, err := f.reg.CreateProduct(ctx, inventory.ProductInput{
		CategoryID: cat.ID, Name: "Portland Cement", Unit: "bag", RestockLevel: dec("20"),
	})
	require.NoError(t, err)
	f.cement = p.ID
	return f
}

func (f *fixture) store(name string, typ inventory.StoreType, projectID string) string {
	f.t.Helper()
	s, err := f.reg.CreateStore(f.ctx, inventory.StoreInput{Name: name, Type: typ, ProjectID: projectID})
	require.NoError(f.t, err)
	return s.ID
}

func (f *fixture) buy(store, qty, cost string) (*inventory.Purchase, error) {
	return f.ledger.RecordPurchase(f.ctx, inventory.PurchaseInput{
		StoreID: store, ProductID: f.cement, Quantity: dec(qty), UnitCost: dec(cost), Date: day, CreatedBy: "test",
	})
}

func (f *fixture) mustBuy(store, qty, cost string) *inventory.Purchase {
	f.t.Helper()
	p, err := f.buy(store, qty, cost)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) transfer(from, to, qty string) (*inventory.Issue, error) {
	return f.ledger.RecordIssue(f.ctx, inventory.IssueInput{
		FromStoreID: from, ToStoreID: to, ProductID: f.cement, Quantity: dec(qty), Date: day, CreatedBy: "test",
	})
}

func (f *fixture) mustTransfer(from, to, qty string) *inventory.Issue {
	f.t.Helper()
	i, err := f.transfer(from, to, qty)
	require.NoError(f.t, err)
	return i
}

func (f *fixture) balance(store string) decimal.Decimal {
	f.t.Helper()
	q, err := f.repo.GetBalance(f.ctx, store, f.cement)
	require.NoError(f.t, err)
	return q
}

// requireBalance compares decimals by value, so "60" matches "60.0000".
func (f *fixture) requireBalance(store, want string) {
	f.t.Helper()
	got := f.balance(store)
	require.True(f.t, got.Equal(dec(want)), "balance of %s: got %s, want %s", store, got, want)
}

// requireConserved fails when any balance differs from its history.
func (f *fixture) requireConserved() {
	f.t.Helper()
	rep, err := inventory.Reconcile(f.ctx, f.repo, time.Now())
	require.NoError(f.t, err)
	require.True(f.t, rep.Balanced(), "drift: %+v", rep.Drift)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func memoryRepo() inventory.Repository {
	return memory.New()
}
