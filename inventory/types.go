/*
Package inventory provides the stock ledger for central and project stores.

PURPOSE:
  Tracks how much of each product every store holds, how it got there,
  and what it cost. Purchases bring stock into a store, issues move it
  between stores or out to a named recipient, and soft deletes reverse
  either one. The same engine answers "how much is on hand", "what is it
  worth" and "what happened this month".

KEY CONCEPTS IN THIS FILE (types.go):
  - Store:    A stock location, central or tied to one project
  - Product:  A stocked item with a unit and a restock level
  - Balance:  Materialized on-hand quantity per (store, product)
  - Purchase: Stock entering a store at a unit cost
  - Issue:    Stock leaving a store, to another store or to a person

DESIGN PRINCIPLES:
  1. Precision: Quantities and money use decimal.Decimal, never float64
  2. Conservation: balance = purchases - issues out + issues in, always
  3. Auditability: Movements are soft deleted, never removed
  4. Explicit ledger: Balances change only inside Ledger transactions

USAGE:
  ledger := inventory.NewLedger(repo)
  p, err := ledger.RecordPurchase(ctx, inventory.PurchaseInput{
      StoreID:   central.ID,
      ProductID: cement.ID,
      Quantity:  decimal.NewFromInt(100),
      UnitCost:  decimal.RequireFromString("10.00"),
      Date:      inventory.Date(2025, time.March, 10),
  })

SEE ALSO:
  - ledger.go: Purchases, issues and reversals
  - costing.go: Weighted average cost
  - report.go: Balances, movements and period reports
*/
package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORES & PROJECTS
// =============================================================================

type StoreType string

const (
	StoreCentral StoreType = "central"
	StoreProject StoreType = "project"
)

func (t StoreType) Valid() bool { return t == StoreCentral || t == StoreProject }

type Project struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// Store is a stock location. ProjectID is set iff Type is StoreProject.
type Store struct {
	ID        string     `db:"id"`
	Name      string     `db:"name"`
	Type      StoreType  `db:"type"`
	ProjectID *string    `db:"project_id"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

func (s *Store) IsDeleted() bool { return s.DeletedAt != nil }
func (s *Store) IsCentral() bool { return s.Type == StoreCentral }
func (s *Store) IsProject() bool { return s.Type == StoreProject }

// =============================================================================
// CATALOG
// =============================================================================

// Category names are unique by their case-folded NameKey.
type Category struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	NameKey   string    `db:"name_key"`
	CreatedAt time.Time `db:"created_at"`
}

// Product is unique by (CategoryID, NameKey) across live and deleted rows.
// NameKey is the case-folded Name.
type Product struct {
	ID           string          `db:"id"`
	CategoryID   string          `db:"category_id"`
	Name         string          `db:"name"`
	NameKey      string          `db:"name_key"`
	Unit         string          `db:"unit"`
	RestockLevel decimal.Decimal `db:"restock_level"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
	DeletedAt    *time.Time      `db:"deleted_at"`
}

func (p *Product) IsDeleted() bool { return p.DeletedAt != nil }

// =============================================================================
// LEDGER STATE
// =============================================================================

// Balance is the authoritative on-hand quantity of a product at a store.
// It is derived state: it must always equal the conservation sum over the
// non-deleted purchases and issues of the pair.
type Balance struct {
	StoreID   string          `db:"store_id"`
	ProductID string          `db:"product_id"`
	Quantity  decimal.Decimal `db:"quantity"`
	UpdatedAt time.Time       `db:"updated_at"`
}

type BalanceKey struct {
	StoreID   string
	ProductID string
}

func (k BalanceKey) less(o BalanceKey) bool {
	if k.StoreID != o.StoreID {
		return k.StoreID < o.StoreID
	}
	return k.ProductID < o.ProductID
}

type Purchase struct {
	ID           string          `db:"id"`
	StoreID      string          `db:"store_id"`
	ProductID    string          `db:"product_id"`
	Quantity     decimal.Decimal `db:"quantity"`
	UnitCost     decimal.Decimal `db:"unit_cost"`
	TotalCost    decimal.Decimal `db:"total_cost"`
	PurchaseDate time.Time       `db:"purchase_date"`
	Notes        string          `db:"notes"`
	RequestID    *string         `db:"request_id"`
	CreatedBy    string          `db:"created_by"`
	CreatedAt    time.Time       `db:"created_at"`
	DeletedAt    *time.Time      `db:"deleted_at"`
	DeletedBy    *string         `db:"deleted_by"`
}

func (p *Purchase) IsDeleted() bool { return p.DeletedAt != nil }

// Issue moves stock out of FromStoreID. Exactly one of ToStoreID and
// IssuedToName is set.
type Issue struct {
	ID           string          `db:"id"`
	FromStoreID  string          `db:"from_store_id"`
	ToStoreID    *string         `db:"to_store_id"`
	ProductID    string          `db:"product_id"`
	Quantity     decimal.Decimal `db:"quantity"`
	IssuedToName *string         `db:"issued_to_name"`
	IssueDate    time.Time       `db:"issue_date"`
	Notes        string          `db:"notes"`
	RequestID    *string         `db:"request_id"`
	CreatedBy    string          `db:"created_by"`
	CreatedAt    time.Time       `db:"created_at"`
	DeletedAt    *time.Time      `db:"deleted_at"`
	DeletedBy    *string         `db:"deleted_by"`
}

func (i *Issue) IsDeleted() bool { return i.DeletedAt != nil }
func (i *Issue) IsTransfer() bool { return i.ToStoreID != nil }

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

const (
	// MaxScale is the number of fractional digits persisted for
	// quantities and costs.
	MaxScale = 4

	// MoneyScale is the display and rounding scale for totals.
	MoneyScale = 2
)

// TotalCost is quantity × unit cost rounded to MoneyScale. Each purchase
// rounds once, so sums of totals never accumulate rounding drift.
func TotalCost(quantity, unitCost decimal.Decimal) decimal.Decimal {
	return quantity.Mul(unitCost).Round(MoneyScale)
}

func scaleOK(d decimal.Decimal) bool {
	return d.Equal(d.Round(MaxScale))
}

// Date returns midnight UTC of the given calendar day. Purchase and issue
// dates are always stored in this form.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates t to its calendar day in t's own location.
func DateOf(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
