/*
repository.go - Persistence interface for the registry and the ledger

PURPOSE:
  Defines the boundary between ledger rules and the database. The rules
  live in Go (ledger.go, registry.go) so they can be tested against any
  implementation; the Repository only stores and locks rows.

KEY INTERFACES:
  Reader:     Read-only queries, safe outside a transaction
  Writer:     Mutations, only reachable inside WithTx
  Tx:         Reader + Writer bound to one transaction
  Repository: Reader + WithTx

LOCKING CONTRACT:
  LockBalance must return the committed quantity of the pair and hold a
  lock on it until the transaction ends, so that two transactions
  touching the same (store, product) serialize. Implementations:
  - PostgreSQL: SELECT ... FOR UPDATE
  - SQLite:     one writer at a time
  - Memory:     one writer at a time

SOFT DELETE GUARD:
  MarkPurchaseDeleted and MarkIssueDeleted return false when the row was
  already deleted. The ledger applies a reversal only when they return
  true, which makes the reversal happen exactly once.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - inventory/memory: In-memory for tests

SEE ALSO:
  - ledger.go: The only caller of the Writer balance methods
*/
package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS
// =============================================================================

type StoreFilter struct {
	Type           StoreType
	ProjectID      string
	IncludeDeleted bool
}

type ProductFilter struct {
	CategoryID     string
	IncludeDeleted bool
}

// BalanceFilter selects balances. A nil StoreIDs means every store; an
// empty non-nil slice means none.
type BalanceFilter struct {
	StoreIDs  []string
	ProductID string
}

// MovementFilter selects purchases or issues. From and To are inclusive
// calendar days. StoreIDs follows the BalanceFilter convention; for issues
// it matches either side.
type MovementFilter struct {
	StoreIDs       []string
	ProductID      string
	From           *time.Time
	To             *time.Time
	IncludeDeleted bool
}

// =============================================================================
// REPOSITORY
// =============================================================================

// Reader lookups return (nil, nil) when the row does not exist.
type Reader interface {
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)

	GetStore(ctx context.Context, id string) (*Store, error)
	ListStores(ctx context.Context, f StoreFilter) ([]Store, error)

	GetCategory(ctx context.Context, id string) (*Category, error)
	FindCategoryByKey(ctx context.Context, nameKey string) (*Category, error)
	ListCategories(ctx context.Context) ([]Category, error)

	GetProduct(ctx context.Context, id string) (*Product, error)
	// FindProductByKey matches live and deleted rows.
	FindProductByKey(ctx context.Context, categoryID, nameKey string) (*Product, error)
	ListProducts(ctx context.Context, f ProductFilter) ([]Product, error)

	GetBalance(ctx context.Context, storeID, productID string) (decimal.Decimal, error)
	ListBalances(ctx context.Context, f BalanceFilter) ([]Balance, error)

	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	FindPurchaseByRequestID(ctx context.Context, requestID string) (*Purchase, error)
	ListPurchases(ctx context.Context, f MovementFilter) ([]Purchase, error)

	GetIssue(ctx context.Context, id string) (*Issue, error)
	FindIssueByRequestID(ctx context.Context, requestID string) (*Issue, error)
	ListIssues(ctx context.Context, f MovementFilter) ([]Issue, error)
}

type Writer interface {
	SaveProject(ctx context.Context, p Project) error
	// SaveStore and SaveProduct insert or update by id.
	SaveStore(ctx context.Context, s Store) error
	SaveCategory(ctx context.Context, c Category) error
	SaveProduct(ctx context.Context, p Product) error

	// LockStore reads a store and locks its row until the transaction ends:
	// shared for ledger postings, exclusive for registry changes, so a store
	// cannot be deleted while stock is being posted to it.
	LockStore(ctx context.Context, id string, exclusive bool) (*Store, error)

	// LockBalance returns the current quantity (zero for a new pair) and
	// locks the row until the transaction ends.
	LockBalance(ctx context.Context, storeID, productID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, storeID, productID string, quantity decimal.Decimal, at time.Time) error

	// InsertPurchase and InsertIssue return ErrDuplicateRequest when the
	// request id is already recorded.
	InsertPurchase(ctx context.Context, p Purchase) error
	InsertIssue(ctx context.Context, i Issue) error

	MarkPurchaseDeleted(ctx context.Context, id, by string, at time.Time) (bool, error)
	MarkIssueDeleted(ctx context.Context, id, by string, at time.Time) (bool, error)
}

type Tx interface {
	Reader
	Writer
}

// Repository is the full persistence surface.
type Repository interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
