package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/inventory-ledger/inventory"
)

// =============================================================================
// SQLITE
// =============================================================================

func newSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Driver: DriverSQLite, DSN: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedStore(t *testing.T, s *Store) (storeID, productID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, time.March, 10, 8, 0, 0, 123456000, time.UTC)
	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		if err := tx.SaveStore(ctx, inventory.Store{ID: "c1", Name: "Central", Type: inventory.StoreCentral, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.SaveCategory(ctx, inventory.Category{ID: "cat1", Name: "Steel", NameKey: "steel", CreatedAt: now}); err != nil {
			return err
		}
		return tx.SaveProduct(ctx, inventory.Product{
			ID: "p1", CategoryID: "cat1", Name: "Rebar 12mm", NameKey: "rebar 12mm", Unit: "length",
			RestockLevel: decimal.RequireFromString("15.5"), CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)
	return "c1", "p1"
}

func TestSQLite_MigratesFileDatabaseOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.db")

	first, err := New(Config{Driver: DriverSQLite, DSN: path}, nil)
	require.NoError(t, err)
	require.NoError(t, first.Ping(context.Background()))
	require.NoError(t, first.Close())

	// A second open finds nothing left to apply.
	second, err := New(Config{Driver: DriverSQLite, DSN: path}, nil)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestSQLite_DecimalsAndDatesRoundTrip(t *testing.T) {
	s := newSQLite(t)
	storeID, productID := seedStore(t, s)
	ctx := context.Background()

	created := time.Date(2025, time.March, 10, 9, 15, 0, 654321000, time.UTC)
	p := inventory.Purchase{
		ID: "pu1", StoreID: storeID, ProductID: productID,
		Quantity:     decimal.RequireFromString("12.3456"),
		UnitCost:     decimal.RequireFromString("0.0001"),
		TotalCost:    decimal.RequireFromString("0.00"),
		PurchaseDate: inventory.Date(2025, time.March, 9),
		CreatedBy:    "u1",
		CreatedAt:    created,
	}
	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		if _, err := tx.LockBalance(ctx, storeID, productID); err != nil {
			return err
		}
		if err := tx.InsertPurchase(ctx, p); err != nil {
			return err
		}
		return tx.SetBalance(ctx, storeID, productID, p.Quantity, created)
	})
	require.NoError(t, err)

	got, err := s.GetPurchase(ctx, "pu1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Quantity.Equal(p.Quantity), got.Quantity.String())
	assert.True(t, got.UnitCost.Equal(p.UnitCost))
	assert.True(t, got.PurchaseDate.Equal(p.PurchaseDate), got.PurchaseDate.String())
	assert.True(t, got.CreatedAt.Equal(created), got.CreatedAt.String())
	assert.Nil(t, got.RequestID)

	bal, err := s.GetBalance(ctx, storeID, productID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("12.3456")))

	prod, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.True(t, prod.RestockLevel.Equal(decimal.RequireFromString("15.5")))
}

func TestSQLite_RequestIDIsUnique(t *testing.T) {
	s := newSQLite(t)
	storeID, productID := seedStore(t, s)
	ctx := context.Background()
	rid := "req-1"

	insert := func(id string) error {
		return s.WithTx(ctx, func(tx inventory.Tx) error {
			return tx.InsertPurchase(ctx, inventory.Purchase{
				ID: id, StoreID: storeID, ProductID: productID,
				Quantity: decimal.NewFromInt(1), PurchaseDate: inventory.Date(2025, time.March, 1),
				RequestID: &rid, CreatedAt: time.Now().UTC(),
			})
		})
	}
	require.NoError(t, insert("a"))
	assert.ErrorIs(t, insert("b"), inventory.ErrDuplicateRequest)

	found, err := s.FindPurchaseByRequestID(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, "a", found.ID)
}

func TestSQLite_SoftDeleteGuard(t *testing.T) {
	s := newSQLite(t)
	storeID, productID := seedStore(t, s)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		return tx.InsertPurchase(ctx, inventory.Purchase{
			ID: "pu1", StoreID: storeID, ProductID: productID,
			Quantity: decimal.NewFromInt(1), PurchaseDate: inventory.Date(2025, time.March, 1), CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	var marks []bool
	for i := 0; i < 2; i++ {
		err := s.WithTx(ctx, func(tx inventory.Tx) error {
			ok, err := tx.MarkPurchaseDeleted(ctx, "pu1", "u1", time.Now().UTC())
			marks = append(marks, ok)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []bool{true, false}, marks)

	live, err := s.ListPurchases(ctx, inventory.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, live)
	all, err := s.ListPurchases(ctx, inventory.MovementFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "u1", *all[0].DeletedBy)
}

func TestSQLite_RollbackOnError(t *testing.T) {
	s := newSQLite(t)
	storeID, productID := seedStore(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		if _, err := tx.LockBalance(ctx, storeID, productID); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, storeID, productID, decimal.NewFromInt(99), time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, err := s.GetBalance(ctx, storeID, productID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestSQLite_ListFilters(t *testing.T) {
	s := newSQLite(t)
	storeID, productID := seedStore(t, s)
	ctx := context.Background()

	for i, d := range []int{1, 15, 28} {
		err := s.WithTx(ctx, func(tx inventory.Tx) error {
			return tx.InsertPurchase(ctx, inventory.Purchase{
				ID: string(rune('a' + i)), StoreID: storeID, ProductID: productID,
				Quantity: decimal.NewFromInt(1), PurchaseDate: inventory.Date(2025, time.February, d), CreatedAt: time.Now().UTC(),
			})
		})
		require.NoError(t, err)
	}

	from := inventory.Date(2025, time.February, 15)
	to := inventory.Date(2025, time.February, 28)
	ps, err := s.ListPurchases(ctx, inventory.MovementFilter{From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, ps, 2, "both bounds are inclusive")

	ps, err = s.ListPurchases(ctx, inventory.MovementFilter{StoreIDs: []string{}})
	require.NoError(t, err)
	assert.Empty(t, ps, "an empty store list selects nothing")

	ps, err = s.ListPurchases(ctx, inventory.MovementFilter{StoreIDs: []string{storeID, "other"}})
	require.NoError(t, err)
	assert.Len(t, ps, 3)
}

func TestSQLite_CategoryKeyIsUnique(t *testing.T) {
	s := newSQLite(t)
	seedStore(t, s)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		return tx.SaveCategory(ctx, inventory.Category{ID: "cat2", Name: "STEEL", NameKey: "steel", CreatedAt: time.Now()})
	})
	assert.ErrorIs(t, err, inventory.ErrConflict)

	c, err := s.FindCategoryByKey(ctx, "steel")
	require.NoError(t, err)
	assert.Equal(t, "cat1", c.ID)
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "mysql", DSN: "x"}, nil)
	assert.Error(t, err)
}

// =============================================================================
// POSTGRES DIALECT (sqlmock)
// =============================================================================

func newMockPostgres(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, DriverPostgres), nil), mock
}

func TestPostgres_LockBalanceUsesRowLock(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO inventory_balances .* ON CONFLICT \(store_id, product_id\) DO NOTHING`).
		WithArgs("s1", "p1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT quantity FROM inventory_balances WHERE store_id = \$1 AND product_id = \$2 FOR UPDATE`).
		WithArgs("s1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow("42.5000"))
	mock.ExpectCommit()

	var got decimal.Decimal
	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		var err error
		got, err = tx.LockBalance(ctx, "s1", "p1")
		return err
	})

	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("42.5")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockStoreShareVersusUpdate(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	cols := []string{"id", "name", "type", "project_id", "created_at", "updated_at", "deleted_at"}

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM stores WHERE id = \$1 FOR SHARE`).WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("c1", "Central", "central", nil, now, now, nil))
	mock.ExpectQuery(`FROM stores WHERE id = \$1 FOR UPDATE`).WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("c1", "Central", "central", nil, now, now, nil))
	mock.ExpectCommit()

	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		shared, err := tx.LockStore(ctx, "c1", false)
		if err != nil {
			return err
		}
		assert.True(t, shared.IsCentral())
		_, err = tx.LockStore(ctx, "c1", true)
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DuplicateRequestID(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()
	rid := "req-1"

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO purchases`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "purchases_request_id_key"})
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx inventory.Tx) error {
		return tx.InsertPurchase(ctx, inventory.Purchase{ID: "x", RequestID: &rid, PurchaseDate: time.Now()})
	})

	assert.ErrorIs(t, err, inventory.ErrDuplicateRequest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BeginFailure(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	called := false
	err := s.WithTx(context.Background(), func(inventory.Tx) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.Equal(t, inventory.KindStorage, inventory.KindOf(inventory.WrapStorage("op", err)))
}

func TestPostgres_CommitFailureIsReported(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := s.WithTx(context.Background(), func(inventory.Tx) error { return nil })

	assert.ErrorContains(t, err, "commit")
}
