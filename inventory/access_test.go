package inventory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/inventory-ledger/inventory"
)

func TestAccessPolicy_Matrix(t *testing.T) {
	projectA, projectB := "pa", "pb"
	central := &inventory.Store{ID: "c", Type: inventory.StoreCentral}
	siteA := &inventory.Store{ID: "a", Type: inventory.StoreProject, ProjectID: &projectA}
	siteB := &inventory.Store{ID: "b", Type: inventory.StoreProject, ProjectID: &projectB}

	admin := &inventory.Principal{UserID: "u1", Role: inventory.RoleAdmin}
	cm := &inventory.Principal{UserID: "u2", Role: inventory.RoleCentralStoreManager}
	pm := &inventory.Principal{UserID: "u3", Role: inventory.RoleProjectStoreManager, ProjectID: &projectA}

	strict := inventory.AccessPolicy{ProjectPurchases: inventory.PurchasesAdminOnly}
	loose := inventory.AccessPolicy{ProjectPurchases: inventory.PurchasesManagers}

	tests := []struct {
		name   string
		policy inventory.AccessPolicy
		p      *inventory.Principal
		op     inventory.Operation
		store  *inventory.Store
		allow  bool
	}{
		{"admin manages stores", strict, admin, inventory.OpManageStores, nil, true},
		{"admin buys for project", strict, admin, inventory.OpRecordPurchase, siteB, true},

		{"cm reads project store", strict, cm, inventory.OpReadStore, siteA, true},
		{"cm buys for central", strict, cm, inventory.OpRecordPurchase, central, true},
		{"cm issues from central", strict, cm, inventory.OpRecordIssue, central, true},
		{"cm cannot issue from project", strict, cm, inventory.OpRecordIssue, siteA, false},
		{"cm cannot buy for project when strict", strict, cm, inventory.OpRecordPurchase, siteA, false},
		{"cm buys for project when loose", loose, cm, inventory.OpRecordPurchase, siteA, true},
		{"cm deletes central purchase", strict, cm, inventory.OpDeletePurchase, central, true},
		{"cm cannot delete project purchase when strict", strict, cm, inventory.OpDeletePurchase, siteA, false},
		{"cm deletes project purchase when loose", loose, cm, inventory.OpDeletePurchase, siteA, true},
		{"cm still cannot delete project issue when loose", loose, cm, inventory.OpDeleteIssue, siteA, false},
		{"cm manages catalog", strict, cm, inventory.OpManageCatalog, nil, true},
		{"cm cannot manage stores", strict, cm, inventory.OpManageStores, nil, false},
		{"cm cannot reconcile", strict, cm, inventory.OpReconcile, nil, false},

		{"pm reads central", strict, pm, inventory.OpReadStore, central, true},
		{"pm reads own", strict, pm, inventory.OpReadStore, siteA, true},
		{"pm cannot read other project", strict, pm, inventory.OpReadStore, siteB, false},
		{"pm issues from own", strict, pm, inventory.OpRecordIssue, siteA, true},
		{"pm cannot issue from central", strict, pm, inventory.OpRecordIssue, central, false},
		{"pm cannot buy when strict", strict, pm, inventory.OpRecordPurchase, siteA, false},
		{"pm buys for own when loose", loose, pm, inventory.OpRecordPurchase, siteA, true},
		{"pm never buys for central", loose, pm, inventory.OpRecordPurchase, central, false},
		{"pm cannot manage catalog", strict, pm, inventory.OpManageCatalog, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Authorize(tt.p, tt.op, tt.store)
			if tt.allow {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, inventory.ErrUnauthorized)
			}
		})
	}
}

func TestAccessPolicy_NoPrincipal(t *testing.T) {
	err := inventory.AccessPolicy{}.Authorize(nil, inventory.OpReadStore, nil)
	assert.ErrorIs(t, err, inventory.ErrNotAuthenticated)
}

func TestAccessPolicy_ProjectManagerWithoutProject(t *testing.T) {
	project := "pa"
	site := &inventory.Store{ID: "a", Type: inventory.StoreProject, ProjectID: &project}
	pm := &inventory.Principal{UserID: "u", Role: inventory.RoleProjectStoreManager}

	assert.ErrorIs(t, inventory.AccessPolicy{}.Authorize(pm, inventory.OpReadStore, site), inventory.ErrUnauthorized)
}

func TestParsePurchasePolicy(t *testing.T) {
	p, err := inventory.ParsePurchasePolicy("")
	require.NoError(t, err)
	assert.Equal(t, inventory.PurchasesAdminOnly, p)

	p, err = inventory.ParsePurchasePolicy("managers")
	require.NoError(t, err)
	assert.Equal(t, inventory.PurchasesManagers, p)

	_, err = inventory.ParsePurchasePolicy("everyone")
	assert.Error(t, err)
}

// =============================================================================
// SERVICE
// =============================================================================

func TestService_ProjectManagerScope(t *testing.T) {
	repo := memoryRepo()
	f := newFixture(t, repo)
	svc := inventory.NewService(repo, inventory.ServiceConfig{})
	admin := &inventory.Principal{UserID: "admin", Role: inventory.RoleAdmin}

	f.mustBuy(f.central, "30", "1")
	f.mustTransfer(f.central, f.siteA, "10")
	f.mustTransfer(f.central, f.siteB, "10")

	siteA, err := svc.GetStore(f.ctx, admin, f.siteA)
	require.NoError(t, err)
	pm := &inventory.Principal{UserID: "pm", Role: inventory.RoleProjectStoreManager, ProjectID: siteA.ProjectID}

	// Lists narrow to central plus the own store.
	rows, err := svc.ListBalances(f.ctx, pm, inventory.BalanceQuery{})
	require.NoError(t, err)
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.StoreID)
	}
	assert.ElementsMatch(t, []string{f.central, f.siteA}, ids)

	// An explicit foreign store is refused, not silently dropped.
	_, err = svc.ListBalances(f.ctx, pm, inventory.BalanceQuery{StoreIDs: []string{f.siteB}})
	assert.ErrorIs(t, err, inventory.ErrUnauthorized)

	// Issues from the own store are stamped with the caller.
	issue, err := svc.RecordIssue(f.ctx, pm, inventory.IssueInput{
		FromStoreID: f.siteA, ProductID: f.cement, Quantity: dec("2"), IssuedToName: "Crew", Date: day,
	})
	require.NoError(t, err)
	assert.Equal(t, "pm", issue.CreatedBy)

	_, err = svc.RecordIssue(f.ctx, pm, inventory.IssueInput{
		FromStoreID: f.siteB, ProductID: f.cement, Quantity: dec("2"), IssuedToName: "Crew", Date: day,
	})
	assert.ErrorIs(t, err, inventory.ErrUnauthorized)

	_, err = svc.AverageCost(f.ctx, pm, f.siteB, f.cement)
	assert.ErrorIs(t, err, inventory.ErrUnauthorized)
}

func TestService_RequiresPrincipal(t *testing.T) {
	repo := memoryRepo()
	f := newFixture(t, repo)
	svc := inventory.NewService(repo, inventory.ServiceConfig{})

	_, err := svc.ListStores(f.ctx, nil, inventory.StoreFilter{})
	assert.ErrorIs(t, err, inventory.ErrNotAuthenticated)
	_, err = svc.RecordPurchase(f.ctx, nil, inventory.PurchaseInput{StoreID: f.central})
	assert.ErrorIs(t, err, inventory.ErrNotAuthenticated)
	_, err = svc.PeriodReport(f.ctx, nil, inventory.ReportQuery{Kind: inventory.ReportPurchases, Period: inventory.PeriodToday})
	assert.ErrorIs(t, err, inventory.ErrNotAuthenticated)
}

func TestService_DeleteChecksTheMovementStore(t *testing.T) {
	repo := memoryRepo()
	f := newFixture(t, repo)
	svc := inventory.NewService(repo, inventory.ServiceConfig{})
	p := f.mustBuy(f.central, "5", "1")
	cm := &inventory.Principal{UserID: "cm", Role: inventory.RoleCentralStoreManager}

	deleted, err := svc.DeletePurchase(f.ctx, cm, p.ID)

	require.NoError(t, err)
	assert.Equal(t, "cm", *deleted.DeletedBy)
	_, err = svc.DeletePurchase(f.ctx, cm, "missing")
	assert.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, inventory.KindNotFound, inventory.KindOf(&inventory.NotFoundError{Resource: "store", ID: "x"}))
	assert.Equal(t, inventory.KindConflict, inventory.KindOf(&inventory.ConflictError{Message: "x"}))
	assert.Equal(t, inventory.KindStorage, inventory.KindOf(inventory.WrapStorage("op", assert.AnError)))
	assert.True(t, inventory.IsClientError(&inventory.ValidationError{Field: "x"}))
	assert.False(t, inventory.IsClientError(inventory.WrapStorage("op", assert.AnError)))
}

func TestService_CentralManagerDeletesOwnProjectPurchase(t *testing.T) {
	repo := memoryRepo()
	f := newFixture(t, repo)
	svc := inventory.NewService(repo, inventory.ServiceConfig{
		Access: inventory.AccessPolicy{ProjectPurchases: inventory.PurchasesManagers},
	})
	cm := &inventory.Principal{UserID: "cm", Role: inventory.RoleCentralStoreManager}

	p, err := svc.RecordPurchase(f.ctx, cm, inventory.PurchaseInput{
		StoreID: f.siteA, ProductID: f.cement, Quantity: dec("6"), UnitCost: dec("3"), Date: day,
	})
	require.NoError(t, err)

	deleted, err := svc.DeletePurchase(f.ctx, cm, p.ID)

	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted())
	f.requireBalance(f.siteA, "0")
}
