/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Authentication and the error envelope
- Registry, purchase and issue round trips through the router
- Idempotent retries via Idempotency-Key
- Status codes per error kind
- Period reports with their summary
- Project manager visibility
- Metrics exposure
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/inventory/memory"
	"github.com/warp/inventory-ledger/metrics"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

const testSecret = "test-secret-test-secret-test-secret"

type testEnv struct {
	t       *testing.T
	srv     *httptest.Server
	auth    *Authenticator
	repo    *memory.Memory
	metrics *metrics.Metrics
	admin   string
}

type response struct {
	Status  int
	Data    json.RawMessage `json:"data"`
	Error   *ErrorBody      `json:"error"`
	Summary json.RawMessage `json:"summary"`
}

func newTestEnv(t *testing.T, policy inventory.PurchasePolicy) *testEnv {
	t.Helper()
	repo := memory.New()
	m := metrics.New("inventory")
	svc := inventory.NewService(repo, inventory.ServiceConfig{
		Access:   inventory.AccessPolicy{ProjectPurchases: policy},
		Location: time.UTC,
	}, inventory.WithPostedHook(PostedHook(m)))
	auth := NewAuthenticator(testSecret, "inventory-test")
	h := NewHandler(HandlerConfig{Service: svc, Auth: auth, Metrics: m})
	srv := httptest.NewServer(NewRouter(h, RouterConfig{MetricsEnabled: true}))
	t.Cleanup(srv.Close)

	env := &testEnv{t: t, srv: srv, auth: auth, repo: repo, metrics: m}
	env.admin = env.token(inventory.Principal{UserID: "admin-1", Role: inventory.RoleAdmin})
	return env
}

func (e *testEnv) token(p inventory.Principal) string {
	e.t.Helper()
	tok, err := e.auth.IssueToken(p, time.Hour)
	require.NoError(e.t, err)
	return tok
}

func (e *testEnv) do(method, path, token string, body any, headers ...string) response {
	e.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var out response
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&out))
	out.Status = resp.StatusCode
	return out
}

// create posts body and returns the id of the created row.
func (e *testEnv) create(path, token string, body any) string {
	e.t.Helper()
	resp := e.do(http.MethodPost, path, token, body)
	require.Equal(e.t, http.StatusCreated, resp.Status, "POST %s: %+v", path, resp.Error)
	var row struct {
		ID string `json:"id"`
	}
	require.NoError(e.t, json.Unmarshal(resp.Data, &row))
	return row.ID
}

// seed builds one central store, one project store and one product.
type seed struct {
	project, central, site, category, product string
}

func (e *testEnv) seed() seed {
	var s seed
	s.project = e.create("/api/projects", e.admin, map[string]any{"name": "Tower"})
	s.central = e.create("/api/stores", e.admin, map[string]any{"name": "Central Yard", "type": "central"})
	s.site = e.create("/api/stores", e.admin, map[string]any{"name": "Tower Store", "type": "project", "project_id": s.project})
	s.category = e.create("/api/categories", e.admin, map[string]any{"name": "Cement"})
	s.product = e.create("/api/products", e.admin, map[string]any{
		"category_id": s.category, "name": "Portland Cement", "unit": "bag", "restock_level": "10",
	})
	return s
}

func today() string {
	return time.Now().UTC().Format(time.DateOnly)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestHealth(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMissingToken_IsNotAuthenticated(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)

	resp := env.do(http.MethodGet, "/api/stores", "", nil)

	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, inventory.KindNotAuthenticated, resp.Error.Kind)
}

func TestInvalidToken_IsRejected(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)

	other := NewAuthenticator("a-different-secret-a-different-secret", "inventory-test")
	forged, err := other.IssueToken(inventory.Principal{UserID: "x", Role: inventory.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	resp := env.do(http.MethodGet, "/api/stores", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	resp = env.do(http.MethodGet, "/api/stores", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	auth := NewAuthenticator(testSecret, "inventory-test")
	project := "p-1"

	tok, err := auth.IssueToken(inventory.Principal{
		UserID: "u-1", Role: inventory.RoleProjectStoreManager, ProjectID: &project,
	}, time.Minute)
	require.NoError(t, err)

	p, err := auth.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u-1", p.UserID)
	assert.Equal(t, inventory.RoleProjectStoreManager, p.Role)
	require.NotNil(t, p.ProjectID)
	assert.Equal(t, "p-1", *p.ProjectID)
}

func TestAuthenticator_Expired(t *testing.T) {
	auth := NewAuthenticator(testSecret, "inventory-test")
	auth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := auth.IssueToken(inventory.Principal{UserID: "u-1", Role: inventory.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	auth.now = time.Now
	_, err = auth.Verify(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthenticator_UnknownRole(t *testing.T) {
	auth := NewAuthenticator(testSecret, "inventory-test")
	tok, err := auth.IssueToken(inventory.Principal{UserID: "u-1", Role: "superuser"}, time.Hour)
	require.NoError(t, err)

	_, err = auth.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

// =============================================================================
// LEDGER ROUND TRIPS
// =============================================================================

func TestPurchaseAndIssue_UpdateBalances(t *testing.T) {
	// GIVEN: A central store and a project store
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	s := env.seed()

	// WHEN: 100 bags are bought at two prices and 40 moved to the project
	env.create("/api/purchases", env.admin, map[string]any{
		"store_id": s.central, "product_id": s.product, "quantity": "60", "unit_cost": "10", "purchase_date": today(),
	})
	env.create("/api/purchases", env.admin, map[string]any{
		"store_id": s.central, "product_id": s.product, "quantity": 40, "unit_cost": "12.5", "purchase_date": today(),
	})
	env.create("/api/issues", env.admin, map[string]any{
		"from_store_id": s.central, "to_store_id": s.site, "product_id": s.product, "quantity": "40", "issue_date": today(),
	})

	// THEN: Balances reflect the transfer
	resp := env.do(http.MethodGet, "/api/balances?product_id="+s.product, env.admin, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var rows []inventory.BalanceRow
	require.NoError(t, json.Unmarshal(resp.Data, &rows))
	got := map[string]string{}
	for _, r := range rows {
		got[r.StoreID] = r.Quantity.String()
	}
	assert.Equal(t, map[string]string{s.central: "60", s.site: "40"}, got)

	// AND: The average cost is quantity weighted: (60*10 + 40*12.5) / 100
	resp = env.do(http.MethodPost, "/api/rpc/get_average_cost", env.admin, map[string]any{
		"store_id": s.central, "product_id": s.product,
	})
	require.Equal(t, http.StatusOK, resp.Status)
	var quote inventory.CostQuote
	require.NoError(t, json.Unmarshal(resp.Data, &quote))
	assert.True(t, quote.AverageCost.Equal(decimal.RequireFromString("11")), quote.AverageCost.String())
	assert.True(t, quote.Value.Equal(decimal.RequireFromString("660")), quote.Value.String())

	// AND: The ledger reconciles
	resp = env.do(http.MethodGet, "/api/admin/reconciliation", env.admin, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var rec inventory.ReconciliationReport
	require.NoError(t, json.Unmarshal(resp.Data, &rec))
	assert.True(t, rec.Balanced())
	assert.Equal(t, 2, rec.Purchases)
}

func TestPurchase_TotalCostRoundedToCents(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	s := env.seed()

	resp := env.do(http.MethodPost, "/api/purchases", env.admin, map[string]any{
		"store_id": s.central, "product_id": s.product, "quantity": "3", "unit_cost": "0.3333", "purchase_date": today(),
	})
	require.Equal(t, http.StatusCreated, resp.Status)

	var p PurchaseDTO
	require.NoError(t, json.Unmarshal(resp.Data, &p))
	assert.Equal(t, "1", p.TotalCost.String())
	assert.Equal(t, today(), p.PurchaseDate)
	assert.Equal(t, "admin-1", p.CreatedBy)
}

func TestIdempotencyKey_ReplaysOriginal(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	s := env.seed()
	body := map[string]any{
		"store_id": s.central, "product_id": s.product, "quantity": "5", "unit_cost": "2", "purchase_date": today(),
	}

	first := env.do(http.MethodPost, "/api/purchases", env.admin, body, "Idempotency-Key", "req-42")
	second := env.do(http.MethodPost, "/api/purchases", env.admin, body, "Idempotency-Key", "req-42")
	require.Equal(t, http.StatusCreated, first.Status)
	require.Equal(t, http.StatusCreated, second.Status)

	var a, b PurchaseDTO
	require.NoError(t, json.Unmarshal(first.Data, &a))
	require.NoError(t, json.Unmarshal(second.Data, &b))
	assert.Equal(t, a.ID, b.ID)

	bal, err := env.repo.GetBalance(t.Context(), s.central, s.product)
	require.NoError(t, err)
	assert.Equal(t, "5", bal.String())
	assert.Equal(t, 5.0, testutil.ToFloat64(env.metrics.QuantityPosted.WithLabelValues("purchase")),
		"a replay posts nothing")

	// Same key, different content
	body["quantity"] = "6"
	third := env.do(http.MethodPost, "/api/purchases", env.admin, body, "Idempotency-Key", "req-42")
	assert.Equal(t, http.StatusConflict, third.Status)
}

func TestDeletePurchase_ReversesOnce(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	s := env.seed()
	id := env.create("/api/purchases", env.admin, map[string]any{
		"store_id": s.central, "product_id": s.product, "quantity": "8", "unit_cost": "1", "purchase_date": today(),
	})

	for i := 0; i < 2; i++ {
		resp := env.do(http.MethodDelete, "/api/purchases/"+id, env.admin, nil)
		require.Equal(t, http.StatusOK, resp.Status)
		var p PurchaseDTO
		require.NoError(t, json.Unmarshal(resp.Data, &p))
		assert.NotNil(t, p.DeletedAt)
	}

	bal, err := env.repo.GetBalance(t.Context(), s.central, s.product)
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), bal.String())

	resp := env.do(http.MethodGet, "/api/purchases?include_deleted=true&store_id="+s.central, env.admin, nil)
	var ps []PurchaseDTO
	require.NoError(t, json.Unmarshal(resp.Data, &ps))
	assert.Len(t, ps, 1)
}

func TestMovements_RunningBalance(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	s := env.seed()
	env.create("/api/purchases", env.admin, map[string]any{
		"store_id": s.central, "product_id": s.product, "quantity": "10", "unit_cost": "1", "purchase_date": today(),
	})
	env.create("/api/issues", env.admin, map[string]any{
		"from_store_id": s.central, "to_store_id": s.site, "product_id": s.product, "quantity": "4", "issue_date": today(),
	})

	resp := env.do(http.MethodGet, "/api/movements?store_id="+s.central+"&product_id="+s.product, env.admin, nil)
	require.Equal(t, http.StatusOK, resp.Status)

	var hist MovementHistoryDTO
	require.NoError(t, json.Unmarshal(resp.Data, &hist))
	require.Len(t, hist.Movements, 2)
	assert.Equal(t, "purchase", hist.Movements[0].Type)
	assert.Equal(t, "issue_out", hist.Movements[1].Type)
	assert.Equal(t, "-4", hist.Movements[1].Quantity.String())
	assert.Equal(t, "6", hist.ClosingBalance.String())
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	s := env.seed()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   inventory.Kind
		field  string
	}{
		{
			name:   "insufficient stock",
			method: http.MethodPost, path: "/api/issues",
			body: map[string]any{
				"from_store_id": s.central, "to_store_id": s.site, "product_id": s.product, "quantity": "1", "issue_date": today(),
			},
			status: http.StatusUnprocessableEntity, kind: inventory.KindInsufficientStock,
		},
		{
			name:   "malformed date",
			method: http.MethodPost, path: "/api/purchases",
			body: map[string]any{
				"store_id": s.central, "product_id": s.product, "quantity": "1", "unit_cost": "1", "purchase_date": "15/01/2025",
			},
			status: http.StatusBadRequest, kind: inventory.KindValidation, field: "purchase_date",
		},
		{
			name:   "missing field",
			method: http.MethodPost, path: "/api/categories",
			body:   map[string]any{"name": ""},
			status: http.StatusBadRequest, kind: inventory.KindValidation, field: "name",
		},
		{
			name:   "unknown store",
			method: http.MethodGet, path: "/api/stores/nope",
			status: http.StatusNotFound, kind: inventory.KindNotFound,
		},
		{
			name:   "duplicate category",
			method: http.MethodPost, path: "/api/categories",
			body:   map[string]any{"name": "CEMENT"},
			status: http.StatusConflict, kind: inventory.KindConflict,
		},
		{
			name:   "unknown report",
			method: http.MethodGet, path: "/api/reports/sales",
			status: http.StatusBadRequest, kind: inventory.KindValidation,
		},
		{
			name:   "central store to person",
			method: http.MethodPost, path: "/api/issues",
			body: map[string]any{
				"from_store_id": s.central, "issued_to_name": "Bob", "product_id": s.product, "quantity": "1", "issue_date": today(),
			},
			status: http.StatusBadRequest, kind: inventory.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(tt.method, tt.path, env.admin, tt.body)
			assert.Equal(t, tt.status, resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Error.Kind)
			if tt.field != "" {
				assert.Equal(t, tt.field, resp.Error.Field)
			}
		})
	}
}

func TestInsufficientStock_MessageNamesAvailableAndUnit(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	s := env.seed()
	env.create("/api/purchases", env.admin, map[string]any{
		"store_id": s.central, "product_id": s.product, "quantity": "3", "unit_cost": "1", "purchase_date": today(),
	})

	resp := env.do(http.MethodPost, "/api/issues", env.admin, map[string]any{
		"from_store_id": s.central, "to_store_id": s.site, "product_id": s.product, "quantity": "5", "issue_date": today(),
	})

	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "3")
	assert.Contains(t, resp.Error.Message, "bag")
}

func TestUnknownJSONField_IsValidationError(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)

	resp := env.do(http.MethodPost, "/api/projects", env.admin, map[string]any{"name": "x", "budget": 5})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

// =============================================================================
// REPORTS & VISIBILITY
// =============================================================================

func TestPeriodReport_CarriesSummary(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	s := env.seed()
	env.create("/api/purchases", env.admin, map[string]any{
		"store_id": s.central, "product_id": s.product, "quantity": "2", "unit_cost": "3.5", "purchase_date": today(),
	})
	env.create("/api/purchases", env.admin, map[string]any{
		"store_id": s.central, "product_id": s.product, "quantity": "1", "unit_cost": "5", "purchase_date": today(),
	})

	resp := env.do(http.MethodGet, "/api/reports/purchases?period=today", env.admin, nil)
	require.Equal(t, http.StatusOK, resp.Status)

	var rep ReportDTO
	require.NoError(t, json.Unmarshal(resp.Data, &rep))
	assert.Len(t, rep.Purchases, 2)
	assert.Equal(t, "today", rep.Period.Kind)
	require.NotNil(t, rep.Period.From)
	assert.Equal(t, today(), *rep.Period.From)

	var sum inventory.Summary
	require.NoError(t, json.Unmarshal(resp.Summary, &sum))
	assert.Equal(t, 2, sum.Count)
	assert.Equal(t, "3", sum.TotalQuantity.String())
	assert.Equal(t, "12", sum.TotalCost.String())
	assert.Equal(t, "4", sum.AverageUnitCost.String())
}

func TestProjectManager_SeesOnlyOwnProjectStore(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	s := env.seed()
	other := env.create("/api/projects", env.admin, map[string]any{"name": "Bridge"})
	otherSite := env.create("/api/stores", env.admin, map[string]any{"name": "Bridge Store", "type": "project", "project_id": other})

	pm := env.token(inventory.Principal{UserID: "pm-1", Role: inventory.RoleProjectStoreManager, ProjectID: &s.project})

	resp := env.do(http.MethodGet, "/api/stores", pm, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var stores []StoreDTO
	require.NoError(t, json.Unmarshal(resp.Data, &stores))
	var ids []string
	for _, st := range stores {
		ids = append(ids, st.ID)
	}
	assert.ElementsMatch(t, []string{s.central, s.site}, ids)

	resp = env.do(http.MethodGet, "/api/stores/"+otherSite, pm, nil)
	assert.Equal(t, http.StatusForbidden, resp.Status)

	resp = env.do(http.MethodGet, "/api/balances?store_id="+otherSite, pm, nil)
	assert.Equal(t, http.StatusForbidden, resp.Status)

	// Purchases into the own store need the managers policy.
	resp = env.do(http.MethodPost, "/api/purchases", pm, map[string]any{
		"store_id": s.site, "product_id": s.product, "quantity": "1", "unit_cost": "1", "purchase_date": today(),
	})
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestProjectManager_PurchasesUnderManagersPolicy(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesManagers)
	s := env.seed()
	pm := env.token(inventory.Principal{UserID: "pm-1", Role: inventory.RoleProjectStoreManager, ProjectID: &s.project})

	resp := env.do(http.MethodPost, "/api/purchases", pm, map[string]any{
		"store_id": s.site, "product_id": s.product, "quantity": "1", "unit_cost": "1", "purchase_date": today(),
	})
	assert.Equal(t, http.StatusCreated, resp.Status)
}

func TestStoreIDsParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/balances?store_id=a,b&store_id=c", nil)
	assert.Equal(t, []string{"a", "b", "c"}, storeIDs(req))

	req = httptest.NewRequest(http.MethodGet, "/api/balances", nil)
	assert.Nil(t, storeIDs(req))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	env.seed()

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "inventory_http_requests_total"))
}

func TestMetrics_CountsLedgerOutcomes(t *testing.T) {
	env := newTestEnv(t, inventory.PurchasesAdminOnly)
	s := env.seed()
	env.do(http.MethodPost, "/api/issues", env.admin, map[string]any{
		"from_store_id": s.central, "to_store_id": s.site, "product_id": s.product, "quantity": "1", "issue_date": today(),
	})

	families, err := env.metrics.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "inventory_ledger_operations_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["outcome"] == string(inventory.KindInsufficientStock) {
				found = true
				assert.Equal(t, float64(1), m.GetCounter().GetValue())
			}
		}
	}
	assert.True(t, found)
}
