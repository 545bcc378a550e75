/*
report.go - Read models over the ledger

PURPOSE:
  Builds the views the presentation layer consumes: current balances with
  their value, the movement history of one (store, product) pair with a
  running balance, and period reports over purchases, issues or stock.

  Reads take no locks. A report running next to a write sees the last
  committed state of each table it reads.

REPORTS:
  purchases  purchases dated in the period, valued at their own cost
  issues     issues dated in the period, valued at the source store's
             current average cost
  inventory  current balances, plus how much of each was purchased and
             issued within the period

SUMMARY:
  count, total_quantity, total_cost, average_unit_cost
  inventory reports add by_store: items, quantity and value per store
*/
package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Reports struct {
	repo    Reader
	costing *Costing
	periods PeriodCalculator
}

func NewReports(repo Reader, costing *Costing, periods PeriodCalculator) *Reports {
	return &Reports{repo: repo, costing: costing, periods: periods}
}

// =============================================================================
// BALANCES
// =============================================================================

type BalanceQuery struct {
	StoreIDs   []string
	ProductID  string
	CategoryID string
}

type BalanceRow struct {
	StoreID      string          `json:"store_id"`
	StoreName    string          `json:"store_name"`
	StoreType    StoreType       `json:"store_type"`
	ProjectID    *string         `json:"project_id"`
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	Unit         string          `json:"unit"`
	CategoryID   string          `json:"category_id"`
	CategoryName string          `json:"category_name"`
	Quantity     decimal.Decimal `json:"quantity"`
	RestockLevel decimal.Decimal `json:"restock_level"`
	NeedsRestock bool            `json:"needs_restock"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	Value        decimal.Decimal `json:"value"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ListBalances returns the balances of live stores and products, ordered
// by store name then product name.
func (r *Reports) ListBalances(ctx context.Context, q BalanceQuery) ([]BalanceRow, error) {
	cat, err := r.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	bs, err := r.repo.ListBalances(ctx, BalanceFilter{StoreIDs: q.StoreIDs, ProductID: q.ProductID})
	if err != nil {
		return nil, WrapStorage("list balances", err)
	}
	avgs, err := r.costing.averages(ctx, q.StoreIDs)
	if err != nil {
		return nil, err
	}

	rows := make([]BalanceRow, 0, len(bs))
	for _, b := range bs {
		row, ok := cat.balanceRow(b, avgs)
		if !ok {
			continue
		}
		if q.CategoryID != "" && row.CategoryID != q.CategoryID {
			continue
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].StoreName != rows[j].StoreName {
			return rows[i].StoreName < rows[j].StoreName
		}
		return rows[i].ProductName < rows[j].ProductName
	})
	return rows, nil
}

// NeedsRestock is true when a restock level is set and the quantity has
// fallen to it or below.
func NeedsRestock(quantity, restockLevel decimal.Decimal) bool {
	return restockLevel.IsPositive() && quantity.LessThanOrEqual(restockLevel)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

type MovementType string

const (
	MovementPurchase MovementType = "purchase"
	MovementIssueOut MovementType = "issue_out"
	MovementIssueIn  MovementType = "issue_in"
)

// Movement is one line of a store's history for a product. Quantity is
// signed: positive for stock coming in.
type Movement struct {
	Type           MovementType     `json:"type"`
	ID             string           `json:"id"`
	Date           time.Time        `json:"date"`
	CreatedAt      time.Time        `json:"created_at"`
	Quantity       decimal.Decimal  `json:"quantity"`
	UnitCost       *decimal.Decimal `json:"unit_cost,omitempty"`
	OtherStoreID   *string          `json:"other_store_id,omitempty"`
	IssuedToName   *string          `json:"issued_to_name,omitempty"`
	Notes          string           `json:"notes"`
	RunningBalance decimal.Decimal  `json:"running_balance"`
}

type MovementQuery struct {
	StoreID   string
	ProductID string
	From      *time.Time
	To        *time.Time
}

type MovementHistory struct {
	StoreID        string          `json:"store_id"`
	ProductID      string          `json:"product_id"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	Movements      []Movement      `json:"movements"`
}

// ListMovements merges the purchases and both sides of the issues of one
// pair into date order. Rows dated before From are folded into the
// opening balance.
func (r *Reports) ListMovements(ctx context.Context, q MovementQuery) (*MovementHistory, error) {
	if q.StoreID == "" {
		return nil, invalid("store_id", "is required")
	}
	if q.ProductID == "" {
		return nil, invalid("product_id", "is required")
	}
	f := MovementFilter{StoreIDs: []string{q.StoreID}, ProductID: q.ProductID}
	ps, err := r.repo.ListPurchases(ctx, f)
	if err != nil {
		return nil, WrapStorage("list movements", err)
	}
	is, err := r.repo.ListIssues(ctx, f)
	if err != nil {
		return nil, WrapStorage("list movements", err)
	}

	all := make([]Movement, 0, len(ps)+len(is))
	for _, p := range ps {
		cost := p.UnitCost
		all = append(all, Movement{
			Type:      MovementPurchase,
			ID:        p.ID,
			Date:      p.PurchaseDate,
			CreatedAt: p.CreatedAt,
			Quantity:  p.Quantity,
			UnitCost:  &cost,
			Notes:     p.Notes,
		})
	}
	for _, i := range is {
		m := Movement{
			ID:        i.ID,
			Date:      i.IssueDate,
			CreatedAt: i.CreatedAt,
			Notes:     i.Notes,
		}
		if i.FromStoreID == q.StoreID {
			m.Type = MovementIssueOut
			m.Quantity = i.Quantity.Neg()
			m.OtherStoreID = i.ToStoreID
			m.IssuedToName = i.IssuedToName
		} else {
			from := i.FromStoreID
			m.Type = MovementIssueIn
			m.Quantity = i.Quantity
			m.OtherStoreID = &from
		}
		all = append(all, m)
	}
	sort.SliceStable(all, func(a, b int) bool {
		if !all[a].Date.Equal(all[b].Date) {
			return all[a].Date.Before(all[b].Date)
		}
		return all[a].CreatedAt.Before(all[b].CreatedAt)
	})

	window := Period{From: q.From, To: q.To}
	h := &MovementHistory{StoreID: q.StoreID, ProductID: q.ProductID, Movements: []Movement{}}
	running := decimal.Zero
	for _, m := range all {
		running = running.Add(m.Quantity)
		if q.From != nil && m.Date.Before(*q.From) {
			h.OpeningBalance = running
			continue
		}
		if !window.Contains(m.Date) {
			continue
		}
		m.RunningBalance = running
		h.Movements = append(h.Movements, m)
	}
	h.ClosingBalance = h.OpeningBalance
	if n := len(h.Movements); n > 0 {
		h.ClosingBalance = h.Movements[n-1].RunningBalance
	}
	return h, nil
}

// =============================================================================
// PERIOD REPORTS
// =============================================================================

type ReportKind string

const (
	ReportPurchases ReportKind = "purchases"
	ReportIssues    ReportKind = "issues"
	ReportInventory ReportKind = "inventory"
)

func (k ReportKind) Valid() bool {
	return k == ReportPurchases || k == ReportIssues || k == ReportInventory
}

type ReportQuery struct {
	Kind     ReportKind
	Period   PeriodKind
	StoreIDs []string
}

type PurchaseLine struct {
	Purchase
	StoreName   string `json:"store_name"`
	ProductName string `json:"product_name"`
	Unit        string `json:"unit"`
}

type IssueLine struct {
	Issue
	FromStoreName string          `json:"from_store_name"`
	ToStoreName   string          `json:"to_store_name,omitempty"`
	ProductName   string          `json:"product_name"`
	Unit          string          `json:"unit"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	Value         decimal.Decimal `json:"value"`
}

type InventoryLine struct {
	BalanceRow
	PeriodPurchased decimal.Decimal `json:"period_purchased"`
	PeriodIssued    decimal.Decimal `json:"period_issued"`
}

type StoreSummary struct {
	StoreID   string          `json:"store_id"`
	StoreName string          `json:"store_name"`
	Items     int             `json:"items"`
	Quantity  decimal.Decimal `json:"quantity"`
	Value     decimal.Decimal `json:"value"`
}

type Summary struct {
	Count           int             `json:"count"`
	TotalQuantity   decimal.Decimal `json:"total_quantity"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	AverageUnitCost decimal.Decimal `json:"average_unit_cost"`
	ByStore         []StoreSummary  `json:"by_store,omitempty"`
}

func (s *Summary) add(qty, cost decimal.Decimal) {
	s.Count++
	s.TotalQuantity = s.TotalQuantity.Add(qty)
	s.TotalCost = s.TotalCost.Add(cost)
}

func (s *Summary) finish() {
	if s.TotalQuantity.IsPositive() {
		s.AverageUnitCost = s.TotalCost.DivRound(s.TotalQuantity, MaxScale)
	}
}

type Report struct {
	Kind      ReportKind      `json:"kind"`
	Period    Period          `json:"period"`
	Purchases []PurchaseLine  `json:"purchases,omitempty"`
	Issues    []IssueLine     `json:"issues,omitempty"`
	Inventory []InventoryLine `json:"inventory,omitempty"`
	Summary   Summary         `json:"summary"`
}

func (r *Reports) PeriodReport(ctx context.Context, q ReportQuery) (*Report, error) {
	if !q.Kind.Valid() {
		return nil, invalid("kind", "must be one of purchases, issues, inventory")
	}
	period, err := r.periods.PeriodFor(q.Period)
	if err != nil {
		return nil, err
	}
	cat, err := r.loadCatalog(ctx)
	if err != nil {
		return nil, err
	}

	rep := &Report{Kind: q.Kind, Period: period}
	switch q.Kind {
	case ReportPurchases:
		err = r.purchaseReport(ctx, rep, cat, q.StoreIDs)
	case ReportIssues:
		err = r.issueReport(ctx, rep, cat, q.StoreIDs)
	case ReportInventory:
		err = r.inventoryReport(ctx, rep, cat, q.StoreIDs)
	}
	if err != nil {
		return nil, err
	}
	rep.Summary.finish()
	return rep, nil
}

func (r *Reports) purchaseReport(ctx context.Context, rep *Report, cat *catalog, storeIDs []string) error {
	ps, err := r.repo.ListPurchases(ctx, MovementFilter{StoreIDs: storeIDs, From: rep.Period.From, To: rep.Period.To})
	if err != nil {
		return WrapStorage("purchase report", err)
	}
	rep.Purchases = make([]PurchaseLine, 0, len(ps))
	for _, p := range ps {
		prod := cat.products[p.ProductID]
		rep.Purchases = append(rep.Purchases, PurchaseLine{
			Purchase:    p,
			StoreName:   cat.stores[p.StoreID].Name,
			ProductName: prod.Name,
			Unit:        prod.Unit,
		})
		rep.Summary.add(p.Quantity, p.TotalCost)
	}
	return nil
}

func (r *Reports) issueReport(ctx context.Context, rep *Report, cat *catalog, storeIDs []string) error {
	is, err := r.repo.ListIssues(ctx, MovementFilter{StoreIDs: storeIDs, From: rep.Period.From, To: rep.Period.To})
	if err != nil {
		return WrapStorage("issue report", err)
	}
	avgs, err := r.costing.averages(ctx, sourceStores(is))
	if err != nil {
		return err
	}
	rep.Issues = make([]IssueLine, 0, len(is))
	for _, i := range is {
		prod := cat.products[i.ProductID]
		unitCost := avgs[BalanceKey{StoreID: i.FromStoreID, ProductID: i.ProductID}]
		line := IssueLine{
			Issue:         i,
			FromStoreName: cat.stores[i.FromStoreID].Name,
			ProductName:   prod.Name,
			Unit:          prod.Unit,
			UnitCost:      unitCost,
			Value:         Value(unitCost, i.Quantity),
		}
		if i.ToStoreID != nil {
			line.ToStoreName = cat.stores[*i.ToStoreID].Name
		}
		rep.Issues = append(rep.Issues, line)
		rep.Summary.add(i.Quantity, line.Value)
	}
	return nil
}

func (r *Reports) inventoryReport(ctx context.Context, rep *Report, cat *catalog, storeIDs []string) error {
	rows, err := r.ListBalances(ctx, BalanceQuery{StoreIDs: storeIDs})
	if err != nil {
		return err
	}
	window := MovementFilter{StoreIDs: storeIDs, From: rep.Period.From, To: rep.Period.To}
	ps, err := r.repo.ListPurchases(ctx, window)
	if err != nil {
		return WrapStorage("inventory report", err)
	}
	is, err := r.repo.ListIssues(ctx, window)
	if err != nil {
		return WrapStorage("inventory report", err)
	}
	purchased := make(map[BalanceKey]decimal.Decimal)
	for _, p := range ps {
		k := BalanceKey{StoreID: p.StoreID, ProductID: p.ProductID}
		purchased[k] = purchased[k].Add(p.Quantity)
	}
	issued := make(map[BalanceKey]decimal.Decimal)
	for _, i := range is {
		k := BalanceKey{StoreID: i.FromStoreID, ProductID: i.ProductID}
		issued[k] = issued[k].Add(i.Quantity)
	}

	byStore := make(map[string]*StoreSummary)
	var order []string
	rep.Inventory = make([]InventoryLine, 0, len(rows))
	for _, row := range rows {
		k := BalanceKey{StoreID: row.StoreID, ProductID: row.ProductID}
		rep.Inventory = append(rep.Inventory, InventoryLine{
			BalanceRow:      row,
			PeriodPurchased: purchased[k],
			PeriodIssued:    issued[k],
		})
		rep.Summary.add(row.Quantity, row.Value)

		s, ok := byStore[row.StoreID]
		if !ok {
			s = &StoreSummary{StoreID: row.StoreID, StoreName: row.StoreName}
			byStore[row.StoreID] = s
			order = append(order, row.StoreID)
		}
		s.Items++
		s.Quantity = s.Quantity.Add(row.Quantity)
		s.Value = s.Value.Add(row.Value)
	}
	rep.Summary.ByStore = make([]StoreSummary, 0, len(order))
	for _, id := range order {
		rep.Summary.ByStore = append(rep.Summary.ByStore, *byStore[id])
	}
	return nil
}

func sourceStores(is []Issue) []string {
	seen := make(map[string]bool)
	var out []string
	for _, i := range is {
		if !seen[i.FromStoreID] {
			seen[i.FromStoreID] = true
			out = append(out, i.FromStoreID)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// =============================================================================
// CATALOG LOOKUPS
// =============================================================================

// catalog holds every store, product and category, including deleted
// ones, so historical rows still resolve their names.
type catalog struct {
	stores     map[string]Store
	products   map[string]Product
	categories map[string]Category
}

func (r *Reports) loadCatalog(ctx context.Context) (*catalog, error) {
	ss, err := r.repo.ListStores(ctx, StoreFilter{IncludeDeleted: true})
	if err != nil {
		return nil, WrapStorage("load stores", err)
	}
	ps, err := r.repo.ListProducts(ctx, ProductFilter{IncludeDeleted: true})
	if err != nil {
		return nil, WrapStorage("load products", err)
	}
	cs, err := r.repo.ListCategories(ctx)
	if err != nil {
		return nil, WrapStorage("load categories", err)
	}
	c := &catalog{
		stores:     make(map[string]Store, len(ss)),
		products:   make(map[string]Product, len(ps)),
		categories: make(map[string]Category, len(cs)),
	}
	for _, s := range ss {
		c.stores[s.ID] = s
	}
	for _, p := range ps {
		c.products[p.ID] = p
	}
	for _, cg := range cs {
		c.categories[cg.ID] = cg
	}
	return c, nil
}

// balanceRow resolves b against the catalog. Balances of deleted stores or
// products are dropped.
func (c *catalog) balanceRow(b Balance, avgs map[BalanceKey]decimal.Decimal) (BalanceRow, bool) {
	s, ok := c.stores[b.StoreID]
	if !ok || s.IsDeleted() {
		return BalanceRow{}, false
	}
	p, ok := c.products[b.ProductID]
	if !ok || p.IsDeleted() {
		return BalanceRow{}, false
	}
	avg := avgs[BalanceKey{StoreID: b.StoreID, ProductID: b.ProductID}]
	return BalanceRow{
		StoreID:      s.ID,
		StoreName:    s.Name,
		StoreType:    s.Type,
		ProjectID:    s.ProjectID,
		ProductID:    p.ID,
		ProductName:  p.Name,
		Unit:         p.Unit,
		CategoryID:   p.CategoryID,
		CategoryName: c.categories[p.CategoryID].Name,
		Quantity:     b.Quantity,
		RestockLevel: p.RestockLevel,
		NeedsRestock: NeedsRestock(b.Quantity, p.RestockLevel),
		AverageCost:  avg,
		Value:        Value(avg, b.Quantity),
		UpdatedAt:    b.UpdatedAt,
	}, true
}
