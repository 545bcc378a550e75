/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate an empty database with
	realistic construction stock for demos. Every row goes through the
	service, so scenarios exercise the same validation, authorization and
	ledger postings as real traffic.

AVAILABLE SCENARIOS:

	single-site:    One central yard feeding one project, with a restock alert
	multi-project:  Two central stores, two projects, transfers, a return
	                and reversed (deleted) movements
	low-stock:      Several products below their restock level

HOW SCENARIOS WORK:
 1. Refuse to run unless no store exists yet
 2. Create projects, stores, categories and products
 3. Post purchases, then issues, dated relative to today

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "multi-project"}

NOTE:

	Loading requires the admin role. There is no reset endpoint; load
	scenarios into a fresh database.

SEE ALSO:
  - handlers.go: Shared helpers
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/inventory-ledger/inventory"
	"github.com/warp/inventory-ledger/logger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(s *seeder)
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "single-site",
			Name:        "Single Site",
			Description: "One central yard supplying one project; rebar drops below its restock level",
		},
		load: loadSingleSite,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "multi-project",
			Name:        "Multi Project",
			Description: "Two central stores, two projects, transfers, a return to central and reversed movements",
		},
		load: loadMultiProject,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "low-stock",
			Name:        "Low Stock",
			Description: "Several products below their restock level across stores",
		},
		load: loadLowStock,
	},
}

func findScenario(id string) *scenario {
	for i := range scenarios {
		if scenarios[i].ID == id {
			return &scenarios[i]
		}
	}
	return nil
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeData(w, http.StatusOK, out)
}

// GetCurrentScenario returns the last scenario loaded by this process, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if s := findScenario(current); s != nil {
		writeData(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// LoadScenario seeds the database with a demo scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.bind(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s := findScenario(req.ScenarioID)
	if s == nil {
		writeError(w, r, &inventory.NotFoundError{Resource: "scenario", ID: req.ScenarioID})
		return
	}

	ctx := r.Context()
	p := PrincipalFrom(ctx)
	if err := h.svc.Access.Authorize(p, inventory.OpManageStores, nil); err != nil {
		writeError(w, r, err)
		return
	}
	existing, err := h.svc.ListStores(ctx, p, inventory.StoreFilter{IncludeDeleted: true})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(existing) > 0 {
		writeError(w, r, &inventory.ConflictError{Message: "scenarios can only be loaded into an empty database"})
		return
	}

	sd := &seeder{ctx: ctx, svc: h.svc, p: p, today: inventory.DateOf(h.now().UTC())}
	s.load(sd)
	if sd.err != nil {
		logger.FromContext(ctx).Error("scenario load failed", zap.String("scenario", s.ID), zap.Error(sd.err))
		writeError(w, r, sd.err)
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	logger.FromContext(ctx).Info("scenario loaded",
		zap.String("scenario", s.ID),
		zap.Int("purchases", sd.purchases),
		zap.Int("issues", sd.issues),
	)
	writeData(w, http.StatusOK, map[string]any{
		"scenario":  s.ScenarioDTO,
		"purchases": sd.purchases,
		"issues":    sd.issues,
	})
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder records the first error and turns every later call into a no-op,
// which keeps the loaders free of error plumbing.
type seeder struct {
	ctx   context.Context
	svc   *inventory.Service
	p     *inventory.Principal
	today time.Time
	err   error

	purchases int
	issues    int
}

func (s *seeder) daysAgo(n int) time.Time {
	return s.today.AddDate(0, 0, -n)
}

func (s *seeder) project(name string) string {
	if s.err != nil {
		return ""
	}
	p, err := s.svc.CreateProject(s.ctx, s.p, name)
	if err != nil {
		s.err = err
		return ""
	}
	return p.ID
}

func (s *seeder) centralStore(name string) string {
	return s.store(inventory.StoreInput{Name: name, Type: inventory.StoreCentral})
}

func (s *seeder) projectStore(name, projectID string) string {
	return s.store(inventory.StoreInput{Name: name, Type: inventory.StoreProject, ProjectID: projectID})
}

func (s *seeder) store(in inventory.StoreInput) string {
	if s.err != nil {
		return ""
	}
	st, err := s.svc.CreateStore(s.ctx, s.p, in)
	if err != nil {
		s.err = err
		return ""
	}
	return st.ID
}

func (s *seeder) category(name string) string {
	if s.err != nil {
		return ""
	}
	c, err := s.svc.CreateCategory(s.ctx, s.p, name)
	if err != nil {
		s.err = err
		return ""
	}
	return c.ID
}

func (s *seeder) product(categoryID, name, unit, restock string) string {
	if s.err != nil {
		return ""
	}
	p, err := s.svc.CreateProduct(s.ctx, s.p, inventory.ProductInput{
		CategoryID:   categoryID,
		Name:         name,
		Unit:         unit,
		RestockLevel: decimal.RequireFromString(restock),
	})
	if err != nil {
		s.err = err
		return ""
	}
	return p.ID
}

func (s *seeder) purchase(storeID, productID, qty, unitCost string, daysAgo int) string {
	if s.err != nil {
		return ""
	}
	p, err := s.svc.RecordPurchase(s.ctx, s.p, inventory.PurchaseInput{
		StoreID:   storeID,
		ProductID: productID,
		Quantity:  decimal.RequireFromString(qty),
		UnitCost:  decimal.RequireFromString(unitCost),
		Date:      s.daysAgo(daysAgo),
	})
	if err != nil {
		s.err = err
		return ""
	}
	s.purchases++
	return p.ID
}

func (s *seeder) transfer(fromID, toID, productID, qty string, daysAgo int) string {
	return s.issue(inventory.IssueInput{FromStoreID: fromID, ToStoreID: toID, ProductID: productID,
		Quantity: decimal.RequireFromString(qty), Date: s.daysAgo(daysAgo)})
}

func (s *seeder) issueTo(fromID, person, productID, qty string, daysAgo int) string {
	return s.issue(inventory.IssueInput{FromStoreID: fromID, IssuedToName: person, ProductID: productID,
		Quantity: decimal.RequireFromString(qty), Date: s.daysAgo(daysAgo)})
}

func (s *seeder) issue(in inventory.IssueInput) string {
	if s.err != nil {
		return ""
	}
	i, err := s.svc.RecordIssue(s.ctx, s.p, in)
	if err != nil {
		s.err = err
		return ""
	}
	s.issues++
	return i.ID
}

func (s *seeder) deletePurchase(id string) {
	if s.err != nil {
		return
	}
	_, s.err = s.svc.DeletePurchase(s.ctx, s.p, id)
}

func (s *seeder) deleteIssue(id string) {
	if s.err != nil {
		return
	}
	_, s.err = s.svc.DeleteIssue(s.ctx, s.p, id)
}

// =============================================================================
// LOADERS
// =============================================================================

func loadSingleSite(s *seeder) {
	tower := s.project("Riverside Tower")
	yard := s.centralStore("Central Yard")
	site := s.projectStore("Riverside Tower Store", tower)

	cement := s.category("Cement")
	steel := s.category("Steel")
	portland := s.product(cement, "Portland Cement 50kg", "bag", "50")
	rebar := s.product(steel, "Rebar 12mm", "piece", "100")

	// Average cost of cement at the yard: (200*9.50 + 100*10.25) / 300 = 9.75
	s.purchase(yard, portland, "200", "9.50", 20)
	s.purchase(yard, portland, "100", "10.25", 10)
	s.purchase(yard, rebar, "500", "4.10", 15)

	s.transfer(yard, site, portland, "120", 5)
	s.transfer(yard, site, rebar, "450", 4)
	s.issueTo(site, "Site crew A", portland, "30", 2)
	s.issueTo(site, "Formwork subcontractor", rebar, "200", 1)
}

func loadMultiProject(s *seeder) {
	bridge := s.project("Harbour Bridge Repair")
	school := s.project("Eastside School")
	mainYard := s.centralStore("Main Yard")
	north := s.centralStore("North Depot")
	bridgeStore := s.projectStore("Harbour Bridge Store", bridge)
	schoolStore := s.projectStore("Eastside School Store", school)

	aggregates := s.category("Aggregates")
	timber := s.category("Timber")
	electrical := s.category("Electrical")
	sand := s.product(aggregates, "Sharp Sand", "tonne", "20")
	gravel := s.product(aggregates, "Gravel 20mm", "tonne", "20")
	plank := s.product(timber, "Pine Plank 2.4m", "piece", "150")
	cable := s.product(electrical, "Cable 2.5mm", "metre", "500")

	s.purchase(mainYard, sand, "80", "31.5", 40)
	s.purchase(mainYard, sand, "40", "33.25", 12)
	s.purchase(mainYard, gravel, "60", "28", 35)
	s.purchase(north, plank, "600", "6.8", 30)
	s.purchase(north, cable, "2000", "0.875", 25)
	mistake := s.purchase(north, cable, "1000", "0.9", 24)
	s.deletePurchase(mistake)

	s.transfer(mainYard, bridgeStore, sand, "45", 10)
	s.transfer(mainYard, bridgeStore, gravel, "30", 9)
	s.transfer(north, schoolStore, plank, "250", 8)
	s.transfer(north, schoolStore, cable, "900", 7)
	wrongSite := s.transfer(north, bridgeStore, plank, "100", 6)
	s.deleteIssue(wrongSite)

	s.issueTo(bridgeStore, "Deck team", sand, "20", 3)
	s.issueTo(schoolStore, "Electrician - J. Okafor", cable, "350", 2)

	// Unused planks go back to the depot.
	s.transfer(schoolStore, north, plank, "40", 1)
}

func loadLowStock(s *seeder) {
	estate := s.project("Hillcrest Estate")
	yard := s.centralStore("Central Yard")
	site := s.projectStore("Hillcrest Estate Store", estate)

	fixings := s.category("Fixings")
	finishes := s.category("Finishes")
	screws := s.product(fixings, "Wood Screw 4x40", "box", "25")
	anchors := s.product(fixings, "Wall Anchor 8mm", "box", "10")
	paint := s.product(finishes, "Exterior Paint 20L", "drum", "8")
	plaster := s.product(finishes, "Gypsum Plaster 25kg", "bag", "40")

	s.purchase(yard, screws, "60", "7.2", 14)
	s.purchase(yard, anchors, "15", "11.4", 14)
	s.purchase(yard, paint, "12", "89.99", 12)
	s.purchase(yard, plaster, "100", "8.35", 11)

	s.transfer(yard, site, screws, "50", 6)
	s.transfer(yard, site, anchors, "9", 6)
	s.transfer(yard, site, paint, "6", 5)
	s.transfer(yard, site, plaster, "70", 5)
	s.issueTo(site, "Painting crew", paint, "4", 2)
	s.issueTo(site, "Plastering crew", plaster, "45", 1)
}
