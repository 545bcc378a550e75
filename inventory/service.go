/*
service.go - Authorized entry point for every operation

PURPOSE:
  Transports talk to the Service, never to the registry or the ledger
  directly. Each method checks the caller's capability against the
  AccessPolicy, stamps the caller as the author of a mutation, then
  delegates. List and report methods are narrowed to the stores the
  caller may see before they run.
*/
package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ServiceConfig struct {
	Access AccessPolicy
	// Location is the time zone report periods are computed in.
	Location *time.Location
}

type Service struct {
	Registry *Registry
	Ledger   *Ledger
	Costing  *Costing
	Reports  *Reports
	Access   AccessPolicy

	repo   Repository
	now    func() time.Time
	logger *zap.Logger
}

func NewService(repo Repository, cfg ServiceConfig, opts ...Option) *Service {
	o := buildOptions(opts)
	costing := NewCosting(repo)
	return &Service{
		Registry: NewRegistry(repo, opts...),
		Ledger:   NewLedger(repo, opts...),
		Costing:  costing,
		Reports:  NewReports(repo, costing, PeriodCalculator{Location: cfg.Location, Now: o.now}),
		Access:   cfg.Access,
		repo:     repo,
		now:      o.now,
		logger:   o.logger.Named("service"),
	}
}

func (s *Service) authorize(p *Principal, op Operation, store *Store) error {
	err := s.Access.Authorize(p, op, store)
	if err != nil && p != nil {
		fields := []zap.Field{zap.String("user_id", p.UserID), zap.String("role", string(p.Role)), zap.String("operation", string(op))}
		if store != nil {
			fields = append(fields, zap.String("store_id", store.ID))
		}
		s.logger.Warn("access denied", fields...)
	}
	return err
}

func requirePrincipal(p *Principal) error {
	if p == nil {
		return ErrNotAuthenticated
	}
	return nil
}

// =============================================================================
// REGISTRY
// =============================================================================

func (s *Service) CreateProject(ctx context.Context, p *Principal, name string) (*Project, error) {
	if err := s.authorize(p, OpManageStores, nil); err != nil {
		return nil, err
	}
	return s.Registry.CreateProject(ctx, name)
}

func (s *Service) ListProjects(ctx context.Context, p *Principal) ([]Project, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return s.Registry.ListProjects(ctx)
}

func (s *Service) CreateStore(ctx context.Context, p *Principal, in StoreInput) (*Store, error) {
	if err := s.authorize(p, OpManageStores, nil); err != nil {
		return nil, err
	}
	return s.Registry.CreateStore(ctx, in)
}

func (s *Service) UpdateStore(ctx context.Context, p *Principal, id string, in StoreInput) (*Store, error) {
	if err := s.authorize(p, OpManageStores, nil); err != nil {
		return nil, err
	}
	return s.Registry.UpdateStore(ctx, id, in)
}

func (s *Service) DeleteStore(ctx context.Context, p *Principal, id string) (*Store, error) {
	if err := s.authorize(p, OpManageStores, nil); err != nil {
		return nil, err
	}
	return s.Registry.SoftDeleteStore(ctx, id)
}

func (s *Service) GetStore(ctx context.Context, p *Principal, id string) (*Store, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	store, err := s.Registry.GetStore(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(p, OpReadStore, store); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Service) ListStores(ctx context.Context, p *Principal, f StoreFilter) ([]Store, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	all, err := s.Registry.ListStores(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Store, 0, len(all))
	for i := range all {
		if s.Access.CanSee(p, &all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *Service) CreateCategory(ctx context.Context, p *Principal, name string) (*Category, error) {
	if err := s.authorize(p, OpManageCatalog, nil); err != nil {
		return nil, err
	}
	return s.Registry.CreateCategory(ctx, name)
}

func (s *Service) ListCategories(ctx context.Context, p *Principal) ([]Category, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return s.Registry.ListCategories(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, p *Principal, in ProductInput) (*Product, error) {
	if err := s.authorize(p, OpManageCatalog, nil); err != nil {
		return nil, err
	}
	return s.Registry.CreateProduct(ctx, in)
}

func (s *Service) UpdateProduct(ctx context.Context, p *Principal, id string, in ProductInput) (*Product, error) {
	if err := s.authorize(p, OpManageCatalog, nil); err != nil {
		return nil, err
	}
	return s.Registry.UpdateProduct(ctx, id, in)
}

func (s *Service) DeleteProduct(ctx context.Context, p *Principal, id string) (*Product, error) {
	if err := s.authorize(p, OpManageCatalog, nil); err != nil {
		return nil, err
	}
	return s.Registry.SoftDeleteProduct(ctx, id)
}

func (s *Service) GetProduct(ctx context.Context, p *Principal, id string) (*Product, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return s.Registry.GetProduct(ctx, id)
}

func (s *Service) ListProducts(ctx context.Context, p *Principal, f ProductFilter) ([]Product, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return s.Registry.ListProducts(ctx, f)
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Service) RecordPurchase(ctx context.Context, p *Principal, in PurchaseInput) (*Purchase, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if err := s.authorizeStore(ctx, p, OpRecordPurchase, in.StoreID); err != nil {
		return nil, err
	}
	in.CreatedBy = p.UserID
	return s.Ledger.RecordPurchase(ctx, in)
}

func (s *Service) RecordIssue(ctx context.Context, p *Principal, in IssueInput) (*Issue, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if err := s.authorizeStore(ctx, p, OpRecordIssue, in.FromStoreID); err != nil {
		return nil, err
	}
	in.CreatedBy = p.UserID
	return s.Ledger.RecordIssue(ctx, in)
}

func (s *Service) DeletePurchase(ctx context.Context, p *Principal, id string) (*Purchase, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	purchase, err := s.repo.GetPurchase(ctx, id)
	if err != nil {
		return nil, WrapStorage("get purchase", err)
	}
	if purchase == nil {
		return nil, notFound("purchase", id)
	}
	if err := s.authorizeStore(ctx, p, OpDeletePurchase, purchase.StoreID); err != nil {
		return nil, err
	}
	return s.Ledger.DeletePurchase(ctx, id, p.UserID)
}

func (s *Service) DeleteIssue(ctx context.Context, p *Principal, id string) (*Issue, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	issue, err := s.repo.GetIssue(ctx, id)
	if err != nil {
		return nil, WrapStorage("get issue", err)
	}
	if issue == nil {
		return nil, notFound("issue", id)
	}
	if err := s.authorizeStore(ctx, p, OpDeleteIssue, issue.FromStoreID); err != nil {
		return nil, err
	}
	return s.Ledger.DeleteIssue(ctx, id, p.UserID)
}

// authorizeStore resolves the store, deleted or not, and checks op on it.
// Deleted stores are still checked so that the ledger reports them as
// missing only to callers who could have seen them.
func (s *Service) authorizeStore(ctx context.Context, p *Principal, op Operation, storeID string) error {
	if storeID == "" {
		return invalid("store_id", "is required")
	}
	store, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return WrapStorage("get store", err)
	}
	if store == nil {
		return notFound("store", storeID)
	}
	return s.authorize(p, op, store)
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) ListPurchases(ctx context.Context, p *Principal, f MovementFilter) ([]Purchase, error) {
	ids, err := s.visibleStores(ctx, p, f.StoreIDs)
	if err != nil {
		return nil, err
	}
	f.StoreIDs = ids
	ps, err := s.repo.ListPurchases(ctx, f)
	return ps, WrapStorage("list purchases", err)
}

func (s *Service) ListIssues(ctx context.Context, p *Principal, f MovementFilter) ([]Issue, error) {
	ids, err := s.visibleStores(ctx, p, f.StoreIDs)
	if err != nil {
		return nil, err
	}
	f.StoreIDs = ids
	is, err := s.repo.ListIssues(ctx, f)
	return is, WrapStorage("list issues", err)
}

func (s *Service) ListBalances(ctx context.Context, p *Principal, q BalanceQuery) ([]BalanceRow, error) {
	ids, err := s.visibleStores(ctx, p, q.StoreIDs)
	if err != nil {
		return nil, err
	}
	q.StoreIDs = ids
	return s.Reports.ListBalances(ctx, q)
}

func (s *Service) ListMovements(ctx context.Context, p *Principal, q MovementQuery) (*MovementHistory, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if err := s.authorizeStore(ctx, p, OpReadStore, q.StoreID); err != nil {
		return nil, err
	}
	return s.Reports.ListMovements(ctx, q)
}

func (s *Service) PeriodReport(ctx context.Context, p *Principal, q ReportQuery) (*Report, error) {
	ids, err := s.visibleStores(ctx, p, q.StoreIDs)
	if err != nil {
		return nil, err
	}
	q.StoreIDs = ids
	return s.Reports.PeriodReport(ctx, q)
}

// CostQuote is the answer to an average cost lookup.
type CostQuote struct {
	StoreID     string          `json:"store_id"`
	ProductID   string          `json:"product_id"`
	AverageCost decimal.Decimal `json:"average_cost"`
	Quantity    decimal.Decimal `json:"quantity"`
	Value       decimal.Decimal `json:"value"`
}

func (s *Service) AverageCost(ctx context.Context, p *Principal, storeID, productID string) (*CostQuote, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if productID == "" {
		return nil, invalid("product_id", "is required")
	}
	if err := s.authorizeStore(ctx, p, OpReadStore, storeID); err != nil {
		return nil, err
	}
	avg, err := s.Costing.AverageCost(ctx, storeID, productID)
	if err != nil {
		return nil, err
	}
	qty, err := s.repo.GetBalance(ctx, storeID, productID)
	if err != nil {
		return nil, WrapStorage("get balance", err)
	}
	return &CostQuote{
		StoreID:     storeID,
		ProductID:   productID,
		AverageCost: avg,
		Quantity:    qty,
		Value:       Value(avg, qty),
	}, nil
}

func (s *Service) Reconcile(ctx context.Context, p *Principal) (*ReconciliationReport, error) {
	if err := s.authorize(p, OpReconcile, nil); err != nil {
		return nil, err
	}
	rep, err := Reconcile(ctx, s.repo, s.now())
	if err != nil {
		return nil, err
	}
	if !rep.Balanced() {
		s.logger.Error("balance drift detected", zap.Int("pairs", len(rep.Drift)))
	}
	return rep, nil
}

// visibleStores narrows requested to the stores p may read. A nil request
// means "all visible"; an explicit store the caller may not read is an
// error rather than a silent omission.
func (s *Service) visibleStores(ctx context.Context, p *Principal, requested []string) ([]string, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	all, err := s.repo.ListStores(ctx, StoreFilter{IncludeDeleted: true})
	if err != nil {
		return nil, WrapStorage("list stores", err)
	}
	byID := make(map[string]*Store, len(all))
	for i := range all {
		byID[all[i].ID] = &all[i]
	}

	if requested != nil {
		out := make([]string, 0, len(requested))
		for _, id := range requested {
			store, ok := byID[id]
			if !ok {
				return nil, notFound("store", id)
			}
			if err := s.authorize(p, OpReadStore, store); err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	}

	if p.Role == RoleAdmin || p.Role == RoleCentralStoreManager {
		return nil, nil
	}
	out := make([]string, 0, len(all))
	for i := range all {
		if s.Access.CanSee(p, &all[i]) {
			out = append(out, all[i].ID)
		}
	}
	return out, nil
}
