/*
registry.go - Projects, stores, categories and products

PURPOSE:
  Maintains the reference data the ledger posts against. The registry
  never touches balances; it only reads them to refuse changes that would
  strand stock (deleting or retyping a store that still holds some).

STORE RULES:
  - type is central or project
  - project_id is set iff type is project, and the project must exist
  - a project has at most one active store
  - a store holding stock can be neither deleted nor retyped

PRODUCT RULES:
  - (category, case-folded name) is unique across live and deleted rows
  - creating a product whose folded name matches a deleted row in the same
    category brings that row back with the new unit and restock level
  - restock_level >= 0
*/
package inventory

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

type Registry struct {
	repo   Repository
	logger *zap.Logger
	newID  func() string
	clock  *clock
}

func NewRegistry(repo Repository, opts ...Option) *Registry {
	o := buildOptions(opts)
	return &Registry{
		repo:   repo,
		logger: o.logger.Named("registry"),
		newID:  o.newID,
		clock:  &clock{now: o.now},
	}
}

// FoldName is the key products and categories are unique by.
func FoldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// =============================================================================
// PROJECTS
// =============================================================================

func (r *Registry) CreateProject(ctx context.Context, name string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	p := Project{ID: r.newID(), Name: name, CreatedAt: r.clock.stamp()}
	err := r.repo.WithTx(ctx, func(tx Tx) error {
		return tx.SaveProject(ctx, p)
	})
	if err != nil {
		return nil, WrapStorage("create project", err)
	}
	r.logger.Info("project created", zap.String("project_id", p.ID), zap.String("name", p.Name))
	return &p, nil
}

func (r *Registry) ListProjects(ctx context.Context) ([]Project, error) {
	ps, err := r.repo.ListProjects(ctx)
	return ps, WrapStorage("list projects", err)
}

// =============================================================================
// STORES
// =============================================================================

type StoreInput struct {
	Name      string
	Type      StoreType
	ProjectID string
}

func (in *StoreInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return invalid("name", "is required")
	}
	switch in.Type {
	case StoreCentral:
		if in.ProjectID != "" {
			return invalid("project_id", "must be empty for a central store")
		}
	case StoreProject:
		if in.ProjectID == "" {
			return invalid("project_id", "is required for a project store")
		}
	default:
		return invalid("type", "must be %q or %q", StoreCentral, StoreProject)
	}
	return nil
}

func (r *Registry) CreateStore(ctx context.Context, in StoreInput) (*Store, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var out *Store
	err := r.repo.WithTx(ctx, func(tx Tx) error {
		if err := checkProjectStore(ctx, tx, in, ""); err != nil {
			return err
		}
		now := r.clock.stamp()
		s := Store{
			ID:        r.newID(),
			Name:      in.Name,
			Type:      in.Type,
			ProjectID: strPtr(in.ProjectID),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.SaveStore(ctx, s); err != nil {
			return err
		}
		out = &s
		return nil
	})
	if err != nil {
		return nil, WrapStorage("create store", err)
	}
	r.logger.Info("store created",
		zap.String("store_id", out.ID),
		zap.String("type", string(out.Type)),
		zap.String("project_id", deref(out.ProjectID)),
	)
	return out, nil
}

func (r *Registry) UpdateStore(ctx context.Context, id string, in StoreInput) (*Store, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var out *Store
	err := r.repo.WithTx(ctx, func(tx Tx) error {
		s, err := tx.LockStore(ctx, id, true)
		if err != nil {
			return err
		}
		if s == nil || s.IsDeleted() {
			return notFound("store", id)
		}
		if s.Type != in.Type {
			held, err := holdsStock(ctx, tx, BalanceFilter{StoreIDs: []string{id}})
			if err != nil {
				return err
			}
			if held {
				return conflict("store %s still holds stock; its type cannot change", id)
			}
		}
		if err := checkProjectStore(ctx, tx, in, id); err != nil {
			return err
		}
		s.Name = in.Name
		s.Type = in.Type
		s.ProjectID = strPtr(in.ProjectID)
		s.UpdatedAt = r.clock.stamp()
		if err := tx.SaveStore(ctx, *s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, WrapStorage("update store", err)
	}
	return out, nil
}

// SoftDeleteStore hides a store. Stores that still hold any stock are
// refused so no balance is ever orphaned.
func (r *Registry) SoftDeleteStore(ctx context.Context, id string) (*Store, error) {
	var out *Store
	err := r.repo.WithTx(ctx, func(tx Tx) error {
		s, err := tx.LockStore(ctx, id, true)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("store", id)
		}
		out = s
		if s.IsDeleted() {
			return nil
		}
		held, err := holdsStock(ctx, tx, BalanceFilter{StoreIDs: []string{id}})
		if err != nil {
			return err
		}
		if held {
			return conflict("store %s still holds stock; issue or return it before deleting", id)
		}
		now := r.clock.stamp()
		s.DeletedAt = &now
		s.UpdatedAt = now
		return tx.SaveStore(ctx, *s)
	})
	if err != nil {
		return nil, WrapStorage("delete store", err)
	}
	r.logger.Info("store deleted", zap.String("store_id", id))
	return out, nil
}

func (r *Registry) GetStore(ctx context.Context, id string) (*Store, error) {
	s, err := r.repo.GetStore(ctx, id)
	if err != nil {
		return nil, WrapStorage("get store", err)
	}
	if s == nil {
		return nil, notFound("store", id)
	}
	return s, nil
}

func (r *Registry) ListStores(ctx context.Context, f StoreFilter) ([]Store, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, invalid("type", "must be %q or %q", StoreCentral, StoreProject)
	}
	ss, err := r.repo.ListStores(ctx, f)
	return ss, WrapStorage("list stores", err)
}

func checkProjectStore(ctx context.Context, tx Tx, in StoreInput, selfID string) error {
	if in.Type != StoreProject {
		return nil
	}
	p, err := tx.GetProject(ctx, in.ProjectID)
	if err != nil {
		return err
	}
	if p == nil {
		return notFound("project", in.ProjectID)
	}
	existing, err := tx.ListStores(ctx, StoreFilter{Type: StoreProject, ProjectID: in.ProjectID})
	if err != nil {
		return err
	}
	for _, s := range existing {
		if s.ID != selfID {
			return conflict("project %s already has store %s", in.ProjectID, s.ID)
		}
	}
	return nil
}

// holdsStock reports whether any balance selected by f is non-zero.
func holdsStock(ctx context.Context, r Reader, f BalanceFilter) (bool, error) {
	bs, err := r.ListBalances(ctx, f)
	if err != nil {
		return false, err
	}
	for _, b := range bs {
		if !b.Quantity.IsZero() {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// CATEGORIES
// =============================================================================

func (r *Registry) CreateCategory(ctx context.Context, name string) (*Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	var out *Category
	err := r.repo.WithTx(ctx, func(tx Tx) error {
		key := FoldName(name)
		existing, err := tx.FindCategoryByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			return conflict("category %q already exists", existing.Name)
		}
		c := Category{ID: r.newID(), Name: name, NameKey: key, CreatedAt: r.clock.stamp()}
		if err := tx.SaveCategory(ctx, c); err != nil {
			return err
		}
		out = &c
		return nil
	})
	if err != nil {
		return nil, WrapStorage("create category", err)
	}
	return out, nil
}

func (r *Registry) ListCategories(ctx context.Context) ([]Category, error) {
	cs, err := r.repo.ListCategories(ctx)
	return cs, WrapStorage("list categories", err)
}

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductInput struct {
	CategoryID   string
	Name         string
	Unit         string
	RestockLevel decimal.Decimal
}

func (in *ProductInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Unit = strings.TrimSpace(in.Unit)
	if in.CategoryID == "" {
		return invalid("category_id", "is required")
	}
	if in.Name == "" {
		return invalid("name", "is required")
	}
	if in.Unit == "" {
		return invalid("unit", "is required")
	}
	if in.RestockLevel.IsNegative() {
		return invalid("restock_level", "must not be negative")
	}
	if !scaleOK(in.RestockLevel) {
		return invalid("restock_level", "must have at most %d decimal places", MaxScale)
	}
	return nil
}

// CreateProduct inserts a product, or reinstates a deleted one with the
// same folded name in the same category.
func (r *Registry) CreateProduct(ctx context.Context, in ProductInput) (*Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var (
		out        *Product
		reinstated bool
	)
	err := r.repo.WithTx(ctx, func(tx Tx) error {
		if err := categoryExists(ctx, tx, in.CategoryID); err != nil {
			return err
		}
		key := FoldName(in.Name)
		existing, err := tx.FindProductByKey(ctx, in.CategoryID, key)
		if err != nil {
			return err
		}
		now := r.clock.stamp()

		if existing != nil {
			if !existing.IsDeleted() {
				return conflict("product %q already exists in this category", existing.Name)
			}
			existing.Name = in.Name
			existing.Unit = in.Unit
			existing.RestockLevel = in.RestockLevel
			existing.DeletedAt = nil
			existing.UpdatedAt = now
			if err := tx.SaveProduct(ctx, *existing); err != nil {
				return err
			}
			out, reinstated = existing, true
			return nil
		}

		p := Product{
			ID:           r.newID(),
			CategoryID:   in.CategoryID,
			Name:         in.Name,
			NameKey:      key,
			Unit:         in.Unit,
			RestockLevel: in.RestockLevel,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.SaveProduct(ctx, p); err != nil {
			return err
		}
		out = &p
		return nil
	})
	if err != nil {
		return nil, WrapStorage("create product", err)
	}
	r.logger.Info("product saved",
		zap.String("product_id", out.ID),
		zap.String("name", out.Name),
		zap.Bool("reinstated", reinstated),
	)
	return out, nil
}

func (r *Registry) UpdateProduct(ctx context.Context, id string, in ProductInput) (*Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var out *Product
	err := r.repo.WithTx(ctx, func(tx Tx) error {
		p, err := activeProduct(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := categoryExists(ctx, tx, in.CategoryID); err != nil {
			return err
		}
		key := FoldName(in.Name)
		clash, err := tx.FindProductByKey(ctx, in.CategoryID, key)
		if err != nil {
			return err
		}
		if clash != nil && clash.ID != id {
			return conflict("product %q already exists in this category", clash.Name)
		}
		p.CategoryID = in.CategoryID
		p.Name = in.Name
		p.NameKey = key
		p.Unit = in.Unit
		p.RestockLevel = in.RestockLevel
		p.UpdatedAt = r.clock.stamp()
		if err := tx.SaveProduct(ctx, *p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, WrapStorage("update product", err)
	}
	return out, nil
}

func (r *Registry) SoftDeleteProduct(ctx context.Context, id string) (*Product, error) {
	var out *Product
	err := r.repo.WithTx(ctx, func(tx Tx) error {
		p, err := tx.GetProduct(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return notFound("product", id)
		}
		out = p
		if p.IsDeleted() {
			return nil
		}
		held, err := holdsStock(ctx, tx, BalanceFilter{ProductID: id})
		if err != nil {
			return err
		}
		if held {
			return conflict("product %s is still in stock; issue it before deleting", id)
		}
		now := r.clock.stamp()
		p.DeletedAt = &now
		p.UpdatedAt = now
		return tx.SaveProduct(ctx, *p)
	})
	if err != nil {
		return nil, WrapStorage("delete product", err)
	}
	return out, nil
}

func (r *Registry) GetProduct(ctx context.Context, id string) (*Product, error) {
	p, err := r.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, WrapStorage("get product", err)
	}
	if p == nil {
		return nil, notFound("product", id)
	}
	return p, nil
}

func (r *Registry) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	ps, err := r.repo.ListProducts(ctx, f)
	return ps, WrapStorage("list products", err)
}

func categoryExists(ctx context.Context, r Reader, id string) error {
	c, err := r.GetCategory(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return notFound("category", id)
	}
	return nil
}
