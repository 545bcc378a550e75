/*
access.go - Role based capability checks

PURPOSE:
  One function decides whether a principal may perform an operation on a
  store. The service calls it before the registry or the ledger runs, so
  neither of them knows about roles.

ROLES:
  admin                   everything
  central_store_manager   reads every store, writes central stores,
                          manages the product catalog
  project_store_manager   reads central stores and its own project's
                          store, issues from and deletes on its own store

PROJECT STORE PURCHASES:
  Whether managers may record purchases directly into project stores was
  never settled by the business, so it is a setting:
    admin_only  only admins purchase into project stores
    managers    the central manager, and the project manager of that store,
                may purchase into it as well; the central manager may
                then also delete those purchases
*/
package inventory

import "fmt"

type Role string

const (
	RoleAdmin               Role = "admin"
	RoleCentralStoreManager Role = "central_store_manager"
	RoleProjectStoreManager Role = "project_store_manager"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCentralStoreManager, RoleProjectStoreManager:
		return true
	}
	return false
}

// Principal is the authenticated caller. ProjectID is only meaningful for
// project store managers.
type Principal struct {
	UserID    string
	Role      Role
	ProjectID *string
}

type Operation string

const (
	OpReadStore      Operation = "read_store"
	OpManageStores   Operation = "manage_stores"
	OpManageCatalog  Operation = "manage_catalog"
	OpRecordPurchase Operation = "record_purchase"
	OpDeletePurchase Operation = "delete_purchase"
	OpRecordIssue    Operation = "record_issue"
	OpDeleteIssue    Operation = "delete_issue"
	OpReconcile      Operation = "reconcile"
)

type PurchasePolicy string

const (
	PurchasesAdminOnly PurchasePolicy = "admin_only"
	PurchasesManagers  PurchasePolicy = "managers"
)

func ParsePurchasePolicy(s string) (PurchasePolicy, error) {
	switch p := PurchasePolicy(s); p {
	case PurchasesAdminOnly, PurchasesManagers:
		return p, nil
	case "":
		return PurchasesAdminOnly, nil
	}
	return "", fmt.Errorf("unknown project purchase policy %q", s)
}

type AccessPolicy struct {
	ProjectPurchases PurchasePolicy
}

// Authorize reports whether p may perform op. store is the store the
// operation targets; it is nil for operations that do not target one.
func (a AccessPolicy) Authorize(p *Principal, op Operation, store *Store) error {
	if p == nil {
		return ErrNotAuthenticated
	}
	if a.allows(p, op, store) {
		return nil
	}
	e := &UnauthorizedError{Role: p.Role, Operation: op}
	if store != nil {
		e.StoreID = store.ID
	}
	return e
}

func (a AccessPolicy) allows(p *Principal, op Operation, store *Store) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleCentralStoreManager:
		return a.centralManagerAllows(op, store)
	case RoleProjectStoreManager:
		return a.projectManagerAllows(p, op, store)
	}
	return false
}

func (a AccessPolicy) centralManagerAllows(op Operation, store *Store) bool {
	switch op {
	case OpManageCatalog:
		return true
	case OpReadStore:
		return store != nil
	case OpRecordIssue, OpDeleteIssue:
		return store != nil && store.IsCentral()
	case OpRecordPurchase, OpDeletePurchase:
		if store == nil {
			return false
		}
		return store.IsCentral() || a.ProjectPurchases == PurchasesManagers
	}
	return false
}

func (a AccessPolicy) projectManagerAllows(p *Principal, op Operation, store *Store) bool {
	if store == nil {
		return false
	}
	own := ownsStore(p, store)
	switch op {
	case OpReadStore:
		return store.IsCentral() || own
	case OpRecordIssue, OpDeleteIssue, OpDeletePurchase:
		return own
	case OpRecordPurchase:
		return own && a.ProjectPurchases == PurchasesManagers
	}
	return false
}

func ownsStore(p *Principal, s *Store) bool {
	return s.IsProject() && p.ProjectID != nil && s.ProjectID != nil && *p.ProjectID == *s.ProjectID
}

// CanSee reports whether p may read s. Used to pre-filter lists.
func (a AccessPolicy) CanSee(p *Principal, s *Store) bool {
	return a.Authorize(p, OpReadStore, s) == nil
}
