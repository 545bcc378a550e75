/*
ledger.go - Purchases, issues and their reversal

PURPOSE:
  The Ledger is the only component allowed to change a balance. Each
  operation re-reads the balances it touches under a lock, validates
  against that fresh read, then writes the movement row and the new
  balance in the same transaction.

OPERATIONS:
  RecordPurchase: balance[store, product] += quantity
  RecordIssue:    balance[from, product] -= quantity
                  balance[to, product]   += quantity   (transfers only)
  DeletePurchase: soft delete + inverse of RecordPurchase, exactly once
  DeleteIssue:    soft delete + inverse of RecordIssue, exactly once

CRITICAL INVARIANTS:
  1. CONSERVATION: balance = Σ purchases - Σ issues out + Σ issues in
     over non-deleted rows, for every (store, product)
  2. NO NEGATIVE STOCK: an issue never exceeds the locked balance, and a
     reversal that would push a balance below zero is refused
  3. ONCE-ONLY REVERSAL: the soft-delete guard decides whether the
     inverse delta is applied, so repeating a delete changes nothing
  4. ALL-OR-NOTHING: any error rolls back the movement and the balances

ISSUE ROUTES:
  central -> project store           transfer
  central -> person                  only with AllowCentralIssueToPerson
  project -> central store           return
  project -> person                  issued_to_name required

REQUEST IDS:
  A client may attach a request id to a purchase or issue. Re-sending
  the same id returns the row recorded the first time instead of
  applying the delta again.

EXAMPLE FLOW:
  1. Buy 100 bags of cement for Central:   Central = 100
  2. Issue 40 to the Site A store:         Central = 60,  Site A = 40
  3. Issue 1000 from Central:              InsufficientStockError, Central = 60
  4. Delete the purchase from step 1:      ConflictError (60 - 100 < 0)

SEE ALSO:
  - repository.go: LockBalance and the soft-delete guard
  - costing.go: Average cost from the purchase history
*/
package inventory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// INPUTS
// =============================================================================

type PurchaseInput struct {
	StoreID   string
	ProductID string
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
	Date      time.Time
	Notes     string
	RequestID string
	CreatedBy string
}

func (in *PurchaseInput) validate() error {
	if in.StoreID == "" {
		return invalid("store_id", "is required")
	}
	if in.ProductID == "" {
		return invalid("product_id", "is required")
	}
	if err := positiveQuantity(in.Quantity); err != nil {
		return err
	}
	if in.UnitCost.IsNegative() {
		return invalid("unit_cost", "must not be negative")
	}
	if !scaleOK(in.UnitCost) {
		return invalid("unit_cost", "must have at most %d decimal places", MaxScale)
	}
	if in.Date.IsZero() {
		return invalid("purchase_date", "is required")
	}
	return nil
}

type IssueInput struct {
	FromStoreID  string
	ToStoreID    string
	ProductID    string
	Quantity     decimal.Decimal
	IssuedToName string
	Date         time.Time
	Notes        string
	RequestID    string
	CreatedBy    string
}

func (in *IssueInput) validate() error {
	in.IssuedToName = strings.TrimSpace(in.IssuedToName)
	if in.FromStoreID == "" {
		return invalid("from_store_id", "is required")
	}
	if in.ProductID == "" {
		return invalid("product_id", "is required")
	}
	if err := positiveQuantity(in.Quantity); err != nil {
		return err
	}
	if in.Date.IsZero() {
		return invalid("issue_date", "is required")
	}
	if in.ToStoreID != "" && in.ToStoreID == in.FromStoreID {
		return invalid("to_store_id", "must differ from from_store_id")
	}
	if in.ToStoreID != "" && in.IssuedToName != "" {
		return invalid("issued_to_name", "give either a destination store or a recipient, not both")
	}
	return nil
}

func positiveQuantity(q decimal.Decimal) error {
	if !q.IsPositive() {
		return invalid("quantity", "must be greater than zero")
	}
	if !scaleOK(q) {
		return invalid("quantity", "must have at most %d decimal places", MaxScale)
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	repo   Repository
	rules  Rules
	logger *zap.Logger
	newID  func() string
	clock  *clock
	posted func(MovementType, decimal.Decimal)
}

func NewLedger(repo Repository, opts ...Option) *Ledger {
	o := buildOptions(opts)
	return &Ledger{
		repo:   repo,
		rules:  o.rules,
		logger: o.logger.Named("ledger"),
		newID:  o.newID,
		clock:  &clock{now: o.now},
		posted: o.posted,
	}
}

// RecordPurchase appends a purchase and adds its quantity to the balance.
func (l *Ledger) RecordPurchase(ctx context.Context, in PurchaseInput) (*Purchase, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var out *Purchase
	replayed := false
	err := l.repo.WithTx(ctx, func(tx Tx) error {
		if in.RequestID != "" {
			prior, err := tx.FindPurchaseByRequestID(ctx, in.RequestID)
			if err != nil {
				return err
			}
			if prior != nil {
				out, replayed = prior, true
				return samePurchase(prior, in)
			}
		}

		if _, err := postableStore(ctx, tx, in.StoreID); err != nil {
			return err
		}
		if _, err := activeProduct(ctx, tx, in.ProductID); err != nil {
			return err
		}

		onHand, err := tx.LockBalance(ctx, in.StoreID, in.ProductID)
		if err != nil {
			return err
		}

		now := l.clock.stamp()
		p := Purchase{
			ID:           l.newID(),
			StoreID:      in.StoreID,
			ProductID:    in.ProductID,
			Quantity:     in.Quantity,
			UnitCost:     in.UnitCost,
			TotalCost:    TotalCost(in.Quantity, in.UnitCost),
			PurchaseDate: DateOf(in.Date),
			Notes:        in.Notes,
			RequestID:    strPtr(in.RequestID),
			CreatedBy:    in.CreatedBy,
			CreatedAt:    now,
		}
		if err := tx.InsertPurchase(ctx, p); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, in.StoreID, in.ProductID, onHand.Add(in.Quantity), now); err != nil {
			return err
		}
		out = &p
		return nil
	})
	if errors.Is(err, ErrDuplicateRequest) {
		return l.replayPurchase(ctx, in)
	}
	if err != nil {
		return nil, WrapStorage("record purchase", err)
	}
	if replayed {
		return out, nil
	}

	l.logger.Info("purchase recorded",
		zap.String("purchase_id", out.ID),
		zap.String("store_id", out.StoreID),
		zap.String("product_id", out.ProductID),
		zap.String("quantity", out.Quantity.String()),
		zap.String("total_cost", out.TotalCost.StringFixed(MoneyScale)),
	)
	l.posted(MovementPurchase, out.Quantity)
	return out, nil
}

// RecordIssue moves stock out of a store, into another store or to a
// named recipient.
func (l *Ledger) RecordIssue(ctx context.Context, in IssueInput) (*Issue, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var out *Issue
	replayed := false
	err := l.repo.WithTx(ctx, func(tx Tx) error {
		if in.RequestID != "" {
			prior, err := tx.FindIssueByRequestID(ctx, in.RequestID)
			if err != nil {
				return err
			}
			if prior != nil {
				out, replayed = prior, true
				return sameIssue(prior, in)
			}
		}

		from, err := postableStore(ctx, tx, in.FromStoreID)
		if err != nil {
			return err
		}
		var to *Store
		if in.ToStoreID != "" {
			if to, err = postableStore(ctx, tx, in.ToStoreID); err != nil {
				return err
			}
		}
		product, err := activeProduct(ctx, tx, in.ProductID)
		if err != nil {
			return err
		}
		if err := l.checkRoute(from, to, in.IssuedToName); err != nil {
			return err
		}

		src := BalanceKey{StoreID: from.ID, ProductID: product.ID}
		keys := []BalanceKey{src}
		if to != nil {
			keys = append(keys, BalanceKey{StoreID: to.ID, ProductID: product.ID})
		}
		onHand, err := lockBalances(ctx, tx, keys)
		if err != nil {
			return err
		}
		if onHand[src].LessThan(in.Quantity) {
			return &InsufficientStockError{
				StoreID:   from.ID,
				ProductID: product.ID,
				Available: onHand[src],
				Requested: in.Quantity,
				Unit:      product.Unit,
			}
		}

		now := l.clock.stamp()
		issue := Issue{
			ID:           l.newID(),
			FromStoreID:  from.ID,
			ProductID:    product.ID,
			Quantity:     in.Quantity,
			IssuedToName: strPtr(in.IssuedToName),
			IssueDate:    DateOf(in.Date),
			Notes:        in.Notes,
			RequestID:    strPtr(in.RequestID),
			CreatedBy:    in.CreatedBy,
			CreatedAt:    now,
		}
		if to != nil {
			issue.ToStoreID = &to.ID
		}
		if err := tx.InsertIssue(ctx, issue); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, from.ID, product.ID, onHand[src].Sub(in.Quantity), now); err != nil {
			return err
		}
		if to != nil {
			dst := keys[1]
			if err := tx.SetBalance(ctx, to.ID, product.ID, onHand[dst].Add(in.Quantity), now); err != nil {
				return err
			}
		}
		out = &issue
		return nil
	})
	if errors.Is(err, ErrDuplicateRequest) {
		return l.replayIssue(ctx, in)
	}
	if err != nil {
		return nil, WrapStorage("record issue", err)
	}
	if replayed {
		return out, nil
	}

	l.logger.Info("issue recorded",
		zap.String("issue_id", out.ID),
		zap.String("from_store_id", out.FromStoreID),
		zap.String("to_store_id", deref(out.ToStoreID)),
		zap.String("product_id", out.ProductID),
		zap.String("quantity", out.Quantity.String()),
	)
	l.posted(MovementIssueOut, out.Quantity)
	return out, nil
}

func (l *Ledger) checkRoute(from, to *Store, recipient string) error {
	switch {
	case from.IsCentral() && to != nil:
		if !to.IsProject() {
			return invalid("to_store_id", "central stores may only issue to project stores")
		}
	case from.IsCentral():
		if !l.rules.AllowCentralIssueToPerson {
			return invalid("to_store_id", "a destination project store is required for issues from a central store")
		}
		if recipient == "" {
			return invalid("issued_to_name", "is required when no destination store is given")
		}
	case to != nil:
		if !to.IsCentral() {
			return invalid("to_store_id", "project stores may only return stock to a central store")
		}
	default:
		if recipient == "" {
			return invalid("issued_to_name", "is required when issuing from a project store to a person")
		}
	}
	return nil
}

// =============================================================================
// REVERSALS
// =============================================================================

// DeletePurchase soft deletes a purchase and removes its quantity from the
// balance. Deleting an already deleted purchase returns it unchanged.
// If the stock has since been issued onward, so that the reversal would
// leave a negative balance, the delete is refused with a ConflictError.
func (l *Ledger) DeletePurchase(ctx context.Context, id, deletedBy string) (*Purchase, error) {
	var (
		out      *Purchase
		reversed bool
	)
	err := l.repo.WithTx(ctx, func(tx Tx) error {
		p, err := tx.GetPurchase(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return notFound("purchase", id)
		}
		out = p
		if p.IsDeleted() {
			return nil
		}

		// The guard comes first: it row-locks the purchase, so a concurrent
		// delete of the same row waits here and then finds nothing to do.
		now := l.clock.stamp()
		marked, err := tx.MarkPurchaseDeleted(ctx, id, deletedBy, now)
		if err != nil || !marked {
			return err
		}

		onHand, err := tx.LockBalance(ctx, p.StoreID, p.ProductID)
		if err != nil {
			return err
		}
		after := onHand.Sub(p.Quantity)
		if after.IsNegative() {
			return conflict("cannot delete purchase %s: only %s of its %s remain in the store, the rest has been issued",
				id, onHand.String(), p.Quantity.String())
		}
		if err := tx.SetBalance(ctx, p.StoreID, p.ProductID, after, now); err != nil {
			return err
		}

		p.DeletedAt = &now
		p.DeletedBy = strPtr(deletedBy)
		reversed = true
		return nil
	})
	if err != nil {
		return nil, WrapStorage("delete purchase", err)
	}
	if !reversed {
		return l.reloadPurchase(ctx, out)
	}

	l.logger.Info("purchase reversed",
		zap.String("purchase_id", id),
		zap.String("store_id", out.StoreID),
		zap.String("product_id", out.ProductID),
		zap.String("quantity", out.Quantity.String()),
	)
	return out, nil
}

// DeleteIssue soft deletes an issue, returning the quantity to the source
// store and, for transfers, taking it back from the destination.
func (l *Ledger) DeleteIssue(ctx context.Context, id, deletedBy string) (*Issue, error) {
	var (
		out      *Issue
		reversed bool
	)
	err := l.repo.WithTx(ctx, func(tx Tx) error {
		issue, err := tx.GetIssue(ctx, id)
		if err != nil {
			return err
		}
		if issue == nil {
			return notFound("issue", id)
		}
		out = issue
		if issue.IsDeleted() {
			return nil
		}

		now := l.clock.stamp()
		marked, err := tx.MarkIssueDeleted(ctx, id, deletedBy, now)
		if err != nil || !marked {
			return err
		}

		src := BalanceKey{StoreID: issue.FromStoreID, ProductID: issue.ProductID}
		keys := []BalanceKey{src}
		if issue.ToStoreID != nil {
			keys = append(keys, BalanceKey{StoreID: *issue.ToStoreID, ProductID: issue.ProductID})
		}
		onHand, err := lockBalances(ctx, tx, keys)
		if err != nil {
			return err
		}

		if issue.ToStoreID != nil {
			dst := keys[1]
			after := onHand[dst].Sub(issue.Quantity)
			if after.IsNegative() {
				return conflict("cannot delete issue %s: only %s of its %s remain in the destination store",
					id, onHand[dst].String(), issue.Quantity.String())
			}
			if err := tx.SetBalance(ctx, dst.StoreID, dst.ProductID, after, now); err != nil {
				return err
			}
		}
		if err := tx.SetBalance(ctx, src.StoreID, src.ProductID, onHand[src].Add(issue.Quantity), now); err != nil {
			return err
		}

		issue.DeletedAt = &now
		issue.DeletedBy = strPtr(deletedBy)
		reversed = true
		return nil
	})
	if err != nil {
		return nil, WrapStorage("delete issue", err)
	}
	if !reversed {
		return l.reloadIssue(ctx, out)
	}

	l.logger.Info("issue reversed",
		zap.String("issue_id", id),
		zap.String("from_store_id", out.FromStoreID),
		zap.String("to_store_id", deref(out.ToStoreID)),
		zap.String("quantity", out.Quantity.String()),
	)
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// lockBalances locks every key in ascending order so that two transfers
// over the same pair of stores cannot deadlock.
func lockBalances(ctx context.Context, tx Tx, keys []BalanceKey) (map[BalanceKey]decimal.Decimal, error) {
	ordered := append([]BalanceKey(nil), keys...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].less(ordered[j]) })

	out := make(map[BalanceKey]decimal.Decimal, len(ordered))
	for _, k := range ordered {
		if _, ok := out[k]; ok {
			continue
		}
		q, err := tx.LockBalance(ctx, k.StoreID, k.ProductID)
		if err != nil {
			return nil, err
		}
		out[k] = q
	}
	return out, nil
}

// postableStore share-locks a live store for the rest of the transaction.
func postableStore(ctx context.Context, tx Tx, id string) (*Store, error) {
	s, err := tx.LockStore(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if s == nil || s.IsDeleted() {
		return nil, notFound("store", id)
	}
	return s, nil
}

func activeProduct(ctx context.Context, r Reader, id string) (*Product, error) {
	p, err := r.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil || p.IsDeleted() {
		return nil, notFound("product", id)
	}
	return p, nil
}

func samePurchase(p *Purchase, in PurchaseInput) error {
	if p.StoreID != in.StoreID || p.ProductID != in.ProductID || !p.Quantity.Equal(in.Quantity) {
		return conflict("request id %s was already used for a different purchase", in.RequestID)
	}
	return nil
}

func sameIssue(i *Issue, in IssueInput) error {
	if i.FromStoreID != in.FromStoreID || i.ProductID != in.ProductID || !i.Quantity.Equal(in.Quantity) {
		return conflict("request id %s was already used for a different issue", in.RequestID)
	}
	return nil
}

// replayPurchase handles a request id that lost an insert race.
func (l *Ledger) replayPurchase(ctx context.Context, in PurchaseInput) (*Purchase, error) {
	p, err := l.repo.FindPurchaseByRequestID(ctx, in.RequestID)
	if err != nil {
		return nil, WrapStorage("replay purchase", err)
	}
	if p == nil {
		return nil, conflict("request id %s is being processed", in.RequestID)
	}
	if err := samePurchase(p, in); err != nil {
		return nil, err
	}
	return p, nil
}

func (l *Ledger) replayIssue(ctx context.Context, in IssueInput) (*Issue, error) {
	i, err := l.repo.FindIssueByRequestID(ctx, in.RequestID)
	if err != nil {
		return nil, WrapStorage("replay issue", err)
	}
	if i == nil {
		return nil, conflict("request id %s is being processed", in.RequestID)
	}
	if err := sameIssue(i, in); err != nil {
		return nil, err
	}
	return i, nil
}

// reloadPurchase returns the committed row after a delete that found the
// purchase already deleted.
func (l *Ledger) reloadPurchase(ctx context.Context, p *Purchase) (*Purchase, error) {
	fresh, err := l.repo.GetPurchase(ctx, p.ID)
	if err != nil {
		return nil, WrapStorage("delete purchase", err)
	}
	if fresh == nil {
		return p, nil
	}
	return fresh, nil
}

func (l *Ledger) reloadIssue(ctx context.Context, i *Issue) (*Issue, error) {
	fresh, err := l.repo.GetIssue(ctx, i.ID)
	if err != nil {
		return nil, WrapStorage("delete issue", err)
	}
	if fresh == nil {
		return i, nil
	}
	return fresh, nil
}
