package inventory

import (
	"context"

	"github.com/shopspring/decimal"
)

// Costing values stock at its quantity weighted average purchase cost.
// Nothing is cached: every call folds the live purchase history, so a
// soft-deleted purchase drops out of the average immediately.
type Costing struct {
	repo Reader
}

func NewCosting(repo Reader) *Costing {
	return &Costing{repo: repo}
}

// AverageCost is Σ(quantity × unit_cost) / Σ quantity over the non-deleted
// purchases of the pair, rounded to MaxScale. Zero when there are none.
func (c *Costing) AverageCost(ctx context.Context, storeID, productID string) (decimal.Decimal, error) {
	ps, err := c.repo.ListPurchases(ctx, MovementFilter{StoreIDs: []string{storeID}, ProductID: productID})
	if err != nil {
		return decimal.Zero, WrapStorage("average cost", err)
	}
	return WeightedAverage(ps), nil
}

// InventoryValue is AverageCost × balance rounded to MoneyScale.
func (c *Costing) InventoryValue(ctx context.Context, storeID, productID string) (decimal.Decimal, error) {
	avg, err := c.AverageCost(ctx, storeID, productID)
	if err != nil {
		return decimal.Zero, err
	}
	qty, err := c.repo.GetBalance(ctx, storeID, productID)
	if err != nil {
		return decimal.Zero, WrapStorage("inventory value", err)
	}
	return Value(avg, qty), nil
}

// averages computes the average cost of every pair in one pass over the
// purchases, for reports that value many balances at once.
func (c *Costing) averages(ctx context.Context, storeIDs []string) (map[BalanceKey]decimal.Decimal, error) {
	ps, err := c.repo.ListPurchases(ctx, MovementFilter{StoreIDs: storeIDs})
	if err != nil {
		return nil, WrapStorage("average cost", err)
	}
	grouped := make(map[BalanceKey][]Purchase)
	for _, p := range ps {
		k := BalanceKey{StoreID: p.StoreID, ProductID: p.ProductID}
		grouped[k] = append(grouped[k], p)
	}
	out := make(map[BalanceKey]decimal.Decimal, len(grouped))
	for k, group := range grouped {
		out[k] = WeightedAverage(group)
	}
	return out, nil
}

// WeightedAverage skips deleted purchases. The unrounded products are
// summed, so the result does not depend on the order of ps.
func WeightedAverage(ps []Purchase) decimal.Decimal {
	qty, cost := decimal.Zero, decimal.Zero
	for _, p := range ps {
		if p.IsDeleted() {
			continue
		}
		qty = qty.Add(p.Quantity)
		cost = cost.Add(p.Quantity.Mul(p.UnitCost))
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return cost.DivRound(qty, MaxScale)
}

func Value(averageCost, quantity decimal.Decimal) decimal.Decimal {
	return averageCost.Mul(quantity).Round(MoneyScale)
}
