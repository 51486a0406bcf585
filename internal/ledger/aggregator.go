// Package ledger folds raw fills into orders, tracks their open/closed/expired
// lifecycle with FIFO matching and groups open orders into bundles.
package ledger

import (
	"sort"

	"position_ledger/internal/core"

	"github.com/shopspring/decimal"
)

// Aggregate groups fills by order id and folds each group into one OPEN
// order. Fills sharing an exec id within a group are counted once. The result
// is sorted by trade date, then order id.
func Aggregate(fills []core.Fill) []*core.AggregatedOrder {
	groups := make(map[int64][]core.Fill)
	seen := make(map[int64]map[string]bool)
	for _, f := range fills {
		if f.ExecID != "" {
			if seen[f.OrderID] == nil {
				seen[f.OrderID] = make(map[string]bool)
			}
			if seen[f.OrderID][f.ExecID] {
				continue
			}
			seen[f.OrderID][f.ExecID] = true
		}
		groups[f.OrderID] = append(groups[f.OrderID], f)
	}

	orders := make([]*core.AggregatedOrder, 0, len(groups))
	for id, group := range groups {
		orders = append(orders, aggregateGroup(id, group))
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].TradeDate.Equal(orders[j].TradeDate) {
			return orders[i].TradeDate.Before(orders[j].TradeDate)
		}
		return orders[i].OrderID < orders[j].OrderID
	})
	return orders
}

func aggregateGroup(orderID int64, group []core.Fill) *core.AggregatedOrder {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].TradeTime.Before(group[j].TradeTime)
	})

	var (
		totalQty   decimal.Decimal
		signedQty  decimal.Decimal
		amount     decimal.Decimal
		commission decimal.Decimal
		pnl        decimal.Decimal
	)
	for _, f := range group {
		totalQty = totalQty.Add(f.Quantity.Abs())
		signedQty = signedQty.Add(f.Quantity)
		amount = amount.Add(f.Amount())
		commission = commission.Add(f.Commission.Abs())
		if f.RealizedPnL.Valid {
			pnl = pnl.Add(f.RealizedPnL.Decimal)
		}
	}

	first := group[0]
	side := core.SideBuy
	switch signedQty.Sign() {
	case -1:
		side = core.SideSell
	case 0:
		// a group netting to zero keeps the direction of its opening fill
		if first.Quantity.IsNegative() {
			side = core.SideSell
		}
	}

	avg := decimal.Zero
	if !totalQty.IsZero() {
		avg = amount.Div(totalQty)
	}

	// a zero sum is stored as absent: no pnl reported and pnl of exactly
	// zero look the same
	var realized decimal.NullDecimal
	if !pnl.IsZero() {
		realized = decimal.NewNullDecimal(pnl)
	}

	return &core.AggregatedOrder{
		OrderID:          orderID,
		Account:          first.Account,
		Contract:         first.Contract,
		Side:             side,
		TotalQuantity:    totalQty,
		WeightedAvgPrice: avg,
		TotalCommission:  commission,
		TotalRealizedPnL: realized,
		TradeDate:        first.TradeTime,
		Fills:            append([]core.Fill(nil), group...),
		Status:           core.StatusOpen,
	}
}
