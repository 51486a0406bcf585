package ledger

import (
	"context"
	"fmt"
	"time"

	"position_ledger/internal/core"
	"position_ledger/internal/store"

	"github.com/shopspring/decimal"
)

// OpenPosition is an OPEN order with its break-even price
type OpenPosition struct {
	Order     *core.AggregatedOrder `json:"order"`
	BreakEven decimal.Decimal       `json:"break_even"`
}

// AnalysisSummary is the ledger-wide performance report
type AnalysisSummary struct {
	OrdersByStatus   map[core.OrderStatus]int   `json:"orders_by_status"`
	TotalOrders      int                        `json:"total_orders"`
	TotalRealizedPnL decimal.Decimal            `json:"total_realized_pnl"`
	TotalCommission  decimal.Decimal            `json:"total_commission"`
	Wins             int                        `json:"wins"`
	Losses           int                        `json:"losses"`
	WinRate          decimal.Decimal            `json:"win_rate"`
	PnLByUnderlying  map[string]decimal.Decimal `json:"pnl_by_underlying"`
	OpenBundles      int                        `json:"open_bundles"`
	OpenPositions    []OpenPosition             `json:"open_positions"`
	GeneratedAt      time.Time                  `json:"generated_at"`
}

// BreakEven is the price at which an order's commission is recovered:
// avg + commission/(qty*multiplier) for buys, avg - ... for sells
func BreakEven(o *core.AggregatedOrder) decimal.Decimal {
	units := o.TotalQuantity.Mul(o.Contract.Multiplier())
	if units.IsZero() {
		return o.WeightedAvgPrice
	}
	perUnit := o.TotalCommission.Div(units)
	if o.Side == core.SideSell {
		return o.WeightedAvgPrice.Sub(perUnit)
	}
	return o.WeightedAvgPrice.Add(perUnit)
}

// Summary computes the analysis report over every stored order
func (l *Ledger) Summary(ctx context.Context) (*AnalysisSummary, error) {
	counts, err := l.store.CountOrdersByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	byUnderlying, err := l.store.RealizedPnLBySymbol(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregate pnl: %w", err)
	}
	orders, err := l.store.ListOrders(ctx, store.OrderFilter{})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	bundles, err := l.store.ListBundles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}

	s := &AnalysisSummary{
		OrdersByStatus:  counts,
		TotalOrders:     len(orders),
		PnLByUnderlying: byUnderlying,
		OpenPositions:   []OpenPosition{},
		GeneratedAt:     l.now().UTC(),
	}
	for _, o := range orders {
		s.TotalCommission = s.TotalCommission.Add(o.TotalCommission)
		if o.TotalRealizedPnL.Valid {
			s.TotalRealizedPnL = s.TotalRealizedPnL.Add(o.TotalRealizedPnL.Decimal)
		}

		if o.Status == core.StatusOpen {
			s.OpenPositions = append(s.OpenPositions, OpenPosition{Order: o, BreakEven: BreakEven(o)})
		}
		// realized pnl is reported on the closing executions
		switch {
		case o.TotalRealizedPnL.Valid && o.TotalRealizedPnL.Decimal.IsPositive():
			s.Wins++
		case o.TotalRealizedPnL.Valid && o.TotalRealizedPnL.Decimal.IsNegative():
			s.Losses++
		}
	}
	if decided := s.Wins + s.Losses; decided > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.Wins)).Div(decimal.NewFromInt(int64(decided)))
	}
	for _, b := range bundles {
		if b.Status == core.StatusOpen {
			s.OpenBundles++
		}
	}
	return s, nil
}
