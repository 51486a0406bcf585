package ledger

import (
	"sort"
	"time"

	"position_ledger/internal/core"

	"github.com/shopspring/decimal"
)

// Transition records one status change made by the matcher
type Transition struct {
	OrderID   int64            `json:"order_id"`
	Contract  core.ContractKey `json:"contract"`
	BundleID  string           `json:"bundle_id,omitempty"`
	From      core.OrderStatus `json:"from"`
	To        core.OrderStatus `json:"to"`
	CloseDate *time.Time       `json:"close_date,omitempty"`
}

// Match runs FIFO matching over orders in place and returns the status
// changes it made. Only OPEN orders are evaluated, so calling it again on its
// own output is a no-op. Orders on unknown contracts are never matched.
//
// For each OPEN order O, oldest first, the OPEN orders on the same contract
// with the opposite side and a trade date no earlier than O's are consumed
// oldest first. Quantity a candidate gave to an earlier order in the same
// run is not available again. O closes on the trade date of the candidate
// that completes it. An order left with residual quantity whose contract
// expired before the day of now becomes EXPIRED on the expiry date.
func Match(orders []*core.AggregatedOrder, now time.Time) []Transition {
	groups := groupByContract(orders)
	keys := make([]core.ContractKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var out []Transition
	for _, k := range keys {
		out = append(out, matchContract(groups[k], now)...)
	}
	return out
}

// Replay resets every order to OPEN and matches again from scratch, so the
// resulting statuses depend only on the orders and now. Only orders whose
// status or close date differ from before are reported.
func Replay(orders []*core.AggregatedOrder, now time.Time) []Transition {
	type snapshot struct {
		status    core.OrderStatus
		closeDate *time.Time
	}
	before := make(map[int64]snapshot, len(orders))
	for _, o := range orders {
		before[o.OrderID] = snapshot{status: o.Status, closeDate: o.CloseDate}
		o.Status = core.StatusOpen
		o.CloseDate = nil
	}

	Match(orders, now)

	var out []Transition
	for _, o := range orders {
		prev := before[o.OrderID]
		if prev.status == o.Status && sameDate(prev.closeDate, o.CloseDate) {
			continue
		}
		out = append(out, Transition{
			OrderID:   o.OrderID,
			Contract:  o.Contract,
			BundleID:  o.BundleID,
			From:      prev.status,
			To:        o.Status,
			CloseDate: o.CloseDate,
		})
	}
	return out
}

func matchContract(orders []*core.AggregatedOrder, now time.Time) []Transition {
	sorted := append([]*core.AggregatedOrder(nil), orders...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].TradeDate.Equal(sorted[j].TradeDate) {
			return sorted[i].TradeDate.Before(sorted[j].TradeDate)
		}
		return sorted[i].OrderID < sorted[j].OrderID
	})

	consumed := make(map[int64]decimal.Decimal, len(sorted))
	var out []Transition

	for _, o := range sorted {
		if o.Status != core.StatusOpen {
			continue
		}
		remaining := o.TotalQuantity
		for _, c := range sorted {
			if remaining.Sign() <= 0 {
				break
			}
			if c.OrderID == o.OrderID || c.Status != core.StatusOpen ||
				c.Side != o.Side.Opposite() || c.TradeDate.Before(o.TradeDate) {
				continue
			}
			available := c.TotalQuantity.Sub(consumed[c.OrderID])
			if available.Sign() <= 0 {
				continue
			}
			take := decimal.Min(remaining, available)
			consumed[c.OrderID] = consumed[c.OrderID].Add(take)
			remaining = remaining.Sub(take)
			if remaining.Sign() <= 0 {
				closeDate := c.TradeDate
				out = append(out, transition(o, core.StatusClosed, &closeDate))
			}
		}

		if o.Status != core.StatusOpen {
			continue
		}
		if expiry, ok := o.Contract.ExpiryDate(); ok && expiry.Before(startOfDay(now)) {
			out = append(out, transition(o, core.StatusExpired, &expiry))
		}
	}
	return out
}

func transition(o *core.AggregatedOrder, to core.OrderStatus, closeDate *time.Time) Transition {
	t := Transition{
		OrderID:   o.OrderID,
		Contract:  o.Contract,
		BundleID:  o.BundleID,
		From:      o.Status,
		To:        to,
		CloseDate: closeDate,
	}
	o.Status = to
	o.CloseDate = closeDate
	return t
}

func groupByContract(orders []*core.AggregatedOrder) map[core.ContractKey][]*core.AggregatedOrder {
	groups := make(map[core.ContractKey][]*core.AggregatedOrder)
	for _, o := range orders {
		if o.Contract.IsUnknown() {
			continue
		}
		groups[o.Contract] = append(groups[o.Contract], o)
	}
	return groups
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
