package marketdata

import (
	"sort"

	"position_ledger/internal/core"
)

// FoldDaily reduces bars to one per UTC calendar day, keeping the
// chronologically last bar of each day. The result is in ascending order.
func FoldDaily(bars []core.Bar) []core.Bar {
	if len(bars) == 0 {
		return nil
	}
	sorted := append([]core.Bar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	out := make([]core.Bar, 0, len(sorted))
	for _, b := range sorted {
		if n := len(out); n > 0 && dayOf(out[n-1].Time).Equal(dayOf(b.Time)) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}
