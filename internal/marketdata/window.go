// Package marketdata fetches historical price bars from the gateway, sized by
// what is already cached locally.
package marketdata

import (
	"fmt"
	"time"
)

const (
	ReasonNoCache = "full history needed"
	ReasonRecent  = "recent cache, top up"
	ReasonPartial = "partial cache, refresh quarter"
	ReasonStale   = "stale, rebuild"
)

// Window is the lookback requested from the gateway
type Window struct {
	Days   int    `json:"days"`
	Reason string `json:"reason"`
}

// Duration renders the window in the gateway's duration syntax
func (w Window) Duration() string {
	return fmt.Sprintf("%d D", w.Days)
}

// ChooseWindow picks the smallest lookback that covers the gap between the
// last cached bar and now. Age is counted in whole UTC calendar days.
func ChooseWindow(lastCached *time.Time, now time.Time) Window {
	if lastCached == nil {
		return Window{Days: 360, Reason: ReasonNoCache}
	}
	age := int(dayOf(now).Sub(dayOf(*lastCached)).Hours() / 24)
	switch {
	case age <= 30:
		return Window{Days: 30, Reason: ReasonRecent}
	case age <= 90:
		return Window{Days: 90, Reason: ReasonPartial}
	default:
		return Window{Days: 360, Reason: ReasonStale}
	}
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
