package gateway

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"position_ledger/internal/contract"
	"position_ledger/internal/core"

	"github.com/shopspring/decimal"
)

// unsetThreshold marks the gateway's "value not available" sentinel (the
// largest double) and anything close to it.
const unsetThreshold = 1e300

// PositionsRequest starts the account position stream
type PositionsRequest struct {
	Account string `json:"account,omitempty"`
}

// AccountPnLRequest subscribes to account level PnL
type AccountPnLRequest struct {
	Account   string `json:"account"`
	ModelCode string `json:"model_code,omitempty"`
}

// SinglePnLRequest subscribes to PnL for one position
type SinglePnLRequest struct {
	Account   string `json:"account"`
	ConID     int64  `json:"con_id"`
	ModelCode string `json:"model_code,omitempty"`
}

// HistoricalDataRequest asks for bars ending now over Duration
type HistoricalDataRequest struct {
	Contract    contract.Descriptor `json:"contract"`
	EndDateTime string              `json:"end_date_time"`
	Duration    string              `json:"duration"`
	BarSize     string              `json:"bar_size"`
	WhatToShow  string              `json:"what_to_show"`
	UseRTH      bool                `json:"use_rth"`
}

// ExecutionsRequest asks for executions since a point in time
type ExecutionsRequest struct {
	Account string    `json:"account,omitempty"`
	Since   time.Time `json:"since"`
}

// ContractDetailsRequest resolves a partial descriptor
type ContractDetailsRequest struct {
	Contract contract.Descriptor `json:"contract"`
}

// PositionRow is one row of the position stream
type PositionRow struct {
	Account  string              `json:"account"`
	Contract contract.Descriptor `json:"contract"`
	Position decimal.Decimal     `json:"position"`
	AvgCost  decimal.Decimal     `json:"avg_cost"`
}

// PnLTick is a PnL update. Absent values are nil or the unset sentinel.
type PnLTick struct {
	Position      *float64 `json:"position,omitempty"`
	DailyPnL      *float64 `json:"daily_pnl,omitempty"`
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
	RealizedPnL   *float64 `json:"realized_pnl,omitempty"`
	Value         *float64 `json:"value,omitempty"`
}

// BarRow is one historical bar as reported by the gateway
type BarRow struct {
	Time   string          `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// ExecutionRow is one execution with its commission report merged in
type ExecutionRow struct {
	ExecID      string              `json:"exec_id"`
	OrderID     int64               `json:"order_id"`
	Account     string              `json:"account"`
	Contract    contract.Descriptor `json:"contract"`
	Side        string              `json:"side"` // BOT or SLD
	Shares      decimal.Decimal     `json:"shares"`
	Price       decimal.Decimal     `json:"price"`
	Time        string              `json:"time"`
	Commission  decimal.Decimal     `json:"commission"`
	RealizedPnL *float64            `json:"realized_pnl,omitempty"`
}

// ContractDetailsRow is one match for a contract details request
type ContractDetailsRow struct {
	Contract     contract.Descriptor `json:"contract"`
	LongName     string              `json:"long_name"`
	MinTick      float64             `json:"min_tick"`
	TradingHours string              `json:"trading_hours"`
}

// SnapshotValue is a one-shot market data snapshot
type SnapshotValue struct {
	Bid   *float64 `json:"bid,omitempty"`
	Ask   *float64 `json:"ask,omitempty"`
	Last  *float64 `json:"last,omitempty"`
	Close *float64 `json:"close,omitempty"`
}

// NullDecimal converts a gateway double into a NullDecimal, treating nil,
// NaN, infinities and the unset sentinel as absent.
func NullDecimal(v *float64) decimal.NullDecimal {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || math.Abs(*v) > unsetThreshold {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*v))
}

// Key returns the canonical contract key of the row
func (r PositionRow) Key() core.ContractKey {
	return contract.FromDescriptor(r.Contract)
}

// ToBar converts the row into a core.Bar
func (r BarRow) ToBar() (core.Bar, error) {
	t, err := ParseGatewayTime(r.Time)
	if err != nil {
		return core.Bar{}, err
	}
	return core.Bar{Time: t, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}, nil
}

// ToFill converts the execution into a signed ledger fill
func (r ExecutionRow) ToFill() (core.Fill, error) {
	key := contract.FromDescriptor(r.Contract)
	if key.IsUnknown() && r.Contract.LocalSymbol != "" {
		key = contract.Resolve(r.Contract.LocalSymbol)
	}

	qty := r.Shares.Abs()
	switch strings.ToUpper(r.Side) {
	case "SLD", "SELL":
		qty = qty.Neg()
	case "BOT", "BUY":
	default:
		return core.Fill{}, fmt.Errorf("execution %s: unknown side %q", r.ExecID, r.Side)
	}

	t, err := ParseGatewayTime(r.Time)
	if err != nil {
		return core.Fill{}, fmt.Errorf("execution %s: %w", r.ExecID, err)
	}

	return core.Fill{
		ExecID:      r.ExecID,
		OrderID:     r.OrderID,
		Account:     r.Account,
		Contract:    key,
		Quantity:    qty,
		Price:       r.Price,
		Commission:  r.Commission,
		RealizedPnL: NullDecimal(r.RealizedPnL),
		TradeTime:   t,
	}, nil
}

var gatewayTimeLayouts = []string{
	"20060102 15:04:05",
	"20060102-15:04:05",
	"20060102  15:04:05",
	"20060102",
	time.RFC3339,
}

// ParseGatewayTime parses the date and time encodings the gateway uses: a
// bare date, a date with time and optional trailing zone name, or epoch
// seconds.
func ParseGatewayTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty gateway time")
	}

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) != 8 {
		return time.Unix(secs, 0).UTC(), nil
	}

	loc := time.UTC
	if fields := strings.Fields(s); len(fields) == 3 {
		if l, err := time.LoadLocation(fields[2]); err == nil {
			loc = l
		}
		s = fields[0] + " " + fields[1]
	}

	for _, layout := range gatewayTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised gateway time %q", s)
}
