package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SecType is the gateway security type of an instrument
type SecType string

const (
	SecTypeStock   SecType = "STK"
	SecTypeOption  SecType = "OPT"
	SecTypeFuture  SecType = "FUT"
	SecTypeFutOpt  SecType = "FOP"
	SecTypeIndex   SecType = "IND"
	SecTypeCash    SecType = "CASH"
	SecTypeUnknown SecType = "UNKNOWN"
)

// Right is the option right, empty for non-options
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
	RightNone Right = ""
)

// ContractKey is the canonical identity of a tradable instrument. It is a
// comparable value type so it can be used directly as a map key; Strike holds
// the canonical decimal string and Expiry the 8-digit YYYYMMDD form.
type ContractKey struct {
	Symbol  string  `json:"symbol"`
	SecType SecType `json:"sec_type"`
	Expiry  string  `json:"expiry,omitempty"`
	Strike  string  `json:"strike,omitempty"`
	Right   Right   `json:"right,omitempty"`
}

// UnknownContract is returned by resolvers for input they cannot parse
var UnknownContract = ContractKey{SecType: SecTypeUnknown}

// IsUnknown reports whether the key failed to resolve. Unknown keys never match.
func (k ContractKey) IsUnknown() bool {
	return k.SecType == SecTypeUnknown || k.Symbol == ""
}

// IsOption reports whether the instrument is an option (equity or futures option)
func (k ContractKey) IsOption() bool {
	return k.SecType == SecTypeOption || k.SecType == SecTypeFutOpt
}

// Multiplier returns the contract multiplier used for mark and break-even maths
func (k ContractKey) Multiplier() decimal.Decimal {
	if k.IsOption() {
		return decimal.NewFromInt(100)
	}
	return decimal.NewFromInt(1)
}

// ExpiryDate parses Expiry into a UTC date
func (k ContractKey) ExpiryDate() (time.Time, bool) {
	if k.Expiry == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102", k.Expiry)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (k ContractKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", k.Symbol, k.SecType, k.Expiry, k.Strike, k.Right)
}

// Side is the direction of an aggregated order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an aggregated order
type OrderStatus string

const (
	StatusOpen    OrderStatus = "OPEN"
	StatusClosed  OrderStatus = "CLOSED"
	StatusExpired OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status is CLOSED or EXPIRED
func (s OrderStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusExpired
}

// Tag marks an order for joint tracking
type Tag string

const (
	TagNone   Tag = ""
	TagPlus   Tag = "plus"
	TagMinus  Tag = "minus"
	TagBundle Tag = "bundle"
)

// IsSingleLeg reports whether the tag may be set by TagSingle
func (t Tag) IsSingleLeg() bool {
	return t == TagPlus || t == TagMinus
}

// Fill is one partial or complete execution, immutable once ingested
type Fill struct {
	ExecID      string              `json:"exec_id"`
	OrderID     int64               `json:"order_id"`
	Account     string              `json:"account,omitempty"`
	Contract    ContractKey         `json:"contract"`
	Quantity    decimal.Decimal     `json:"quantity"` // signed, positive for buys
	Price       decimal.Decimal     `json:"price"`
	Commission  decimal.Decimal     `json:"commission"`
	RealizedPnL decimal.NullDecimal `json:"realized_pnl"`
	TradeTime   time.Time           `json:"trade_time"`
}

// Amount is the unsigned traded notional of the fill
func (f Fill) Amount() decimal.Decimal {
	return f.Quantity.Mul(f.Price).Abs()
}

// PositionKey identifies an open position by instrument and direction
type PositionKey struct {
	Contract ContractKey `json:"contract"`
	Side     Side        `json:"side"`
}

func (p PositionKey) String() string {
	return p.Contract.String() + "|" + string(p.Side)
}

// AggregatedOrder folds all fills sharing one order id
type AggregatedOrder struct {
	OrderID          int64               `json:"order_id"`
	Account          string              `json:"account,omitempty"`
	Contract         ContractKey         `json:"contract"`
	Side             Side                `json:"side"`
	TotalQuantity    decimal.Decimal     `json:"total_quantity"`
	WeightedAvgPrice decimal.Decimal     `json:"weighted_avg_price"`
	TotalCommission  decimal.Decimal     `json:"total_commission"`
	TotalRealizedPnL decimal.NullDecimal `json:"total_realized_pnl"`
	TradeDate        time.Time           `json:"trade_date"`
	Fills            []Fill              `json:"fills"`
	Status           OrderStatus         `json:"status"`
	CloseDate        *time.Time          `json:"close_date,omitempty"`
	Tag              Tag                 `json:"tag,omitempty"`
	BundleID         string              `json:"bundle_id,omitempty"`
}

// PositionKey returns the instrument and direction of the order
func (o *AggregatedOrder) PositionKey() PositionKey {
	return PositionKey{Contract: o.Contract, Side: o.Side}
}

// Cost is quantity times weighted average price
func (o *AggregatedOrder) Cost() decimal.Decimal {
	return o.TotalQuantity.Mul(o.WeightedAvgPrice)
}

// SignedQuantity is TotalQuantity, negated for sells
func (o *AggregatedOrder) SignedQuantity() decimal.Decimal {
	if o.Side == SideSell {
		return o.TotalQuantity.Neg()
	}
	return o.TotalQuantity
}

// Clone returns a deep copy safe to mutate
func (o *AggregatedOrder) Clone() *AggregatedOrder {
	c := *o
	if o.Fills != nil {
		c.Fills = make([]Fill, len(o.Fills))
		copy(c.Fills, o.Fills)
	}
	if o.CloseDate != nil {
		d := *o.CloseDate
		c.CloseDate = &d
	}
	return &c
}

// Bundle is a user-defined group of orders tracked jointly
type Bundle struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	MemberOrderIDs   []int64         `json:"member_order_ids"`
	TotalQuantity    decimal.Decimal `json:"total_quantity"`
	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	AvgPrice         decimal.Decimal `json:"avg_price"`
	Status           OrderStatus     `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

// LivePosition is the gateway's view of an open position, enriched with
// streamed PnL and the matching ledger orders
type LivePosition struct {
	Account        string              `json:"account"`
	Contract       ContractKey         `json:"contract"`
	ConID          int64               `json:"con_id,omitempty"`
	Quantity       decimal.Decimal     `json:"quantity"` // signed
	AvgCost        decimal.Decimal     `json:"avg_cost"`
	DailyPnL       decimal.NullDecimal `json:"daily_pnl"`
	UnrealizedPnL  decimal.NullDecimal `json:"unrealized_pnl"`
	RealizedPnL    decimal.NullDecimal `json:"realized_pnl"`
	MarketValue    decimal.NullDecimal `json:"market_value"`
	DerivedMark    decimal.NullDecimal `json:"derived_mark"`
	LedgerOrderIDs []int64             `json:"ledger_order_ids,omitempty"`
	LedgerQuantity decimal.Decimal     `json:"ledger_quantity"`
	Reconciled     bool                `json:"reconciled"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// AccountPnL is the account-level PnL stream state
type AccountPnL struct {
	Account       string              `json:"account"`
	DailyPnL      decimal.NullDecimal `json:"daily_pnl"`
	UnrealizedPnL decimal.NullDecimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.NullDecimal `json:"realized_pnl"`
	MarketOpen    bool                `json:"market_open"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Bar is one OHLCV price bar
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}
