// Package contract derives canonical ContractKeys from gateway wire symbols,
// gateway contract descriptors and stored ledger records.
package contract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"position_ledger/internal/core"
	apperrors "position_ledger/pkg/errors"

	"github.com/shopspring/decimal"
)

// wireSymbolPattern matches OCC style option symbols: a root, optional padding,
// a 6 or 8 digit expiry, the right and an 8 digit strike in thousandths.
var wireSymbolPattern = regexp.MustCompile(`^([A-Z][A-Z0-9.]*?)\s*(\d{8}|\d{6})([CP])(\d{8})$`)

// Descriptor is the contract description the gateway attaches to position,
// execution and contract-details events.
type Descriptor struct {
	ConID         int64   `json:"con_id"`
	Symbol        string  `json:"symbol"`
	LocalSymbol   string  `json:"local_symbol"`
	SecType       string  `json:"sec_type"`
	LastTradeDate string  `json:"last_trade_date"`
	Strike        float64 `json:"strike"`
	Right         string  `json:"right"`
	Multiplier    string  `json:"multiplier"`
	Currency      string  `json:"currency"`
	Exchange      string  `json:"exchange"`
}

// Resolve parses a wire symbol and returns core.UnknownContract when it does
// not have the expected shape.
func Resolve(symbol string) core.ContractKey {
	key, err := Parse(symbol)
	if err != nil {
		return core.UnknownContract
	}
	return key
}

// Parse parses an OCC style wire symbol such as "AAPL  250917P00185500".
func Parse(symbol string) (core.ContractKey, error) {
	m := wireSymbolPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(symbol)))
	if m == nil {
		return core.UnknownContract, fmt.Errorf("%w: %q", apperrors.ErrMalformedIdentity, symbol)
	}

	expiry, err := NormalizeExpiry(m[2])
	if err != nil {
		return core.UnknownContract, err
	}

	raw, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return core.UnknownContract, fmt.Errorf("%w: strike %q", apperrors.ErrMalformedIdentity, m[4])
	}

	return core.ContractKey{
		Symbol:  m[1],
		SecType: core.SecTypeOption,
		Expiry:  expiry,
		Strike:  decimal.New(raw, -3).String(),
		Right:   core.Right(m[3]),
	}, nil
}

// NormalizeExpiry converts a 6 digit YYMMDD or 8 digit YYYYMMDD date into the
// canonical 8 digit form. Trailing time components ("20250917 16:00 US/Eastern")
// are ignored.
func NormalizeExpiry(s string) (string, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " -:"); i > 0 {
		s = s[:i]
	}
	if _, err := strconv.Atoi(s); err != nil {
		return "", fmt.Errorf("%w: expiry %q", apperrors.ErrMalformedIdentity, s)
	}

	switch len(s) {
	case 8:
		return s, nil
	case 6:
		return "20" + s, nil
	}
	return "", fmt.Errorf("%w: expiry %q", apperrors.ErrMalformedIdentity, s)
}

// FromDescriptor builds a key from a gateway contract descriptor. Options whose
// descriptor is incomplete fall back to parsing the local symbol.
func FromDescriptor(d Descriptor) core.ContractKey {
	secType := normalizeSecType(d.SecType)
	if secType == core.SecTypeUnknown || d.Symbol == "" {
		return core.UnknownContract
	}

	key := core.ContractKey{Symbol: strings.ToUpper(strings.TrimSpace(d.Symbol)), SecType: secType}

	switch secType {
	case core.SecTypeOption, core.SecTypeFutOpt:
		expiry, err := NormalizeExpiry(d.LastTradeDate)
		right := normalizeRight(d.Right)
		if err != nil || right == core.RightNone || d.Strike <= 0 {
			if d.LocalSymbol != "" && secType == core.SecTypeOption {
				return Resolve(d.LocalSymbol)
			}
			return core.UnknownContract
		}
		key.Expiry = expiry
		key.Strike = CanonicalStrike(decimal.NewFromFloat(d.Strike))
		key.Right = right
	case core.SecTypeFuture:
		expiry, err := NormalizeExpiry(d.LastTradeDate)
		if err != nil {
			return core.UnknownContract
		}
		key.Expiry = expiry
	}
	return key
}

// ToDescriptor builds the descriptor used to request data for key. Currency
// and exchange default to USD and SMART.
func ToDescriptor(key core.ContractKey) Descriptor {
	d := Descriptor{
		Symbol:        key.Symbol,
		SecType:       string(key.SecType),
		LastTradeDate: key.Expiry,
		Right:         string(key.Right),
		Currency:      "USD",
		Exchange:      "SMART",
	}
	if key.Strike != "" {
		if strike, err := decimal.NewFromString(key.Strike); err == nil {
			d.Strike = strike.InexactFloat64()
		}
	}
	if key.IsOption() {
		d.Multiplier = key.Multiplier().String()
	}
	return d
}

// CanonicalStrike renders a strike without trailing zeros
func CanonicalStrike(d decimal.Decimal) string {
	return d.String()
}

// ParseKey parses the canonical String() form of a ContractKey
func ParseKey(s string) (core.ContractKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 5 {
		return core.UnknownContract, fmt.Errorf("%w: %q", apperrors.ErrMalformedIdentity, s)
	}
	key := core.ContractKey{
		Symbol:  parts[0],
		SecType: normalizeSecType(parts[1]),
		Expiry:  parts[2],
		Strike:  parts[3],
		Right:   core.Right(parts[4]),
	}
	if key.IsUnknown() {
		return core.UnknownContract, fmt.Errorf("%w: %q", apperrors.ErrMalformedIdentity, s)
	}
	return key, nil
}

// ParsePositionKey parses "<contract key>|BUY" or "<contract key>|SELL"
func ParsePositionKey(s string) (core.PositionKey, error) {
	i := strings.LastIndex(s, "|")
	if i < 0 {
		return core.PositionKey{}, fmt.Errorf("%w: %q", apperrors.ErrMalformedIdentity, s)
	}
	side := core.Side(strings.ToUpper(s[i+1:]))
	if side != core.SideBuy && side != core.SideSell {
		return core.PositionKey{}, fmt.Errorf("%w: side %q", apperrors.ErrMalformedIdentity, s[i+1:])
	}
	key, err := ParseKey(s[:i])
	if err != nil {
		return core.PositionKey{}, err
	}
	return core.PositionKey{Contract: key, Side: side}, nil
}

func normalizeSecType(s string) core.SecType {
	switch st := core.SecType(strings.ToUpper(strings.TrimSpace(s))); st {
	case core.SecTypeStock, core.SecTypeOption, core.SecTypeFuture, core.SecTypeFutOpt,
		core.SecTypeIndex, core.SecTypeCash:
		return st
	}
	return core.SecTypeUnknown
}

func normalizeRight(s string) core.Right {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL":
		return core.RightCall
	case "P", "PUT":
		return core.RightPut
	}
	return core.RightNone
}
