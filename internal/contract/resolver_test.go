package contract

import (
	"errors"
	"testing"

	"position_ledger/internal/core"
	apperrors "position_ledger/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ShortAndLongExpiryNormalize(t *testing.T) {
	short := Resolve("AAPL  250917P00185500")
	long := Resolve("AAPL20250917P00185500")

	require.False(t, short.IsUnknown())
	assert.Equal(t, short, long)
	assert.Equal(t, "20250917", short.Expiry)
	assert.Equal(t, "185.5", short.Strike)
	assert.Equal(t, core.RightPut, short.Right)
	assert.Equal(t, core.SecTypeOption, short.SecType)
	assert.Equal(t, "AAPL", short.Symbol)
}

func TestResolve_StrikeDividesByThousand(t *testing.T) {
	tests := []struct {
		symbol string
		strike string
	}{
		{"SPY   251219C00600000", "600"},
		{"SPY   251219C00000500", "0.5"},
		{"BRK.B 260116C00512250", "512.25"},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			assert.Equal(t, tt.strike, Resolve(tt.symbol).Strike)
		})
	}
}

func TestResolve_MalformedReturnsUnknown(t *testing.T) {
	for _, s := range []string{"", "AAPL", "AAPL 2509P00185500", "AAPL 250917X00185500", "250917P"} {
		key := Resolve(s)
		assert.True(t, key.IsUnknown(), s)
	}

	_, err := Parse("garbage")
	assert.True(t, errors.Is(err, apperrors.ErrMalformedIdentity))
}

func TestFromDescriptor_MatchesWireSymbol(t *testing.T) {
	fromGateway := FromDescriptor(Descriptor{
		Symbol:        "aapl",
		SecType:       "OPT",
		LastTradeDate: "20250917",
		Strike:        185.5,
		Right:         "PUT",
	})
	assert.Equal(t, Resolve("AAPL  250917P00185500"), fromGateway)

	sixDigit := FromDescriptor(Descriptor{Symbol: "AAPL", SecType: "OPT", LastTradeDate: "250917", Strike: 185.5, Right: "P"})
	assert.Equal(t, fromGateway, sixDigit)
}

func TestFromDescriptor_FallsBackToLocalSymbol(t *testing.T) {
	key := FromDescriptor(Descriptor{Symbol: "AAPL", SecType: "OPT", LocalSymbol: "AAPL  250917C00200000"})
	assert.Equal(t, "200", key.Strike)
	assert.Equal(t, core.RightCall, key.Right)
}

func TestFromDescriptor_Stock(t *testing.T) {
	key := FromDescriptor(Descriptor{Symbol: "MSFT", SecType: "STK"})
	assert.Equal(t, core.ContractKey{Symbol: "MSFT", SecType: core.SecTypeStock}, key)
	assert.True(t, key.Multiplier().Equal(decimal.NewFromInt(1)))

	assert.True(t, FromDescriptor(Descriptor{Symbol: "MSFT", SecType: "BOND"}).IsUnknown())
}

func TestParsePositionKey_RoundTrip(t *testing.T) {
	pk := core.PositionKey{Contract: Resolve("AAPL  250917P00185500"), Side: core.SideSell}

	parsed, err := ParsePositionKey(pk.String())
	require.NoError(t, err)
	assert.Equal(t, pk, parsed)

	_, err = ParsePositionKey("AAPL|OPT|20250917|185.5|P|HOLD")
	assert.ErrorIs(t, err, apperrors.ErrMalformedIdentity)
}

func TestToDescriptor_RoundTrip(t *testing.T) {
	key := Resolve("SPY   20250117C00450500")
	d := ToDescriptor(key)

	assert.Equal(t, "100", d.Multiplier)
	assert.Equal(t, 450.5, d.Strike)
	assert.Equal(t, key, FromDescriptor(d))

	stock := core.ContractKey{Symbol: "AAPL", SecType: core.SecTypeStock}
	assert.Equal(t, stock, FromDescriptor(ToDescriptor(stock)))
}
