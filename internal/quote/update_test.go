package quote

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quotedesk/quotedesk/errs"
)

func dec(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "btcusdt", want: "BTCUSDT"},
		{in: "  EthUsdt  ", want: "ETHUSDT"},
		{in: "1000PEPEUSDT", want: "1000PEPEUSDT"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "BTC/USDT", wantErr: true},
		{in: "BTC-USDT", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizeSymbol(tc.in)
		if tc.wantErr {
			require.Error(t, err, "input %q", tc.in)
			require.Equal(t, errs.KindInvalidSymbol, errs.KindOf(err))
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, tc.want, got)
	}
}

func TestDecodeTickerFrame(t *testing.T) {
	update, err := decodeTickerFrame([]byte(`{"s":"btcusdt","c":"50000.25","P":"-1.5","b":"50000","a":"50001","h":"51000","l":"49000","v":"1234.5"}`))
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", update.Symbol)
	require.True(t, update.Price.Equal(dec("50000.25")))
	require.True(t, update.PriceChangePercent.Equal(dec("-1.5")))
	require.True(t, update.Bid.Equal(dec("50000")))
	require.True(t, update.Ask.Equal(dec("50001")))
	require.True(t, update.Volume24h.Equal(dec("1234.5")))
	require.True(t, update.ReceivedAt.IsZero())
}

func TestDecodeTickerFrameOmitsOptionalFields(t *testing.T) {
	update, err := decodeTickerFrame([]byte(`{"s":"ETHUSDT","c":"3000","P":"0"}`))
	require.NoError(t, err)
	require.True(t, update.Bid.IsZero())
	require.True(t, update.High24h.IsZero())
}

func TestDecodeTickerFrameRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"s":"","c":"1","P":"0"}`,
		`{"s":"BTCUSDT","c":"abc","P":"0"}`,
		`{"s":"BTCUSDT","c":"0","P":"0"}`,
		`{"s":"BTCUSDT","c":"-1","P":"0"}`,
		`{"s":"BTCUSDT","c":"1","P":"pct"}`,
	}
	for _, raw := range cases {
		_, err := decodeTickerFrame([]byte(raw))
		require.Error(t, err, "frame %s", raw)
	}
}

func TestEqualValuesIgnoresReceivedAt(t *testing.T) {
	a, err := decodeTickerFrame([]byte(`{"s":"BTCUSDT","c":"50000","P":"1","b":"1","a":"2","h":"3","l":"0.5","v":"100"}`))
	require.NoError(t, err)
	b := a
	b.ReceivedAt = b.ReceivedAt.Add(5e9)
	require.True(t, a.EqualValues(b))

	// Equal decimal values with different exponents still compare equal.
	c := a
	c.Price = dec("50000.00")
	require.True(t, a.EqualValues(c))

	d := a
	d.Ask = dec("2.1")
	require.False(t, a.EqualValues(d))
}
