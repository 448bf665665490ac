package quote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collectSeq(t *testing.T, d *SymbolDirectory, query string) []string {
	t.Helper()
	seq, err := d.Search(context.Background(), query)
	require.NoError(t, err)
	var out []string
	for symbol := range seq {
		out = append(out, symbol)
	}
	return out
}

func newExchangeInfoServer(t *testing.T, hits *atomic.Int64, symbols ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, exchangeInfoPath, r.URL.Path)
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		body := `{"symbols":[`
		for i, symbol := range symbols {
			if i > 0 {
				body += ","
			}
			body += `{"symbol":"` + symbol + `","status":"TRADING"}`
		}
		body += `]}`
		_, _ = w.Write([]byte(body))
	}))
}

func TestSearchPrefixBeforeSubstring(t *testing.T) {
	srv := newExchangeInfoServer(t, nil, "XBTCUSDT", "BTCUSDT", "BTCEUR", "ETHUSDT")
	defer srv.Close()

	dir := NewSymbolDirectory(srv.URL, time.Hour, 50, time.Now)
	got := collectSeq(t, dir, "btc")
	require.Equal(t, []string{"BTCEUR", "BTCUSDT", "XBTCUSDT"}, got)
}

func TestSearchHonorsLimit(t *testing.T) {
	srv := newExchangeInfoServer(t, nil, "AAUSDT", "ABUSDT", "ACUSDT", "ADUSDT")
	defer srv.Close()

	dir := NewSymbolDirectory(srv.URL, time.Hour, 2, time.Now)
	got := collectSeq(t, dir, "A")
	require.Len(t, got, 2)
}

func TestSearchNoMatches(t *testing.T) {
	srv := newExchangeInfoServer(t, nil, "BTCUSDT")
	defer srv.Close()

	dir := NewSymbolDirectory(srv.URL, time.Hour, 50, time.Now)
	require.Empty(t, collectSeq(t, dir, "DOGE"))
	require.Empty(t, collectSeq(t, dir, "  "))
}

func TestSearchCachesUniverse(t *testing.T) {
	var hits atomic.Int64
	srv := newExchangeInfoServer(t, &hits, "BTCUSDT", "ETHUSDT")
	defer srv.Close()

	dir := NewSymbolDirectory(srv.URL, time.Hour, 50, time.Now)
	collectSeq(t, dir, "BTC")
	collectSeq(t, dir, "ETH")
	require.Equal(t, int64(1), hits.Load())
}

func TestSearchServesStaleCacheOnRefreshFailure(t *testing.T) {
	var hits atomic.Int64
	srv := newExchangeInfoServer(t, &hits, "BTCUSDT")

	clock := newFakeClock()
	dir := NewSymbolDirectory(srv.URL, time.Minute, 50, clock.Now)
	require.Equal(t, []string{"BTCUSDT"}, collectSeq(t, dir, "BTC"))

	srv.Close()
	clock.Advance(2 * time.Minute)
	require.Equal(t, []string{"BTCUSDT"}, collectSeq(t, dir, "BTC"))
}

func TestSearchFailsWithoutCache(t *testing.T) {
	srv := newExchangeInfoServer(t, nil, "BTCUSDT")
	srv.Close()

	dir := NewSymbolDirectory(srv.URL, time.Hour, 50, time.Now)
	_, err := dir.Search(context.Background(), "BTC")
	require.Error(t, err)
}

func TestSearchSequenceIsRestartable(t *testing.T) {
	srv := newExchangeInfoServer(t, nil, "BTCUSDT", "BTCEUR")
	defer srv.Close()

	dir := NewSymbolDirectory(srv.URL, time.Hour, 50, time.Now)
	seq, err := dir.Search(context.Background(), "BTC")
	require.NoError(t, err)

	var first []string
	for symbol := range seq {
		first = append(first, symbol)
		break
	}
	var second []string
	for symbol := range seq {
		second = append(second, symbol)
	}
	require.Equal(t, []string{"BTCEUR"}, first)
	require.Equal(t, []string{"BTCEUR", "BTCUSDT"}, second)
}
