package quote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotedesk/quotedesk/config"
)

func TestChunkParams(t *testing.T) {
	var chunks [][]string
	for chunk := range chunkParams([]string{"a", "b", "c", "d", "e"}, 2) {
		chunks = append(chunks, chunk)
	}
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)

	chunks = nil
	for chunk := range chunkParams([]string{"a"}, 100) {
		chunks = append(chunks, chunk)
	}
	require.Equal(t, [][]string{{"a"}}, chunks)

	for range chunkParams(nil, 2) {
		t.Fatal("empty params must yield nothing")
	}
}

func TestNewStreamClientDefaults(t *testing.T) {
	client := newStreamClient(config.QuoteSettings{}, StreamHooks{})
	require.Equal(t, config.DefaultHandshakeTimeout, client.handshakeTimeout)
	require.Equal(t, config.DefaultReconnectBase, client.reconnectBase)
	require.Equal(t, config.DefaultReconnectCap, client.reconnectCap)
	require.InEpsilon(t, config.DefaultReconnectJitter, client.reconnectJitter, 1e-9)
}

func TestStreamSubscribeWithoutConnection(t *testing.T) {
	client := newStreamClient(config.QuoteSettings{StreamURL: "ws://unused.invalid"}, StreamHooks{})
	err := client.Subscribe(t.Context(), []string{"BTCUSDT"})
	require.Error(t, err)

	// An empty symbol set never touches the connection.
	require.NoError(t, client.Subscribe(t.Context(), nil))
}

func TestControlPacingAllowsBurstOfOne(t *testing.T) {
	client := newStreamClient(config.QuoteSettings{}, StreamHooks{})
	start := time.Now()
	require.True(t, client.limiter.Allow())
	require.False(t, client.limiter.Allow())
	require.Less(t, time.Since(start), time.Second)
}
