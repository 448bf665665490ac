package httpserver

import (
	"context"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quotedesk/quotedesk/config"
	"github.com/quotedesk/quotedesk/internal/infra/persistence/memory"
	"github.com/quotedesk/quotedesk/internal/order"
	"github.com/quotedesk/quotedesk/internal/quote"
)

type stubStream struct {
	hooks quote.StreamHooks
}

func (s *stubStream) Run(ctx context.Context) { <-ctx.Done() }

func (s *stubStream) Subscribe(context.Context, []string) error { return nil }

func (s *stubStream) Unsubscribe(context.Context, []string) error { return nil }

type stubSearcher struct {
	symbols []string
	err     error
}

func (s *stubSearcher) Search(context.Context, string) (iter.Seq[string], error) {
	if s.err != nil {
		return nil, s.err
	}
	return func(yield func(string) bool) {
		for _, symbol := range s.symbols {
			if !yield(symbol) {
				return
			}
		}
	}, nil
}

type stubFallback struct{}

func (stubFallback) Fetch(context.Context, []string) (map[string]quote.PriceUpdate, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *quote.Hub, *order.Channel, *stubStream) {
	t.Helper()
	stream := new(stubStream)
	settings := config.Apply(config.Default(), config.WithPollInterval(0))
	hub := quote.NewHub(settings.Quote,
		quote.WithStreamFactory(func(_ config.QuoteSettings, hooks quote.StreamHooks) quote.StreamTransport {
			stream.hooks = hooks
			return stream
		}),
		quote.WithFallback(stubFallback{}),
		quote.WithSearcher(&stubSearcher{symbols: []string{"BTCUSDT", "BTCEUR"}}),
	)
	t.Cleanup(hub.Teardown)
	channel := order.NewChannel(memory.NewCommandStore(), settings.Order)

	srv := httptest.NewServer(NewHandler(hub, channel))
	t.Cleanup(srv.Close)
	return srv, hub, channel, stream
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, out), "body: %s", body)
}

func submitJSON(connectionID string) string {
	return `{"connectionId":"` + connectionID + `","type":"buy","symbol":"eurusd","volume":0.1,"price":1.0852}`
}

func TestPollRequiresConnectionID(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/poll")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitThenPollThenReport(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/commands", "application/json", strings.NewReader(submitJSON("conn-1")))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created commandPayload
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "pending", created.State)
	require.Equal(t, "EURUSD", created.Symbol)

	resp, err = http.Get(srv.URL + "/poll?connection_id=conn-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var polled struct {
		Success  bool             `json:"success"`
		Commands []commandPayload `json:"commands"`
	}
	decodeBody(t, resp, &polled)
	require.True(t, polled.Success)
	require.Len(t, polled.Commands, 1)
	require.Equal(t, created.ID, polled.Commands[0].ID)
	require.Equal(t, "sent", polled.Commands[0].State)

	report := `{"command_id":"` + created.ID + `","ticket":42,"price":1.0853,"volume":0.1,"code":0}`
	resp, err = http.Post(srv.URL+"/poll?connection_id=conn-1", "application/json", strings.NewReader(report))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(srv.URL + "/commands/" + created.ID)
	require.NoError(t, err)
	var observed commandPayload
	decodeBody(t, resp, &observed)
	require.Equal(t, "completed", observed.State)
	require.NotNil(t, observed.Ticket)
	require.Equal(t, int64(42), *observed.Ticket)
}

func TestSubmitRejectsInvalidDraft(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	bad := `{"connectionId":"conn-1","type":"buy","symbol":"EURUSD","volume":0,"price":1}`
	resp, err := http.Post(srv.URL+"/commands", "application/json", strings.NewReader(bad))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelCommand(t *testing.T) {
	srv, _, channel, _ := newTestServer(t)

	cmd, err := channel.Submit(context.Background(), order.Draft{
		ConnectionID: "conn-1",
		Type:         "sell",
		Symbol:       "EURUSD",
		Volume:       decimal.RequireFromString("0.2"),
		Price:        decimal.RequireFromString("1.08"),
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/commands/"+cmd.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	observed, err := channel.Observe(context.Background(), cmd.ID)
	require.NoError(t, err)
	require.Equal(t, "expired", string(observed.State))
}

func TestGetCommandNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/commands/missing")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetConnection(t *testing.T) {
	srv, _, channel, _ := newTestServer(t)

	_, err := channel.Submit(context.Background(), order.Draft{
		ConnectionID: "conn-9",
		Type:         "buy",
		Symbol:       "EURUSD",
		Volume:       decimal.RequireFromString("0.1"),
		Price:        decimal.RequireFromString("1.08"),
	})
	require.NoError(t, err)
	_, err = channel.Poll(context.Background(), "conn-9")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/connections/conn-9")
	require.NoError(t, err)
	var body struct {
		ConnectionID string `json:"connectionId"`
		TotalSent    int64  `json:"totalSent"`
		IsConnected  bool   `json:"isConnected"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, "conn-9", body.ConnectionID)
	require.Equal(t, int64(1), body.TotalSent)
	require.True(t, body.IsConnected)
}

func TestGetQuote(t *testing.T) {
	srv, hub, _, stream := newTestServer(t)

	resp, err := http.Get(srv.URL + "/quotes/BTCUSDT")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	sub, err := hub.Subscribe("BTCUSDT", func(quote.PriceUpdate) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	stream.hooks.OnUp()
	stream.hooks.OnFrame([]byte(`{"s":"BTCUSDT","c":"50000","P":"1.5"}`))

	resp, err = http.Get(srv.URL + "/quotes/btcusdt")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Quote quote.PriceUpdate `json:"quote"`
		Live  bool              `json:"live"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, "BTCUSDT", body.Quote.Symbol)
	require.True(t, body.Live)
}

func TestSearchSymbols(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/symbols?q=btc")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Symbols []string `json:"symbols"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, []string{"BTCUSDT", "BTCEUR"}, body.Symbols)

	resp, err = http.Get(srv.URL + "/symbols")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var body struct {
		Connection string `json:"connection"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, "disconnected", body.Connection)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/commands", strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Allow"), http.MethodPost)
}
