package quote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quotedesk/quotedesk/config"
	"github.com/quotedesk/quotedesk/errs"
)

const tickersPath = "/tickers"

// TickerBatchClient fetches fallback price batches over HTTP.
type TickerBatchClient struct {
	client    *http.Client
	baseURL   string
	freshness time.Duration
	clock     func() time.Time
}

// NewTickerBatchClient creates a batch client with the provided base URL.
// Responses older than freshness are discarded.
func NewTickerBatchClient(baseURL string, freshness time.Duration, clock func() time.Time) *TickerBatchClient {
	if freshness <= 0 {
		freshness = config.DefaultBatchFreshness
	}
	if clock == nil {
		clock = time.Now
	}
	client := new(http.Client)
	client.Timeout = 10 * time.Second
	return &TickerBatchClient{
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		freshness: freshness,
		clock:     clock,
	}
}

type tickerBatchRequest struct {
	Symbols []string `json:"symbols"`
}

type tickerBatchResponse struct {
	Tickers   map[string]PriceUpdate `json:"tickers"`
	Timestamp int64                  `json:"timestamp"`
}

// Fetch requests updates for the given symbol set. The returned map is keyed
// by normalized symbol; entries the endpoint omitted are absent.
func (c *TickerBatchClient) Fetch(ctx context.Context, symbols []string) (map[string]PriceUpdate, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(tickerBatchRequest{Symbols: symbols})
	if err != nil {
		return nil, fmt.Errorf("marshal ticker batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tickersPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ticker batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New("quote.fallback", errs.KindTransportTransient, errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := errs.KindTransportFatal
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = errs.KindTransportTransient
		}
		return nil, errs.New("quote.fallback", kind, errs.WithHTTP(resp.StatusCode))
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New("quote.fallback", errs.KindTransportTransient, errs.WithCause(err))
	}

	var decoded tickerBatchResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode ticker batch: %w", err)
	}
	if age := c.clock().Sub(time.UnixMilli(decoded.Timestamp)); age > c.freshness {
		return nil, errs.New("quote.fallback", errs.KindTransportTransient,
			errs.WithMessage(fmt.Sprintf("batch response %s old", age.Truncate(time.Millisecond))))
	}

	updates := make(map[string]PriceUpdate, len(decoded.Tickers))
	for rawSymbol, update := range decoded.Tickers {
		symbol, err := NormalizeSymbol(rawSymbol)
		if err != nil || !update.Price.IsPositive() {
			continue
		}
		update.Symbol = symbol
		updates[symbol] = update
	}
	return updates, nil
}
