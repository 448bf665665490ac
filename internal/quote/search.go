package quote

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quotedesk/quotedesk/config"
	"github.com/quotedesk/quotedesk/errs"
)

const exchangeInfoPath = "/api/v3/exchangeInfo"

// SymbolDirectory resolves partial symbol queries against a cached copy of the
// exchange symbol universe.
type SymbolDirectory struct {
	client  *http.Client
	baseURL string
	ttl     time.Duration
	limit   int
	clock   func() time.Time

	mu        sync.Mutex
	universe  []string
	fetchedAt time.Time
}

// NewSymbolDirectory creates a directory with the provided base URL, cache
// TTL, and result limit.
func NewSymbolDirectory(baseURL string, ttl time.Duration, limit int, clock func() time.Time) *SymbolDirectory {
	if ttl <= 0 {
		ttl = config.DefaultSearchCacheTTL
	}
	if limit <= 0 {
		limit = config.DefaultSearchLimit
	}
	if clock == nil {
		clock = time.Now
	}
	client := new(http.Client)
	client.Timeout = 10 * time.Second
	return &SymbolDirectory{
		client:    client,
		baseURL:   strings.TrimRight(baseURL, "/"),
		ttl:       ttl,
		limit:     limit,
		clock:     clock,
		mu:        sync.Mutex{},
		universe:  nil,
		fetchedAt: time.Time{},
	}
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"symbols"`
}

// Search returns a restartable finite sequence of matching symbols: exact
// prefix matches first, then substring matches, each group lexicographic,
// capped at the configured limit. When a refresh fails the stale cache keeps
// serving.
func (d *SymbolDirectory) Search(ctx context.Context, query string) (iter.Seq[string], error) {
	universe, err := d.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToUpper(strings.TrimSpace(query))
	matches := matchSymbols(universe, needle, d.limit)
	return func(yield func(string) bool) {
		for _, symbol := range matches {
			if !yield(symbol) {
				return
			}
		}
	}, nil
}

func (d *SymbolDirectory) snapshot(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	fresh := d.universe != nil && d.clock().Sub(d.fetchedAt) <= d.ttl
	cached := d.universe
	d.mu.Unlock()
	if fresh {
		return cached, nil
	}

	universe, err := d.fetchUniverse(ctx)
	if err != nil {
		// Degrade to the stale cache rather than failing the search.
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	d.mu.Lock()
	d.universe = universe
	d.fetchedAt = d.clock()
	d.mu.Unlock()
	return universe, nil
}

func (d *SymbolDirectory) fetchUniverse(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+exchangeInfoPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create exchange info request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errs.New("quote.search", errs.KindTransportTransient, errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New("quote.search", errs.KindTransportFatal, errs.WithHTTP(resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New("quote.search", errs.KindTransportTransient, errs.WithCause(err))
	}
	var decoded exchangeInfoResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	universe := make([]string, 0, len(decoded.Symbols))
	for _, entry := range decoded.Symbols {
		symbol, err := NormalizeSymbol(entry.Symbol)
		if err != nil {
			continue
		}
		universe = append(universe, symbol)
	}
	sort.Strings(universe)
	return universe, nil
}

func matchSymbols(universe []string, needle string, limit int) []string {
	if needle == "" || len(universe) == 0 {
		return nil
	}
	var prefix, substring []string
	for _, symbol := range universe {
		switch {
		case strings.HasPrefix(symbol, needle):
			prefix = append(prefix, symbol)
		case strings.Contains(symbol, needle):
			substring = append(substring, symbol)
		}
	}
	sort.Strings(prefix)
	sort.Strings(substring)
	matches := append(prefix, substring...)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
