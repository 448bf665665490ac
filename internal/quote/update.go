// Package quote implements the real-time price distribution hub.
package quote

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quotedesk/quotedesk/errs"
)

// PriceUpdate is the hub's typed snapshot of a quote. Optional metrics carry a
// zero decimal when the source omitted them. ReceivedAt is stamped by the hub
// at ingest, never by the source.
type PriceUpdate struct {
	Symbol             string          `json:"symbol"`
	Price              decimal.Decimal `json:"price"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	Bid                decimal.Decimal `json:"bid,omitempty"`
	Ask                decimal.Decimal `json:"ask,omitempty"`
	High24h            decimal.Decimal `json:"high24h,omitempty"`
	Low24h             decimal.Decimal `json:"low24h,omitempty"`
	Volume24h          decimal.Decimal `json:"volume24h,omitempty"`
	ReceivedAt         time.Time       `json:"receivedAt"`
}

// EqualValues reports whether two updates carry the same quote, ignoring
// ReceivedAt. Used for value dedupe during fan-out.
func (u PriceUpdate) EqualValues(other PriceUpdate) bool {
	return u.Symbol == other.Symbol &&
		u.Price.Equal(other.Price) &&
		u.PriceChangePercent.Equal(other.PriceChangePercent) &&
		u.Bid.Equal(other.Bid) &&
		u.Ask.Equal(other.Ask) &&
		u.High24h.Equal(other.High24h) &&
		u.Low24h.Equal(other.Low24h) &&
		u.Volume24h.Equal(other.Volume24h)
}

// NormalizeSymbol trims and upper-cases a symbol. Two symbols are equal iff
// their normalized byte representations are equal.
func NormalizeSymbol(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", errs.New("quote.normalize", errs.KindInvalidSymbol, errs.WithMessage("empty symbol"))
	}
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			continue
		}
		return "", errs.New("quote.normalize", errs.KindInvalidSymbol,
			errs.WithSymbol(trimmed),
			errs.WithMessage(fmt.Sprintf("symbol contains invalid byte %q", c)))
	}
	return trimmed, nil
}

// tickerFrame is the inbound stream frame shape. Field names follow the
// exchange's combined-ticker payload.
type tickerFrame struct {
	Symbol             string `json:"s"`
	LastPrice          string `json:"c"`
	PriceChangePercent string `json:"P"`
	BidPrice           string `json:"b"`
	AskPrice           string `json:"a"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
}

// decodeTickerFrame validates a raw stream frame and produces a typed update.
// Malformed frames are rejected so the hub can log and discard them; the
// internal model never carries untyped payloads.
func decodeTickerFrame(data []byte) (PriceUpdate, error) {
	var frame tickerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return PriceUpdate{}, fmt.Errorf("decode ticker frame: %w", err)
	}
	symbol, err := NormalizeSymbol(frame.Symbol)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("ticker frame symbol: %w", err)
	}
	price, err := decimal.NewFromString(frame.LastPrice)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("ticker frame price: %w", err)
	}
	if !price.IsPositive() {
		return PriceUpdate{}, fmt.Errorf("ticker frame price %s not positive", price)
	}
	change, err := decimal.NewFromString(frame.PriceChangePercent)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("ticker frame change percent: %w", err)
	}
	update := PriceUpdate{
		Symbol:             symbol,
		Price:              price,
		PriceChangePercent: change,
		Bid:                optionalDecimal(frame.BidPrice),
		Ask:                optionalDecimal(frame.AskPrice),
		High24h:            optionalDecimal(frame.HighPrice),
		Low24h:             optionalDecimal(frame.LowPrice),
		Volume24h:          optionalDecimal(frame.Volume),
		ReceivedAt:         time.Time{},
	}
	return update, nil
}

func optionalDecimal(raw string) decimal.Decimal {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return value
}
