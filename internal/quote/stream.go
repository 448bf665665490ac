package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/quotedesk/quotedesk/config"
)

const (
	// The exchange limits control messages to 5 per second per connection.
	controlMessagesPerSecond = 4
	// Keep subscribe payloads modest so pacing can throttle between them.
	maxSymbolsPerControlFrame = 100

	streamChannelSuffix = "@ticker"
	controlWriteTimeout = 5 * time.Second
)

// streamClient maintains a single multiplexed websocket connection with live
// subscribe/unsubscribe support and automatic reconnection.
type streamClient struct {
	url              string
	handshakeTimeout time.Duration
	reconnectBase    time.Duration
	reconnectCap     time.Duration
	reconnectJitter  float64
	hooks            StreamHooks
	limiter          *rate.Limiter
	msgIDGen         atomic.Uint64

	connMu sync.RWMutex
	conn   *websocket.Conn
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *streamError     `json:"error,omitempty"`
}

type streamError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func defaultStreamFactory(cfg config.QuoteSettings, hooks StreamHooks) StreamTransport {
	return newStreamClient(cfg, hooks)
}

func newStreamClient(cfg config.QuoteSettings, hooks StreamHooks) *streamClient {
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = config.DefaultHandshakeTimeout
	}
	base := cfg.ReconnectBase
	if base <= 0 {
		base = config.DefaultReconnectBase
	}
	ceiling := cfg.ReconnectCap
	if ceiling <= 0 {
		ceiling = config.DefaultReconnectCap
	}
	jitter := cfg.ReconnectJitter
	if jitter <= 0 {
		jitter = config.DefaultReconnectJitter
	}
	return &streamClient{
		url:              cfg.StreamURL,
		handshakeTimeout: handshake,
		reconnectBase:    base,
		reconnectCap:     ceiling,
		reconnectJitter:  jitter,
		hooks:            hooks,
		limiter:          rate.NewLimiter(rate.Limit(controlMessagesPerSecond), 1),
		msgIDGen:         atomic.Uint64{},
		connMu:           sync.RWMutex{},
		conn:             nil,
	}
}

// Run dials and re-dials the stream until ctx is canceled. Every successful
// handshake fires OnUp; every loss fires OnDown before the next backoff sleep.
func (c *streamClient) Run(ctx context.Context) {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = c.reconnectBase
	schedule.MaxInterval = c.reconnectCap
	schedule.RandomizationFactor = c.reconnectJitter
	schedule.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
		conn, _, err := websocket.Dial(dialCtx, c.url, nil)
		cancel()
		if err != nil {
			c.reportDown(fmt.Errorf("dial %s: %w", c.url, err))
			if !sleep(ctx, schedule.NextBackOff()) {
				return
			}
			continue
		}
		conn.SetReadLimit(1 << 20)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		schedule.Reset()
		if c.hooks.OnUp != nil {
			c.hooks.OnUp()
		}

		err = c.readLoop(ctx, conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		c.reportDown(err)
		if !sleep(ctx, schedule.NextBackOff()) {
			return
		}
	}
}

// Subscribe announces membership for the given symbols.
func (c *streamClient) Subscribe(ctx context.Context, symbols []string) error {
	return c.sendControl(ctx, "SUBSCRIBE", symbols)
}

// Unsubscribe withdraws membership for the given symbols.
func (c *streamClient) Unsubscribe(ctx context.Context, symbols []string) error {
	return c.sendControl(ctx, "UNSUBSCRIBE", symbols)
}

func (c *streamClient) sendControl(ctx context.Context, method string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	params := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		trimmed := strings.TrimSpace(symbol)
		if trimmed == "" {
			continue
		}
		params = append(params, strings.ToLower(trimmed)+streamChannelSuffix)
	}
	for chunk := range chunkParams(params, maxSymbolsPerControlFrame) {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("pace %s frames: %w", method, err)
		}
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn == nil {
			return errors.New("stream not connected")
		}
		req := controlRequest{Method: method, Params: chunk, ID: c.msgIDGen.Add(1)}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s frame: %w", method, err)
		}
		writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write %s frame: %w", method, err)
		}
	}
	return nil
}

// readLoop pumps inbound frames into the hub. Control acknowledgements carry
// an id and are consumed here; everything else is a data frame.
func (c *streamClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			// A rejected control frame is not a stream loss; the connection
			// stays up and membership is re-announced on the next reconnect.
			continue
		}
		if c.hooks.OnFrame != nil {
			c.hooks.OnFrame(data)
		}
	}
}

func (c *streamClient) reportDown(err error) {
	if err == nil || c.hooks.OnDown == nil {
		return
	}
	c.hooks.OnDown(err)
}

func chunkParams(params []string, size int) func(func([]string) bool) {
	return func(yield func([]string) bool) {
		if len(params) == 0 {
			return
		}
		if size <= 0 || len(params) <= size {
			yield(params)
			return
		}
		for start := 0; start < len(params); start += size {
			end := min(start+size, len(params))
			if !yield(params[start:end]) {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
