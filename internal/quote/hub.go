package quote

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quotedesk/quotedesk/config"
	"github.com/quotedesk/quotedesk/internal/observability"
)

// UpdateFunc receives price updates for one subscribed symbol.
type UpdateFunc func(PriceUpdate)

// StreamTransport is the persistent multiplexed upstream channel.
type StreamTransport interface {
	// Run maintains the connection until ctx is canceled, reconnecting with
	// backoff. Run reports liveness through the hooks it was built with.
	Run(ctx context.Context)
	// Subscribe announces upstream membership for the given symbols.
	Subscribe(ctx context.Context, symbols []string) error
	// Unsubscribe withdraws upstream membership for the given symbols.
	Unsubscribe(ctx context.Context, symbols []string) error
}

// StreamHooks are the callbacks a transport uses to report into the hub.
type StreamHooks struct {
	OnFrame func(data []byte)
	OnUp    func()
	OnDown  func(err error)
}

// StreamFactory builds a transport bound to the given hooks.
type StreamFactory func(cfg config.QuoteSettings, hooks StreamHooks) StreamTransport

// FallbackPoller retrieves a batch of updates for the given symbol set.
type FallbackPoller interface {
	Fetch(ctx context.Context, symbols []string) (map[string]PriceUpdate, error)
}

// Searcher resolves partial symbol queries against the exchange universe.
type Searcher interface {
	Search(ctx context.Context, query string) (iter.Seq[string], error)
}

// Subscription is the opaque unsubscribe handle returned by Subscribe.
type Subscription struct {
	hub      *Hub
	symbol   string
	fn       UpdateFunc
	released atomic.Bool
}

// Symbol returns the normalized symbol this subscription is bound to.
func (s *Subscription) Symbol() string { return s.symbol }

// Unsubscribe releases the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	s.hub.remove(s)
}

// StatusSubscription is the handle returned by SubscribeStatus.
type StatusSubscription struct {
	hub      *Hub
	id       uint64
	released atomic.Bool
}

// Unsubscribe stops status notifications. Safe to call more than once.
func (s *StatusSubscription) Unsubscribe() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	s.hub.mu.Lock()
	delete(s.hub.statusSubs, s.id)
	s.hub.mu.Unlock()
}

type registration struct {
	symbol     string
	subs       []*Subscription
	lastUpdate *PriceUpdate
	grace      *time.Timer
	hasStream  bool
}

// Hub multiplexes one logical upstream into many per-symbol subscribers.
// Fan-out iterates a snapshot of the subscriber list with the lock released,
// so callbacks may re-enter the hub; additions made during a fan-out see the
// next update, removals are tombstoned and skipped.
type Hub struct {
	cfg      config.QuoteSettings
	log      observability.Logger
	metrics  *hubMetrics
	clock    func() time.Time
	factory  StreamFactory
	fallback FallbackPoller
	search   Searcher

	mu           sync.Mutex
	state        ConnectionState
	regs         map[string]*registration
	statusSubs   map[uint64]func(ConnectionState)
	nextStatusID uint64
	stream       StreamTransport
	runCtx       context.Context
	runCancel    context.CancelFunc
}

// HubOption configures a Hub at construction time.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger observability.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.log = logger
		}
	}
}

// WithClock overrides the hub clock, primarily for testing.
func WithClock(clock func() time.Time) HubOption {
	return func(h *Hub) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithStreamFactory overrides the streaming transport constructor.
func WithStreamFactory(factory StreamFactory) HubOption {
	return func(h *Hub) {
		if factory != nil {
			h.factory = factory
		}
	}
}

// WithFallback overrides the polling fallback source.
func WithFallback(poller FallbackPoller) HubOption {
	return func(h *Hub) {
		if poller != nil {
			h.fallback = poller
		}
	}
}

// WithSearcher overrides the symbol search source.
func WithSearcher(searcher Searcher) HubOption {
	return func(h *Hub) {
		if searcher != nil {
			h.search = searcher
		}
	}
}

// NewHub creates a hub with an explicit lifecycle: NewHub → Connect → Teardown.
// Callers receive the hub by parameter; there is no ambient instance.
func NewHub(cfg config.QuoteSettings, opts ...HubOption) *Hub {
	h := &Hub{
		cfg:          cfg,
		log:          observability.Nop(),
		metrics:      newHubMetrics(),
		clock:        time.Now,
		factory:      defaultStreamFactory,
		fallback:     nil,
		search:       nil,
		mu:           sync.Mutex{},
		state:        StateDisconnected,
		regs:         make(map[string]*registration),
		statusSubs:   make(map[uint64]func(ConnectionState)),
		nextStatusID: 0,
		stream:       nil,
		runCtx:       nil,
		runCancel:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.fallback == nil {
		h.fallback = NewTickerBatchClient(cfg.RESTBaseURL, cfg.BatchFreshness, h.clock)
	}
	if h.search == nil {
		h.search = NewSymbolDirectory(cfg.RESTBaseURL, cfg.SearchCacheTTL, cfg.SearchLimit, h.clock)
	}
	return h
}

// Connect opens the streaming channel and starts the fallback scheduler.
// Calling Connect on a hub that is not disconnected is a no-op.
func (h *Hub) Connect(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	h.mu.Lock()
	if h.state != StateDisconnected {
		h.mu.Unlock()
		return
	}
	notify := h.connectLocked(ctx)
	h.mu.Unlock()
	h.notifyStatus(notify, StateConnecting)
}

func (h *Hub) connectLocked(parent context.Context) []func(ConnectionState) {
	runCtx, cancel := context.WithCancel(parent)
	h.runCtx = runCtx
	h.runCancel = cancel
	h.stream = h.factory(h.cfg, StreamHooks{
		OnFrame: h.handleFrame,
		OnUp:    h.handleStreamUp,
		OnDown:  h.handleStreamDown,
	})
	notify := h.setStateLocked(StateConnecting)
	go h.stream.Run(runCtx)
	go h.pollLoop(runCtx)
	return notify
}

// Teardown cancels all timers and transports and returns the hub to the
// disconnected state. Subscriptions are retained and re-hooked on the next
// Connect.
func (h *Hub) Teardown() {
	h.mu.Lock()
	if h.runCancel != nil {
		h.runCancel()
		h.runCancel = nil
		h.runCtx = nil
	}
	h.stream = nil
	for symbol, reg := range h.regs {
		if reg.grace != nil {
			reg.grace.Stop()
			reg.grace = nil
		}
		reg.hasStream = false
		// With the grace timer stopped nothing would ever retire an empty
		// registration, so drop it now.
		if len(reg.subs) == 0 {
			delete(h.regs, symbol)
		}
	}
	notify := h.setStateLocked(StateDisconnected)
	h.mu.Unlock()
	h.notifyStatus(notify, StateDisconnected)
}

// Subscribe registers a callback for one symbol. The first subscription for a
// disconnected hub opens the upstream. When a cached update exists it is
// delivered synchronously before Subscribe returns.
func (h *Hub) Subscribe(symbol string, fn UpdateFunc) (*Subscription, error) {
	norm, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("quote: nil subscriber callback")
	}
	sub := &Subscription{hub: h, symbol: norm, fn: fn, released: atomic.Bool{}}

	h.mu.Lock()
	reg, ok := h.regs[norm]
	if !ok {
		reg = &registration{symbol: norm, subs: nil, lastUpdate: nil, grace: nil, hasStream: false}
		h.regs[norm] = reg
	}
	if reg.grace != nil {
		reg.grace.Stop()
		reg.grace = nil
	}
	reg.subs = append(reg.subs, sub)
	var cached *PriceUpdate
	if reg.lastUpdate != nil {
		u := *reg.lastUpdate
		cached = &u
	}
	var notify []func(ConnectionState)
	if h.state == StateDisconnected {
		notify = h.connectLocked(context.Background())
	}
	live := h.state == StateLive
	stream, runCtx := h.stream, h.runCtx
	h.mu.Unlock()

	h.notifyStatus(notify, StateConnecting)
	if !ok && live && stream != nil {
		if err := stream.Subscribe(runCtx, []string{norm}); err != nil {
			// Transient: the next reconnect re-announces every symbol.
			h.log.Debug("stream subscribe failed", observability.F("symbol", norm), observability.F("error", err))
		}
	}
	if cached != nil {
		h.deliver(sub, *cached)
	}
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	reg, ok := h.regs[sub.symbol]
	if !ok {
		h.mu.Unlock()
		return
	}
	kept := reg.subs[:0]
	for _, existing := range reg.subs {
		if existing != sub {
			kept = append(kept, existing)
		}
	}
	reg.subs = kept
	if len(reg.subs) == 0 && reg.grace == nil {
		symbol := sub.symbol
		reg.grace = time.AfterFunc(h.cfg.GracePeriod, func() { h.retire(symbol) })
	}
	h.mu.Unlock()
}

// retire drops a symbol whose subscriber count stayed at zero through the
// grace period.
func (h *Hub) retire(symbol string) {
	h.mu.Lock()
	reg, ok := h.regs[symbol]
	if !ok || len(reg.subs) > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.regs, symbol)
	live := h.state == StateLive
	stream, runCtx := h.stream, h.runCtx
	h.mu.Unlock()
	if live && stream != nil {
		if err := stream.Unsubscribe(runCtx, []string{symbol}); err != nil {
			h.log.Debug("stream unsubscribe failed", observability.F("symbol", symbol), observability.F("error", err))
		}
	}
}

// LastPrice returns the most recent update for symbol, if any.
func (h *Hub) LastPrice(symbol string) (PriceUpdate, bool) {
	norm, err := NormalizeSymbol(symbol)
	if err != nil {
		return PriceUpdate{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.regs[norm]
	if !ok || reg.lastUpdate == nil {
		return PriceUpdate{}, false
	}
	return *reg.lastUpdate, true
}

// Live reports whether the symbol received an update within the stale
// threshold. Exposed as a query, never pushed.
func (h *Hub) Live(symbol string) bool {
	update, ok := h.LastPrice(symbol)
	if !ok {
		return false
	}
	return h.clock().Sub(update.ReceivedAt) <= h.cfg.StaleThreshold
}

// State returns the current connection state.
func (h *Hub) State() ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SubscribeStatus registers a callback invoked on every connection state
// transition.
func (h *Hub) SubscribeStatus(fn func(ConnectionState)) *StatusSubscription {
	if fn == nil {
		return &StatusSubscription{hub: h, id: 0, released: atomic.Bool{}}
	}
	h.mu.Lock()
	h.nextStatusID++
	id := h.nextStatusID
	h.statusSubs[id] = fn
	h.mu.Unlock()
	return &StatusSubscription{hub: h, id: id, released: atomic.Bool{}}
}

// SearchSymbols returns a restartable sequence of at most the configured
// number of symbols matching query.
func (h *Hub) SearchSymbols(ctx context.Context, query string) (iter.Seq[string], error) {
	return h.search.Search(ctx, query)
}

// handleFrame validates one inbound stream frame and feeds it into fan-out.
func (h *Hub) handleFrame(data []byte) {
	update, err := decodeTickerFrame(data)
	if err != nil {
		h.metrics.dropped(context.Background(), dropReasonMalformed)
		h.log.Debug("discard malformed frame", observability.F("error", err))
		return
	}
	h.ingest(update, true)
}

func (h *Hub) handleStreamUp() {
	h.mu.Lock()
	notify := h.setStateLocked(StateLive)
	symbols := make([]string, 0, len(h.regs))
	for symbol := range h.regs {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	stream, runCtx := h.stream, h.runCtx
	h.mu.Unlock()

	h.notifyStatus(notify, StateLive)
	h.metrics.streamUp(context.Background())
	if len(symbols) > 0 && stream != nil {
		if err := stream.Subscribe(runCtx, symbols); err != nil {
			h.log.Debug("stream resubscribe failed", observability.F("error", err))
		}
	}
}

func (h *Hub) handleStreamDown(err error) {
	h.mu.Lock()
	var notify []func(ConnectionState)
	if h.state == StateLive || h.state == StateConnecting {
		notify = h.setStateLocked(StateDegraded)
	}
	for _, reg := range h.regs {
		reg.hasStream = false
	}
	h.mu.Unlock()
	h.notifyStatus(notify, StateDegraded)
	if err != nil {
		h.log.Debug("stream down", observability.F("error", err))
	}
}

// ingest stamps, deduplicates, stores, and fans out one update. Subscriber
// callbacks run outside the hub lock over a snapshot taken at store time.
func (h *Hub) ingest(update PriceUpdate, fromStream bool) {
	update.ReceivedAt = h.clock()

	h.mu.Lock()
	reg, ok := h.regs[update.Symbol]
	if !ok {
		h.mu.Unlock()
		return
	}
	if fromStream {
		reg.hasStream = true
	}
	if reg.lastUpdate != nil {
		if reg.lastUpdate.ReceivedAt.After(update.ReceivedAt) {
			h.mu.Unlock()
			h.metrics.dropped(context.Background(), dropReasonLate)
			return
		}
		if reg.lastUpdate.EqualValues(update) {
			h.mu.Unlock()
			h.metrics.dropped(context.Background(), dropReasonDuplicate)
			return
		}
	}
	stored := update
	reg.lastUpdate = &stored
	snapshot := append([]*Subscription(nil), reg.subs...)
	h.mu.Unlock()

	h.metrics.ingested(context.Background())
	for _, sub := range snapshot {
		h.deliver(sub, update)
	}
}

// deliver invokes one subscriber callback. A panicking callback never
// interrupts fan-out to its siblings.
func (h *Hub) deliver(sub *Subscription, update PriceUpdate) {
	if sub == nil || sub.released.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("subscriber callback panic",
				observability.F("symbol", update.Symbol),
				observability.F("panic", fmt.Sprintf("%v", r)))
		}
	}()
	sub.fn(update)
	h.metrics.delivered(context.Background())
}

func (h *Hub) setStateLocked(next ConnectionState) []func(ConnectionState) {
	if h.state == next {
		return nil
	}
	h.state = next
	ids := make([]uint64, 0, len(h.statusSubs))
	for id := range h.statusSubs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]func(ConnectionState), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, h.statusSubs[id])
	}
	return listeners
}

func (h *Hub) notifyStatus(listeners []func(ConnectionState), state ConnectionState) {
	for _, fn := range listeners {
		fn(state)
	}
}

// pollLoop drives the fallback while the stream is degraded. Reconnect
// attempts never pause it; the loop simply idles once the stream is live.
func (h *Hub) pollLoop(ctx context.Context) {
	interval := h.cfg.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pollOnce(ctx)
		}
	}
}

func (h *Hub) pollOnce(ctx context.Context) {
	h.mu.Lock()
	if h.state != StateDegraded {
		h.mu.Unlock()
		return
	}
	symbols := make([]string, 0, len(h.regs))
	for symbol, reg := range h.regs {
		// A stream frame for a symbol cancels its entry in the batch.
		if !reg.hasStream {
			symbols = append(symbols, symbol)
		}
	}
	h.mu.Unlock()
	if len(symbols) == 0 {
		return
	}
	sort.Strings(symbols)

	interval := h.cfg.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	fetchCtx, cancel := context.WithTimeout(ctx, interval*4)
	updates, err := h.fallback.Fetch(fetchCtx, symbols)
	cancel()
	if err != nil {
		// Transient transport errors are absorbed, never surfaced to subscribers.
		h.log.Debug("fallback batch failed", observability.F("error", err))
		return
	}
	for _, update := range updates {
		h.ingest(update, false)
	}
}
