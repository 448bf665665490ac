// Package order implements the broker command dispatch channel.
package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quotedesk/quotedesk/config"
	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/domain/commandstore"
	"github.com/quotedesk/quotedesk/internal/observability"
)

// Draft is a producer-authored command body, before the channel assigns an ID
// and state.
type Draft struct {
	ConnectionID string
	Type         string
	Symbol       string
	Volume       decimal.Decimal
	Price        decimal.Decimal
	Stop         *decimal.Decimal
	TakeProfit   *decimal.Decimal
	Comment      string
}

// Channel is a durable queue of trade commands between a web producer and one
// external consumer per connection ID. Exactly-once delivery is enforced at
// the store's atomic claim; everything else is bookkeeping around it.
type Channel struct {
	store        commandstore.Store
	cfg          config.OrderSettings
	log          observability.Logger
	metrics      *channelMetrics
	clock        func() time.Time
	successCodes map[int]struct{}
}

// ChannelOption configures a Channel at construction time.
type ChannelOption func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(logger observability.Logger) ChannelOption {
	return func(c *Channel) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithClock overrides the channel clock, primarily for testing.
func WithClock(clock func() time.Time) ChannelOption {
	return func(c *Channel) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewChannel creates a channel backed by the given store.
func NewChannel(store commandstore.Store, cfg config.OrderSettings, opts ...ChannelOption) *Channel {
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = config.DefaultClaimBatchSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.DefaultSweepInterval
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = config.DefaultExpireAfter
	}
	codes := make(map[int]struct{}, len(cfg.SuccessCodes))
	for _, code := range cfg.SuccessCodes {
		codes[code] = struct{}{}
	}
	c := &Channel{
		store:        store,
		cfg:          cfg,
		log:          observability.Nop(),
		metrics:      newChannelMetrics(),
		clock:        time.Now,
		successCodes: codes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Submit validates a draft, assigns it a fresh ID and the pending state, and
// persists it.
func (c *Channel) Submit(ctx context.Context, draft Draft) (commandstore.Command, error) {
	if err := validateDraft(draft); err != nil {
		return commandstore.Command{}, err
	}
	cmd := commandstore.Command{
		ID:           uuid.NewString(),
		ConnectionID: strings.TrimSpace(draft.ConnectionID),
		Type:         strings.ToLower(strings.TrimSpace(draft.Type)),
		Symbol:       strings.ToUpper(strings.TrimSpace(draft.Symbol)),
		Volume:       draft.Volume,
		Price:        draft.Price,
		Stop:         draft.Stop,
		TakeProfit:   draft.TakeProfit,
		Comment:      strings.TrimSpace(draft.Comment),

		State:       commandstore.StatePending,
		CreatedAt:   c.clock(),
		SentAt:      nil,
		CompletedAt: nil,

		Ticket:         nil,
		ExecutedPrice:  nil,
		ExecutedVolume: nil,
		ErrorCode:      nil,
		ErrorMessage:   "",
	}
	if err := c.store.Insert(ctx, cmd); err != nil {
		return commandstore.Command{}, fmt.Errorf("submit command: %w", err)
	}
	c.metrics.submitted(ctx)
	c.log.Info("command submitted",
		observability.F("command_id", cmd.ID),
		observability.F("connection_id", cmd.ConnectionID),
		observability.F("type", cmd.Type),
		observability.F("symbol", cmd.Symbol))
	return cmd, nil
}

// Poll claims up to the configured batch of pending commands for the
// connection. A claim race resolves to an empty batch; the transport retries,
// never the channel.
func (c *Channel) Poll(ctx context.Context, connectionID string) ([]commandstore.Command, error) {
	trimmed := strings.TrimSpace(connectionID)
	if trimmed == "" {
		return nil, errs.New("order.poll", errs.KindInvalidCommand, errs.WithMessage("connection id required"))
	}
	claimed, err := c.store.Claim(ctx, trimmed, c.cfg.ClaimBatchSize, c.clock())
	if err != nil {
		if errs.IsKind(err, errs.KindStateConflict) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll commands: %w", err)
	}
	if len(claimed) > 0 {
		c.metrics.claimed(ctx, len(claimed))
	}
	return claimed, nil
}

// Report applies a consumer result. A report for an unknown or already
// terminal command is accepted as a no-op; the consumer may have retried.
func (c *Channel) Report(ctx context.Context, connectionID string, result commandstore.Result) error {
	if strings.TrimSpace(result.CommandID) == "" {
		return errs.New("order.report", errs.KindInvalidCommand, errs.WithMessage("command id required"))
	}
	success := c.isSuccess(result.Code)
	cmd, applied, err := c.store.Resolve(ctx, result, success, c.clock())
	if err != nil {
		return fmt.Errorf("report command: %w", err)
	}
	if !applied {
		c.log.Info("report ignored",
			observability.F("command_id", result.CommandID),
			observability.F("connection_id", connectionID),
			observability.F("code", result.Code))
		return nil
	}
	c.metrics.resolved(ctx, success)
	c.log.Info("command resolved",
		observability.F("command_id", cmd.ID),
		observability.F("state", string(cmd.State)),
		observability.F("code", result.Code))
	return nil
}

// Cancel transitions a pending command to expired. A non-pending command is
// left untouched.
func (c *Channel) Cancel(ctx context.Context, commandID string) error {
	trimmed := strings.TrimSpace(commandID)
	if trimmed == "" {
		return errs.New("order.cancel", errs.KindInvalidCommand, errs.WithMessage("command id required"))
	}
	cancelled, err := c.store.Cancel(ctx, trimmed, c.clock())
	if err != nil {
		return fmt.Errorf("cancel command: %w", err)
	}
	if cancelled {
		c.metrics.expired(ctx, 1)
		c.log.Info("command cancelled", observability.F("command_id", trimmed))
	}
	return nil
}

// Observe returns the current snapshot of one command.
func (c *Channel) Observe(ctx context.Context, commandID string) (commandstore.Command, error) {
	return c.store.Get(ctx, strings.TrimSpace(commandID))
}

// Connection returns the liveness record for one connection ID.
func (c *Channel) Connection(ctx context.Context, connectionID string) (commandstore.Connection, error) {
	return c.store.Connection(ctx, strings.TrimSpace(connectionID))
}

// RunSweeper expires overdue commands on the configured interval until ctx is
// canceled, whether they were claimed and never resolved or never polled at
// all. A crashed or absent consumer therefore cannot strand a command forever;
// the cost is that a swept trade is never silently retried.
func (c *Channel) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Channel) sweepOnce(ctx context.Context) {
	now := c.clock()
	expired, err := c.store.Sweep(ctx, now.Add(-c.cfg.ExpireAfter), now)
	if err != nil {
		c.log.Error("sweep failed", observability.F("error", err))
		return
	}
	if len(expired) == 0 {
		return
	}
	c.metrics.expired(ctx, len(expired))
	for _, cmd := range expired {
		c.log.Info("command expired by sweep",
			observability.F("command_id", cmd.ID),
			observability.F("connection_id", cmd.ConnectionID))
	}
}

func (c *Channel) isSuccess(code int) bool {
	_, ok := c.successCodes[code]
	return ok
}

func validateDraft(draft Draft) error {
	if strings.TrimSpace(draft.ConnectionID) == "" {
		return errs.New("order.submit", errs.KindInvalidCommand, errs.WithMessage("connection id required"))
	}
	if strings.TrimSpace(draft.Type) == "" {
		return errs.New("order.submit", errs.KindInvalidCommand, errs.WithMessage("command type required"))
	}
	if strings.TrimSpace(draft.Symbol) == "" {
		return errs.New("order.submit", errs.KindInvalidCommand, errs.WithMessage("symbol required"))
	}
	if !draft.Volume.IsPositive() {
		return errs.New("order.submit", errs.KindInvalidCommand,
			errs.WithMessage(fmt.Sprintf("volume %s must be positive", draft.Volume)))
	}
	return nil
}
