// Package commandstore declares the persistence contract for trade commands.
package commandstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// State is a trade command lifecycle state.
type State string

const (
	// StatePending means the command awaits its consumer.
	StatePending State = "pending"
	// StateSent means the command was claimed by the consumer and awaits a report.
	StateSent State = "sent"
	// StateCompleted means the consumer reported success.
	StateCompleted State = "completed"
	// StateFailed means the consumer reported failure.
	StateFailed State = "failed"
	// StateExpired means the command was cancelled or swept.
	StateExpired State = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired:
		return true
	case StatePending, StateSent:
		return false
	default:
		return false
	}
}

// CanTransition reports whether from → to is a legal state machine edge.
// Legal paths: pending → sent → {completed, failed}; pending → expired;
// sent → expired (administrative sweep only).
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateSent || to == StateExpired
	case StateSent:
		return to == StateCompleted || to == StateFailed || to == StateExpired
	default:
		return false
	}
}

// Command is a single trade instruction traversing the state machine.
type Command struct {
	ID           string
	ConnectionID string
	Type         string
	Symbol       string
	Volume       decimal.Decimal
	Price        decimal.Decimal
	Stop         *decimal.Decimal
	TakeProfit   *decimal.Decimal
	Comment      string

	State       State
	CreatedAt   time.Time
	SentAt      *time.Time
	CompletedAt *time.Time

	Ticket         *int64
	ExecutedPrice  *decimal.Decimal
	ExecutedVolume *decimal.Decimal
	ErrorCode      *int
	ErrorMessage   string
}

// Result is the consumer's report for one claimed command.
type Result struct {
	CommandID      string
	Ticket         int64
	ExecutedPrice  decimal.Decimal
	ExecutedVolume decimal.Decimal
	Code           int
	Message        string
}

// Connection tracks consumer liveness and delivery counters per connection ID.
type Connection struct {
	ConnectionID string
	LastPolledAt *time.Time
	TotalSent    int64
	Successful   int64
	Failed       int64
	IsConnected  bool
}

// Store persists commands and connection records. Implementations enforce the
// state machine and the atomic pending → sent claim.
type Store interface {
	// Insert persists a fresh pending command.
	Insert(ctx context.Context, cmd Command) error
	// Get returns the current snapshot of one command.
	Get(ctx context.Context, id string) (Command, error)
	// Claim atomically transitions up to limit pending commands for the
	// connection to sent, in createdAt order, stamping sentAt and the
	// connection's liveness. Racing claimants never observe overlapping
	// batches; the loser receives an empty batch.
	Claim(ctx context.Context, connectionID string, limit int, now time.Time) ([]Command, error)
	// Resolve applies a consumer report to a sent command, transitioning it to
	// completed or failed and updating the connection counters. The boolean
	// reports whether the store changed; an unknown or terminal command is a
	// no-op.
	Resolve(ctx context.Context, result Result, success bool, now time.Time) (Command, bool, error)
	// Cancel transitions a pending command to expired. The boolean reports
	// whether the store changed; a non-pending command is a no-op.
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
	// Sweep expires every sent command whose sentAt is before cutoff and every
	// pending command whose createdAt is before cutoff, marking the connections
	// of the stranded sent commands disconnected. It returns the expired
	// commands.
	Sweep(ctx context.Context, cutoff, now time.Time) ([]Command, error)
	// Connection returns the liveness record for one connection ID.
	Connection(ctx context.Context, connectionID string) (Connection, error)
}
