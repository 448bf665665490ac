// Package postgres persists trade commands and connection liveness in
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/domain/commandstore"
)

// CommandStore is a commandstore.Store backed by a pgx pool. The atomic
// pending → sent claim rides on FOR UPDATE SKIP LOCKED, so racing consumers
// never observe overlapping batches.
type CommandStore struct {
	pool *pgxpool.Pool
}

// NewCommandStore constructs a CommandStore backed by the provided pool.
func NewCommandStore(pool *pgxpool.Pool) *CommandStore {
	return &CommandStore{pool: pool}
}

const (
	commandInsertSQL = `
INSERT INTO commands (
    id,
    connection_id,
    command_type,
    symbol,
    volume,
    price,
    stop_loss,
    take_profit,
    comment,
    state,
    created_at
)
VALUES (
    @id,
    @connection_id,
    @command_type,
    @symbol,
    @volume,
    @price,
    @stop_loss,
    @take_profit,
    @comment,
    @state,
    @created_at
);
`

	commandSelectBase = `
SELECT
    id::text,
    connection_id,
    command_type,
    symbol,
    volume::text,
    price::text,
    stop_loss::text,
    take_profit::text,
    comment,
    state,
    created_at,
    sent_at,
    completed_at,
    ticket,
    executed_price::text,
    executed_volume::text,
    error_code,
    error_message
FROM commands
`

	commandClaimSQL = `
UPDATE commands
SET state = 'sent',
    sent_at = @now
WHERE id IN (
    SELECT id FROM commands
    WHERE connection_id = @connection_id AND state = 'pending'
    ORDER BY created_at ASC, id ASC
    LIMIT @batch
    FOR UPDATE SKIP LOCKED
)
RETURNING
    id::text,
    connection_id,
    command_type,
    symbol,
    volume::text,
    price::text,
    stop_loss::text,
    take_profit::text,
    comment,
    state,
    created_at,
    sent_at,
    completed_at,
    ticket,
    executed_price::text,
    executed_volume::text,
    error_code,
    error_message;
`

	commandResolveSQL = `
UPDATE commands
SET state = @state,
    completed_at = @now,
    ticket = @ticket,
    executed_price = @executed_price,
    executed_volume = @executed_volume,
    error_code = @error_code,
    error_message = @error_message
WHERE id = @id AND state = 'sent'
RETURNING
    id::text,
    connection_id,
    command_type,
    symbol,
    volume::text,
    price::text,
    stop_loss::text,
    take_profit::text,
    comment,
    state,
    created_at,
    sent_at,
    completed_at,
    ticket,
    executed_price::text,
    executed_volume::text,
    error_code,
    error_message;
`

	commandCancelSQL = `
UPDATE commands
SET state = 'expired',
    completed_at = @now
WHERE id = @id AND state = 'pending';
`

	commandSweepSQL = `
UPDATE commands
SET state = 'expired',
    completed_at = @now
WHERE (state = 'sent' AND sent_at < @cutoff)
   OR (state = 'pending' AND created_at < @cutoff)
RETURNING
    id::text,
    connection_id,
    command_type,
    symbol,
    volume::text,
    price::text,
    stop_loss::text,
    take_profit::text,
    comment,
    state,
    created_at,
    sent_at,
    completed_at,
    ticket,
    executed_price::text,
    executed_volume::text,
    error_code,
    error_message;
`

	connectionTouchSQL = `
INSERT INTO connections (connection_id, last_polled_at, total_sent, successful, failed, is_connected)
VALUES (@connection_id, @now, @claimed, 0, 0, TRUE)
ON CONFLICT (connection_id) DO UPDATE SET
    last_polled_at = EXCLUDED.last_polled_at,
    total_sent = connections.total_sent + EXCLUDED.total_sent,
    is_connected = TRUE;
`

	connectionResolveSQL = `
INSERT INTO connections (connection_id, total_sent, successful, failed, is_connected)
VALUES (@connection_id, 0, @successful, @failed, TRUE)
ON CONFLICT (connection_id) DO UPDATE SET
    successful = connections.successful + EXCLUDED.successful,
    failed = connections.failed + EXCLUDED.failed;
`

	connectionDisconnectSQL = `
UPDATE connections
SET is_connected = FALSE
WHERE connection_id = ANY(@connection_ids);
`

	connectionSelectSQL = `
SELECT connection_id, last_polled_at, total_sent, successful, failed, is_connected
FROM connections
WHERE connection_id = @connection_id;
`
)

func (s *CommandStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, errs.New("postgres.commands", errs.KindStorageUnavailable,
			errs.WithMessage("nil pool"))
	}
	return s.pool, nil
}

// Insert persists a fresh command.
func (s *CommandStore) Insert(ctx context.Context, cmd commandstore.Command) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":            cmd.ID,
		"connection_id": cmd.ConnectionID,
		"command_type":  cmd.Type,
		"symbol":        cmd.Symbol,
		"volume":        cmd.Volume,
		"price":         cmd.Price,
		"stop_loss":     nullableDecimal(cmd.Stop),
		"take_profit":   nullableDecimal(cmd.TakeProfit),
		"comment":       cmd.Comment,
		"state":         string(cmd.State),
		"created_at":    cmd.CreatedAt,
	}
	if _, err := pool.Exec(ctx, commandInsertSQL, args); err != nil {
		return storageErr("postgres.insert", err)
	}
	return nil
}

// Get returns the current snapshot of one command.
func (s *CommandStore) Get(ctx context.Context, id string) (commandstore.Command, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return commandstore.Command{}, err
	}
	row := pool.QueryRow(ctx, commandSelectBase+" WHERE id = @id;", pgx.NamedArgs{"id": id})
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return commandstore.Command{}, errs.New("postgres.get", errs.KindNotFound,
				errs.WithMessage("command "+id+" not found"))
		}
		return commandstore.Command{}, storageErr("postgres.get", err)
	}
	return cmd, nil
}

// Claim transitions up to limit pending commands for the connection to sent
// inside one transaction and stamps the connection's liveness.
func (s *CommandStore) Claim(ctx context.Context, connectionID string, limit int, now time.Time) ([]commandstore.Command, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	var claimed []commandstore.Command
	err = pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.NotDeferrable,
		BeginQuery:     "",
		CommitQuery:    "",
	}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, commandClaimSQL, pgx.NamedArgs{
			"connection_id": connectionID,
			"batch":         limit,
			"now":           now,
		})
		if err != nil {
			return fmt.Errorf("claim commands: %w", err)
		}
		claimed, err = collectCommands(rows)
		if err != nil {
			return fmt.Errorf("scan claimed commands: %w", err)
		}
		// UPDATE ... RETURNING carries no ordering guarantee; the consumer
		// must see the batch oldest first.
		sort.Slice(claimed, func(i, j int) bool {
			if claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
				return claimed[i].ID < claimed[j].ID
			}
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		})
		_, err = tx.Exec(ctx, connectionTouchSQL, pgx.NamedArgs{
			"connection_id": connectionID,
			"now":           now,
			"claimed":       len(claimed),
		})
		if err != nil {
			return fmt.Errorf("touch connection: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("postgres.claim", err)
	}
	return claimed, nil
}

// Resolve applies a consumer report to a sent command.
func (s *CommandStore) Resolve(ctx context.Context, result commandstore.Result, success bool, now time.Time) (commandstore.Command, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return commandstore.Command{}, false, err
	}
	state := commandstore.StateFailed
	if success {
		state = commandstore.StateCompleted
	}
	var (
		resolved commandstore.Command
		applied  bool
	)
	err = pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.NotDeferrable,
		BeginQuery:     "",
		CommitQuery:    "",
	}, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, commandResolveSQL, pgx.NamedArgs{
			"id":              result.CommandID,
			"state":           string(state),
			"now":             now,
			"ticket":          result.Ticket,
			"executed_price":  result.ExecutedPrice,
			"executed_volume": result.ExecutedVolume,
			"error_code":      result.Code,
			"error_message":   result.Message,
		})
		cmd, err := scanCommand(row)
		if err != nil {
			// Unknown id and wrong-state rows both fall out of the guarded
			// UPDATE; either way the report is a no-op.
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("resolve command: %w", err)
		}
		successful, failed := 0, 1
		if success {
			successful, failed = 1, 0
		}
		_, err = tx.Exec(ctx, connectionResolveSQL, pgx.NamedArgs{
			"connection_id": cmd.ConnectionID,
			"successful":    successful,
			"failed":        failed,
		})
		if err != nil {
			return fmt.Errorf("update connection counters: %w", err)
		}
		resolved = cmd
		applied = true
		return nil
	})
	if err != nil {
		return commandstore.Command{}, false, storageErr("postgres.resolve", err)
	}
	return resolved, applied, nil
}

// Cancel transitions a pending command to expired.
func (s *CommandStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, commandCancelSQL, pgx.NamedArgs{"id": id, "now": now})
	if err != nil {
		return false, storageErr("postgres.cancel", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Sweep expires every sent command stranded past cutoff and every pending
// command nobody polled before cutoff, marking the connections of the
// stranded sent commands disconnected.
func (s *CommandStore) Sweep(ctx context.Context, cutoff, now time.Time) ([]commandstore.Command, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	var expired []commandstore.Command
	err = pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.NotDeferrable,
		BeginQuery:     "",
		CommitQuery:    "",
	}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, commandSweepSQL, pgx.NamedArgs{"cutoff": cutoff, "now": now})
		if err != nil {
			return fmt.Errorf("sweep commands: %w", err)
		}
		expired, err = collectCommands(rows)
		if err != nil {
			return fmt.Errorf("scan swept commands: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]string, 0, len(expired))
		seen := make(map[string]struct{}, len(expired))
		for _, cmd := range expired {
			// Only stranded sent commands implicate their connection; a swept
			// pending command means the consumer never showed up at all.
			if cmd.SentAt == nil {
				continue
			}
			if _, ok := seen[cmd.ConnectionID]; ok {
				continue
			}
			seen[cmd.ConnectionID] = struct{}{}
			ids = append(ids, cmd.ConnectionID)
		}
		if len(ids) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, connectionDisconnectSQL, pgx.NamedArgs{"connection_ids": ids}); err != nil {
			return fmt.Errorf("disconnect connections: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("postgres.sweep", err)
	}
	return expired, nil
}

// Connection returns the liveness record for one connection ID.
func (s *CommandStore) Connection(ctx context.Context, connectionID string) (commandstore.Connection, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return commandstore.Connection{}, err
	}
	row := pool.QueryRow(ctx, connectionSelectSQL, pgx.NamedArgs{"connection_id": connectionID})
	var (
		conn         commandstore.Connection
		lastPolledAt pgtype.Timestamptz
	)
	err = row.Scan(&conn.ConnectionID, &lastPolledAt, &conn.TotalSent, &conn.Successful, &conn.Failed, &conn.IsConnected)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return commandstore.Connection{}, errs.New("postgres.connection", errs.KindNotFound,
				errs.WithMessage("connection "+connectionID+" not found"))
		}
		return commandstore.Connection{}, storageErr("postgres.connection", err)
	}
	if lastPolledAt.Valid {
		t := lastPolledAt.Time
		conn.LastPolledAt = &t
	}
	return conn, nil
}

func scanCommand(row pgx.Row) (commandstore.Command, error) {
	var (
		cmd            commandstore.Command
		volume         string
		price          string
		stopLoss       sql.NullString
		takeProfit     sql.NullString
		state          string
		sentAt         pgtype.Timestamptz
		completedAt    pgtype.Timestamptz
		ticket         sql.NullInt64
		executedPrice  sql.NullString
		executedVolume sql.NullString
		errorCode      sql.NullInt32
		errorMessage   sql.NullString
	)
	if err := row.Scan(
		&cmd.ID,
		&cmd.ConnectionID,
		&cmd.Type,
		&cmd.Symbol,
		&volume,
		&price,
		&stopLoss,
		&takeProfit,
		&cmd.Comment,
		&state,
		&cmd.CreatedAt,
		&sentAt,
		&completedAt,
		&ticket,
		&executedPrice,
		&executedVolume,
		&errorCode,
		&errorMessage,
	); err != nil {
		return commandstore.Command{}, err
	}

	var err error
	if cmd.Volume, err = decimal.NewFromString(volume); err != nil {
		return commandstore.Command{}, fmt.Errorf("parse volume %q: %w", volume, err)
	}
	if cmd.Price, err = decimal.NewFromString(price); err != nil {
		return commandstore.Command{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	if cmd.Stop, err = parseOptionalDecimal(stopLoss); err != nil {
		return commandstore.Command{}, err
	}
	if cmd.TakeProfit, err = parseOptionalDecimal(takeProfit); err != nil {
		return commandstore.Command{}, err
	}
	if cmd.ExecutedPrice, err = parseOptionalDecimal(executedPrice); err != nil {
		return commandstore.Command{}, err
	}
	if cmd.ExecutedVolume, err = parseOptionalDecimal(executedVolume); err != nil {
		return commandstore.Command{}, err
	}

	cmd.State = commandstore.State(state)
	if sentAt.Valid {
		t := sentAt.Time
		cmd.SentAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		cmd.CompletedAt = &t
	}
	if ticket.Valid {
		v := ticket.Int64
		cmd.Ticket = &v
	}
	if errorCode.Valid {
		v := int(errorCode.Int32)
		cmd.ErrorCode = &v
	}
	if errorMessage.Valid {
		cmd.ErrorMessage = errorMessage.String
	}
	return cmd, nil
}

func collectCommands(rows pgx.Rows) ([]commandstore.Command, error) {
	defer rows.Close()
	var commands []commandstore.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return commands, nil
}

func parseOptionalDecimal(value sql.NullString) (*decimal.Decimal, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(value.String)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", value.String, err)
	}
	return &parsed, nil
}

func nullableDecimal(value *decimal.Decimal) any {
	if value == nil {
		return nil
	}
	return *value
}

func storageErr(op string, err error) error {
	return errs.New(op, errs.KindStorageUnavailable, errs.WithCause(err))
}

var _ commandstore.Store = (*CommandStore)(nil)
