// Package memory provides an in-process commandstore.Store for development
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/domain/commandstore"
)

// CommandStore keeps commands and connection records under one mutex. The
// claim path holds the lock for the whole pending → sent transition, which
// gives the same exactly-once guarantee a database row lock would.
type CommandStore struct {
	mu          sync.Mutex
	commands    map[string]commandstore.Command
	connections map[string]commandstore.Connection
}

// NewCommandStore creates an empty store.
func NewCommandStore() *CommandStore {
	return &CommandStore{
		commands:    make(map[string]commandstore.Command),
		connections: make(map[string]commandstore.Connection),
	}
}

// Insert persists a fresh command.
func (s *CommandStore) Insert(_ context.Context, cmd commandstore.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commands[cmd.ID]; exists {
		return errs.New("memory.insert", errs.KindStateConflict,
			errs.WithMessage("duplicate command id "+cmd.ID))
	}
	s.commands[cmd.ID] = cmd
	return nil
}

// Get returns a snapshot of one command.
func (s *CommandStore) Get(_ context.Context, id string) (commandstore.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return commandstore.Command{}, errs.New("memory.get", errs.KindNotFound,
			errs.WithMessage("command "+id+" not found"))
	}
	return cmd, nil
}

// Claim transitions up to limit pending commands for the connection to sent,
// oldest first, and stamps the connection's liveness.
func (s *CommandStore) Claim(_ context.Context, connectionID string, limit int, now time.Time) ([]commandstore.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []commandstore.Command
	for _, cmd := range s.commands {
		if cmd.ConnectionID == connectionID && cmd.State == commandstore.StatePending {
			pending = append(pending, cmd)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	conn := s.connections[connectionID]
	conn.ConnectionID = connectionID
	polledAt := now
	conn.LastPolledAt = &polledAt
	conn.IsConnected = true

	claimed := make([]commandstore.Command, 0, len(pending))
	for _, cmd := range pending {
		sentAt := now
		cmd.State = commandstore.StateSent
		cmd.SentAt = &sentAt
		s.commands[cmd.ID] = cmd
		conn.TotalSent++
		claimed = append(claimed, cmd)
	}
	s.connections[connectionID] = conn
	return claimed, nil
}

// Resolve applies a consumer report to a sent command.
func (s *CommandStore) Resolve(_ context.Context, result commandstore.Result, success bool, now time.Time) (commandstore.Command, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[result.CommandID]
	if !ok {
		return commandstore.Command{}, false, nil
	}
	target := commandstore.StateFailed
	if success {
		target = commandstore.StateCompleted
	}
	if !commandstore.CanTransition(cmd.State, target) {
		return cmd, false, nil
	}

	completedAt := now
	ticket := result.Ticket
	price := result.ExecutedPrice
	volume := result.ExecutedVolume
	code := result.Code

	cmd.State = target
	cmd.CompletedAt = &completedAt
	cmd.Ticket = &ticket
	cmd.ExecutedPrice = &price
	cmd.ExecutedVolume = &volume
	cmd.ErrorCode = &code
	cmd.ErrorMessage = result.Message
	s.commands[cmd.ID] = cmd

	conn := s.connections[cmd.ConnectionID]
	conn.ConnectionID = cmd.ConnectionID
	if success {
		conn.Successful++
	} else {
		conn.Failed++
	}
	s.connections[cmd.ConnectionID] = conn
	return cmd, true, nil
}

// Cancel transitions a pending command to expired.
func (s *CommandStore) Cancel(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok || cmd.State != commandstore.StatePending {
		return false, nil
	}
	expiredAt := now
	cmd.State = commandstore.StateExpired
	cmd.CompletedAt = &expiredAt
	s.commands[id] = cmd
	return true, nil
}

// Sweep expires every sent command stranded before cutoff, plus every pending
// command the consumer never polled whose createdAt predates cutoff, and marks
// the connections of the stranded sent commands disconnected.
func (s *CommandStore) Sweep(_ context.Context, cutoff, now time.Time) ([]commandstore.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []commandstore.Command
	touched := make(map[string]struct{})
	for id, cmd := range s.commands {
		var stale bool
		switch cmd.State {
		case commandstore.StateSent:
			stale = cmd.SentAt != nil && cmd.SentAt.Before(cutoff)
			if stale {
				touched[cmd.ConnectionID] = struct{}{}
			}
		case commandstore.StatePending:
			stale = cmd.CreatedAt.Before(cutoff)
		}
		if !stale {
			continue
		}
		expiredAt := now
		cmd.State = commandstore.StateExpired
		cmd.CompletedAt = &expiredAt
		s.commands[id] = cmd
		expired = append(expired, cmd)
	}
	for connectionID := range touched {
		conn := s.connections[connectionID]
		conn.ConnectionID = connectionID
		conn.IsConnected = false
		s.connections[connectionID] = conn
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// Connection returns the liveness record for one connection ID.
func (s *CommandStore) Connection(_ context.Context, connectionID string) (commandstore.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[connectionID]
	if !ok {
		return commandstore.Connection{}, errs.New("memory.connection", errs.KindNotFound,
			errs.WithMessage("connection "+connectionID+" not found"))
	}
	return conn, nil
}

var _ commandstore.Store = (*CommandStore)(nil)
