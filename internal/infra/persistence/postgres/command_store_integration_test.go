package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/domain/commandstore"
	"github.com/quotedesk/quotedesk/internal/infra/persistence/migrations"
	pgstore "github.com/quotedesk/quotedesk/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "quotedesk"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/quotedesk?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, "", nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func newStore(t *testing.T) *pgstore.CommandStore {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	_, err := testPool.Exec(context.Background(), "TRUNCATE commands, connections")
	require.NoError(t, err)
	return pgstore.NewCommandStore(testPool)
}

func newCommand(connectionID string, createdAt time.Time) commandstore.Command {
	stop := decimal.RequireFromString("1.0800")
	return commandstore.Command{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Type:         "buy",
		Symbol:       "EURUSD",
		Volume:       decimal.RequireFromString("0.10"),
		Price:        decimal.RequireFromString("1.0852"),
		Stop:         &stop,
		TakeProfit:   nil,
		Comment:      "terminal",
		State:        commandstore.StatePending,
		CreatedAt:    createdAt,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	cmd := newCommand("conn-1", now)
	require.NoError(t, store.Insert(ctx, cmd))

	got, err := store.Get(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, cmd.ID, got.ID)
	require.Equal(t, commandstore.StatePending, got.State)
	require.True(t, got.Volume.Equal(cmd.Volume))
	require.True(t, got.Price.Equal(cmd.Price))
	require.NotNil(t, got.Stop)
	require.True(t, got.Stop.Equal(*cmd.Stop))
	require.Nil(t, got.TakeProfit)
	require.Nil(t, got.SentAt)
	require.True(t, got.CreatedAt.Equal(now))

	_, err = store.Get(ctx, uuid.NewString())
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestClaimBatchAndConnectionUpsert(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	var ids []string
	for i := 0; i < 3; i++ {
		cmd := newCommand("conn-1", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Insert(ctx, cmd))
		ids = append(ids, cmd.ID)
	}
	require.NoError(t, store.Insert(ctx, newCommand("conn-2", base)))

	now := base.Add(time.Minute)
	claimed, err := store.Claim(ctx, "conn-1", 2, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, ids[0], claimed[0].ID)
	require.Equal(t, ids[1], claimed[1].ID)
	for _, cmd := range claimed {
		require.Equal(t, commandstore.StateSent, cmd.State)
		require.NotNil(t, cmd.SentAt)
	}

	conn, err := store.Connection(ctx, "conn-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), conn.TotalSent)
	require.True(t, conn.IsConnected)
	require.NotNil(t, conn.LastPolledAt)

	// Empty claim still stamps liveness.
	_, err = store.Claim(ctx, "conn-3", 2, now)
	require.NoError(t, err)
	conn, err = store.Connection(ctx, "conn-3")
	require.NoError(t, err)
	require.Equal(t, int64(0), conn.TotalSent)
	require.True(t, conn.IsConnected)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	const total = 30
	for i := 0; i < total; i++ {
		require.NoError(t, store.Insert(ctx, newCommand("conn-1", base.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := store.Claim(ctx, "conn-1", 5, time.Now().UTC())
				if err != nil {
					t.Error(err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, cmd := range batch {
					seen[cmd.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, count := range seen {
		require.Equal(t, 1, count, "command %s claimed more than once", id)
	}
}

func TestResolveTransitionsAndCounters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	cmd := newCommand("conn-1", now)
	require.NoError(t, store.Insert(ctx, cmd))

	result := commandstore.Result{
		CommandID:      cmd.ID,
		Ticket:         777,
		ExecutedPrice:  decimal.RequireFromString("1.0853"),
		ExecutedVolume: decimal.RequireFromString("0.10"),
		Code:           0,
		Message:        "filled",
	}

	// Resolving a pending command is a no-op; only sent commands resolve.
	_, applied, err := store.Resolve(ctx, result, true, now)
	require.NoError(t, err)
	require.False(t, applied)

	_, err = store.Claim(ctx, "conn-1", 1, now)
	require.NoError(t, err)

	resolved, applied, err := store.Resolve(ctx, result, true, now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, commandstore.StateCompleted, resolved.State)
	require.NotNil(t, resolved.Ticket)
	require.Equal(t, int64(777), *resolved.Ticket)
	require.NotNil(t, resolved.ExecutedPrice)
	require.True(t, resolved.ExecutedPrice.Equal(result.ExecutedPrice))

	// Duplicate reports are absorbed.
	_, applied, err = store.Resolve(ctx, result, false, now.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, applied)

	// Unknown command ids are absorbed too.
	unknown := result
	unknown.CommandID = uuid.NewString()
	_, applied, err = store.Resolve(ctx, unknown, true, now)
	require.NoError(t, err)
	require.False(t, applied)

	conn, err := store.Connection(ctx, "conn-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), conn.Successful)
	require.Equal(t, int64(0), conn.Failed)
}

func TestCancelPendingOnly(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cmd := newCommand("conn-1", now)
	require.NoError(t, store.Insert(ctx, cmd))

	cancelled, err := store.Cancel(ctx, cmd.ID, now)
	require.NoError(t, err)
	require.True(t, cancelled)

	cancelled, err = store.Cancel(ctx, cmd.ID, now)
	require.NoError(t, err)
	require.False(t, cancelled)

	got, err := store.Get(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, commandstore.StateExpired, got.State)
}

func TestSweepExpiresStrandedCommands(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	old := newCommand("conn-old", base)
	fresh := newCommand("conn-new", base)
	idle := newCommand("conn-idle", base)
	require.NoError(t, store.Insert(ctx, old))
	require.NoError(t, store.Insert(ctx, fresh))
	require.NoError(t, store.Insert(ctx, idle))

	_, err := store.Claim(ctx, "conn-old", 1, base)
	require.NoError(t, err)
	_, err = store.Claim(ctx, "conn-new", 1, base.Add(20*time.Minute))
	require.NoError(t, err)

	expired, err := store.Sweep(ctx, base.Add(15*time.Minute), base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 2)
	states := make(map[string]commandstore.State, len(expired))
	for _, cmd := range expired {
		states[cmd.ID] = cmd.State
	}
	require.Equal(t, commandstore.StateExpired, states[old.ID])
	require.Equal(t, commandstore.StateExpired, states[idle.ID])

	conn, err := store.Connection(ctx, "conn-old")
	require.NoError(t, err)
	require.False(t, conn.IsConnected)

	conn, err = store.Connection(ctx, "conn-new")
	require.NoError(t, err)
	require.True(t, conn.IsConnected)

	// The never-polled connection gained no liveness record.
	_, err = store.Connection(ctx, "conn-idle")
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}
