package realtime

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests are enabled when CARCHAT_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresCollection_Contract(t *testing.T) {
	t.Parallel()
	pool := mustOpenTestPool(t)

	runCollectionContract(t, func(t *testing.T) Collection {
		return mustNewTestCollection(t, pool)
	})
}

func TestPostgresCollection_ConcurrentCreatesAreTotallyOrdered(t *testing.T) {
	t.Parallel()
	pool := mustOpenTestPool(t)
	c := mustNewTestCollection(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.Create(ctx, Draft{
				ClientMsgID: uuid.NewString(),
				SenderID:    "a",
				ReceiverID:  "b",
				Body:        strings.Repeat("x", i+1),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, err := c.Query(ctx, PairQuery("a", "b", ""))
	require.NoError(t, err)
	require.Len(t, msgs, writers)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i-1].CreatedAt.After(msgs[i].CreatedAt), "timestamps are distinct and ordered")
	}
}

func TestPostgresCollection_SessionEndToEnd(t *testing.T) {
	t.Parallel()
	pool := mustOpenTestPool(t)
	c := mustNewTestCollection(t, pool)

	st, err := NewStore(c, WithStoreLogger(quietLogger()))
	require.NoError(t, err)

	buyer := openTestSession(t, st, SessionOptions{Viewer: "buyer", Counterpart: "seller"})
	seller := openTestSession(t, st, SessionOptions{Viewer: "seller", Counterpart: "buyer", AutoMarkRead: true})
	waitActive(t, buyer)
	waitActive(t, seller)

	require.NoError(t, buyer.Send(context.Background(), "is the car still available?"))

	require.Eventually(t, func() bool {
		st := seller.State()
		return len(st.Messages) == 1 && st.Messages[0].Body == "is the car still available?"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		st := buyer.State()
		return len(st.Messages) == 1 && !st.Pending && st.Messages[0].Read
	}, 5*time.Second, 20*time.Millisecond, "read receipt reaches the sender")
}

func TestPostgresCollection_DeleteWithdrawsHeldSnapshot(t *testing.T) {
	t.Parallel()
	pool := mustOpenTestPool(t)
	c := mustNewTestCollection(t, pool)
	ctx := context.Background()

	st, err := NewStore(c, WithStoreLogger(quietLogger()))
	require.NoError(t, err)

	b := NewBridge(st, PairQuery("a", "b", ""), BridgeOptions{Log: quietLogger(), NewBackoff: parkedBackoff})
	b.Start(ctx)
	t.Cleanup(func() { _ = b.Close() })
	require.Empty(t, nextSnapshot(t, b).Messages)

	m := mustSend(t, st, "a", "b", "hello")
	require.Eventually(t, func() bool { return len(b.LastGood()) == 1 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, st.Delete(ctx, DeleteInput{ID: m.ID, Deleter: "a"}))
	assert.Empty(t, nextSnapshot(t, b).Messages)
}

func TestNewPostgresCollection_Options(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresCollection(nil)
	assert.Error(t, err)

	_, err = NewPostgresCollection(&pgxpool.Pool{}, WithSchema("bad-schema;"))
	assert.Error(t, err)

	_, err = NewPostgresCollection(&pgxpool.Pool{}, WithNotifyChannel("bad channel"))
	assert.Error(t, err)

	c, err := NewPostgresCollection(&pgxpool.Pool{}, WithSchema("carchat_test"))
	require.NoError(t, err)
	assert.Equal(t, "carchat_test_messages", c.channel)
	assert.Equal(t, `"carchat_test"."messages"`, c.table())
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CARCHAT_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CARCHAT_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	require.NoError(t, err, "connect postgres")
	t.Cleanup(pool.Close)

	require.NoError(t, pool.Ping(ctx), "ping postgres")
	return pool
}

// mustNewTestCollection creates a collection in a throwaway schema.
func mustNewTestCollection(t *testing.T, pool *pgxpool.Pool) *PostgresCollection {
	t.Helper()

	schema := "carchat_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	c, err := NewPostgresCollection(pool, WithSchema(schema), WithPostgresLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.EnsureSchema(ctx))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	return c
}
