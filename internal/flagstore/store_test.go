package flagstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctfops/flagfarm/internal/database"
)

func newTestStore(t *testing.T, lifetime time.Duration) (*Store, func()) {
	t.Helper()
	logger := zap.NewNop()
	db, err := database.New(database.Config{Type: "sqlite", URL: ":memory:"}, logger)
	require.NoError(t, err)

	store := New(db.Conn(), db.Postgres(), lifetime, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)

	cleanup := func() {
		store.Stop()
		cancel()
		db.Close()
	}
	return store, cleanup
}

func TestInsertManyIsIdempotent(t *testing.T) {
	store, cleanup := newTestStore(t, time.Hour)
	defer cleanup()
	ctx := context.Background()

	flags := []Flag{{Flag: "FLAG1", Exploit: "exploit-a", Timestamp: 100}}
	require.NoError(t, store.InsertMany(ctx, flags))
	// Re-ingesting the same flag must not duplicate or overwrite it.
	require.NoError(t, store.InsertMany(ctx, []Flag{{Flag: "FLAG1", Exploit: "exploit-b", Timestamp: 200}}))

	batch, err := store.NextPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "exploit-a", batch[0].Exploit)
	require.Equal(t, int64(100), batch[0].Timestamp)
}

func TestNextPendingBatchOrdersByAscendingTimestamp(t *testing.T) {
	store, cleanup := newTestStore(t, time.Hour)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.InsertMany(ctx, []Flag{
		{Flag: "LATER", Exploit: "x", Timestamp: 300},
		{Flag: "EARLIER", Exploit: "x", Timestamp: 100},
		{Flag: "MIDDLE", Exploit: "x", Timestamp: 200},
	}))

	batch, err := store.NextPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, []string{"EARLIER", "MIDDLE", "LATER"}, []string{batch[0].Flag, batch[1].Flag, batch[2].Flag})
}

func TestRecordVerdictsOnlyTouchesPendingFlags(t *testing.T) {
	store, cleanup := newTestStore(t, time.Hour)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.InsertMany(ctx, []Flag{{Flag: "FLAG1", Exploit: "x", Timestamp: 0}}))
	require.NoError(t, store.RecordVerdicts(ctx, []Verdict{{Flag: "FLAG1", Status: StatusAccepted, Message: "ok"}}, 50))

	// A second verdict must not move an already-terminal flag.
	require.NoError(t, store.RecordVerdicts(ctx, []Verdict{{Flag: "FLAG1", Status: StatusRejected, Message: "late"}}, 60))

	page, err := store.Page(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, StatusAccepted, page[0].Status)
	require.Equal(t, "ok", page[0].SystemMessage)
}

func TestSweepExpiredMarksPastLifetime(t *testing.T) {
	store, cleanup := newTestStore(t, time.Second) // 1 second lifetime
	defer cleanup()
	ctx := context.Background()

	past := time.Now().Add(-10 * time.Second).Unix()
	require.NoError(t, store.InsertMany(ctx, []Flag{{Flag: "STALE", Exploit: "x", Timestamp: past}}))
	require.NoError(t, store.SweepExpired(ctx))

	page, err := store.Page(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, StatusExpired, page[0].Status)
	require.Equal(t, "Expired", page[0].SystemMessage)
}

func TestPageRejectsCountOverMax(t *testing.T) {
	store, cleanup := newTestStore(t, time.Hour)
	defer cleanup()

	_, err := store.Page(context.Background(), 0, 101)
	require.Error(t, err)
}

func TestPageOrdersByDescendingTimestampWithLifetime(t *testing.T) {
	store, cleanup := newTestStore(t, time.Hour)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.InsertMany(ctx, []Flag{
		{Flag: "OLD", Exploit: "x", Timestamp: 100},
		{Flag: "NEW", Exploit: "x", Timestamp: 200},
	}))

	page, err := store.Page(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "NEW", page[0].Flag)
	require.Equal(t, "OLD", page[1].Flag)
	require.Greater(t, page[0].Lifetime, int64(0))
}
