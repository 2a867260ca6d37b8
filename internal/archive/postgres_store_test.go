package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a throwaway PostgreSQL container and returns a store bound to it.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStoreLifecycle(t *testing.T) {
	store := setupPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, store.Ping(ctx))

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := confirmedSnapshot("pg-1")
	require.NoError(t, store.Save(ctx, snap))
	// upsert is idempotent
	require.NoError(t, store.Save(ctx, snap))

	got, err = store.Get(ctx, "pg-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.State, got.State)
	assert.Equal(t, snap.TxRef, got.TxRef)
	assert.Equal(t, snap.Artifact.Proof, got.Artifact.Proof)
	assert.Equal(t, snap.TxStatus.BlockNumber, got.TxStatus.BlockNumber)
}

func TestPostgresStoreUnknownOutcomes(t *testing.T) {
	store := setupPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	base := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, store.Save(ctx, confirmedSnapshot("pg-ok")))
	require.NoError(t, store.Save(ctx, unknownSnapshot("pg-old", base)))
	require.NoError(t, store.Save(ctx, unknownSnapshot("pg-new", base.Add(time.Hour))))

	got, err := store.UnknownOutcomes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pg-new", got[0].ID)
}
