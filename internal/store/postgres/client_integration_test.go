//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/social/internal/auth"
	"example.com/social/internal/store"
)

func TestClientAgainstSocialSchema(t *testing.T) {
	ctx := context.Background()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("social"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	client := NewClient(pool)
	author := uuid.NewString()
	authorCtx := auth.WithClaims(ctx, &auth.Claims{Subject: author, Role: auth.DefaultRole, ExpiresAt: time.Now().Add(time.Hour)})

	params := map[string]any{
		"p_source_id":     uuid.NewString(),
		"p_activity_type": "run",
		"p_metrics":       map[string]any{"distance_m": 5000},
	}
	first, err := client.RPC(authorCtx, "social", "share_outdoor_session_user", params)
	require.NoError(t, err)
	second, err := client.RPC(authorCtx, "social", "share_outdoor_session_user", params)
	require.NoError(t, err)
	firstID, ok := first.Scalar()
	require.True(t, ok)
	secondID, _ := second.Scalar()
	require.Equal(t, firstID, secondID, "share is idempotent per source")

	feed, err := client.RPC(authorCtx, "social", "get_feed_user", map[string]any{"p_limit": 10, "p_offset": 0})
	require.NoError(t, err)
	rows, err := feed.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, float64(5000), rows[0]["metrics"].(map[string]any)["distance_m"])

	stranger := auth.WithClaims(ctx, &auth.Claims{Subject: uuid.NewString(), Role: auth.DefaultRole})
	visible, err := client.Select(stranger, store.Query{Schema: "social", Table: "posts"})
	require.NoError(t, err)
	require.Empty(t, visible, "row-level security hides posts of users not followed")

	_, err = client.Upsert(authorCtx, "social", "posts",
		[]store.Row{{"user_id": author, "source_type": "outdoor_session", "source_id": params["p_source_id"]}},
		store.UpsertOptions{OnConflict: []string{"user_id", "source_id"}, IgnoreDuplicates: true})
	require.True(t, store.IsNoMatchingConstraint(err))

	_, err = client.RPC(authorCtx, "public", "get_profile_card_user", map[string]any{"p_user_id": author})
	require.True(t, store.IsMissingObject(err))

	_, err = client.Select(authorCtx, store.Query{Schema: "social", Table: "missing_table"})
	require.True(t, store.IsMissingObject(err))

	expired := auth.WithClaims(ctx, &auth.Claims{Subject: author, ExpiresAt: time.Now().Add(-time.Minute)})
	_, err = client.Select(expired, store.Query{Schema: "social", Table: "posts"})
	require.True(t, store.IsAuthExpired(err))
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_social.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
