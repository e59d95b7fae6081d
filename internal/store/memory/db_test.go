package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/social/internal/auth"
	"example.com/social/internal/store"
)

func userCtx(id string) context.Context {
	return auth.WithClaims(context.Background(), &auth.Claims{Subject: id, ExpiresAt: time.Now().Add(time.Hour)})
}

func TestInsertEnforcesUniqueAndNullKeys(t *testing.T) {
	db := NewSocial()
	ctx := userCtx("u1")

	row := store.Row{"user_id": "u1", "source_type": "outdoor_session", "source_id": "s1", "title": "Run"}
	inserted, err := db.Insert(ctx, SchemaSocial, TablePosts, []store.Row{row})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	require.NotEmpty(t, inserted[0]["id"])
	require.Equal(t, float64(0), inserted[0]["like_count"])

	_, err = db.Insert(ctx, SchemaSocial, TablePosts, []store.Row{row})
	require.True(t, store.IsUniqueViolation(err))

	orphan := store.Row{"user_id": "u1", "source_type": "outdoor_session", "title": "No source"}
	_, err = db.Insert(ctx, SchemaSocial, TablePosts, []store.Row{orphan, orphan})
	require.NoError(t, err, "null source ids never collide")
}

func TestUpsertRequiresMatchingConstraint(t *testing.T) {
	db := NewSocial()
	ctx := userCtx("u1")
	row := store.Row{"user_id": "u1", "source_type": "workout", "source_id": "w1"}
	opts := store.UpsertOptions{OnConflict: []string{"user_id", "source_type", "source_id"}, IgnoreDuplicates: true}

	first, err := db.Upsert(ctx, SchemaSocial, TablePosts, []store.Row{row}, opts)
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := db.Upsert(ctx, SchemaSocial, TablePosts, []store.Row{row}, opts)
	require.NoError(t, err)
	require.Empty(t, again)
	require.Len(t, db.Rows(SchemaSocial, TablePosts), 1)

	db.DropUniqueConstraints(SchemaSocial, TablePosts)
	_, err = db.Upsert(ctx, SchemaSocial, TablePosts, []store.Row{row}, opts)
	require.True(t, store.IsNoMatchingConstraint(err))
}

func TestSelectFiltersOrdersAndPages(t *testing.T) {
	db := NewSocial()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, db.Seed(SchemaSocial, TablePosts, store.Row{"id": id, "user_id": "u1"}))
	}
	rows, err := db.Select(context.Background(), store.Query{Schema: SchemaSocial, Table: TablePosts, Columns: []string{"id"}}.
		Where(store.Eq("user_id", "u1")).
		OrderDesc("created_at").
		Range(1, 2))
	require.NoError(t, err)
	require.Equal(t, []store.Row{{"id": "c"}, {"id": "b"}}, rows)
}

func TestMissingObjectsReportCodes(t *testing.T) {
	db := NewSocial()
	ctx := context.Background()

	db.DropTable(SchemaPublic, TableProfiles)
	_, err := db.Select(ctx, store.Query{Schema: SchemaPublic, Table: TableProfiles})
	require.True(t, store.IsMissingObject(err))

	db.DropColumn(SchemaSocial, TablePosts, "media_urls")
	_, err = db.Select(ctx, store.Query{Schema: SchemaSocial, Table: TablePosts, Columns: []string{"id", "media_urls"}})
	require.True(t, store.IsMissingObject(err))

	db.DropRPC(SchemaSocial, "get_feed_user")
	_, err = db.RPC(ctx, SchemaSocial, "get_feed_user", nil)
	require.True(t, store.IsMissingObject(err))
	require.Equal(t, 1, db.Calls("rpc:social.get_feed_user"))
}

func TestExpiredSessionAndInjectedFailures(t *testing.T) {
	db := NewSocial()
	stale := auth.WithClaims(context.Background(), &auth.Claims{Subject: "u1", ExpiresAt: time.Now().Add(-time.Minute)})
	_, err := db.RPC(stale, SchemaSocial, "get_feed_user", nil)
	require.True(t, store.IsAuthExpired(err))

	boom := errors.New("boom")
	db.FailNext("select:social.posts", boom)
	_, err = db.Select(context.Background(), store.Query{Schema: SchemaSocial, Table: TablePosts})
	require.ErrorIs(t, err, boom)
	_, err = db.Select(context.Background(), store.Query{Schema: SchemaSocial, Table: TablePosts})
	require.NoError(t, err)
}

func TestShareFunctionIsIdempotent(t *testing.T) {
	db := NewSocial()
	ctx := userCtx("u1")
	params := map[string]any{
		"p_source_type":   "outdoor_session",
		"p_source_id":     "6f1c2b8e-3a3d-4c55-9a47-0b8f6f1f2a10",
		"p_activity_type": "run",
		"p_metrics":       map[string]any{"distance_m": 5000},
	}
	first, err := db.RPC(ctx, SchemaSocial, "share_outdoor_session_user", params)
	require.NoError(t, err)
	second, err := db.RPC(ctx, SchemaSocial, "share_outdoor_session_user", params)
	require.NoError(t, err)

	a, _ := first.Scalar()
	b, _ := second.Scalar()
	require.Equal(t, a, b)
	require.Len(t, db.Rows(SchemaSocial, TablePosts), 1)

	params["p_source_id"] = "not-a-uuid"
	_, err = db.RPC(ctx, SchemaSocial, "share_outdoor_session_user", params)
	require.Error(t, err)
	require.Equal(t, store.ClassOther, store.Classify(err))
}

func TestLikesMaintainCounters(t *testing.T) {
	db := NewSocial()
	require.NoError(t, db.Seed(SchemaSocial, TablePosts, store.Row{"id": "p1", "user_id": "author"}))

	for _, u := range []string{"u1", "u2", "u1"} {
		_, err := db.RPC(userCtx(u), SchemaSocial, "like_post_user", map[string]any{"p_post_id": "p1"})
		require.NoError(t, err)
	}
	require.Equal(t, float64(2), db.Rows(SchemaSocial, TablePosts)[0]["like_count"])

	_, err := db.RPC(userCtx("u2"), SchemaSocial, "unlike_post_user", map[string]any{"p_post_id": "p1"})
	require.NoError(t, err)
	require.Equal(t, float64(1), db.Rows(SchemaSocial, TablePosts)[0]["like_count"])

	res, err := db.RPC(userCtx("u1"), SchemaSocial, "get_liked_post_ids_user", map[string]any{"p_post_ids": []string{"p1", "p2"}})
	require.NoError(t, err)
	rows, err := res.Rows()
	require.NoError(t, err)
	require.Equal(t, []store.Row{{"post_id": "p1"}}, rows)
}
