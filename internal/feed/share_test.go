package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/social/internal/domain"
	"example.com/social/internal/store"
	"example.com/social/internal/store/memory"
)

const runSessionID = "9d7f5c1a-2b3c-4d5e-8f90-123456789abc"

func runShare(sourceID string) domain.ShareInput {
	return domain.ShareInput{
		Source:       domain.ShareSource{Domain: domain.ShareOutdoor, SourceID: sourceID},
		ActivityType: domain.ActivityRun,
		Title:        "Morning run",
		Metrics:      map[string]any{"distance_m": 5000, "total_time_s": 1800},
	}
}

func TestShareThenFetchFirstPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	postID, err := f.svc.ShareSession(ctx, runShare(runSessionID))
	require.NoError(t, err)
	require.NotEmpty(t, postID)

	page, err := f.svc.GetPage(ctx, Page{Limit: 20}, Filter{})
	require.NoError(t, err)
	require.Len(t, page.Posts, 1)
	post := page.Posts[0]
	require.Equal(t, postID, post.ID)
	require.Equal(t, float64(5000), post.Metrics["distance_m"])
	require.Equal(t, float64(1800), post.Metrics["total_time_s"])
	require.Equal(t, domain.ActivityRun, post.ActivityType)
	require.True(t, page.Last)

	require.Len(t, f.publisher.events, 1)
	require.Equal(t, string(StrategyRPC), f.publisher.events[0].Strategy)
	require.Equal(t, viewerID, f.publisher.events[0].UserID)
}

func TestShareIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.ShareSession(ctx, runShare(runSessionID))
	require.NoError(t, err)
	second, err := f.svc.ShareSession(ctx, runShare(runSessionID))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, f.db.Rows(memory.SchemaSocial, memory.TablePosts), 1)
}

func TestShareNonUUIDReferenceUsesStableKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.ShareSession(ctx, runShare("garmin:activity/8812"))
	require.NoError(t, err)
	second, err := f.svc.ShareSession(ctx, runShare("garmin:activity/8812"))
	require.NoError(t, err)
	require.Equal(t, first, second)

	rows := f.db.Rows(memory.SchemaSocial, memory.TablePosts)
	require.Len(t, rows, 1)
	require.Equal(t, StableKey("garmin:activity/8812"), rows[0]["source_id"])
}

func TestStableKeyDeterministicAndWellFormed(t *testing.T) {
	inputs := []string{"", "a", "garmin:activity/8812", "strava-123", "ü-unicode"}
	seen := map[string]string{}
	for _, in := range inputs {
		key := StableKey(in)
		require.Equal(t, key, StableKey(in))
		parsed, err := uuid.Parse(key)
		require.NoError(t, err)
		require.Equal(t, uuid.Version(4), parsed.Version())
		require.Equal(t, uuid.RFC4122, parsed.Variant())
		require.Equal(t, parsed.String(), key)
		if prev, ok := seen[key]; ok {
			t.Fatalf("collision between %q and %q", prev, in)
		}
		seen[key] = in
	}
	require.Equal(t, runSessionID, normalizeKey(" "+runSessionID+" "))
	require.Equal(t, "", normalizeKey("  "))
}

func TestShareFallsBackToUpsertWhenFunctionMissing(t *testing.T) {
	f := newFixture(t)
	f.db.DropRPC(memory.SchemaSocial, "share_outdoor_session_user")
	ctx := context.Background()

	first, err := f.svc.ShareSession(ctx, runShare(runSessionID))
	require.NoError(t, err)
	second, err := f.svc.ShareSession(ctx, runShare(runSessionID))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 2, f.db.Calls("upsert:social.posts"))
	require.Zero(t, f.db.Calls("insert:social.posts"))
	require.Equal(t, string(StrategyUpsert), f.publisher.events[0].Strategy)
}

func TestShareFallsBackToInsertAndLooksUpExisting(t *testing.T) {
	f := newFixture(t)
	f.db.DropRPC(memory.SchemaSocial, "share_outdoor_session_user")
	ctx := context.Background()

	first, err := f.svc.ShareSession(ctx, runShare(runSessionID))
	require.NoError(t, err)

	f.db.FailNext("upsert:social.posts", &store.Error{
		Code:    store.CodeNoMatchingConstraint,
		Message: "there is no unique or exclusion constraint matching the ON CONFLICT specification",
	})
	second, err := f.svc.ShareSession(ctx, runShare(runSessionID))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, f.db.Calls("insert:social.posts"))
	require.Len(t, f.db.Rows(memory.SchemaSocial, memory.TablePosts), 1)
	require.Equal(t, string(StrategyInsert), f.publisher.events[1].Strategy)
}

func TestShareWithoutSourceSkipsUpsert(t *testing.T) {
	f := newFixture(t)
	f.db.DropRPC(memory.SchemaSocial, "share_strength_session_user")

	in := domain.ShareInput{Source: domain.ShareSource{Domain: domain.ShareStrength}, Title: "Leg day"}
	id, err := f.svc.ShareSession(context.Background(), in)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Zero(t, f.db.Calls("upsert:social.posts"))
	require.Equal(t, "workout", f.db.Rows(memory.SchemaSocial, memory.TablePosts)[0]["source_type"])
}

func TestShareRefreshesExpiredSessionOnce(t *testing.T) {
	f := newFixture(t)
	f.session.expire()

	id, err := f.svc.ShareSession(context.Background(), runShare(runSessionID))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, f.session.refreshes)
	require.Equal(t, 2, f.db.Calls("rpc:social.share_outdoor_session_user"))
}

func TestShareSurfacesFailedRefresh(t *testing.T) {
	f := newFixture(t)
	f.session.expire()
	f.session.refreshErr = errBoom

	_, err := f.svc.ShareSession(context.Background(), runShare(runSessionID))
	require.Error(t, err)
	require.True(t, store.IsAuthExpired(err))
	require.Equal(t, 1, f.db.Calls("rpc:social.share_outdoor_session_user"))
	require.Zero(t, f.db.Calls("upsert:social.posts"))
}

func TestShareRetriesOnlyOnce(t *testing.T) {
	f := newFixture(t)
	expired := &store.Error{Code: store.CodeJWTExpired, Message: "JWT expired"}
	f.db.FailNext("rpc:social.share_outdoor_session_user", expired)
	f.db.FailNext("rpc:social.share_outdoor_session_user", expired)

	_, err := f.svc.ShareSession(context.Background(), runShare(runSessionID))
	require.ErrorIs(t, err, expired)
	require.Equal(t, 1, f.session.refreshes)
	require.Equal(t, 2, f.db.Calls("rpc:social.share_outdoor_session_user"))
}

func TestShareOtherErrorsPropagateWithoutFallback(t *testing.T) {
	f := newFixture(t)
	f.db.FailNext("rpc:social.share_outdoor_session_user", errBoom)

	_, err := f.svc.ShareSession(context.Background(), runShare(runSessionID))
	require.True(t, errors.Is(err, errBoom))
	require.Zero(t, f.db.Calls("upsert:social.posts"))
	require.Empty(t, f.publisher.events)
}

func TestShareRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ShareSession(context.Background(), domain.ShareInput{Source: domain.ShareSource{Domain: "swim"}})
	require.ErrorIs(t, err, domain.ErrInvalidShare)
	require.Zero(t, f.db.TotalCalls())
}

func TestSharePublishFailureIsNotSurfaced(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errBoom

	_, err := f.svc.ShareSession(context.Background(), runShare(runSessionID))
	require.NoError(t, err)
}
