package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/social/internal/activity"
	"example.com/social/internal/auth"
	"example.com/social/internal/feed"
	"example.com/social/internal/store"
	"example.com/social/internal/store/memory"
)

const (
	viewerID = "11111111-1111-4111-8111-111111111111"
	friendID = "22222222-2222-4222-8222-222222222222"
)

type testServer struct {
	db  *memory.DB
	mux *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := memory.NewSocial()
	session := auth.RequestSession{}
	svc := feed.NewService(db, session)
	handler := NewHandler(svc, activity.DefaultFetchers(db, session, nil), WithActivityPageSize(2))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return &testServer{db: db, mux: mux}
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	claims := &auth.Claims{Subject: viewerID, Role: auth.DefaultRole, ExpiresAt: time.Now().Add(time.Hour)}
	req = req.WithContext(auth.WithClaims(req.Context(), claims))
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestShareThenReadFeed(t *testing.T) {
	s := newTestServer(t)
	body := `{"source":{"domain":"outdoor","source_id":"9d7f5c1a-2b3c-4d5e-8f90-123456789abc"},
		"activity_type":"run","title":"Morning run","metrics":{"distance_m":5000,"total_time_s":1800}}`

	rr := s.do(t, http.MethodPost, "/v1/posts/share", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	shared := decode[ShareResponse](t, rr)
	require.NotEmpty(t, shared.PostID)

	rr = s.do(t, http.MethodGet, "/v1/feed?limit=10", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var page struct {
		Items []struct {
			ID           string         `json:"id"`
			ActivityType string         `json:"activity_type"`
			Metrics      map[string]any `json:"metrics"`
			Author       struct {
				Username string `json:"username"`
			} `json:"author"`
		} `json:"items"`
		NextOffset int  `json:"next_offset"`
		Last       bool `json:"last"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	require.Equal(t, shared.PostID, page.Items[0].ID)
	require.Equal(t, "run", page.Items[0].ActivityType)
	require.Equal(t, float64(5000), page.Items[0].Metrics["distance_m"])
	require.NotEmpty(t, page.Items[0].Author.Username)
	require.True(t, page.Last)
	require.Equal(t, 1, page.NextOffset)
}

func TestShareValidation(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/v1/posts/share", `{"source":{"domain":"swim"}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "validation_failed", decode[map[string]string](t, rr)["type"])

	rr = s.do(t, http.MethodPost, "/v1/posts/share", `{not json`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_request", decode[map[string]string](t, rr)["type"])
}

func TestRequiresClaims(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/feed", nil)
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr = httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestUserFeedOnlyReturnsThatUser(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.db.Seed(memory.SchemaSocial, memory.TablePosts,
		store.Row{"user_id": friendID, "activity_type": "ride"},
		store.Row{"user_id": viewerID, "activity_type": "run"}))

	rr := s.do(t, http.MethodGet, "/v1/users/"+friendID+"/feed", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[FeedResponse](t, rr)
	require.Len(t, resp.Items, 1)
	require.Equal(t, friendID, resp.Items[0].UserID)
}

func TestLikeAndCommentEndpoints(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.db.Seed(memory.SchemaSocial, memory.TablePosts, store.Row{"user_id": friendID}))
	postID := s.db.Rows(memory.SchemaSocial, memory.TablePosts)[0]["id"].(string)

	rr := s.do(t, http.MethodPost, "/v1/posts/"+postID+"/like", "")
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/v1/posts/"+postID+"/likes", "")
	require.Equal(t, http.StatusOK, rr.Code)
	likes := decode[LikesResponse](t, rr)
	require.Len(t, likes.Items, 1)
	require.Equal(t, viewerID, likes.Items[0].UserID)

	rr = s.do(t, http.MethodDelete, "/v1/posts/"+postID+"/like", "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, http.MethodPost, "/v1/posts/"+postID+"/comments", `{"body":"strong finish"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		ID   string `json:"id"`
		Body string `json:"body"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.Equal(t, "strong finish", created.Body)

	rr = s.do(t, http.MethodGet, "/v1/posts/"+postID+"/comments", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decode[CommentsResponse](t, rr).Items, 1)

	rr = s.do(t, http.MethodDelete, "/v1/comments/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, http.MethodPost, "/v1/posts/"+postID+"/comments", `{"body":"  "}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLikeMissingPost(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodPost, "/v1/posts/44444444-4444-4444-8444-444444444444/like", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "not_found", decode[map[string]string](t, rr)["type"])
}

func TestActivitiesPagesWithCursor(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.db.Seed(memory.SchemaStrength, memory.TableWorkouts,
		store.Row{"user_id": viewerID, "name": "A", "started_at": "2024-06-01T10:00:00Z"},
		store.Row{"user_id": viewerID, "name": "B", "started_at": "2024-06-01T08:00:00Z"},
		store.Row{"user_id": viewerID, "name": "C", "started_at": "2024-06-01T06:00:00Z"}))
	require.NoError(t, s.db.Seed(memory.SchemaCardio, memory.TableOutdoorSess,
		store.Row{"user_id": viewerID, "title": "Run", "activity_type": "run", "started_at": "2024-06-01T09:00:00Z"}))

	rr := s.do(t, http.MethodGet, "/v1/users/"+viewerID+"/activities", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	first := decode[ActivitiesResponse](t, rr)
	titles := make([]string, 0, len(first.Items))
	for _, it := range first.Items {
		titles = append(titles, it.Title)
	}
	require.Equal(t, []string{"A", "Run", "B"}, titles)
	require.False(t, first.Done)
	require.NotEmpty(t, first.NextCursor)

	rr = s.do(t, http.MethodGet, "/v1/users/"+viewerID+"/activities?cursor="+first.NextCursor, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	second := decode[ActivitiesResponse](t, rr)
	require.Len(t, second.Items, 1)
	require.Equal(t, "C", second.Items[0].Title)
	require.True(t, second.Done)
	require.Empty(t, second.NextCursor)
}

func TestActivitiesRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/v1/users/"+viewerID+"/activities?sources=swim", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, "/v1/users/"+viewerID+"/activities?cursor=%21%21", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

// limitRecorder answers every page with nothing and keeps the requested limits.
type limitRecorder struct {
	limits chan int
}

func (l *limitRecorder) FetchPage(_ context.Context, _ string, _, limit int) ([]activity.Item, error) {
	l.limits <- limit
	return nil, nil
}

func TestActivitiesClampsLimit(t *testing.T) {
	rec := &limitRecorder{limits: make(chan int, 1)}
	handler := NewHandler(feed.NewService(memory.NewSocial(), auth.RequestSession{}),
		map[activity.Source]activity.Fetcher{activity.SourceStrength: rec})
	s := &testServer{mux: http.NewServeMux()}
	handler.RegisterRoutes(s.mux)

	rr := s.do(t, http.MethodGet, "/v1/users/"+viewerID+"/activities?sources=strength&limit=1000000", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, activity.MaxPageSize, <-rec.limits)
	require.True(t, decode[ActivitiesResponse](t, rr).Done)
}
