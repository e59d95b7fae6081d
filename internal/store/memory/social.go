package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"example.com/social/internal/store"
)

// Object names of the social backend.
const (
	SchemaSocial   = "social"
	SchemaPublic   = "public"
	SchemaUser     = "user"
	SchemaPrivate  = "private"
	SchemaStrength = "strength"
	SchemaCardio   = "cardio"

	TablePosts         = "posts"
	TablePostLikes     = "post_likes"
	TablePostComments  = "post_comments"
	TableFollows       = "follows"
	TableProfiles      = "profiles"
	TableUsers         = "users"
	TableProfileCards  = "profile_cards"
	TableWorkouts      = "workouts"
	TableIndoorSession = "indoor_sessions"
	TableOutdoorSess   = "outdoor_sessions"
)

var postColumns = []string{
	"id", "user_id", "activity_type", "source_type", "source_id", "session_id", "title",
	"subtitle", "caption", "visibility", "created_at", "metrics", "media_urls", "like_count",
	"comment_count",
}

var sessionColumns = []string{
	"id", "user_id", "activity_type", "title", "started_at", "duration_s", "distance_m", "created_at",
}

// NewSocial returns a DB with the full social schema and functions installed.
func NewSocial(opts ...Option) *DB {
	db := New(opts...)
	Install(db)
	return db
}

// Install declares the social tables and registers the backend functions the feed
// pipeline calls.
func Install(db *DB) {
	db.CreateTable(SchemaSocial, TablePosts, TableDef{
		Columns:    postColumns,
		PrimaryKey: "id",
		Unique:     [][]string{{"user_id", "source_type", "source_id"}},
		Timestamps: []string{"created_at"},
		Defaults: store.Row{
			"visibility":    "public",
			"metrics":       map[string]any{},
			"media_urls":    []any{},
			"like_count":    float64(0),
			"comment_count": float64(0),
		},
	})
	db.CreateTable(SchemaSocial, TablePostLikes, TableDef{
		Columns:    []string{"id", "post_id", "user_id", "created_at"},
		PrimaryKey: "id",
		Unique:     [][]string{{"post_id", "user_id"}},
		Timestamps: []string{"created_at"},
	})
	db.CreateTable(SchemaSocial, TablePostComments, TableDef{
		Columns:    []string{"id", "post_id", "user_id", "body", "created_at"},
		PrimaryKey: "id",
		Timestamps: []string{"created_at"},
	})
	db.CreateTable(SchemaSocial, TableFollows, TableDef{
		Columns:    []string{"follower_id", "followee_id", "created_at"},
		Unique:     [][]string{{"follower_id", "followee_id"}},
		Timestamps: []string{"created_at"},
	})
	db.CreateTable(SchemaPublic, TableProfiles, TableDef{
		Columns:    []string{"id", "username", "display_name", "avatar_url", "updated_at"},
		PrimaryKey: "id",
		Timestamps: []string{"updated_at"},
	})
	db.CreateTable(SchemaUser, TableUsers, TableDef{
		Columns:    []string{"id", "username", "first_name", "last_name", "avatar_url"},
		PrimaryKey: "id",
	})
	db.CreateTable(SchemaPrivate, TableProfileCards, TableDef{
		Columns:    []string{"user_id", "username", "display_name", "first_name", "last_name", "avatar_url"},
		PrimaryKey: "user_id",
	})
	db.CreateTable(SchemaStrength, TableWorkouts, TableDef{
		Columns:    []string{"id", "user_id", "name", "started_at", "duration_s", "volume_kg", "created_at"},
		PrimaryKey: "id",
		Timestamps: []string{"started_at", "created_at"},
	})
	db.CreateTable(SchemaCardio, TableIndoorSession, TableDef{
		Columns:    sessionColumns,
		PrimaryKey: "id",
		Timestamps: []string{"started_at", "created_at"},
	})
	db.CreateTable(SchemaCardio, TableOutdoorSess, TableDef{
		Columns:    sessionColumns,
		PrimaryKey: "id",
		Timestamps: []string{"started_at", "created_at"},
	})

	db.RegisterRPC(SchemaSocial, "get_feed_user", getFeed)
	for _, d := range []string{"outdoor", "indoor", "strength"} {
		db.RegisterRPC(SchemaSocial, fmt.Sprintf("share_%s_session_user", d), shareSession)
	}
	db.RegisterRPC(SchemaSocial, "like_post_user", likePost)
	db.RegisterRPC(SchemaSocial, "unlike_post_user", unlikePost)
	db.RegisterRPC(SchemaSocial, "get_liked_post_ids_user", likedPostIDs)
	db.RegisterRPC(SchemaSocial, "list_post_likes_user", listLikes)
	db.RegisterRPC(SchemaSocial, "list_post_comments_user", listComments)
	db.RegisterRPC(SchemaSocial, "create_post_comment_user", createComment)
	db.RegisterRPC(SchemaSocial, "delete_post_comment_user", deleteComment)
	db.RegisterRPC(SchemaPublic, "get_profile_card_user", profileCard)
	db.RegisterRPC(SchemaPublic, "get_profile_card", profileCard)
}

func errNotAuthenticated() error {
	return &store.Error{Code: "P0001", Message: "not authenticated"}
}

func requireUser(call *Call) error {
	if call.UserID == "" {
		return errNotAuthenticated()
	}
	return nil
}

func getFeed(_ context.Context, call *Call) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	follows, err := call.Select(store.Query{Schema: SchemaSocial, Table: TableFollows}.
		Where(store.Eq("follower_id", call.UserID)))
	if err != nil {
		return nil, err
	}
	authors := []string{call.UserID}
	for _, f := range follows {
		if id, ok := f["followee_id"].(string); ok {
			authors = append(authors, id)
		}
	}

	q := store.Query{Schema: SchemaSocial, Table: TablePosts}.
		Where(store.In("user_id", authors)).
		OrderDesc("created_at").
		OrderDesc("id")
	if t := call.String("p_activity_type"); t != "" {
		q = q.Where(store.Eq("activity_type", t))
	}
	posts, err := call.Select(q)
	if err != nil {
		return nil, err
	}

	visible := make([]store.Row, 0, len(posts))
	for _, p := range posts {
		if p["user_id"] != call.UserID && p["visibility"] == "private" {
			continue
		}
		visible = append(visible, p)
	}

	offset := call.Int("p_offset", 0)
	limit := call.Int("p_limit", 20)
	if offset >= len(visible) {
		return []store.Row{}, nil
	}
	visible = visible[offset:]
	if limit > 0 && len(visible) > limit {
		visible = visible[:limit]
	}

	for _, p := range visible {
		if userID, ok := p["user_id"].(string); ok {
			profiles, err := call.Select(store.Query{Schema: SchemaPublic, Table: TableProfiles}.
				Where(store.Eq("id", userID)))
			if err == nil && len(profiles) == 1 {
				p["username"] = profiles[0]["username"]
				p["display_name"] = profiles[0]["display_name"]
				p["avatar_url"] = profiles[0]["avatar_url"]
			}
		}
	}
	return visible, nil
}

func shareSession(_ context.Context, call *Call) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	sourceType := call.String("p_source_type")
	sourceID := call.String("p_source_id")
	sessionID := call.String("p_session_id")
	for _, id := range []string{sourceID, sessionID} {
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			return nil, &store.Error{Code: "22P02", Message: fmt.Sprintf("invalid input syntax for type uuid: %q", id)}
		}
	}

	if sourceID != "" {
		existing, err := call.Select(store.Query{Schema: SchemaSocial, Table: TablePosts, Columns: []string{"id"}}.
			Where(store.Eq("user_id", call.UserID), store.Eq("source_type", sourceType), store.Eq("source_id", sourceID)))
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return existing[0]["id"], nil
		}
	}

	row := store.Row{
		"user_id":       call.UserID,
		"activity_type": orDefault(call.String("p_activity_type"), "other"),
		"source_type":   nullable(sourceType),
		"source_id":     nullable(sourceID),
		"session_id":    nullable(sessionID),
		"title":         call.String("p_title"),
		"subtitle":      call.Params["p_subtitle"],
		"caption":       call.Params["p_caption"],
		"visibility":    orDefault(call.String("p_visibility"), "public"),
	}
	if m, ok := call.Params["p_metrics"].(map[string]any); ok {
		row["metrics"] = m
	}
	if urls, ok := call.Params["p_media_urls"].([]any); ok {
		row["media_urls"] = urls
	}
	inserted, err := call.Insert(SchemaSocial, TablePosts, row)
	if err != nil {
		return nil, err
	}
	return inserted[0]["id"], nil
}

func likePost(_ context.Context, call *Call) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	postID := call.String("p_post_id")
	if err := requirePost(call, postID); err != nil {
		return nil, err
	}
	_, err := call.Insert(SchemaSocial, TablePostLikes, store.Row{"post_id": postID, "user_id": call.UserID})
	if err != nil && !store.IsUniqueViolation(err) {
		return nil, err
	}
	return nil, recount(call, postID)
}

func unlikePost(_ context.Context, call *Call) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	postID := call.String("p_post_id")
	if _, err := call.Delete(SchemaSocial, TablePostLikes, store.Eq("post_id", postID), store.Eq("user_id", call.UserID)); err != nil {
		return nil, err
	}
	return nil, recount(call, postID)
}

func likedPostIDs(_ context.Context, call *Call) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	ids := call.Strings("p_post_ids")
	if len(ids) == 0 {
		return []store.Row{}, nil
	}
	return call.Select(store.Query{Schema: SchemaSocial, Table: TablePostLikes, Columns: []string{"post_id"}}.
		Where(store.Eq("user_id", call.UserID), store.In("post_id", ids)))
}

func listLikes(_ context.Context, call *Call) (any, error) {
	return call.Select(store.Query{Schema: SchemaSocial, Table: TablePostLikes, Columns: []string{"user_id", "created_at"}}.
		Where(store.Eq("post_id", call.String("p_post_id"))).
		OrderDesc("created_at"))
}

func listComments(_ context.Context, call *Call) (any, error) {
	q := store.Query{Schema: SchemaSocial, Table: TablePostComments}.
		Where(store.Eq("post_id", call.String("p_post_id")))
	q.Order = []store.OrderBy{{Column: "created_at"}, {Column: "id"}}
	return call.Select(q.Range(call.Int("p_offset", 0), call.Int("p_limit", 50)))
}

func createComment(_ context.Context, call *Call) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	postID := call.String("p_post_id")
	body := strings.TrimSpace(call.String("p_body"))
	if body == "" {
		return nil, &store.Error{Code: "23514", Message: "comment body must not be empty"}
	}
	if err := requirePost(call, postID); err != nil {
		return nil, err
	}
	rows, err := call.Insert(SchemaSocial, TablePostComments, store.Row{"post_id": postID, "user_id": call.UserID, "body": body})
	if err != nil {
		return nil, err
	}
	if err := recount(call, postID); err != nil {
		return nil, err
	}
	return rows[0], nil
}

func deleteComment(_ context.Context, call *Call) (any, error) {
	if err := requireUser(call); err != nil {
		return nil, err
	}
	commentID := call.String("p_comment_id")
	rows, err := call.Select(store.Query{Schema: SchemaSocial, Table: TablePostComments}.
		Where(store.Eq("id", commentID), store.Eq("user_id", call.UserID)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if _, err := call.Delete(SchemaSocial, TablePostComments, store.Eq("id", commentID)); err != nil {
		return nil, err
	}
	postID, _ := rows[0]["post_id"].(string)
	return nil, recount(call, postID)
}

func profileCard(_ context.Context, call *Call) (any, error) {
	userID := call.String("p_user_id")
	cards, err := call.Select(store.Query{Schema: SchemaPrivate, Table: TableProfileCards}.
		Where(store.Eq("user_id", userID)))
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, nil
	}
	return cards[0], nil
}

func requirePost(call *Call, postID string) error {
	rows, err := call.Select(store.Query{Schema: SchemaSocial, Table: TablePosts, Columns: []string{"id"}}.
		Where(store.Eq("id", postID)))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return &store.Error{Code: "P0002", Message: "post not found"}
	}
	return nil
}

// recount refreshes the denormalized counters on a post.
func recount(call *Call, postID string) error {
	likes, err := call.Select(store.Query{Schema: SchemaSocial, Table: TablePostLikes, Columns: []string{"post_id"}}.
		Where(store.Eq("post_id", postID)))
	if err != nil {
		return err
	}
	comments, err := call.Select(store.Query{Schema: SchemaSocial, Table: TablePostComments, Columns: []string{"post_id"}}.
		Where(store.Eq("post_id", postID)))
	if err != nil {
		return err
	}
	_, err = call.Update(SchemaSocial, TablePosts, store.Row{
		"like_count":    len(likes),
		"comment_count": len(comments),
	}, store.Eq("id", postID))
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
