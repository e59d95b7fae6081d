package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/social/internal/domain"
	"example.com/social/internal/identity"
	"example.com/social/internal/observability"
	"example.com/social/internal/store"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

// DecodePost converts a raw post row into a Post. Absent or malformed optional
// columns become nil or zero values.
func DecodePost(row store.Row) domain.Post {
	return domain.Post{
		ID:           text(row["id"]),
		UserID:       text(row["user_id"]),
		ActivityType: domain.ParseActivityType(text(row["activity_type"])),
		SourceType:   optional(row["source_type"]),
		SourceID:     optional(row["source_id"]),
		SessionID:    optional(row["session_id"]),
		Title:        text(row["title"]),
		Subtitle:     optional(row["subtitle"]),
		Caption:      optional(row["caption"]),
		Visibility:   domain.ParseVisibility(text(row["visibility"])),
		CreatedAt:    parseTime(row["created_at"]),
		Metrics:      NormalizeMetrics(row["metrics"]),
		MediaURLs:    NormalizeMediaURLs(row["media_urls"]),
		LikeCount:    NormalizeCount(row["like_count"]),
		CommentCount: NormalizeCount(row["comment_count"]),
	}
}

// NormalizeMetrics coerces a metrics bag so every value is a float64, a string
// or nil. Booleans become 1 or 0; other structured values become compact JSON.
// A JSON-encoded object is accepted in place of a map.
func NormalizeMetrics(v any) domain.Metrics {
	out := domain.Metrics{}
	var raw map[string]any
	switch t := v.(type) {
	case map[string]any:
		raw = t
	case store.Row:
		raw = t
	case domain.Metrics:
		raw = t
	case string:
		if err := json.Unmarshal([]byte(t), &raw); err != nil {
			return out
		}
	case []byte:
		if err := json.Unmarshal(t, &raw); err != nil {
			return out
		}
	default:
		return out
	}
	for k, val := range raw {
		out[k] = metricValue(val)
	}
	return out
}

func metricValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case bool:
		if t {
			return float64(1)
		}
		return float64(0)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return finite(f)
	}
	if f, ok := toFloat(v); ok {
		return finite(f)
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(encoded)
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// NormalizeMediaURLs accepts a single URL or a list and returns the non-blank
// trimmed entries.
func NormalizeMediaURLs(v any) []string {
	out := make([]string, 0)
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch t := v.(type) {
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "[") {
			var list []string
			if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
				for _, s := range list {
					add(s)
				}
				return out
			}
		}
		add(t)
	case []string:
		for _, s := range t {
			add(s)
		}
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}
	return out
}

// NormalizeCount coerces a counter to a non-negative integer. Negative,
// non-finite and unparseable inputs become zero; fractions are floored.
func NormalizeCount(v any) int {
	var f float64
	switch t := v.(type) {
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		f = parsed
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	default:
		parsed, ok := toFloat(v)
		if !ok {
			return 0
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Floor(f))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC()
			}
		}
	}
	return time.Time{}
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func optional(v any) *string {
	s := text(v)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// HydratorOption configures a Hydrator.
type HydratorOption func(*Hydrator)

// WithHydratorLogger sets the hydrator's logger.
func WithHydratorLogger(logger *zap.Logger) HydratorOption {
	return func(h *Hydrator) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Hydrator turns raw post rows into feed entries.
type Hydrator struct {
	client   store.Client
	resolver *identity.Resolver
	logger   *zap.Logger
}

// NewHydrator constructs a Hydrator.
func NewHydrator(client store.Client, resolver *identity.Resolver, opts ...HydratorOption) *Hydrator {
	h := &Hydrator{client: client, resolver: resolver, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hydrate decodes rows and attaches author identities and the viewer's like
// state. Rows without an id are skipped. Author identity and like state are
// fetched in one batch each, concurrently.
func (h *Hydrator) Hydrate(ctx context.Context, viewerID string, rows []store.Row) ([]domain.FeedPost, error) {
	posts := make([]domain.FeedPost, 0, len(rows))
	hints := make([]store.Row, 0, len(rows))
	authorIDs := make([]string, 0, len(rows))
	postIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		post := DecodePost(row)
		if post.ID == "" {
			continue
		}
		posts = append(posts, domain.FeedPost{Post: post})
		hints = append(hints, row)
		authorIDs = append(authorIDs, post.UserID)
		postIDs = append(postIDs, post.ID)
	}
	if len(posts) == 0 {
		return posts, nil
	}

	var (
		authors map[string]domain.Identity
		liked   map[string]bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		authors, err = h.resolver.Resolve(gctx, authorIDs)
		return err
	})
	g.Go(func() error {
		var err error
		liked, err = h.likedPostIDs(gctx, viewerID, postIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hydrate: %w", err)
	}

	for i := range posts {
		userID := posts[i].UserID
		author, ok := authors[userID]
		if !ok {
			author = identity.FallbackIdentity(userID)
		}
		posts[i].Author = applyHints(author, hints[i])
		posts[i].LikedByViewer = liked[posts[i].ID]
	}
	return posts, nil
}

// applyHints uses author columns joined onto the row when the resolver knew
// nothing better than the synthesized fallback.
func applyHints(author domain.Identity, row store.Row) domain.Identity {
	if author.Username != identity.Fallback(author.UserID) {
		return author
	}
	username := strings.TrimSpace(text(row["username"]))
	if identity.IsGeneric(username) {
		return author
	}
	author.Username = username
	author.DisplayName = username
	if display := strings.TrimSpace(text(row["display_name"])); !identity.IsGeneric(display) {
		author.DisplayName = display
	}
	if author.AvatarURL == nil {
		author.AvatarURL = optional(row["avatar_url"])
	}
	return author
}

func (h *Hydrator) likedPostIDs(ctx context.Context, viewerID string, postIDs []string) (map[string]bool, error) {
	liked := make(map[string]bool)
	if viewerID == "" || len(postIDs) == 0 {
		return liked, nil
	}
	res, err := h.client.RPC(ctx, SocialSchema, LikedIDsFn, map[string]any{"p_post_ids": postIDs})
	if err != nil {
		if store.IsMissingObject(err) {
			h.logger.Debug("like state unavailable", zap.Error(err))
			observability.RecordFallback("feed.liked_ids", string(store.ClassMissingObject))
			return liked, nil
		}
		return nil, fmt.Errorf("liked post ids: %w", err)
	}
	var values []any
	if err := res.Decode(&values); err != nil {
		var single any
		if err := res.Decode(&single); err != nil {
			return nil, fmt.Errorf("decode liked post ids: %w", err)
		}
		values = []any{single}
	}
	for _, v := range values {
		switch t := v.(type) {
		case string:
			liked[t] = true
		case map[string]any:
			if id := text(t["post_id"]); id != "" {
				liked[id] = true
			}
		}
	}
	return liked, nil
}
