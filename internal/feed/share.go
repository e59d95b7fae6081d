package feed

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/social/internal/domain"
	"example.com/social/internal/events"
	"example.com/social/internal/observability"
	"example.com/social/internal/store"
)

// Strategy names a way of persisting a shared post.
type Strategy string

const (
	StrategyRPC    Strategy = "rpc"
	StrategyUpsert Strategy = "upsert"
	StrategyInsert Strategy = "insert"
)

// ErrShareFailed is returned when no strategy produced a post id.
var ErrShareFailed = errors.New("share failed")

var sourceConflictKey = []string{"user_id", "source_type", "source_id"}

// StableKey derives a UUID-shaped key from an arbitrary reference. The same
// reference always yields the same key. The hash is FNV-1a 128, which is not
// collision resistant against adversarial input.
func StableKey(ref string) string {
	h := fnv.New128a()
	_, _ = h.Write([]byte(ref))
	var id uuid.UUID
	copy(id[:], h.Sum(nil))
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id.String()
}

// normalizeKey returns ref in canonical UUID form, a StableKey for references
// that are not UUIDs, or "" for blank input.
func normalizeKey(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if id, err := uuid.Parse(ref); err == nil {
		return id.String()
	}
	return StableKey(ref)
}

// shareCall is the normalized input handed to each strategy.
type shareCall struct {
	in        domain.ShareInput
	sourceID  string
	sessionID string
	metrics   domain.Metrics
}

// shareStep is one rung of the write ladder. fallThrough decides which errors
// hand over to the next step; any other error ends the ladder.
type shareStep struct {
	strategy    Strategy
	applies     func(*shareCall) bool
	run         func(context.Context, *shareCall) (string, error)
	fallThrough func(error) bool
}

func (s *Service) shareLadder() []shareStep {
	return []shareStep{
		{
			strategy:    StrategyRPC,
			run:         s.shareViaRPC,
			fallThrough: store.IsMissingObject,
		},
		{
			strategy:    StrategyUpsert,
			applies:     func(c *shareCall) bool { return c.sourceID != "" },
			run:         s.shareViaUpsert,
			fallThrough: store.IsNoMatchingConstraint,
		},
		{
			strategy: StrategyInsert,
			run:      s.shareViaInsert,
		},
	}
}

// ShareSession turns a completed session or workout into a post and returns the
// post id. Sharing the same source again returns the existing post.
func (s *Service) ShareSession(ctx context.Context, in domain.ShareInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}
	call := &shareCall{
		in:        in,
		sourceID:  normalizeKey(in.Source.SourceID),
		sessionID: normalizeKey(in.Source.SessionID),
		metrics:   NormalizeMetrics(map[string]any(in.Metrics)),
	}

	var lastErr error
	for _, step := range s.shareLadder() {
		if step.applies != nil && !step.applies(call) {
			continue
		}
		postID, err := step.run(ctx, call)
		if err == nil {
			s.shared(ctx, call, postID, step.strategy)
			return postID, nil
		}
		lastErr = err
		if step.fallThrough == nil || !step.fallThrough(err) {
			return "", fmt.Errorf("share via %s: %w", step.strategy, err)
		}
		observability.RecordFallback("feed.share."+string(step.strategy), string(store.Classify(err)))
		s.logger.Debug("share strategy unavailable", zap.String("strategy", string(step.strategy)), zap.Error(err))
	}
	return "", fmt.Errorf("%w: %v", ErrShareFailed, lastErr)
}

func (s *Service) shared(ctx context.Context, call *shareCall, postID string, strategy Strategy) {
	observability.RecordShare(string(strategy))
	userID := s.viewer(ctx)
	s.logger.Info("post shared",
		zap.String("post_id", postID),
		zap.String("user_id", userID),
		zap.String("strategy", string(strategy)),
	)
	evt := events.PostShared{
		PostID:       postID,
		UserID:       userID,
		ActivityType: string(call.in.ActivityType),
		SourceType:   call.in.Source.SourceType,
		SourceID:     call.sourceID,
		Visibility:   string(call.in.Visibility),
		Strategy:     string(strategy),
		SharedAt:     s.now().UTC(),
	}
	if err := s.publisher.PublishPostShared(ctx, evt); err != nil {
		s.logger.Warn("publish post.shared failed", zap.String("post_id", postID), zap.Error(err))
	}
}

func (s *Service) shareViaRPC(ctx context.Context, call *shareCall) (string, error) {
	params := map[string]any{
		"p_source_type":   call.in.Source.SourceType,
		"p_activity_type": string(call.in.ActivityType),
		"p_title":         call.in.Title,
		"p_visibility":    string(call.in.Visibility),
		"p_metrics":       map[string]any(call.metrics),
		"p_media_urls":    NormalizeMediaURLs(call.in.MediaURLs),
	}
	if call.sourceID != "" {
		params["p_source_id"] = call.sourceID
	}
	if call.sessionID != "" {
		params["p_session_id"] = call.sessionID
	}
	if call.in.Subtitle != nil {
		params["p_subtitle"] = *call.in.Subtitle
	}
	if call.in.Caption != nil {
		params["p_caption"] = *call.in.Caption
	}

	res, err := withRetry(ctx, s, func(ctx context.Context) (store.Result, error) {
		return s.client.RPC(ctx, SocialSchema, call.in.Source.Domain.RPCName(), params)
	})
	if err != nil {
		return "", err
	}
	id := resultID(res)
	if id == "" {
		return "", fmt.Errorf("%s returned no post id", call.in.Source.Domain.RPCName())
	}
	return id, nil
}

func (s *Service) shareViaUpsert(ctx context.Context, call *shareCall) (string, error) {
	return withRetry(ctx, s, func(ctx context.Context) (string, error) {
		userID, err := s.requireUser(ctx)
		if err != nil {
			return "", err
		}
		rows, err := s.client.Upsert(ctx, SocialSchema, PostsTable, []store.Row{s.postRow(userID, call)},
			store.UpsertOptions{OnConflict: sourceConflictKey, IgnoreDuplicates: true})
		if err != nil {
			return "", err
		}
		if len(rows) > 0 {
			if id := text(rows[0]["id"]); id != "" {
				return id, nil
			}
		}
		return s.existingPost(ctx, userID, call)
	})
}

func (s *Service) shareViaInsert(ctx context.Context, call *shareCall) (string, error) {
	return withRetry(ctx, s, func(ctx context.Context) (string, error) {
		userID, err := s.requireUser(ctx)
		if err != nil {
			return "", err
		}
		rows, err := s.client.Insert(ctx, SocialSchema, PostsTable, []store.Row{s.postRow(userID, call)})
		if err != nil {
			if store.IsUniqueViolation(err) && call.sourceID != "" {
				return s.existingPost(ctx, userID, call)
			}
			return "", err
		}
		if len(rows) == 0 || text(rows[0]["id"]) == "" {
			return "", errors.New("insert returned no post id")
		}
		return text(rows[0]["id"]), nil
	})
}

func (s *Service) existingPost(ctx context.Context, userID string, call *shareCall) (string, error) {
	rows, err := s.client.Select(ctx, store.Query{Schema: SocialSchema, Table: PostsTable, Columns: []string{"id"}}.
		Where(
			store.Eq("user_id", userID),
			store.Eq("source_type", call.in.Source.SourceType),
			store.Eq("source_id", call.sourceID),
		).
		Range(0, 1))
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("existing post for %s/%s: %w", call.in.Source.SourceType, call.sourceID, domain.ErrPostNotFound)
	}
	return text(rows[0]["id"]), nil
}

func (s *Service) postRow(userID string, call *shareCall) store.Row {
	row := store.Row{
		"user_id":       userID,
		"activity_type": string(call.in.ActivityType),
		"source_type":   call.in.Source.SourceType,
		"title":         call.in.Title,
		"visibility":    string(call.in.Visibility),
		"metrics":       map[string]any(call.metrics),
		"media_urls":    NormalizeMediaURLs(call.in.MediaURLs),
	}
	if call.sourceID != "" {
		row["source_id"] = call.sourceID
	}
	if call.sessionID != "" {
		row["session_id"] = call.sessionID
	}
	if call.in.Subtitle != nil {
		row["subtitle"] = *call.in.Subtitle
	}
	if call.in.Caption != nil {
		row["caption"] = *call.in.Caption
	}
	return row
}

// resultID extracts a post id from a share function result, which may be a
// bare id, a single-column row, or a post row.
func resultID(res store.Result) string {
	if v, ok := res.Scalar(); ok {
		if id := text(v); id != "" {
			return id
		}
	}
	rows, err := res.Rows()
	if err != nil || len(rows) == 0 {
		return ""
	}
	return text(rows[0]["id"])
}
