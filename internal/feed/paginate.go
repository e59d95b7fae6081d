package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/social/internal/domain"
	"example.com/social/internal/observability"
	"example.com/social/internal/store"
)

// Page selects a window of a feed.
type Page struct {
	Offset int
	Limit  int
}

// Filter narrows a feed. An empty UserID selects the caller's followed feed.
type Filter struct {
	UserID       string
	ActivityType domain.ActivityType
}

// PageResult is one page of hydrated posts. Last is set when the backend
// returned fewer rows than requested; NextOffset is where the following page
// starts.
type PageResult struct {
	Posts      []domain.FeedPost
	Last       bool
	NextOffset int
}

// rawPage is an unhydrated page along with its termination signal.
type rawPage struct {
	rows []store.Row
	last bool
	next int
}

func (s *Service) normalizePage(p Page) Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = s.cfg.PageSize
	}
	if p.Limit > s.cfg.MaxPageSize {
		p.Limit = s.cfg.MaxPageSize
	}
	return p
}

// GetPage reads and hydrates one feed page.
func (s *Service) GetPage(ctx context.Context, page Page, filter Filter) (PageResult, error) {
	page = s.normalizePage(page)
	feedName := "global"
	if filter.UserID != "" {
		feedName = "user"
	}
	defer observability.ObservePage(feedName, time.Now())

	return withRetry(ctx, s, func(ctx context.Context) (PageResult, error) {
		var (
			raw rawPage
			err error
		)
		if filter.UserID == "" {
			raw, err = s.globalPage(ctx, page, filter)
		} else {
			raw, err = s.userPage(ctx, page, filter)
		}
		if err != nil {
			return PageResult{}, fmt.Errorf("%s feed: %w", feedName, err)
		}
		posts, err := s.hydrator.Hydrate(ctx, s.viewer(ctx), raw.rows)
		if err != nil {
			return PageResult{}, err
		}
		return PageResult{Posts: posts, Last: raw.last, NextOffset: raw.next}, nil
	})
}

// globalPage reads the followed feed via the feed function, then the posts
// table, then degrades to an empty final page.
func (s *Service) globalPage(ctx context.Context, page Page, filter Filter) (rawPage, error) {
	rows, err := s.feedRPC(ctx, page.Offset, page.Limit, filter.ActivityType)
	if err == nil {
		return terminal(rows, page), nil
	}
	if !store.IsMissingObject(err) {
		return rawPage{}, err
	}
	s.degraded("feed.global.rpc", err)

	rows, err = s.postsTable(ctx, page, filter)
	if err == nil {
		return terminal(rows, page), nil
	}
	if !store.IsSchemaUnavailable(err) {
		return rawPage{}, err
	}
	s.degraded("feed.global.table", err)
	return rawPage{rows: nil, last: true, next: page.Offset}, nil
}

// userPage reads one user's posts from the table. When the table is not
// reachable it widens the feed function window and filters client-side.
func (s *Service) userPage(ctx context.Context, page Page, filter Filter) (rawPage, error) {
	rows, err := s.postsTable(ctx, page, filter)
	if err == nil {
		return terminal(rows, page), nil
	}
	if !store.IsSchemaUnavailable(err) {
		return rawPage{}, err
	}
	s.degraded("feed.user.table", err)

	window := page.Limit * 3
	if window > s.cfg.FallbackMaxWindow {
		window = s.cfg.FallbackMaxWindow
	}
	if window < page.Limit {
		window = page.Limit
	}
	raw, err := s.feedRPC(ctx, page.Offset, window, filter.ActivityType)
	if err != nil {
		if store.IsMissingObject(err) {
			s.degraded("feed.user.rpc", err)
			return rawPage{rows: nil, last: true, next: page.Offset}, nil
		}
		return rawPage{}, err
	}

	matched := make([]store.Row, 0, page.Limit)
	consumed := 0
	for _, row := range raw {
		if len(matched) == page.Limit {
			break
		}
		consumed++
		if sameUser(text(row["user_id"]), filter.UserID) {
			matched = append(matched, row)
		}
	}
	return rawPage{
		rows: matched,
		last: len(raw) < window && consumed == len(raw),
		next: page.Offset + consumed,
	}, nil
}

// sameUser compares ids the way the uuid column does, ignoring case and
// textual form.
func sameUser(a, b string) bool {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA == nil && errB == nil {
		return ua == ub
	}
	return strings.EqualFold(a, b)
}

func terminal(rows []store.Row, page Page) rawPage {
	return rawPage{rows: rows, last: len(rows) < page.Limit, next: page.Offset + len(rows)}
}

func (s *Service) feedRPC(ctx context.Context, offset, limit int, activityType domain.ActivityType) ([]store.Row, error) {
	params := map[string]any{"p_offset": offset, "p_limit": limit}
	if activityType != "" {
		params["p_activity_type"] = string(activityType)
	}
	res, err := s.client.RPC(ctx, SocialSchema, FeedFn, params)
	if err != nil {
		return nil, err
	}
	return res.Rows()
}

func (s *Service) postsTable(ctx context.Context, page Page, filter Filter) ([]store.Row, error) {
	q := store.Query{Schema: SocialSchema, Table: PostsTable}.
		OrderDesc("created_at").
		OrderDesc("id").
		Range(page.Offset, page.Limit)
	if filter.UserID != "" {
		q = q.Where(store.Eq("user_id", filter.UserID))
	}
	if filter.ActivityType != "" {
		q = q.Where(store.Eq("activity_type", string(filter.ActivityType)))
	}
	return s.client.Select(ctx, q)
}

func (s *Service) degraded(op string, err error) {
	observability.RecordFallback(op, string(store.Classify(err)))
	s.logger.Debug("backend object unavailable, degrading", zap.String("op", op), zap.Error(err))
}
