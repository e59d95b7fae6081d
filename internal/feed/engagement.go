package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"example.com/social/internal/domain"
	"example.com/social/internal/identity"
	"example.com/social/internal/store"
)

// Codes the backend raises when a referenced post does not exist.
const (
	codeNoDataFound        = "P0002"
	codeForeignKeyViolated = "23503"
)

func postError(err error) error {
	var e *store.Error
	if errors.As(err, &e) && (e.Code == codeNoDataFound || e.Code == codeForeignKeyViolated) {
		return fmt.Errorf("%w: %v", domain.ErrPostNotFound, err)
	}
	return err
}

// callOptional invokes fn and treats a missing function as an empty result.
func (s *Service) callOptional(ctx context.Context, fn string, params map[string]any) (store.Result, bool, error) {
	res, err := withRetry(ctx, s, func(ctx context.Context) (store.Result, error) {
		return s.client.RPC(ctx, SocialSchema, fn, params)
	})
	if err != nil {
		if store.IsMissingObject(err) {
			s.degraded("feed."+fn, err)
			return store.Result{}, false, nil
		}
		return store.Result{}, false, postError(err)
	}
	return res, true, nil
}

// Like records the caller's like on a post. Liking twice is a no-op.
func (s *Service) Like(ctx context.Context, postID string) error {
	_, _, err := s.callOptional(ctx, LikeFn, map[string]any{"p_post_id": postID})
	if err != nil {
		return fmt.Errorf("like post %s: %w", postID, err)
	}
	return nil
}

// Unlike removes the caller's like on a post.
func (s *Service) Unlike(ctx context.Context, postID string) error {
	_, _, err := s.callOptional(ctx, UnlikeFn, map[string]any{"p_post_id": postID})
	if err != nil {
		return fmt.Errorf("unlike post %s: %w", postID, err)
	}
	return nil
}

// ListLikes returns the identities of users who liked a post, most recent first.
func (s *Service) ListLikes(ctx context.Context, postID string) ([]domain.Identity, error) {
	res, ok, err := s.callOptional(ctx, ListLikesFn, map[string]any{"p_post_id": postID})
	if err != nil || !ok {
		return []domain.Identity{}, err
	}
	rows, err := res.Rows()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := text(row["user_id"]); id != "" {
			ids = append(ids, id)
		}
	}
	resolved, err := s.resolver.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Identity, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, resolved[id])
	}
	return out, nil
}

// ListComments returns a page of comments on a post, oldest first.
func (s *Service) ListComments(ctx context.Context, postID string, page Page) ([]domain.Comment, error) {
	page = s.normalizePage(page)
	res, ok, err := s.callOptional(ctx, ListCommentFn, map[string]any{
		"p_post_id": postID,
		"p_limit":   page.Limit,
		"p_offset":  page.Offset,
	})
	if err != nil || !ok {
		return []domain.Comment{}, err
	}
	rows, err := res.Rows()
	if err != nil {
		return nil, err
	}
	return s.decodeComments(ctx, rows)
}

// CreateComment adds a comment as the caller. It returns nil without error when
// the backend does not support comments.
func (s *Service) CreateComment(ctx context.Context, postID, body string) (*domain.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, domain.ErrEmptyComment
	}
	res, ok, err := s.callOptional(ctx, CommentFn, map[string]any{"p_post_id": postID, "p_body": body})
	if err != nil {
		return nil, fmt.Errorf("comment on post %s: %w", postID, err)
	}
	if !ok {
		return nil, nil
	}
	rows, err := res.Rows()
	if err != nil {
		return nil, err
	}
	comments, err := s.decodeComments(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(comments) == 0 {
		return nil, errors.New("comment function returned no row")
	}
	return &comments[0], nil
}

// DeleteComment removes one of the caller's comments.
func (s *Service) DeleteComment(ctx context.Context, commentID string) error {
	_, _, err := s.callOptional(ctx, DelCommentFn, map[string]any{"p_comment_id": commentID})
	if err != nil {
		return fmt.Errorf("delete comment %s: %w", commentID, err)
	}
	return nil
}

func (s *Service) decodeComments(ctx context.Context, rows []store.Row) ([]domain.Comment, error) {
	comments := make([]domain.Comment, 0, len(rows))
	authorIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		c := domain.Comment{
			ID:        text(row["id"]),
			PostID:    text(row["post_id"]),
			UserID:    text(row["user_id"]),
			Body:      text(row["body"]),
			CreatedAt: parseTime(row["created_at"]),
		}
		if c.ID == "" {
			continue
		}
		comments = append(comments, c)
		authorIDs = append(authorIDs, c.UserID)
	}
	authors, err := s.resolver.Resolve(ctx, authorIDs)
	if err != nil {
		return nil, err
	}
	for i := range comments {
		author, ok := authors[comments[i].UserID]
		if !ok {
			author = identity.FallbackIdentity(comments[i].UserID)
		}
		comments[i].Author = author
	}
	return comments, nil
}
