// Package feed implements the social feed pipeline: sharing sessions as posts,
// reading and hydrating feed pages, and post engagement.
package feed

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"example.com/social/internal/auth"
	"example.com/social/internal/events"
	"example.com/social/internal/identity"
	"example.com/social/internal/store"
)

// Backend object names used by the pipeline.
const (
	SocialSchema = "social"
	PostsTable   = "posts"

	FeedFn        = "get_feed_user"
	LikeFn        = "like_post_user"
	UnlikeFn      = "unlike_post_user"
	LikedIDsFn    = "get_liked_post_ids_user"
	ListLikesFn   = "list_post_likes_user"
	ListCommentFn = "list_post_comments_user"
	CommentFn     = "create_post_comment_user"
	DelCommentFn  = "delete_post_comment_user"
)

// Config tunes paging.
type Config struct {
	PageSize          int
	MaxPageSize       int
	FallbackMaxWindow int
}

// DefaultConfig returns the paging defaults.
func DefaultConfig() Config {
	return Config{PageSize: 20, MaxPageSize: 100, FallbackMaxWindow: 100}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher sets the event publisher used after successful shares.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithResolver overrides the identity resolver.
func WithResolver(r *identity.Resolver) Option {
	return func(s *Service) { s.resolver = r }
}

// WithConfig overrides paging configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.PageSize > 0 {
			s.cfg.PageSize = cfg.PageSize
		}
		if cfg.MaxPageSize > 0 {
			s.cfg.MaxPageSize = cfg.MaxPageSize
		}
		if cfg.FallbackMaxWindow > 0 {
			s.cfg.FallbackMaxWindow = cfg.FallbackMaxWindow
		}
	}
}

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the feed pipeline. It holds no per-caller state.
type Service struct {
	client    store.Client
	session   auth.Session
	resolver  *identity.Resolver
	hydrator  *Hydrator
	publisher events.Publisher
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// NewService constructs a Service.
func NewService(client store.Client, session auth.Session, opts ...Option) *Service {
	s := &Service{
		client:    client,
		session:   session,
		publisher: events.NoopPublisher{},
		logger:    zap.NewNop(),
		cfg:       DefaultConfig(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = identity.NewResolver(client, identity.WithLogger(s.logger))
	}
	s.hydrator = NewHydrator(client, s.resolver, WithHydratorLogger(s.logger))
	return s
}

// Resolver exposes the identity resolver used for hydration.
func (s *Service) Resolver() *identity.Resolver { return s.resolver }

// Hydrator exposes the post hydrator.
func (s *Service) Hydrator() *Hydrator { return s.hydrator }

// viewer returns the caller's id, or "" when anonymous or unknown.
func (s *Service) viewer(ctx context.Context) string {
	if s.session == nil {
		return ""
	}
	id, err := s.session.CurrentUserID(ctx)
	if err != nil {
		if !errors.Is(err, auth.ErrNoSession) {
			s.logger.Debug("viewer unavailable", zap.Error(err))
		}
		return ""
	}
	return id
}

// requireUser returns the caller's id for operations that write on their behalf.
func (s *Service) requireUser(ctx context.Context) (string, error) {
	if s.session == nil {
		return "", auth.ErrNoSession
	}
	id, err := s.session.CurrentUserID(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", auth.ErrNoSession
	}
	return id, nil
}
