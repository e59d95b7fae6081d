package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrRefreshUnsupported is returned by sessions that cannot mint new tokens.
var ErrRefreshUnsupported = errors.New("session refresh not supported")

// ErrNoSession is returned when no caller identity is available.
var ErrNoSession = errors.New("no active session")

// Session is the caller's authentication state.
type Session interface {
	CurrentUserID(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// TokenSource yields the claims that backend calls are made with.
type TokenSource interface {
	Claims(ctx context.Context) (*Claims, error)
}

type claimsKey struct{}

// WithClaims attaches the caller's claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext returns claims attached by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// ResolveClaims prefers claims attached to ctx and falls back to src. It returns
// nil claims without error when neither is available (anonymous access).
func ResolveClaims(ctx context.Context, src TokenSource, now time.Time) (*Claims, error) {
	if claims, ok := FromContext(ctx); ok {
		if claims.Expired(now) {
			return nil, ErrTokenExpired
		}
		return claims, nil
	}
	if src == nil {
		return nil, nil
	}
	return src.Claims(ctx)
}

// Refresher exchanges a refresh token for a new token pair.
type Refresher func(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, err error)

// TokenSession keeps an access/refresh token pair and refreshes it on demand.
type TokenSession struct {
	cfg       Config
	refresher Refresher

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// NewTokenSession constructs a TokenSession.
func NewTokenSession(cfg Config, accessToken, refreshToken string, refresher Refresher) *TokenSession {
	return &TokenSession{
		cfg:          cfg,
		refresher:    refresher,
		accessToken:  accessToken,
		refreshToken: refreshToken,
	}
}

// Claims parses the current access token.
func (s *TokenSession) Claims(context.Context) (*Claims, error) {
	s.mu.RLock()
	token := s.accessToken
	s.mu.RUnlock()
	return Parse(token, s.cfg)
}

// CurrentUserID returns the subject of the current access token.
func (s *TokenSession) CurrentUserID(ctx context.Context) (string, error) {
	claims, err := s.Claims(ctx)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Refresh swaps the token pair using the configured Refresher.
func (s *TokenSession) Refresh(ctx context.Context) error {
	if s.refresher == nil {
		return ErrRefreshUnsupported
	}
	s.mu.RLock()
	refreshToken := s.refreshToken
	s.mu.RUnlock()
	if strings.TrimSpace(refreshToken) == "" {
		return ErrNoSession
	}

	access, next, err := s.refresher(ctx, refreshToken)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.accessToken = access
	if next != "" {
		s.refreshToken = next
	}
	s.mu.Unlock()
	return nil
}

// AccessToken returns the current access token.
func (s *TokenSession) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// RequestSession is bound to claims the HTTP middleware attached to the request.
type RequestSession struct{}

// Claims returns the request claims.
func (RequestSession) Claims(ctx context.Context) (*Claims, error) {
	claims, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoSession
	}
	return claims, nil
}

// CurrentUserID returns the subject of the request claims.
func (s RequestSession) CurrentUserID(ctx context.Context) (string, error) {
	claims, err := s.Claims(ctx)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Refresh is not possible for request-scoped tokens; the client must re-authenticate.
func (RequestSession) Refresh(context.Context) error { return ErrRefreshUnsupported }
