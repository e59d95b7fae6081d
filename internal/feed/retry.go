package feed

import (
	"context"

	"go.uber.org/zap"

	"example.com/social/internal/auth"
	"example.com/social/internal/observability"
	"example.com/social/internal/store"
)

// WithSessionRetry runs fn. When fn fails because the session expired, the
// session is refreshed once and fn retried once. A failed refresh returns the
// original error.
func WithSessionRetry[T any](ctx context.Context, session auth.Session, logger *zap.Logger, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err == nil || session == nil || !store.IsAuthExpired(err) {
		return out, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if refreshErr := session.Refresh(ctx); refreshErr != nil {
		observability.RecordAuthRefresh("failed")
		logger.Info("session refresh failed", zap.Error(refreshErr), zap.NamedError("cause", err))
		return out, err
	}
	observability.RecordAuthRefresh("ok")
	logger.Debug("session refreshed, retrying", zap.NamedError("cause", err))
	return fn(ctx)
}

func withRetry[T any](ctx context.Context, s *Service, fn func(context.Context) (T, error)) (T, error) {
	return WithSessionRetry(ctx, s.session, s.logger, fn)
}
