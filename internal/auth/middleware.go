package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithOpenPaths lets requests for the exact paths through without a token.
func WithOpenPaths(paths ...string) MiddlewareOption {
	return func(m *Middleware) {
		for _, p := range paths {
			m.open[p] = true
		}
	}
}

// WithMiddlewareLogger sets the logger used for rejected requests.
func WithMiddlewareLogger(logger *zap.Logger) MiddlewareOption {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Middleware attaches bearer-token claims to each request so RequestSession
// can act as the caller.
type Middleware struct {
	cfg    Config
	open   map[string]bool
	logger *zap.Logger
}

// NewMiddleware constructs a Middleware. Health and metrics stay open.
func NewMiddleware(cfg Config, opts ...MiddlewareOption) Middleware {
	m := Middleware{
		cfg:    cfg,
		open:   map[string]bool{"/healthz": true, "/metrics": true},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Wrap rejects requests without a valid token and forwards the rest with
// their claims on the context.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		token, err := BearerToken(r.Header.Get("Authorization"))
		var claims *Claims
		if err == nil {
			claims, err = Parse(token, m.cfg)
		}
		if err != nil {
			m.logger.Debug("rejected request", zap.String("path", r.URL.Path), zap.Error(err))
			reject(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(token), nil
}

func reject(w http.ResponseWriter, err error) {
	detail := "invalid token"
	switch {
	case errors.Is(err, ErrTokenExpired):
		detail = "session expired"
	case errors.Is(err, ErrMissingToken):
		detail = "missing bearer token"
	}
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"type": "unauthorized", "detail": detail})
}
