// Package auth validates bearer tokens and models the caller's session.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds signer verification parameters.
type Config struct {
	Secret string
	Issuer string
}

// Claims represents the payload extracted from a JWT.
type Claims struct {
	Subject   string
	Role      string
	Email     string
	ExpiresAt time.Time
}

// DefaultRole is assumed when a token carries no role claim.
const DefaultRole = "authenticated"

// ErrMissingToken is returned when the Authorization header is absent.
var ErrMissingToken = errors.New("missing bearer token")

// ErrInvalidToken wraps parsing/validation errors.
var ErrInvalidToken = errors.New("invalid bearer token")

// ErrTokenExpired is returned for well-formed tokens past their expiry.
var ErrTokenExpired error = expiredError{}

type expiredError struct{}

func (expiredError) Error() string { return "bearer token expired" }

// AuthExpired marks the error as recoverable by refreshing the session.
func (expiredError) AuthExpired() bool { return true }

// Parse validates a JWT and returns normalized claims.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, ErrInvalidToken
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = DefaultRole
	}
	email, _ := claims["email"].(string)

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var expiresAt time.Time
	if exp != nil {
		expiresAt = exp.Time
	}

	return &Claims{
		Subject:   subject,
		Role:      role,
		Email:     email,
		ExpiresAt: expiresAt,
	}, nil
}

// Sign issues an HS256 token for the claims. Used by local tooling and tests.
func Sign(c Claims, cfg Config) (string, error) {
	mc := jwt.MapClaims{
		"sub":  c.Subject,
		"role": c.Role,
	}
	if c.Role == "" {
		mc["role"] = DefaultRole
	}
	if c.Email != "" {
		mc["email"] = c.Email
	}
	if cfg.Issuer != "" {
		mc["iss"] = cfg.Issuer
	}
	if !c.ExpiresAt.IsZero() {
		mc["exp"] = jwt.NewNumericDate(c.ExpiresAt)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString([]byte(cfg.Secret))
}

// Expired reports whether the claims are past their expiry at now.
func (c *Claims) Expired(now time.Time) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}
