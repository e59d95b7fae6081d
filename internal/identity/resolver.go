// Package identity resolves display identities for user ids across the profile
// tables and the profile card functions.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/social/internal/domain"
	"example.com/social/internal/observability"
	"example.com/social/internal/store"
)

// Backend object names consulted by the resolver.
const (
	ProfilesSchema = "public"
	ProfilesTable  = "profiles"
	UsersSchema    = "user"
	UsersTable     = "users"
	CardSchema     = "public"
	CardUserFn     = "get_profile_card_user"
	CardFn         = "get_profile_card"
)

// DefaultCardConcurrency bounds parallel profile card lookups.
const DefaultCardConcurrency = 8

var genericNames = map[string]bool{
	"":          true,
	"user":      true,
	"null":      true,
	"undefined": true,
	"unknown":   true,
	"anonymous": true,
	"none":      true,
	"n/a":       true,
	"nil":       true,
}

// IsGeneric reports whether name is a placeholder rather than a real handle.
func IsGeneric(name string) bool {
	return genericNames[strings.ToLower(strings.TrimSpace(name))]
}

// Fallback synthesizes the username used when no source knows the id.
func Fallback(userID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(userID) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
			if b.Len() == 8 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "user_anon"
	}
	return "user_" + b.String()
}

// FallbackIdentity is the identity of a user nothing is known about.
func FallbackIdentity(userID string) domain.Identity {
	name := Fallback(userID)
	return domain.Identity{UserID: userID, Username: name, DisplayName: name}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCardConcurrency bounds parallel profile card lookups.
func WithCardConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.cardConcurrency = n
		}
	}
}

// Resolver turns user ids into display identities.
type Resolver struct {
	client          store.Client
	logger          *zap.Logger
	cardConcurrency int
}

// NewResolver constructs a Resolver.
func NewResolver(client store.Client, opts ...Option) *Resolver {
	r := &Resolver{client: client, logger: zap.NewNop(), cardConcurrency: DefaultCardConcurrency}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// source is what a single table or card knows about a user.
type source struct {
	Username    string
	DisplayName string
	FirstName   string
	LastName    string
	AvatarURL   string
}

func sourceFromRow(row store.Row) source {
	return source{
		Username:    text(row["username"]),
		DisplayName: text(row["display_name"]),
		FirstName:   text(row["first_name"]),
		LastName:    text(row["last_name"]),
		AvatarURL:   text(row["avatar_url"]),
	}
}

func (s source) fullName() string {
	return strings.TrimSpace(strings.TrimSpace(s.FirstName) + " " + strings.TrimSpace(s.LastName))
}

type candidates struct {
	card    *source
	user    *source
	profile *source
}

// insufficient reports whether local data lacks a usable username or any
// human-readable name, which is when the profile card is worth fetching.
func (c candidates) insufficient() bool {
	hasUsername := (c.user != nil && !IsGeneric(c.user.Username)) ||
		(c.profile != nil && !IsGeneric(c.profile.Username))
	hasName := (c.user != nil && c.user.fullName() != "") ||
		(c.profile != nil && !IsGeneric(c.profile.DisplayName))
	return !hasUsername || !hasName
}

func (c candidates) identity(userID string) domain.Identity {
	username := ""
	for _, s := range []*source{c.card, c.user, c.profile} {
		if s != nil && !IsGeneric(s.Username) {
			username = strings.TrimSpace(s.Username)
			break
		}
	}
	if username == "" {
		username = Fallback(userID)
	}

	display := ""
	for _, s := range []*source{c.user, c.card} {
		if s != nil && s.fullName() != "" {
			display = s.fullName()
			break
		}
	}
	if display == "" {
		for _, s := range []*source{c.card, c.profile} {
			if s != nil && !IsGeneric(s.DisplayName) {
				display = strings.TrimSpace(s.DisplayName)
				break
			}
		}
	}
	if display == "" {
		display = username
	}

	var avatar *string
	for _, s := range []*source{c.card, c.user, c.profile} {
		if s != nil && strings.TrimSpace(s.AvatarURL) != "" {
			url := strings.TrimSpace(s.AvatarURL)
			avatar = &url
			break
		}
	}
	return domain.Identity{UserID: userID, Username: username, DisplayName: display, AvatarURL: avatar}
}

// Resolve returns an identity for every non-blank id. Individual ids never fail:
// missing data degrades to the synthesized fallback. Errors from the identity
// tables other than unavailability are returned.
func (r *Resolver) Resolve(ctx context.Context, ids []string) (map[string]domain.Identity, error) {
	unique := uniqueIDs(ids)
	out := make(map[string]domain.Identity, len(unique))
	if len(unique) == 0 {
		return out, nil
	}

	var profiles, users map[string]source
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		profiles, err = r.lookup(gctx, ProfilesSchema, ProfilesTable,
			[]string{"id", "username", "display_name", "avatar_url"}, unique)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = r.lookup(gctx, UsersSchema, UsersTable,
			[]string{"id", "username", "first_name", "last_name", "avatar_url"}, unique)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve identities: %w", err)
	}

	local := make(map[string]candidates, len(unique))
	needCard := make([]string, 0)
	for _, id := range unique {
		c := candidates{}
		if s, ok := users[id]; ok {
			c.user = &s
		}
		if s, ok := profiles[id]; ok {
			c.profile = &s
		}
		local[id] = c
		if c.insufficient() {
			needCard = append(needCard, id)
		}
	}

	cards := r.cards(ctx, needCard)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for id, c := range local {
		if card, ok := cards[id]; ok {
			c.card = &card
		}
		out[id] = c.identity(id)
	}
	return out, nil
}

func (r *Resolver) lookup(ctx context.Context, schema, table string, columns, ids []string) (map[string]source, error) {
	q := store.Query{Schema: schema, Table: table, Columns: columns}.Where(store.In("id", ids))
	rows, err := r.client.Select(ctx, q)
	if err != nil {
		if store.IsSchemaUnavailable(err) {
			r.logger.Debug("identity source unavailable", zap.String("object", q.Name()), zap.Error(err))
			observability.RecordFallback("identity."+table, string(store.Classify(err)))
			return map[string]source{}, nil
		}
		return nil, fmt.Errorf("select %s: %w", q.Name(), err)
	}
	out := make(map[string]source, len(rows))
	for _, row := range rows {
		if id := text(row["id"]); id != "" {
			out[id] = sourceFromRow(row)
		}
	}
	return out, nil
}

// cards fetches profile cards concurrently. Failed lookups are logged and
// skipped so the affected ids keep their local guess.
func (r *Resolver) cards(ctx context.Context, ids []string) map[string]source {
	out := make(map[string]source, len(ids))
	if len(ids) == 0 {
		return out
	}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.cardConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			card, ok, err := r.card(ctx, id)
			switch {
			case err != nil:
				observability.RecordCardLookup("error")
				r.logger.Warn("profile card lookup failed", zap.String("user_id", id), zap.Error(err))
			case !ok:
				observability.RecordCardLookup("empty")
			default:
				observability.RecordCardLookup("ok")
				mu.Lock()
				out[id] = card
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Resolver) card(ctx context.Context, userID string) (source, bool, error) {
	params := map[string]any{"p_user_id": userID}
	res, err := r.client.RPC(ctx, CardSchema, CardUserFn, params)
	if store.IsMissingObject(err) {
		res, err = r.client.RPC(ctx, CardSchema, CardFn, params)
	}
	if err != nil {
		if store.IsMissingObject(err) {
			return source{}, false, nil
		}
		return source{}, false, err
	}
	rows, err := res.Rows()
	if err != nil {
		return source{}, false, err
	}
	if len(rows) == 0 {
		return source{}, false, nil
	}
	return sourceFromRow(rows[0]), true, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
