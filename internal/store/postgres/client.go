// Package postgres implements store.Client on top of a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"example.com/social/internal/auth"
	"example.com/social/internal/store"
)

// AnonRole is the database role used for calls without claims.
const AnonRole = "anon"

// Option configures a Client.
type Option func(*Client)

// WithTokenSource supplies claims for calls whose context carries none.
func WithTokenSource(src auth.TokenSource) Option {
	return func(c *Client) { c.tokens = src }
}

// WithLogger sets the client's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client runs every call inside its own transaction with the caller's claims set
// as transaction-local settings, so row-level security policies see the caller.
type Client struct {
	pool   *pgxpool.Pool
	tokens auth.TokenSource
	logger *zap.Logger
	now    func() time.Time
}

// NewClient constructs a Client.
func NewClient(pool *pgxpool.Pool, opts ...Option) *Client {
	c := &Client{pool: pool, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ store.Client = (*Client)(nil)

// Select implements store.Client.
func (c *Client) Select(ctx context.Context, q store.Query) ([]store.Row, error) {
	var args []any
	sql := fmt.Sprintf("SELECT %s FROM %s", selectList(q.Columns), ident(q.Schema, q.Table))
	if where := whereClause(q.Filters, &args); where != "" {
		sql += " WHERE " + where
	}
	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			dir := "ASC"
			if o.Desc {
				dir = "DESC NULLS LAST"
			}
			parts = append(parts, ident(o.Column)+" "+dir)
		}
		sql += " ORDER BY " + strings.Join(parts, ", ")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []store.Row
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		rows, err = queryRows(ctx, tx, "SELECT to_jsonb(t) FROM ("+sql+") t", args...)
		return err
	})
	return rows, err
}

// Insert implements store.Client.
func (c *Client) Insert(ctx context.Context, schema, table string, rows []store.Row) ([]store.Row, error) {
	return c.write(ctx, schema, table, rows, "")
}

// Upsert implements store.Client.
func (c *Client) Upsert(ctx context.Context, schema, table string, rows []store.Row, opts store.UpsertOptions) ([]store.Row, error) {
	conflict := make([]string, 0, len(opts.OnConflict))
	for _, col := range opts.OnConflict {
		conflict = append(conflict, ident(col))
	}
	clause := fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(conflict, ", "))
	if !opts.IgnoreDuplicates {
		sets := make([]string, 0)
		for _, col := range columnsOf(rows) {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident(col), ident(col)))
		}
		if len(sets) > 0 {
			clause = fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflict, ", "), strings.Join(sets, ", "))
		}
	}
	return c.write(ctx, schema, table, rows, clause)
}

// Update implements store.Client.
func (c *Client) Update(ctx context.Context, schema, table string, patch store.Row, filters ...store.Filter) ([]store.Row, error) {
	if len(patch) == 0 {
		return nil, nil
	}
	var args []any
	cols := sortedKeys(patch)
	sets := make([]string, 0, len(cols))
	for _, col := range cols {
		v, err := param(patch[col])
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(col), len(args)))
	}
	sql := fmt.Sprintf("UPDATE %s AS t SET %s", ident(schema, table), strings.Join(sets, ", "))
	if where := whereClause(filters, &args); where != "" {
		sql += " WHERE " + where
	}
	sql += " RETURNING to_jsonb(t)"

	var out []store.Row
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = queryRows(ctx, tx, sql, args...)
		return err
	})
	return out, err
}

// RPC implements store.Client. Parameters are passed by name.
func (c *Client) RPC(ctx context.Context, schema, fn string, params map[string]any) (store.Result, error) {
	names := sortedKeys(params)
	args := make([]any, 0, len(names))
	named := make([]string, 0, len(names))
	for _, name := range names {
		v, err := param(params[name])
		if err != nil {
			return store.Result{}, err
		}
		args = append(args, v)
		named = append(named, fmt.Sprintf("%s => $%d", ident(name), len(args)))
	}
	sql := fmt.Sprintf("SELECT COALESCE(jsonb_agg(to_jsonb(r)), '[]'::jsonb) FROM %s(%s) r",
		ident(schema, fn), strings.Join(named, ", "))

	var raw []byte
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, sql, args...).Scan(&raw)
	})
	if err != nil {
		return store.Result{}, err
	}
	return unwrapScalarFunction(fn, raw), nil
}

func (c *Client) write(ctx context.Context, schema, table string, rows []store.Row, suffix string) ([]store.Row, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols := columnsOf(rows)
	var args []any
	tuples := make([]string, 0, len(rows))
	for _, row := range rows {
		placeholders := make([]string, 0, len(cols))
		for _, col := range cols {
			v, ok := row[col]
			if !ok {
				placeholders = append(placeholders, "DEFAULT")
				continue
			}
			pv, err := param(v)
			if err != nil {
				return nil, err
			}
			args = append(args, pv)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		tuples = append(tuples, "("+strings.Join(placeholders, ", ")+")")
	}
	quoted := make([]string, 0, len(cols))
	for _, col := range cols {
		quoted = append(quoted, ident(col))
	}
	sql := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES %s%s RETURNING to_jsonb(t)",
		ident(schema, table), strings.Join(quoted, ", "), strings.Join(tuples, ", "), suffix)

	var out []store.Row
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = queryRows(ctx, tx, sql, args...)
		return err
	})
	return out, err
}

// inTx opens a transaction, binds the caller's claims and runs fn.
func (c *Client) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	claims, err := auth.ResolveClaims(ctx, c.tokens, c.now())
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return &store.Error{Code: store.CodeJWTExpired, Message: "JWT expired"}
		}
		return &store.Error{Code: store.CodeJWTInvalid, Message: err.Error()}
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	payload, role := claimsPayload(claims)
	if _, err := tx.Exec(ctx, "SELECT set_config('request.jwt.claims', $1, true), set_config('role', $2, true)", payload, role); err != nil {
		return mapError(err)
	}
	if err := fn(tx); err != nil {
		mapped := mapError(err)
		c.logger.Debug("backend call failed", zap.Error(mapped), zap.String("class", string(store.Classify(mapped))))
		return mapped
	}
	return mapError(tx.Commit(ctx))
}

func claimsPayload(claims *auth.Claims) (string, string) {
	if claims == nil {
		return "{}", AnonRole
	}
	body := map[string]any{"sub": claims.Subject, "role": claims.Role}
	if claims.Email != "" {
		body["email"] = claims.Email
	}
	if !claims.ExpiresAt.IsZero() {
		body["exp"] = claims.ExpiresAt.Unix()
	}
	raw, _ := json.Marshal(body)
	role := claims.Role
	if role == "" {
		role = auth.DefaultRole
	}
	return string(raw), role
}

func queryRows(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]store.Row, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]store.Row, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		row := store.Row{}
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// unwrapScalarFunction flattens the {"fn": value} rows produced by functions
// returning a scalar so that Result.Scalar sees the value itself.
func unwrapScalarFunction(fn string, raw []byte) store.Result {
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil || len(rows) != 1 || len(rows[0]) != 1 {
		return store.NewResult(raw)
	}
	if v, ok := rows[0][fn]; ok {
		return store.NewResult(v)
	}
	return store.NewResult(raw)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &store.Error{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Details: pgErr.Detail,
			Hint:    pgErr.Hint,
		}
	}
	return err
}

func whereClause(filters []store.Filter, args *[]any) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		col := ident(f.Column)
		switch f.Op {
		case store.OpIs:
			if f.Value == nil {
				parts = append(parts, col+" IS NULL")
				continue
			}
			*args = append(*args, f.Value)
			parts = append(parts, fmt.Sprintf("%s IS NOT DISTINCT FROM $%d", col, len(*args)))
		case store.OpIn:
			*args = append(*args, f.Value)
			parts = append(parts, fmt.Sprintf("%s::text = ANY($%d)", col, len(*args)))
		default:
			*args = append(*args, f.Value)
			parts = append(parts, fmt.Sprintf("%s %s $%d", col, operator(f.Op), len(*args)))
		}
	}
	return strings.Join(parts, " AND ")
}

func operator(op store.Op) string {
	switch op {
	case store.OpNeq:
		return "<>"
	case store.OpGt:
		return ">"
	case store.OpGte:
		return ">="
	case store.OpLt:
		return "<"
	case store.OpLte:
		return "<="
	default:
		return "="
	}
}

// param converts JSON-shaped values to something pgx can encode. Maps and
// slices of mixed values travel as JSON text.
func param(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any, store.Row, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode parameter: %w", err)
		}
		return string(raw), nil
	}
	return v, nil
}

func selectList(columns []string) string {
	if len(columns) == 0 {
		return "*"
	}
	quoted := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == "*" {
			return "*"
		}
		quoted = append(quoted, ident(c))
	}
	return strings.Join(quoted, ", ")
}

func ident(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return pgx.Identifier(kept).Sanitize()
}

func columnsOf(rows []store.Row) []string {
	seen := make(map[string]bool)
	for _, row := range rows {
		for col := range row {
			seen[col] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
