// Package memory is an in-process implementation of store.Client for local
// development and tests. It emulates the parts of the hosted backend the feed
// pipeline depends on: unique constraints, error codes for missing objects, RPC
// functions that see the caller's identity, and expired sessions.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/social/internal/auth"
	"example.com/social/internal/store"
)

// TableDef declares a table's columns and constraints.
type TableDef struct {
	// Columns lists known columns. Writing or selecting any other column fails
	// with an undefined-column error.
	Columns []string
	// PrimaryKey is generated as a UUID when absent on insert.
	PrimaryKey string
	// Unique lists composite unique constraints. Rows with a null key column never
	// collide, matching Postgres semantics.
	Unique [][]string
	// Timestamps are filled with the current time when absent on insert.
	Timestamps []string
	// Defaults are applied to absent columns on insert.
	Defaults store.Row
}

type table struct {
	def     TableDef
	columns map[string]bool
	rows    []store.Row
}

// Call is handed to RPC functions. It exposes the caller and lock-free table
// access for the duration of the call.
type Call struct {
	db     *DB
	UserID string
	Params map[string]any
}

// RPCFunc implements a backend function.
type RPCFunc func(ctx context.Context, call *Call) (any, error)

// Option configures a DB.
type Option func(*DB)

// WithTokenSource supplies claims for calls whose context carries none.
func WithTokenSource(src auth.TokenSource) Option {
	return func(db *DB) { db.tokens = src }
}

// WithClock overrides the clock used for timestamps and token expiry.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// DB is an in-memory backend. It is safe for concurrent use.
type DB struct {
	mu       sync.Mutex
	tables   map[string]*table
	rpcs     map[string]RPCFunc
	tokens   auth.TokenSource
	now      func() time.Time
	tick     time.Duration
	calls    map[string]int
	failures map[string][]error
}

// New constructs an empty DB.
func New(opts ...Option) *DB {
	db := &DB{
		tables:   make(map[string]*table),
		rpcs:     make(map[string]RPCFunc),
		now:      time.Now,
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

var _ store.Client = (*DB)(nil)

// CreateTable declares (or replaces) a table.
func (db *DB) CreateTable(schema, name string, def TableDef) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cols := make(map[string]bool, len(def.Columns))
	for _, c := range def.Columns {
		cols[c] = true
	}
	db.tables[store.QualifiedName(schema, name)] = &table{def: def, columns: cols}
}

// DropTable removes a table, emulating an older deployment.
func (db *DB) DropTable(schema, name string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.tables, store.QualifiedName(schema, name))
}

// DropColumn removes a column from a table and from every stored row.
func (db *DB) DropColumn(schema, name, column string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[store.QualifiedName(schema, name)]
	if !ok {
		return
	}
	delete(t.columns, column)
	for _, row := range t.rows {
		delete(row, column)
	}
}

// DropUniqueConstraints removes every composite unique constraint of a table.
func (db *DB) DropUniqueConstraints(schema, name string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tables[store.QualifiedName(schema, name)]; ok {
		t.def.Unique = nil
	}
}

// RegisterRPC installs a backend function.
func (db *DB) RegisterRPC(schema, fn string, f RPCFunc) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rpcs[store.QualifiedName(schema, fn)] = f
}

// DropRPC removes a backend function.
func (db *DB) DropRPC(schema, fn string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.rpcs, store.QualifiedName(schema, fn))
}

// FailNext queues err to be returned by the next call of op, e.g.
// "rpc:social.get_feed_user" or "select:public.profiles".
func (db *DB) FailNext(op string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failures[op] = append(db.failures[op], err)
}

// Calls reports how many times op was invoked.
func (db *DB) Calls(op string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls[op]
}

// TotalCalls reports the number of backend calls of any kind.
func (db *DB) TotalCalls() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	total := 0
	for _, n := range db.calls {
		total += n
	}
	return total
}

// Seed inserts rows without auth checks or failure injection.
func (db *DB) Seed(schema, name string, rows ...store.Row) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.insertLocked(store.QualifiedName(schema, name), rows)
	return err
}

// Rows returns a copy of a table's contents.
func (db *DB) Rows(schema, name string) []store.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[store.QualifiedName(schema, name)]
	if !ok {
		return nil
	}
	return cloneRows(t.rows)
}

// Select implements store.Client.
func (db *DB) Select(ctx context.Context, q store.Query) ([]store.Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.begin(ctx, "select:"+q.Name()); err != nil {
		return nil, err
	}
	return db.selectLocked(q)
}

// Insert implements store.Client.
func (db *DB) Insert(ctx context.Context, schema, name string, rows []store.Row) ([]store.Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	qualified := store.QualifiedName(schema, name)
	if _, err := db.begin(ctx, "insert:"+qualified); err != nil {
		return nil, err
	}
	return db.insertLocked(qualified, rows)
}

// Upsert implements store.Client.
func (db *DB) Upsert(ctx context.Context, schema, name string, rows []store.Row, opts store.UpsertOptions) ([]store.Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	qualified := store.QualifiedName(schema, name)
	if _, err := db.begin(ctx, "upsert:"+qualified); err != nil {
		return nil, err
	}
	return db.upsertLocked(qualified, rows, opts)
}

// Update implements store.Client.
func (db *DB) Update(ctx context.Context, schema, name string, patch store.Row, filters ...store.Filter) ([]store.Row, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	qualified := store.QualifiedName(schema, name)
	if _, err := db.begin(ctx, "update:"+qualified); err != nil {
		return nil, err
	}
	return db.updateLocked(qualified, patch, filters)
}

// RPC implements store.Client.
func (db *DB) RPC(ctx context.Context, schema, fn string, params map[string]any) (store.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	qualified := store.QualifiedName(schema, fn)
	userID, err := db.begin(ctx, "rpc:"+qualified)
	if err != nil {
		return store.Result{}, err
	}
	f, ok := db.rpcs[qualified]
	if !ok {
		return store.Result{}, &store.Error{
			Code:    store.CodeFunctionNotFound,
			Message: fmt.Sprintf("Could not find the function %s in the schema cache", qualified),
		}
	}
	normalized, err := normalizeParams(params)
	if err != nil {
		return store.Result{}, err
	}
	out, err := f(ctx, &Call{db: db, UserID: userID, Params: normalized})
	if err != nil {
		return store.Result{}, err
	}
	return store.ResultOf(out)
}

// begin records the call, applies injected failures and resolves the caller.
func (db *DB) begin(ctx context.Context, op string) (string, error) {
	db.calls[op]++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if queued := db.failures[op]; len(queued) > 0 {
		db.failures[op] = queued[1:]
		return "", queued[0]
	}
	claims, err := auth.ResolveClaims(ctx, db.tokens, db.now())
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return "", &store.Error{Code: store.CodeJWTExpired, Message: "JWT expired"}
		}
		return "", &store.Error{Code: store.CodeJWTInvalid, Message: err.Error()}
	}
	if claims == nil {
		return "", nil
	}
	return claims.Subject, nil
}

func (db *DB) table(qualified string) (*table, error) {
	t, ok := db.tables[qualified]
	if !ok {
		return nil, &store.Error{
			Code:    store.CodeUndefinedTable,
			Message: fmt.Sprintf("relation %q does not exist", qualified),
		}
	}
	return t, nil
}

func (t *table) checkColumn(qualified, column string) error {
	if len(t.columns) == 0 || t.columns[column] {
		return nil
	}
	return &store.Error{
		Code:    store.CodeUndefinedColumn,
		Message: fmt.Sprintf("column %s.%s does not exist", qualified, column),
	}
}

func (db *DB) selectLocked(q store.Query) ([]store.Row, error) {
	qualified := q.Name()
	t, err := db.table(qualified)
	if err != nil {
		return nil, err
	}
	for _, c := range q.Columns {
		if c == "*" {
			continue
		}
		if err := t.checkColumn(qualified, c); err != nil {
			return nil, err
		}
	}
	for _, f := range q.Filters {
		if err := t.checkColumn(qualified, f.Column); err != nil {
			return nil, err
		}
	}
	for _, o := range q.Order {
		if err := t.checkColumn(qualified, o.Column); err != nil {
			return nil, err
		}
	}

	matched := make([]store.Row, 0)
	for _, row := range t.rows {
		if matches(row, q.Filters) {
			matched = append(matched, row)
		}
	}
	if len(q.Order) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, o := range q.Order {
				c := compare(matched[i][o.Column], matched[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]store.Row, 0, len(matched))
	for _, row := range matched {
		out = append(out, project(row, q.Columns))
	}
	return out, nil
}

func (db *DB) insertLocked(qualified string, rows []store.Row) ([]store.Row, error) {
	t, err := db.table(qualified)
	if err != nil {
		return nil, err
	}
	prepared := make([]store.Row, 0, len(rows))
	for _, raw := range rows {
		row, err := db.prepareRow(t, qualified, raw)
		if err != nil {
			return nil, err
		}
		if conflict := t.conflicting(row, t.rows); conflict != nil {
			return nil, uniqueViolation(qualified, conflict)
		}
		if conflict := t.conflicting(row, prepared); conflict != nil {
			return nil, uniqueViolation(qualified, conflict)
		}
		prepared = append(prepared, row)
	}
	t.rows = append(t.rows, prepared...)
	return cloneRows(prepared), nil
}

func (db *DB) upsertLocked(qualified string, rows []store.Row, opts store.UpsertOptions) ([]store.Row, error) {
	t, err := db.table(qualified)
	if err != nil {
		return nil, err
	}
	key, ok := t.constraintFor(opts.OnConflict)
	if !ok {
		return nil, &store.Error{
			Code:    store.CodeNoMatchingConstraint,
			Message: "there is no unique or exclusion constraint matching the ON CONFLICT specification",
		}
	}

	out := make([]store.Row, 0, len(rows))
	for _, raw := range rows {
		row, err := db.prepareRow(t, qualified, raw)
		if err != nil {
			return nil, err
		}
		existing := t.find(key, row)
		if existing == nil {
			if conflict := t.conflicting(row, t.rows); conflict != nil {
				return nil, uniqueViolation(qualified, conflict)
			}
			t.rows = append(t.rows, row)
			out = append(out, cloneRow(row))
			continue
		}
		if opts.IgnoreDuplicates {
			continue
		}
		for col := range raw {
			existing[col] = row[col]
		}
		out = append(out, cloneRow(existing))
	}
	return out, nil
}

func (db *DB) updateLocked(qualified string, patch store.Row, filters []store.Filter) ([]store.Row, error) {
	t, err := db.table(qualified)
	if err != nil {
		return nil, err
	}
	for _, f := range filters {
		if err := t.checkColumn(qualified, f.Column); err != nil {
			return nil, err
		}
	}
	normalized, err := normalizeRow(patch)
	if err != nil {
		return nil, err
	}
	for col := range normalized {
		if err := t.checkColumn(qualified, col); err != nil {
			return nil, err
		}
	}
	out := make([]store.Row, 0)
	for _, row := range t.rows {
		if !matches(row, filters) {
			continue
		}
		for col, v := range normalized {
			row[col] = v
		}
		out = append(out, cloneRow(row))
	}
	return out, nil
}

func (db *DB) deleteLocked(qualified string, filters []store.Filter) (int, error) {
	t, err := db.table(qualified)
	if err != nil {
		return 0, err
	}
	kept := t.rows[:0]
	removed := 0
	for _, row := range t.rows {
		if matches(row, filters) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	t.rows = kept
	return removed, nil
}

func (db *DB) prepareRow(t *table, qualified string, raw store.Row) (store.Row, error) {
	row, err := normalizeRow(raw)
	if err != nil {
		return nil, err
	}
	for col := range row {
		if err := t.checkColumn(qualified, col); err != nil {
			return nil, err
		}
	}
	if pk := t.def.PrimaryKey; pk != "" {
		if v, ok := row[pk]; !ok || v == nil || v == "" {
			row[pk] = uuid.NewString()
		}
	}
	for _, col := range t.def.Timestamps {
		if v, ok := row[col]; !ok || v == nil {
			row[col] = db.timestamp()
		}
	}
	for col, v := range t.def.Defaults {
		if _, ok := row[col]; !ok && t.columns[col] {
			row[col] = cloneValue(v)
		}
	}
	return row, nil
}

// timestamp returns a strictly increasing RFC 3339 timestamp so that rows written
// in the same instant keep insertion order.
func (db *DB) timestamp() string {
	db.tick += time.Microsecond
	return db.now().UTC().Add(db.tick).Format(time.RFC3339Nano)
}

func (t *table) keys() [][]string {
	keys := make([][]string, 0, len(t.def.Unique)+1)
	if t.def.PrimaryKey != "" {
		keys = append(keys, []string{t.def.PrimaryKey})
	}
	return append(keys, t.def.Unique...)
}

func (t *table) constraintFor(cols []string) ([]string, bool) {
	want := append([]string(nil), cols...)
	sort.Strings(want)
	for _, key := range t.keys() {
		have := append([]string(nil), key...)
		sort.Strings(have)
		if strings.Join(have, ",") == strings.Join(want, ",") {
			return key, true
		}
	}
	return nil, false
}

func (t *table) find(key []string, row store.Row) store.Row {
	for _, existing := range t.rows {
		if sameKey(key, row, existing) {
			return existing
		}
	}
	return nil
}

func (t *table) conflicting(row store.Row, against []store.Row) []string {
	for _, key := range t.keys() {
		for _, existing := range against {
			if sameKey(key, row, existing) {
				return key
			}
		}
	}
	return nil
}

func sameKey(key []string, a, b store.Row) bool {
	for _, col := range key {
		av, bv := a[col], b[col]
		if av == nil || bv == nil || compare(av, bv) != 0 {
			return false
		}
	}
	return true
}

func uniqueViolation(qualified string, key []string) error {
	return &store.Error{
		Code:    store.CodeUniqueViolation,
		Message: fmt.Sprintf("duplicate key value violates unique constraint on %s (%s)", qualified, strings.Join(key, ", ")),
	}
}

func matches(row store.Row, filters []store.Filter) bool {
	for _, f := range filters {
		v := row[f.Column]
		switch f.Op {
		case store.OpEq:
			if v == nil || compare(v, f.Value) != 0 {
				return false
			}
		case store.OpNeq:
			if v == nil || compare(v, f.Value) == 0 {
				return false
			}
		case store.OpGt:
			if v == nil || compare(v, f.Value) <= 0 {
				return false
			}
		case store.OpGte:
			if v == nil || compare(v, f.Value) < 0 {
				return false
			}
		case store.OpLt:
			if v == nil || compare(v, f.Value) >= 0 {
				return false
			}
		case store.OpLte:
			if v == nil || compare(v, f.Value) > 0 {
				return false
			}
		case store.OpIn:
			if v == nil || !contains(f.Value, v) {
				return false
			}
		case store.OpIs:
			if f.Value == nil && v != nil {
				return false
			}
			if f.Value != nil && compare(v, f.Value) != 0 {
				return false
			}
		}
	}
	return true
}

func contains(list any, v any) bool {
	switch l := list.(type) {
	case []string:
		for _, item := range l {
			if compare(item, v) == 0 {
				return true
			}
		}
	case []any:
		for _, item := range l {
			if compare(item, v) == 0 {
				return true
			}
		}
	}
	return false
}

// compare orders JSON-shaped values; nil sorts after everything.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	af, aNum := number(a)
	bf, bNum := number(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	if at, ok := timestamp(a); ok {
		if bt, ok := timestamp(b); ok {
			return at.Compare(bt)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func timestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if len(t) < len("2006-01-02T15:04:05Z") {
			return time.Time{}, false
		}
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func project(row store.Row, columns []string) store.Row {
	if len(columns) == 0 || (len(columns) == 1 && columns[0] == "*") {
		return cloneRow(row)
	}
	out := make(store.Row, len(columns))
	for _, c := range columns {
		out[c] = cloneValue(row[c])
	}
	return out
}

func normalizeRow(row store.Row) (store.Row, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	out := store.Row{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return out, nil
}

func normalizeParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	row, err := normalizeRow(params)
	if err != nil {
		return nil, err
	}
	return map[string]any(row), nil
}

func cloneRows(rows []store.Row) []store.Row {
	out := make([]store.Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, cloneRow(r))
	}
	return out
}

func cloneRow(row store.Row) store.Row {
	out := make(store.Row, len(row))
	for k, v := range row {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case store.Row:
		return cloneRow(t)
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	}
	return v
}

// Select reads a table on behalf of an RPC function.
func (c *Call) Select(q store.Query) ([]store.Row, error) { return c.db.selectLocked(q) }

// Insert writes rows on behalf of an RPC function.
func (c *Call) Insert(schema, name string, rows ...store.Row) ([]store.Row, error) {
	return c.db.insertLocked(store.QualifiedName(schema, name), rows)
}

// Update patches rows on behalf of an RPC function.
func (c *Call) Update(schema, name string, patch store.Row, filters ...store.Filter) ([]store.Row, error) {
	return c.db.updateLocked(store.QualifiedName(schema, name), patch, filters)
}

// Delete removes rows on behalf of an RPC function.
func (c *Call) Delete(schema, name string, filters ...store.Filter) (int, error) {
	return c.db.deleteLocked(store.QualifiedName(schema, name), filters)
}

// String returns a string parameter, or "" when absent.
func (c *Call) String(name string) string {
	switch v := c.Params[name].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// Int returns an integer parameter, or fallback when absent.
func (c *Call) Int(name string, fallback int) int {
	if f, ok := number(c.Params[name]); ok {
		return int(f)
	}
	return fallback
}

// Strings returns a string-list parameter.
func (c *Call) Strings(name string) []string {
	list, _ := c.Params[name].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Now returns the backend clock reading.
func (c *Call) Now() string { return c.db.timestamp() }
