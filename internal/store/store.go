// Package store defines the query/RPC boundary to the hosted relational backend.
//
// Rows travel as JSON-shaped maps so that callers never depend on a column being
// present: older deployments may lack auxiliary columns, tables, or functions, and
// every consumer decides for itself how to degrade.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Row is a single JSON-shaped record returned by the backend.
type Row map[string]any

// Op enumerates supported filter operators.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
	OpIs  Op = "is"
)

// Filter restricts a query to rows whose column matches the value.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Eq matches rows where column equals value.
func Eq(column string, value any) Filter { return Filter{Column: column, Op: OpEq, Value: value} }

// Neq matches rows where column differs from value.
func Neq(column string, value any) Filter { return Filter{Column: column, Op: OpNeq, Value: value} }

// Lt matches rows where column is strictly less than value.
func Lt(column string, value any) Filter { return Filter{Column: column, Op: OpLt, Value: value} }

// Gt matches rows where column is strictly greater than value.
func Gt(column string, value any) Filter { return Filter{Column: column, Op: OpGt, Value: value} }

// In matches rows where column is one of values.
func In(column string, values []string) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}

// IsNull matches rows where column is null.
func IsNull(column string) Filter { return Filter{Column: column, Op: OpIs, Value: nil} }

// OrderBy sorts query results.
type OrderBy struct {
	Column string
	Desc   bool
}

// Query describes a table read. A zero Limit means no limit.
type Query struct {
	Schema  string
	Table   string
	Columns []string
	Filters []Filter
	Order   []OrderBy
	Offset  int
	Limit   int
}

// Range sets Offset and Limit and returns the query for chaining.
func (q Query) Range(offset, limit int) Query {
	q.Offset = offset
	q.Limit = limit
	return q
}

// Where appends filters and returns the query for chaining.
func (q Query) Where(filters ...Filter) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), filters...)
	return q
}

// OrderDesc appends a descending sort key.
func (q Query) OrderDesc(column string) Query {
	q.Order = append(append([]OrderBy(nil), q.Order...), OrderBy{Column: column, Desc: true})
	return q
}

// Name renders schema.table for logs and metrics.
func (q Query) Name() string { return QualifiedName(q.Schema, q.Table) }

// QualifiedName joins schema and object name.
func QualifiedName(schema, name string) string {
	if schema == "" {
		return name
	}
	return schema + "." + name
}

// UpsertOptions controls conflict handling for Upsert.
type UpsertOptions struct {
	OnConflict       []string
	IgnoreDuplicates bool
}

// Client is the backend surface consumed by the feed pipeline.
type Client interface {
	Select(ctx context.Context, q Query) ([]Row, error)
	Insert(ctx context.Context, schema, table string, rows []Row) ([]Row, error)
	Upsert(ctx context.Context, schema, table string, rows []Row, opts UpsertOptions) ([]Row, error)
	Update(ctx context.Context, schema, table string, patch Row, filters ...Filter) ([]Row, error)
	RPC(ctx context.Context, schema, fn string, params map[string]any) (Result, error)
}

// Result is the raw JSON payload returned by an RPC call. Functions may return a
// single row, a set of rows, a scalar, or nothing at all.
type Result struct {
	raw json.RawMessage
}

// NewResult wraps a JSON payload.
func NewResult(raw []byte) Result {
	return Result{raw: json.RawMessage(raw)}
}

// ResultOf marshals v into a Result.
func ResultOf(v any) (Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{raw: raw}, nil
}

// Raw returns the underlying JSON.
func (r Result) Raw() json.RawMessage { return r.raw }

// Empty reports whether the RPC returned nothing.
func (r Result) Empty() bool {
	rows, err := r.values()
	return err != nil || len(rows) == 0
}

// Rows returns every object in the payload. Scalars are skipped.
func (r Result) Rows() ([]Row, error) {
	values, err := r.values()
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(values))
	for _, v := range values {
		if m, ok := v.(map[string]any); ok {
			rows = append(rows, Row(m))
		}
	}
	return rows, nil
}

// Scalar returns the first value of the payload, unwrapping single-column rows.
func (r Result) Scalar() (any, bool) {
	values, err := r.values()
	if err != nil || len(values) == 0 {
		return nil, false
	}
	first := values[0]
	if m, ok := first.(map[string]any); ok {
		if len(m) != 1 {
			return nil, false
		}
		for _, v := range m {
			return v, true
		}
	}
	return first, first != nil
}

// Decode unmarshals the raw payload into v.
func (r Result) Decode(v any) error {
	if len(r.raw) == 0 {
		return nil
	}
	return json.Unmarshal(r.raw, v)
}

func (r Result) values() ([]any, error) {
	if len(r.raw) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(r.raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode rpc result: %w", err)
	}
	switch v := decoded.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return []any{v}, nil
	}
}
