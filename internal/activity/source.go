// Package activity merges a user's sessions from the strength and cardio
// backends into one newest-first list with independent per-source cursors.
package activity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"example.com/social/internal/auth"
	"example.com/social/internal/domain"
	"example.com/social/internal/feed"
	"example.com/social/internal/observability"
	"example.com/social/internal/store"
)

// Source names one activity backend.
type Source string

const (
	SourceStrength Source = "strength"
	SourceIndoor   Source = "indoor"
	SourceOutdoor  Source = "outdoor"
)

// AllSources lists every source in a stable order.
var AllSources = []Source{SourceStrength, SourceIndoor, SourceOutdoor}

// ParseSource validates a source name.
func ParseSource(raw string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllSources {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown activity source %q", raw)
}

// Item is one session from any source. Items are keyed by (Source, ID).
type Item struct {
	Source       Source              `json:"source"`
	ID           string              `json:"id"`
	StartedAt    time.Time           `json:"started_at"`
	Title        string              `json:"title"`
	ActivityType domain.ActivityType `json:"activity_type"`
	Row          store.Row           `json:"data"`
}

func (i Item) key() string { return string(i.Source) + "/" + i.ID }

// Fetcher reads one page of a user's sessions from a single source, newest first.
type Fetcher interface {
	FetchPage(ctx context.Context, userID string, offset, limit int) ([]Item, error)
}

// TableFetcher reads sessions from a backend table. A table that does not
// exist yields an empty page.
type TableFetcher struct {
	Client     store.Client
	Session    auth.Session
	Logger     *zap.Logger
	Source     Source
	Schema     string
	Table      string
	TimeColumn string
}

// FetchPage implements Fetcher.
func (f TableFetcher) FetchPage(ctx context.Context, userID string, offset, limit int) ([]Item, error) {
	q := store.Query{Schema: f.Schema, Table: f.Table}.
		Where(store.Eq("user_id", userID)).
		OrderDesc(f.TimeColumn).
		OrderDesc("id").
		Range(offset, limit)

	rows, err := feed.WithSessionRetry(ctx, f.Session, f.Logger, func(ctx context.Context) ([]store.Row, error) {
		return f.Client.Select(ctx, q)
	})
	if err != nil {
		if store.IsMissingObject(err) {
			observability.RecordFallback("activity."+string(f.Source), string(store.Classify(err)))
			if f.Logger != nil {
				f.Logger.Debug("activity source unavailable", zap.String("source", string(f.Source)), zap.Error(err))
			}
			return []Item{}, nil
		}
		return nil, fmt.Errorf("%s sessions: %w", f.Source, err)
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		item := f.decode(row)
		if item.ID == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (f TableFetcher) decode(row store.Row) Item {
	item := Item{
		Source:    f.Source,
		ID:        str(row["id"]),
		StartedAt: timestamp(row[f.TimeColumn]),
		Title:     str(row["title"]),
		Row:       row,
	}
	if item.StartedAt.IsZero() {
		item.StartedAt = timestamp(row["created_at"])
	}
	if item.Title == "" {
		item.Title = str(row["name"])
	}
	if f.Source == SourceStrength {
		item.ActivityType = domain.ActivityStrength
	} else {
		item.ActivityType = domain.ParseActivityType(str(row["activity_type"]))
	}
	return item
}

// DefaultFetchers wires the three session tables.
func DefaultFetchers(client store.Client, session auth.Session, logger *zap.Logger) map[Source]Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	table := func(src Source, schema, name string) TableFetcher {
		return TableFetcher{
			Client:     client,
			Session:    session,
			Logger:     logger,
			Source:     src,
			Schema:     schema,
			Table:      name,
			TimeColumn: "started_at",
		}
	}
	return map[Source]Fetcher{
		SourceStrength: table(SourceStrength, "strength", "workouts"),
		SourceIndoor:   table(SourceIndoor, "cardio", "indoor_sessions"),
		SourceOutdoor:  table(SourceOutdoor, "cardio", "outdoor_sessions"),
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02T15:04:05.999999999",
}

func timestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed.UTC()
			}
		}
	}
	return time.Time{}
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
