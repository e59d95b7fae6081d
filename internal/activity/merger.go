package activity

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPageSize is the per-source page size.
const DefaultPageSize = 20

// MaxPageSize caps the per-source page size of a single step.
const MaxPageSize = 100

// FetchStep advances state by one page per selected, non-exhausted source. It
// returns the new state and the items fetched in this step, newest first.
//
// An empty sources list selects every source. Unselected sources are marked
// exhausted without being queried. pageSize is capped at MaxPageSize. When
// reset is false and every selected source is already exhausted no fetcher is
// called. Any fetch error fails the whole step and the input state is
// returned unchanged.
func FetchStep(ctx context.Context, fetchers map[Source]Fetcher, userID string, state State, sources []Source, pageSize int, reset bool) (State, []Item, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if len(sources) == 0 {
		sources = AllSources
	}
	next := state.clone()
	if reset {
		next = State{Cursors: map[Source]Cursor{}}
	}

	selected := make(map[Source]bool, len(sources))
	for _, src := range sources {
		selected[src] = true
	}
	var pending []Source
	for _, src := range AllSources {
		c := next.Cursors[src]
		if !selected[src] || fetchers[src] == nil {
			c.Exhausted = true
			next.Cursors[src] = c
			continue
		}
		next.Cursors[src] = c
		if !c.Exhausted {
			pending = append(pending, src)
		}
	}
	if len(pending) == 0 {
		if !reset && state.Done(sources) {
			return state, nil, nil
		}
		return next, nil, nil
	}

	pages := make([][]Item, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range pending {
		offset := next.Cursors[src].Offset
		g.Go(func() error {
			items, err := fetchers[src].FetchPage(gctx, userID, offset, pageSize)
			if err != nil {
				return err
			}
			pages[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return state, nil, err
	}

	var fetched []Item
	for i, src := range pending {
		c := next.Cursors[src]
		c.Offset += len(pages[i])
		c.Exhausted = len(pages[i]) < pageSize
		next.Cursors[src] = c
		fetched = append(fetched, pages[i]...)
	}
	SortItems(fetched)
	return next, fetched, nil
}

// SortItems orders items newest first. Ties break on source, then id descending.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.After(b.StartedAt)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.ID > b.ID
	})
}

// MergerOption configures a Merger.
type MergerOption func(*Merger)

// WithLogger sets the merger logger.
func WithLogger(logger *zap.Logger) MergerOption {
	return func(m *Merger) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPageSize sets the per-source page size.
func WithPageSize(n int) MergerOption {
	return func(m *Merger) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// Merger owns the cursors and merged items of one user's activity list.
type Merger struct {
	fetchers map[Source]Fetcher
	userID   string
	pageSize int
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	sources []Source
	byKey   map[string]Item
	items   []Item
	// gen changes on every Reset or SetFilter; fetches started under an
	// older gen are dropped.
	gen uint64
}

// NewMerger constructs a Merger reading userID's sessions.
func NewMerger(fetchers map[Source]Fetcher, userID string, opts ...MergerOption) *Merger {
	m := &Merger{
		fetchers: fetchers,
		userID:   userID,
		pageSize: DefaultPageSize,
		logger:   zap.NewNop(),
		state:    State{Cursors: map[Source]Cursor{}},
		byKey:    map[string]Item{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FetchNext loads the next page of every selected source and merges it in.
// With reset the cursors and items start over once the fetch succeeds. A
// fetch that overlaps a Reset or SetFilter is discarded.
func (m *Merger) FetchNext(ctx context.Context, reset bool) error {
	m.mu.Lock()
	state := m.state
	sources := m.sources
	gen := m.gen
	m.mu.Unlock()

	next, fetched, err := FetchStep(ctx, m.fetchers, m.userID, state, sources, m.pageSize, reset)
	if err != nil {
		m.logger.Warn("activity fetch failed", zap.String("user_id", m.userID), zap.Error(err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		m.logger.Debug("discarding stale activity page", zap.String("user_id", m.userID))
		return nil
	}
	if reset {
		m.byKey = map[string]Item{}
	}
	for _, item := range fetched {
		m.byKey[item.key()] = item
	}
	items := make([]Item, 0, len(m.byKey))
	for _, item := range m.byKey {
		items = append(items, item)
	}
	SortItems(items)
	m.items = items
	m.state = next
	return nil
}

// Items returns a copy of the merged items, newest first.
func (m *Merger) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item(nil), m.items...)
}

// State returns a copy of the current cursors.
func (m *Merger) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Done reports whether every selected source is exhausted.
func (m *Merger) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sources := m.sources
	if len(sources) == 0 {
		sources = AllSources
	}
	return m.state.Done(sources)
}

// SetFilter selects the sources to read; none selects all. Changing the
// filter starts the list over.
func (m *Merger) SetFilter(sources ...Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append([]Source(nil), sources...)
	m.resetLocked()
}

// Reset forgets all cursors and items.
func (m *Merger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Merger) resetLocked() {
	m.gen++
	m.state = State{Cursors: map[Source]Cursor{}}
	m.byKey = map[string]Item{}
	m.items = nil
}
