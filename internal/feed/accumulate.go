package feed

import (
	"context"
	"sort"
	"sync"

	"example.com/social/internal/domain"
)

// MergePosts folds incoming into existing, keyed by post id. Incoming entries
// replace existing ones so counters stay fresh. The result is ordered newest
// first and merging the same page twice changes nothing.
func MergePosts(existing, incoming []domain.FeedPost) []domain.FeedPost {
	byID := make(map[string]domain.FeedPost, len(existing)+len(incoming))
	for _, p := range existing {
		byID[p.ID] = p
	}
	for _, p := range incoming {
		if p.ID == "" {
			continue
		}
		byID[p.ID] = p
	}
	out := make([]domain.FeedPost, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Pager reads feed pages.
type Pager interface {
	GetPage(ctx context.Context, page Page, filter Filter) (PageResult, error)
}

// Timeline is a caller-held, accumulated view over a feed. It is safe for
// concurrent use; network calls happen outside the lock so a refresh may race
// a Next without corrupting the list.
type Timeline struct {
	pager  Pager
	filter Filter
	limit  int

	mu     sync.Mutex
	offset int
	done   bool
	posts  []domain.FeedPost
	// gen changes on Reset; pages requested under an older gen are dropped.
	gen uint64
}

// NewTimeline constructs a Timeline.
func NewTimeline(pager Pager, filter Filter, limit int) *Timeline {
	return &Timeline{pager: pager, filter: filter, limit: limit}
}

// Next fetches the page after the last one loaded. Once the feed is exhausted
// it returns without calling the backend.
func (t *Timeline) Next(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	offset := t.offset
	gen := t.gen
	t.mu.Unlock()

	res, err := t.pager.GetPage(ctx, Page{Offset: offset, Limit: t.limit}, t.filter)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return nil
	}
	t.posts = MergePosts(t.posts, res.Posts)
	if offset == t.offset {
		t.offset = res.NextOffset
		t.done = res.Last
	}
	return nil
}

// Refresh refetches the first page and merges it in without dropping pages
// loaded earlier.
func (t *Timeline) Refresh(ctx context.Context) error {
	t.mu.Lock()
	gen := t.gen
	t.mu.Unlock()

	res, err := t.pager.GetPage(ctx, Page{Offset: 0, Limit: t.limit}, t.filter)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return nil
	}
	t.posts = MergePosts(t.posts, res.Posts)
	if t.offset == 0 {
		t.offset = res.NextOffset
		t.done = res.Last
	}
	return nil
}

// Reset forgets everything loaded so far.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.offset = 0
	t.done = false
	t.posts = nil
}

// Posts returns a copy of the accumulated posts, newest first.
func (t *Timeline) Posts() []domain.FeedPost {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.FeedPost(nil), t.posts...)
}

// Done reports whether the last page has been loaded.
func (t *Timeline) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
