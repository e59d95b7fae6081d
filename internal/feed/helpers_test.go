package feed

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/social/internal/auth"
	"example.com/social/internal/events"
	"example.com/social/internal/store"
	"example.com/social/internal/store/memory"
)

const (
	viewerID = "11111111-1111-4111-8111-111111111111"
	friendID = "22222222-2222-4222-8222-222222222222"
	otherID  = "33333333-3333-4333-8333-333333333333"
)

// fakeSession serves claims to the memory store and can be made to expire.
type fakeSession struct {
	mu         sync.Mutex
	userID     string
	expired    bool
	refreshes  int
	refreshErr error
}

func (f *fakeSession) Claims(context.Context) (*auth.Claims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired {
		return nil, auth.ErrTokenExpired
	}
	if f.userID == "" {
		return nil, nil
	}
	return &auth.Claims{Subject: f.userID, Role: auth.DefaultRole}, nil
}

func (f *fakeSession) CurrentUserID(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userID == "" {
		return "", auth.ErrNoSession
	}
	return f.userID, nil
}

func (f *fakeSession) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.expired = false
	return nil
}

func (f *fakeSession) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = true
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.PostShared
	err    error
}

func (r *recordingPublisher) PublishPostShared(_ context.Context, evt events.PostShared) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

type fixture struct {
	db        *memory.DB
	session   *fakeSession
	publisher *recordingPublisher
	svc       *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	session := &fakeSession{userID: viewerID}
	db := memory.NewSocial(memory.WithTokenSource(session))
	publisher := &recordingPublisher{}
	opts = append([]Option{WithPublisher(publisher)}, opts...)
	return &fixture{
		db:        db,
		session:   session,
		publisher: publisher,
		svc:       NewService(db, session, opts...),
	}
}

func (f *fixture) seedPost(t *testing.T, row store.Row) string {
	t.Helper()
	require.NoError(t, f.db.Seed(memory.SchemaSocial, memory.TablePosts, row))
	rows := f.db.Rows(memory.SchemaSocial, memory.TablePosts)
	return rows[len(rows)-1]["id"].(string)
}

func (f *fixture) follow(t *testing.T, follower, followee string) {
	t.Helper()
	require.NoError(t, f.db.Seed(memory.SchemaSocial, memory.TableFollows,
		store.Row{"follower_id": follower, "followee_id": followee}))
}

var errBoom = errors.New("boom")
