package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/tarpsync/internal/backend"
	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/matheus3301/tarpsync/internal/readcache"
	"github.com/matheus3301/tarpsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockAPI records calls and returns configurable results.
type mockAPI struct {
	mu    sync.Mutex
	calls []string
	sent  []backend.SendMessageRequest
	fail  map[string]error // keyed by call, e.g. "join:g2"
	block chan struct{}
	next  int
}

func (m *mockAPI) record(call string) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	err := m.fail[call]
	block := m.block
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (m *mockAPI) SendMessage(_ context.Context, req backend.SendMessageRequest) (string, error) {
	if err := m.record("send:" + req.GroupID); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, req)
	m.next++
	return fmt.Sprintf("srv-%d", m.next), nil
}

func (m *mockAPI) DeleteMessage(_ context.Context, id string) error { return m.record("delete:" + id) }
func (m *mockAPI) React(_ context.Context, id, r string) error {
	return m.record("react:" + id + ":" + r)
}
func (m *mockAPI) MarkRead(_ context.Context, g string) error   { return m.record("read:" + g) }
func (m *mockAPI) JoinGroup(_ context.Context, g string) error  { return m.record("join:" + g) }
func (m *mockAPI) LeaveGroup(_ context.Context, g string) error { return m.record("leave:" + g) }

func (m *mockAPI) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	db     *store.DB
	api    *mockAPI
	bus    *bus.Bus
	queue  *Queue
	sender *Sender
	cache  *readcache.Cache
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	db := testDB(t)
	api := &mockAPI{fail: map[string]error{}}
	b := bus.New()
	cache, err := readcache.New(16, 0, nil)
	require.NoError(t, err)
	q := NewQueue(db, Handlers(db, api, cache), b, zap.NewNop(), 3, func() bool { return online })
	t.Cleanup(q.Close)
	return &fixture{
		db:     db,
		api:    api,
		bus:    b,
		queue:  q,
		cache:  cache,
		sender: NewSender(db, q, cache, Identity{UserID: "me", DisplayName: "Me"}, zap.NewNop()),
	}
}

func TestOfflineSendThenReconnect(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.db.UpsertGroup(ctx, &store.Group{ID: "G1", Name: "g"}))

	res, err := f.sender.Send(ctx, Intent{Type: TypeMessage, GroupID: "G1", Content: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, res.TempID)

	pending, err := f.db.GetMessage(ctx, res.TempID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.True(t, pending.IsPending)
	assert.Equal(t, "Me", pending.SenderName)

	actions, err := f.db.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Empty(t, f.api.snapshot(), "offline send must not call the backend")

	dr, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 1, Synced: 1}, dr)
	assert.Equal(t, []string{"send:G1"}, f.api.snapshot())

	confirmed, err := f.db.GetMessage(ctx, "srv-1")
	require.NoError(t, err)
	require.NotNil(t, confirmed)
	assert.Equal(t, "srv-1", confirmed.ID)
	assert.False(t, confirmed.IsPending)

	msgs, err := f.db.QueryMessages(ctx, store.MessageQuery{GroupID: "G1"})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	actions, err = f.db.PendingActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestDrainPreservesOrderAcrossFailures(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.api.fail["join:g2"] = errors.New("boom")

	for _, g := range []string{"g1", "g2", "g3"} {
		_, err := f.sender.Send(ctx, Intent{Type: TypeJoinGroup, GroupID: g})
		require.NoError(t, err)
	}

	dr, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"join:g1", "join:g2", "join:g3"}, f.api.snapshot())
	assert.Equal(t, 2, dr.Synced)
	assert.Equal(t, 1, dr.Failed)

	st, err := f.queue.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Pending: 1, Failing: 1}, st)
}

func TestRetryBudgetTermination(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.api.fail["leave:g1"] = errors.New("unreachable")

	ch, unsub := f.bus.Subscribe("outbox.action_dropped", 1)
	defer unsub()

	_, err := f.sender.Send(ctx, Intent{Type: TypeLeaveGroup, GroupID: "g1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.queue.Drain(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, f.api.snapshot(), 3, "action executed more than its retry budget")

	actions, err := f.db.PendingActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)

	select {
	case evt := <-ch:
		assert.Equal(t, 3, evt.Payload.(ActionEvent).RetryCount)
	case <-time.After(time.Second):
		t.Fatal("no dropped event")
	}
}

func TestDroppedMessageStaysPending(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.api.fail["send:g1"] = errors.New("down")

	res, err := f.sender.Send(ctx, Intent{Type: TypeMessage, GroupID: "g1", Content: "lost"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _ = f.queue.Drain(ctx)
	}

	m, err := f.db.GetMessage(ctx, res.TempID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.IsPending)
}

func TestUnknownActionCountsAsFailure(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.db.AddAction(ctx, &store.Action{ID: "x", Type: "teleport", MaxRetries: 1, CreatedAt: 1}))

	dr, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Attempted: 1, Dropped: 1}, dr)
}

func TestConcurrentDrainIsSkipped(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.api.block = make(chan struct{})

	_, err := f.sender.Send(ctx, Intent{Type: TypeJoinGroup, GroupID: "g1"})
	require.NoError(t, err)

	done := make(chan DrainResult)
	go func() {
		dr, _ := f.queue.Drain(ctx)
		done <- dr
	}()
	require.Eventually(t, f.queue.Draining, time.Second, time.Millisecond)

	dr, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, dr.Skipped)

	close(f.api.block)
	assert.Equal(t, 1, (<-done).Synced)
}

func TestReplyToPendingMessageUsesServerID(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	first, err := f.sender.Send(ctx, Intent{Type: TypeMessage, GroupID: "g1", Content: "question"})
	require.NoError(t, err)
	_, err = f.sender.Send(ctx, Intent{Type: TypeMessage, GroupID: "g1", Content: "answer", ReplyTo: first.TempID})
	require.NoError(t, err)

	_, err = f.queue.Drain(ctx)
	require.NoError(t, err)

	require.Len(t, f.api.sent, 2)
	assert.Equal(t, "", f.api.sent[0].ReplyTo)
	assert.Equal(t, "srv-1", f.api.sent[1].ReplyTo)
}

func TestReactionOnUnsentMessageWaits(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.api.fail["send:g1"] = errors.New("down")

	msg, err := f.sender.Send(ctx, Intent{Type: TypeMessage, GroupID: "g1", Content: "x"})
	require.NoError(t, err)
	_, err = f.sender.Send(ctx, Intent{Type: TypeReaction, MessageID: msg.TempID, Reaction: "+1"})
	require.NoError(t, err)

	dr, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dr.Failed)
	assert.Equal(t, []string{"send:g1"}, f.api.snapshot())
}

func TestAddDrainsWhenOnline(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	ch, unsub := f.bus.Subscribe("outbox.action_synced", 1)
	defer unsub()

	_, err := f.sender.Send(ctx, Intent{Type: TypeJoinGroup, GroupID: "g1"})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("online add did not drain")
	}
}

func TestSendDeleteAndRead(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.db.UpsertGroup(ctx, &store.Group{ID: "g1", UnreadCount: 4}))
	require.NoError(t, f.db.UpsertMessage(ctx, &store.Message{ID: "m1", ServerID: "m1", GroupID: "g1", SenderID: "u", CreatedAt: 10}))
	f.cache.Set(readcache.MessagesKey("g1"), "stale")

	_, err := f.sender.Send(ctx, Intent{Type: TypeDeleteMessage, MessageID: "m1"})
	require.NoError(t, err)
	_, err = f.sender.Send(ctx, Intent{Type: TypeReadStatus, GroupID: "g1"})
	require.NoError(t, err)

	m, err := f.db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.NotZero(t, m.DeletedAt)
	g, err := f.db.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Zero(t, g.UnreadCount)
	_, _, ok := f.cache.Get(readcache.MessagesKey("g1"))
	assert.False(t, ok, "send should invalidate the group's message list")

	_, err = f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete:m1", "read:g1"}, f.api.snapshot())
	m, err = f.db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDrainInvalidatesReadCache(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.db.UpsertGroup(ctx, &store.Group{ID: "G1", Name: "g"}))
	require.NoError(t, f.db.UpsertMessage(ctx, &store.Message{ID: "old", GroupID: "G1", Content: "x", CreatedAt: 1}))

	_, err := f.sender.Send(ctx, Intent{Type: TypeMessage, GroupID: "G1", Content: "hi"})
	require.NoError(t, err)
	_, err = f.sender.Send(ctx, Intent{Type: TypeDeleteMessage, MessageID: "old"})
	require.NoError(t, err)
	_, err = f.sender.Send(ctx, Intent{Type: TypeLeaveGroup, GroupID: "G1"})
	require.NoError(t, err)

	// Projections as a reader would have cached them while offline.
	pending, err := f.db.QueryMessages(ctx, store.MessageQuery{GroupID: "G1"})
	require.NoError(t, err)
	groups, err := f.db.ListGroups(ctx)
	require.NoError(t, err)
	f.cache.Set(readcache.MessagesKey("G1"), pending)
	f.cache.Set(readcache.GroupKey("G1"), groups[0])
	f.cache.Set(readcache.GroupsKey(), groups)

	dr, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, dr.Synced)

	for _, key := range []readcache.Key{readcache.MessagesKey("G1"), readcache.GroupKey("G1"), readcache.GroupsKey()} {
		_, _, ok := f.cache.Get(key)
		assert.False(t, ok, "%s still cached after drain", key)
	}
}

func TestFailedEnqueueRemovesOptimisticMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	q := NewQueue(db, map[string]Handler{}, bus.New(), zap.NewNop(), 3, func() bool { return false })
	t.Cleanup(q.Close)
	sender := NewSender(db, q, nil, Identity{UserID: "me"}, zap.NewNop())

	_, err := sender.Send(ctx, Intent{Type: TypeMessage, GroupID: "G1", Content: "hi"})
	require.ErrorIs(t, err, ErrUnknownAction)

	msgs, err := db.QueryMessages(ctx, store.MessageQuery{GroupID: "G1"})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, false)
	tests := []struct {
		name string
		in   Intent
		want error
	}{
		{"message without group", Intent{Type: TypeMessage, Content: "x"}, ErrInvalidIntent},
		{"empty message", Intent{Type: TypeMessage, GroupID: "g", Content: "  "}, ErrInvalidIntent},
		{"reaction without emoji", Intent{Type: TypeReaction, MessageID: "m"}, ErrInvalidIntent},
		{"join without group", Intent{Type: TypeJoinGroup}, ErrInvalidIntent},
		{"unknown", Intent{Type: "poke"}, ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sender.Send(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
