package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/tarpsync/internal/backend"
	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/matheus3301/tarpsync/internal/kv"
	"github.com/matheus3301/tarpsync/internal/readcache"
	"github.com/matheus3301/tarpsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSource serves canned groups and messages.
type fakeSource struct {
	mu       gosync.Mutex
	groups   []backend.WireGroup
	messages map[string][]backend.WireMessage
	fail     map[string]error
	fetched  []string
	delay    time.Duration
	block    chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{messages: map[string][]backend.WireMessage{}, fail: map[string]error{}}
}

func (s *fakeSource) ListGroups(context.Context) ([]backend.WireGroup, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.WireGroup(nil), s.groups...), nil
}

func (s *fakeSource) GroupMessages(_ context.Context, id string) ([]backend.WireMessage, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = append(s.fetched, id)
	if err := s.fail[id]; err != nil {
		return nil, err
	}
	return s.messages[id], nil
}

func (s *fakeSource) fetchedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetched...)
}

func (s *fakeSource) setGroup(id string, lastMessageAt int64, msgIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var g backend.WireGroup
	mustJSON(&g, fmt.Sprintf(`{"id":%q,"name":"group %s","createdAt":1000,"lastMessageAt":%d}`, id, id, lastMessageAt))
	replaced := false
	for i := range s.groups {
		if string(s.groups[i].ID) == id {
			s.groups[i] = g
			replaced = true
		}
	}
	if !replaced {
		s.groups = append(s.groups, g)
	}
	var msgs []backend.WireMessage
	for i, mid := range msgIDs {
		var w backend.WireMessage
		mustJSON(&w, fmt.Sprintf(`{"content":{"id":%q,"message":"m"},"sender":{"id":"u1","fname":"Ana"},"createdAt":%d}`, mid, lastMessageAt-int64(len(msgIDs)-1-i)))
		msgs = append(msgs, w)
	}
	s.messages[id] = msgs
}

func mustJSON(v any, s string) {
	if err := json.Unmarshal([]byte(s), v); err != nil {
		panic(err)
	}
}

func backings(t *testing.T) map[string]store.Store {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]store.Store{
		"sqlite": db,
		"kv":     store.NewKVStore(kv.NewMemory()),
	}
}

func newReconciler(st store.Store, src Source, cache *readcache.Cache, b *bus.Bus) *Reconciler {
	return NewReconciler(st, src, cache, nil, b, zap.NewNop(), Config{SkewBuffer: time.Second, BatchSize: 3})
}

func TestNeedsSync(t *testing.T) {
	tests := []struct {
		server, local int64
		want          bool
	}{
		{server: 5000, local: 5000, want: false},
		{server: 6000, local: 5000, want: false},
		{server: 6001, local: 5000, want: true},
		{server: 4000, local: 5000, want: false},
		{server: 1, local: 0, want: false},
		{server: 1001, local: 0, want: true},
	}
	for _, tt := range tests {
		if got := NeedsSync(tt.server, tt.local, time.Second); got != tt.want {
			t.Errorf("NeedsSync(%d, %d, 1s) = %v, want %v", tt.server, tt.local, got, tt.want)
		}
	}
}

func TestNewGroupAppears(t *testing.T) {
	for name, st := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src := newFakeSource()
			src.setGroup("g1", 50_000, "m1", "m2", "m3")
			r := newReconciler(st, src, nil, nil)

			res, err := r.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Stale)
			assert.Equal(t, 1, res.Synced)

			groups, err := st.ListGroups(ctx)
			require.NoError(t, err)
			require.Len(t, groups, 1)
			assert.Equal(t, int64(50_000), groups[0].LastMessageAt)

			msgs, err := st.QueryMessages(ctx, store.MessageQuery{GroupID: "g1"})
			require.NoError(t, err)
			assert.Len(t, msgs, 3)

			users, err := st.ListUsers(ctx)
			require.NoError(t, err)
			assert.Len(t, users, 1)
		})
	}
}

func TestStalenessWithinBufferIsSkipped(t *testing.T) {
	for name, st := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src := newFakeSource()
			src.setGroup("g1", 50_000, "m1")
			r := newReconciler(st, src, nil, nil)
			_, err := r.Run(ctx)
			require.NoError(t, err)

			src.setGroup("g1", 51_000, "m1", "m2")
			res, err := r.Run(ctx)
			require.NoError(t, err)
			assert.Zero(t, res.Stale, "1000ms newer is within the buffer")

			src.setGroup("g1", 51_001, "m1", "m2")
			res, err = r.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Stale)
			assert.Equal(t, []string{"g1", "g1"}, src.fetchedIDs())
		})
	}
}

func TestFailureIsIsolatedAndRetried(t *testing.T) {
	for name, st := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src := newFakeSource()
			src.setGroup("g1", 10_000, "a1")
			src.setGroup("g2", 10_000, "b1")
			src.setGroup("g3", 10_000, "c1")
			r := newReconciler(st, src, nil, nil)
			_, err := r.Run(ctx)
			require.NoError(t, err)

			for _, id := range []string{"g1", "g2", "g3"} {
				src.setGroup(id, 20_000, id+"-old", id+"-new")
			}
			src.fail["g2"] = errors.New("timeout")

			res, err := r.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, res.Stale)
			assert.Equal(t, 2, res.Synced)
			assert.Equal(t, []string{"g2"}, res.FailedGroups)

			g2, err := st.GetGroup(ctx, "g2")
			require.NoError(t, err)
			assert.Equal(t, int64(10_000), g2.LastMessageAt, "failed group must keep its old freshness")
			old, err := st.QueryMessages(ctx, store.MessageQuery{GroupID: "g2"})
			require.NoError(t, err)
			assert.Len(t, old, 1, "failure must not delete cached messages")

			g1, err := st.GetGroup(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, int64(20_000), g1.LastMessageAt)

			delete(src.fail, "g2")
			res, err = r.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Stale, "only the previously failed group is retried")
			assert.Equal(t, 1, res.Synced)
		})
	}
}

func TestNewGroupFailureIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	st := store.NewKVStore(kv.NewMemory())
	src := newFakeSource()
	src.setGroup("g1", 10_000, "a1")
	src.fail["g1"] = errors.New("boom")

	r := newReconciler(st, src, nil, nil)
	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	g, err := st.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestBatchConcurrencyIsBounded(t *testing.T) {
	ctx := context.Background()
	st := store.NewKVStore(kv.NewMemory())
	src := newFakeSource()
	src.delay = 20 * time.Millisecond
	for i := 0; i < 8; i++ {
		src.setGroup(fmt.Sprintf("g%d", i), 10_000, fmt.Sprintf("m%d", i))
	}

	res, err := newReconciler(st, src, nil, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Synced)
	assert.LessOrEqual(t, src.maxInFlight.Load(), int32(3))
	assert.Greater(t, src.maxInFlight.Load(), int32(1))
}

func TestOverlappingRunIsDropped(t *testing.T) {
	ctx := context.Background()
	st := store.NewKVStore(kv.NewMemory())
	src := newFakeSource()
	src.block = make(chan struct{})
	r := newReconciler(st, src, nil, nil)

	done := make(chan Result)
	go func() {
		res, _ := r.Run(ctx)
		done <- res
	}()
	require.Eventually(t, r.Running, time.Second, time.Millisecond)

	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(src.block)
	assert.False(t, (<-done).Skipped)
	assert.False(t, r.Running())
}

func TestReconcileWritesReadCacheAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := store.NewKVStore(kv.NewMemory())
	src := newFakeSource()
	src.setGroup("g1", 10_000, "m1", "m2")
	cache, err := readcache.New(32, 0, nil)
	require.NoError(t, err)
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindReconciled, 1)
	defer unsub()

	r := newReconciler(st, src, cache, b)
	_, err = r.Run(ctx)
	require.NoError(t, err)

	v, _, ok := cache.Get(readcache.MessagesKey("g1"))
	require.True(t, ok)
	assert.Len(t, v.([]store.Message), 2)
	v, _, ok = cache.Get(readcache.GroupsKey())
	require.True(t, ok)
	assert.Len(t, v.([]store.Group), 1)

	cp, err := st.GetState(ctx, CheckpointKey)
	require.NoError(t, err)
	assert.NotEmpty(t, cp)

	select {
	case evt := <-ch:
		assert.Equal(t, 1, evt.Payload.(Result).Synced)
	case <-time.After(time.Second):
		t.Fatal("no reconciled event")
	}
}

func TestDuplicatePushAndPull(t *testing.T) {
	for name, st := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			engine := NewEngine(st, nil, nil, zap.NewNop())

			_, err := engine.IngestPush(ctx, backend.PushData{Type: "message", RoomID: "g1", ContentID: "m1", Content: "hi"})
			require.NoError(t, err)

			src := newFakeSource()
			src.setGroup("g1", 10_000, "m1")
			_, err = newReconciler(st, src, nil, nil).Run(ctx)
			require.NoError(t, err)

			msgs, err := st.QueryMessages(ctx, store.MessageQuery{GroupID: "g1"})
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "m1", msgs[0].ID)
		})
	}
}

func TestEngineIngestsFromBus(t *testing.T) {
	st := store.NewKVStore(kv.NewMemory())
	b := bus.New()
	ch, unsub := b.Subscribe("store.", 1)
	defer unsub()

	engine := NewEngine(st, nil, b, zap.NewNop())
	engine.Start(context.Background())
	defer engine.Stop()

	b.Emit(bus.KindPushMessage, backend.PushData{Type: "group_message", GroupID: "g9", ID: "m9", Message: "yo"})

	select {
	case evt := <-ch:
		assert.Equal(t, bus.KindMessageUpsert, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("pushed message not ingested")
	}
	m, err := st.GetMessage(context.Background(), "m9")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Unknown", m.SenderName)
}

func TestIngestPushRejectsNonMessages(t *testing.T) {
	engine := NewEngine(store.NewKVStore(kv.NewMemory()), nil, nil, zap.NewNop())
	_, err := engine.IngestPush(context.Background(), backend.PushData{Type: "like", GroupID: "g", ID: "m"})
	assert.ErrorIs(t, err, ErrNotMessage)
}

func TestPushRemembersNewSender(t *testing.T) {
	for name, st := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.UpsertUsers(ctx, []store.User{{ID: "u1", FirstName: "Ana", Email: "ana@example.com"}}))
			engine := NewEngine(st, nil, nil, zap.NewNop())

			_, err := engine.IngestPush(ctx, backend.PushData{Type: "message", RoomID: "g1", ID: "m1", Content: "hi", SenderID: "u2", SenderName: "Bo"})
			require.NoError(t, err)
			_, err = engine.IngestPush(ctx, backend.PushData{Type: "message", RoomID: "g1", ID: "m2", Content: "yo", SenderID: "u1", SenderName: "A."})
			require.NoError(t, err)

			bo, err := st.GetUser(ctx, "u2")
			require.NoError(t, err)
			require.NotNil(t, bo)
			assert.Equal(t, "Bo", bo.FirstName)

			ana, err := st.GetUser(ctx, "u1")
			require.NoError(t, err)
			require.NotNil(t, ana)
			assert.Equal(t, "Ana", ana.FirstName)
			assert.Equal(t, "ana@example.com", ana.Email)
		})
	}
}

// promptSource adds active prompts to fakeSource.
type promptSource struct {
	*fakeSource
	prompts []backend.WirePrompt
	err     error
}

func (s *promptSource) ActivePrompts(context.Context) ([]backend.WirePrompt, error) {
	return s.prompts, s.err
}

func TestReconcileMirrorsPrompts(t *testing.T) {
	for name, st := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			src := &promptSource{fakeSource: newFakeSource()}
			src.setGroup("g1", 5_000, "m1")
			var p backend.WirePrompt
			mustJSON(&p, `{"id":"p1","title":"Hike Sunday?","category":[{"id":"c1","name":"Outdoors"}],"owner":{"id":"u1","fname":"Ana"},"publicGroupID":"g1"}`)
			src.prompts = []backend.WirePrompt{p, {Title: "no id"}}

			_, err := newReconciler(st, src, nil, nil).Run(ctx)
			require.NoError(t, err)

			prompts, err := st.ListPrompts(ctx)
			require.NoError(t, err)
			require.Len(t, prompts, 1)
			assert.Equal(t, "Hike Sunday?", prompts[0].Title)
			assert.Equal(t, "Outdoors", prompts[0].CategoryName)
			assert.Equal(t, "Ana", prompts[0].UserName)
			assert.True(t, prompts[0].IsPublic)
		})
	}
}

func TestPromptFailureDoesNotFailReconcile(t *testing.T) {
	st := store.NewKVStore(kv.NewMemory())
	src := &promptSource{fakeSource: newFakeSource(), err: errors.New("503")}
	src.setGroup("g1", 5_000, "m1")

	res, err := newReconciler(st, src, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

func TestReconcileBacksUpKVMessages(t *testing.T) {
	ctx := context.Background()
	b := kv.NewMemory()
	st := store.NewKVStore(b)
	src := newFakeSource()
	src.setGroup("g1", 5_000, "m1", "m2")

	_, err := newReconciler(st, src, nil, nil).Run(ctx)
	require.NoError(t, err)

	_, ok, err := b.Get(ctx, "db_backup_messages_g1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.Set(ctx, "db_messages_g1", []byte("not json")))
	msgs, err := st.QueryMessages(ctx, store.MessageQuery{GroupID: "g1"})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
