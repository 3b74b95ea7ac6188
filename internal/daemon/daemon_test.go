package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/tarpsync/internal/api"
	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/matheus3301/tarpsync/internal/kv"
	"github.com/matheus3301/tarpsync/internal/lock"
	"github.com/matheus3301/tarpsync/internal/outbox"
	"github.com/matheus3301/tarpsync/internal/profile"
	"github.com/matheus3301/tarpsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/groups/all", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"g1","name":"One","createdAt":1000,"lastMessageAt":5000}]}`))
	})
	mux.HandleFunc("/groups/g1/messages", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"messages":[{"id":"m1","message":"hi","createdAt":5000,"sender":{"id":"u1","fname":"Ana"}}]}}`))
	})
	mux.HandleFunc("/groups/messages", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"srv-1"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// shortHome points TARP_HOME at a short /tmp path to stay under the Unix
// socket length limit.
func shortHome(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("TARP_HOME", dir)
	return dir
}

// TestFxModuleWiring verifies the dependency graph resolves and the daemon
// reconciles on first contact with the backend.
func TestFxModuleWiring(t *testing.T) {
	shortHome(t, "tarp-fx-*")
	backendSrv := fakeBackend(t)
	t.Setenv("TARP_API_URL", backendSrv.URL)
	t.Setenv("TARP_STORE_BACKEND", "")

	app := fx.New(
		Module(Params{ProfileName: "fx", LogLevel: "error"}),
		fx.NopLogger,
	)
	require.NoError(t, app.Err())

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Start(startCtx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	c, err := api.Dial(profile.SocketPath("fx"))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.Online && st.LastReconcileAt > 0
	}, 5*time.Second, 20*time.Millisecond)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fx", st.Profile)
	assert.Equal(t, string(store.CapabilitySQLite), st.StoreBackend)

	groups, err := c.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups.Groups, 1)
	assert.Equal(t, "One", groups.Groups[0].Name)

	msgs, err := c.Messages(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "hi", msgs.Messages[0].Content)

	res, err := c.Send(ctx, outbox.Intent{Type: outbox.TypeMessage, GroupID: "g1", Content: "yo"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TempID)
	require.Eventually(t, func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.PendingActions == 0
	}, 5*time.Second, 20*time.Millisecond)
}

// TestSecondDaemonRefused verifies one daemon per profile.
func TestSecondDaemonRefused(t *testing.T) {
	shortHome(t, "tarp-lock-*")
	require.NoError(t, profile.EnsureDir("p"))
	lk, err := lock.Acquire(profile.Dir("p"))
	require.NoError(t, err)
	defer func() { _ = lk.Release() }()

	app := fx.New(
		Module(Params{ProfileName: "p", LogLevel: "error"}),
		fx.NopLogger,
	)
	err = app.Err()
	require.Error(t, err)
	var held *lock.HeldError
	assert.True(t, errors.As(err, &held))
}

// TestNewServerUsesSocketOverride verifies NewServer accepts Params and
// honours the socket override.
func TestNewServerUsesSocketOverride(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "tarp-srv-*")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	svc := api.NewService(api.Deps{
		Profile: "srv",
		Store:   store.NewKVStore(kv.NewMemory()),
		Bus:     bus.New(),
	})
	srv, err := NewServer(Params{ProfileName: "srv", SocketPath: socketPath}, zap.NewNop(), svc)
	require.NoError(t, err)
	assert.Equal(t, socketPath, srv.SocketPath())

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	go func() { _ = srv.Start() }()

	c, err := api.Dial(socketPath)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "srv", st.Profile)
	assert.Equal(t, "kv", st.StoreBackend)

	// An open event stream must not block shutdown.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go func() { _ = c.Watch(watchCtx, "", func(*api.EventEnvelope) error { return nil }) }()
	time.Sleep(50 * time.Millisecond)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelStop()
	srv.Stop(stopCtx)
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}
