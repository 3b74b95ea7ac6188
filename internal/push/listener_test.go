package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/tarpsync/internal/backend"
	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for push event")
		return bus.Event{}
	}
}

func TestDecodeShapes(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		typ     string
		wantErr bool
	}{
		{"enveloped", `{"type":"message","data":{"roomID":"g1","contentId":"m1"}}`, "message", false},
		{"envelope type only", `{"type":"group_message","data":{"groupId":"g1","id":"m1"}}`, "group_message", false},
		{"flat", `{"type":"group_message","roomId":"g1","messageId":7}`, "group_message", false},
		{"flat without type", `{"roomId":"g1"}`, "", true},
		{"garbage", `not json`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode([]byte(tt.frame))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.typ, p.Type)
			m, ok := backend.ToPushMessage(p, time.Now())
			require.True(t, ok)
			assert.Equal(t, "g1", m.GroupID)
		})
	}
}

func TestListenerPublishesMessages(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"typing","data":{"roomID":"g1"}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"message","data":{"roomID":"g1","contentId":"m1","content":"hi"}}`))
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("push.", 10)
	defer unsub()

	var reported atomic.Int32
	l := NewListener(Config{URL: wsURL(srv), Token: "tok"}, b, func(online bool) {
		if online {
			reported.Add(1)
		}
	}, zap.NewNop())
	l.Start(context.Background())
	defer l.Stop()

	evt := nextEvent(t, ch)
	assert.Equal(t, bus.KindPushMessage, evt.Kind)
	p, ok := evt.Payload.(backend.PushData)
	require.True(t, ok)
	m, ok := backend.ToPushMessage(p, time.Now())
	require.True(t, ok)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "hi", m.Content)
	assert.Equal(t, "Unknown", m.SenderName)

	assert.Equal(t, "Bearer tok", auth.Load())
	assert.Equal(t, int32(1), reported.Load())

	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenerReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		frame := `{"type":"message","data":{"roomID":"g1","contentId":"m` + strconv.Itoa(int(n)) + `"}}`
		_ = c.Write(r.Context(), websocket.MessageText, []byte(frame))
		_ = c.Close(websocket.StatusGoingAway, "bye")
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("push.", 10)
	defer unsub()

	l := NewListener(Config{URL: wsURL(srv), InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}, b, nil, zap.NewNop())
	l.Start(context.Background())
	defer l.Stop()

	first := nextEvent(t, ch).Payload.(backend.PushData)
	second := nextEvent(t, ch).Payload.(backend.PushData)
	m1, _ := backend.ToPushMessage(first, time.Now())
	m2, _ := backend.ToPushMessage(second, time.Now())
	assert.Equal(t, "m1", m1.ID)
	assert.Equal(t, "m2", m2.ID)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}

func TestListenerDisabledWithoutURL(t *testing.T) {
	l := NewListener(Config{}, bus.New(), nil, zap.NewNop())
	l.Start(context.Background())
	l.Stop()
}

func TestStopWhileDialFails(t *testing.T) {
	l := NewListener(Config{URL: "ws://127.0.0.1:1/feed", InitialBackoff: 5 * time.Millisecond}, bus.New(), nil, zap.NewNop())
	l.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
