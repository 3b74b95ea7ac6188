package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/tarpsync/internal/backend"
	"github.com/matheus3301/tarpsync/internal/bus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const readLimit = 1 << 20

// Config controls the realtime feed connection.
type Config struct {
	URL            string
	Token          string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// frame is the envelope used by the feed. Older servers send the
// notification fields flat, without a data member.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Listener keeps a websocket open to the realtime feed and republishes
// message notifications on the bus as push.message events.
type Listener struct {
	cfg    Config
	bus    *bus.Bus
	report func(online bool)
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates a listener. report, when non-nil, is told about
// successful connections so the connectivity monitor can react early.
func NewListener(cfg Config, b *bus.Bus, report func(bool), logger *zap.Logger) *Listener {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Listener{cfg: cfg, bus: b, report: report, logger: logger}
}

// Start begins the connect loop. It is a no-op when no URL is configured.
func (l *Listener) Start(ctx context.Context) {
	if l.cfg.URL == "" {
		l.logger.Info("push feed disabled, no url configured")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.InitialBackoff
	bo.MaxInterval = l.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		l.logger.Warn("push feed disconnected", zap.Error(err), zap.Duration("retry_in", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one connection until it fails. It reports whether the
// dial succeeded.
func (l *Listener) session(ctx context.Context) (bool, error) {
	opts := &websocket.DialOptions{}
	if l.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + l.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, l.cfg.URL, opts)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(readLimit)

	l.logger.Info("push feed connected", zap.String("url", l.cfg.URL))
	if l.report != nil {
		l.report(true)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		l.handle(data)
	}
}

func (l *Listener) handle(data []byte) {
	p, err := Decode(data)
	if err != nil {
		l.logger.Debug("ignoring malformed push frame", zap.Error(err))
		return
	}
	if !p.IsMessage() {
		l.logger.Debug("ignoring push frame", zap.String("type", p.Type))
		return
	}
	l.bus.Emit(bus.KindPushMessage, p)
}

// Decode parses a feed frame in either the enveloped or the flat shape.
func Decode(data []byte) (backend.PushData, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return backend.PushData{}, err
	}
	var p backend.PushData
	if len(f.Data) > 0 && f.Data[0] == '{' {
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return backend.PushData{}, err
		}
		if p.Type == "" {
			p.Type = f.Type
		}
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return backend.PushData{}, err
	}
	if p.Type == "" {
		return backend.PushData{}, errors.New("frame has no type")
	}
	return p, nil
}
