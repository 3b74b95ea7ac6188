package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/tarpsync/internal/backend"
	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/matheus3301/tarpsync/internal/readcache"
	"github.com/matheus3301/tarpsync/internal/store"
	"go.uber.org/zap"
)

// ErrNotMessage is returned for push notifications that carry no message.
var ErrNotMessage = errors.New("push payload is not a chat message")

// Engine ingests pushed messages straight into the store, bypassing the
// network fetch. It subscribes to "push." events on the bus.
type Engine struct {
	store  store.Store
	cache  *readcache.Cache
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

// NewEngine creates a new ingest engine. cache may be nil.
func NewEngine(st store.Store, cache *readcache.Cache, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		store:  st,
		cache:  cache,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// Start subscribes to pushed events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("push.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the current event to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	if evt.Kind != bus.KindPushMessage {
		return
	}
	p, ok := evt.Payload.(backend.PushData)
	if !ok {
		return
	}
	if _, err := e.IngestPush(ctx, p); err != nil {
		e.logger.Warn("failed to ingest pushed message", zap.Error(err))
	}
}

// rememberSender mirrors a sender seen for the first time. Known users keep
// the richer record from the pull path.
func (e *Engine) rememberSender(ctx context.Context, p backend.PushData) {
	u, ok := backend.PushSender(p, e.now())
	if !ok {
		return
	}
	known, err := e.store.GetUser(ctx, u.ID)
	if err != nil || known != nil {
		return
	}
	if err := e.store.UpsertUsers(ctx, []store.User{u}); err != nil {
		e.logger.Warn("failed to store push sender", zap.String("user_id", u.ID), zap.Error(err))
	}
}

// IngestPush transforms a pushed notification and upserts it. A message
// that later arrives through a pull lands on the same record.
func (e *Engine) IngestPush(ctx context.Context, p backend.PushData) (*store.Message, error) {
	m, ok := backend.ToPushMessage(p, e.now())
	if !ok {
		return nil, ErrNotMessage
	}
	if err := e.store.UpsertMessage(ctx, &m); err != nil {
		return nil, fmt.Errorf("upsert message: %w", err)
	}
	e.rememberSender(ctx, p)

	if e.cache != nil {
		msgs, err := e.store.QueryMessages(ctx, store.MessageQuery{GroupID: m.GroupID})
		if err != nil {
			e.logger.Warn("failed to refresh message cache", zap.String("group_id", m.GroupID), zap.Error(err))
			e.cache.Invalidate(readcache.MessagesKey(m.GroupID))
		} else {
			e.cache.Set(readcache.MessagesKey(m.GroupID), msgs)
		}
		e.cache.Invalidate(readcache.GroupsKey(), readcache.GroupKey(m.GroupID))
	}

	e.logger.Debug("pushed message ingested", zap.String("group_id", m.GroupID), zap.String("msg_id", m.ID))
	e.bus.Emit(bus.KindMessageUpsert, map[string]string{
		"group_id": m.GroupID,
		"msg_id":   m.ID,
	})
	return &m, nil
}
