package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/matheus3301/tarpsync/internal/store"
	"go.uber.org/zap"
)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Failed    int  `json:"failed"`
	Dropped   int  `json:"dropped"`
	Skipped   bool `json:"skipped"`
}

// Status is the queue as seen by status observers.
type Status struct {
	Pending  int  `json:"pending"`
	Failing  int  `json:"failing"`
	Draining bool `json:"draining"`
}

// Queue is the durable, ordered action queue. Actions are delivered in
// creation order; a failing action does not block the ones behind it.
type Queue struct {
	store      store.Store
	handlers   map[string]Handler
	bus        *bus.Bus
	logger     *zap.Logger
	maxRetries int
	online     func() bool

	drainMu  sync.Mutex
	draining atomic.Bool

	clockMu sync.Mutex
	last    int64
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue. online reports whether Add may start an
// immediate drain; nil means never.
func NewQueue(st store.Store, handlers map[string]Handler, b *bus.Bus, logger *zap.Logger, maxRetries int, online func() bool) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if online == nil {
		online = func() bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:      st,
		handlers:   handlers,
		bus:        b,
		logger:     logger,
		maxRetries: maxRetries,
		online:     online,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// stamp returns a strictly increasing millisecond timestamp so actions
// created within the same millisecond keep their enqueue order.
func (q *Queue) stamp() int64 {
	q.clockMu.Lock()
	defer q.clockMu.Unlock()
	now := q.now().UnixMilli()
	if now <= q.last {
		now = q.last + 1
	}
	q.last = now
	return now
}

// Add persists an action. When online, a drain is started in the
// background; the periodic drain is the backstop either way.
func (q *Queue) Add(ctx context.Context, actionType string, payload any, maxRetries int) (*store.Action, error) {
	if _, ok := q.handlers[actionType]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, actionType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}
	now := q.stamp()
	a := &store.Action{
		ID:         uuid.NewString(),
		Type:       actionType,
		Payload:    data,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.store.AddAction(ctx, a); err != nil {
		return nil, fmt.Errorf("add action: %w", err)
	}
	q.logger.Debug("action queued", zap.String("action_id", a.ID), zap.String("action_type", a.Type))
	q.bus.Emit(bus.KindActionQueued, ActionEvent{ID: a.ID, Type: a.Type})

	if q.online() {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			if _, err := q.Drain(q.ctx); err != nil {
				q.logger.Warn("background drain failed", zap.Error(err))
			}
		}()
	}
	return a, nil
}

// Drain attempts every unsynced action once, oldest first. A drain already
// in progress makes this call return immediately with Skipped set.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.drainMu.TryLock() {
		return DrainResult{Skipped: true}, nil
	}
	defer q.drainMu.Unlock()
	q.draining.Store(true)
	defer q.draining.Store(false)

	var res DrainResult
	actions, err := q.store.PendingActions(ctx)
	if err != nil {
		return res, fmt.Errorf("pending actions: %w", err)
	}

	for i := range actions {
		if ctx.Err() != nil {
			break
		}
		a := &actions[i]
		res.Attempted++

		err := q.dispatch(ctx, a)
		if err == nil {
			if derr := q.store.DeleteAction(ctx, a.ID); derr != nil {
				q.logger.Error("failed to delete synced action", zap.String("action_id", a.ID), zap.Error(derr))
			}
			res.Synced++
			q.logger.Info("action synced", zap.String("action_id", a.ID), zap.String("action_type", a.Type))
			q.bus.Emit(bus.KindActionSynced, ActionEvent{ID: a.ID, Type: a.Type, RetryCount: a.RetryCount})
			continue
		}

		if q.recordFailure(ctx, a, err) {
			res.Dropped++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// recordFailure spends one retry and drops the action once its budget is
// gone. Reports whether the action was dropped.
func (q *Queue) recordFailure(ctx context.Context, a *store.Action, cause error) bool {
	count, err := q.store.RecordActionFailure(ctx, a.ID)
	if err != nil {
		q.logger.Error("failed to record action failure", zap.String("action_id", a.ID), zap.Error(err))
		return false
	}
	limit := a.MaxRetries
	if limit <= 0 {
		limit = q.maxRetries
	}
	evt := ActionEvent{ID: a.ID, Type: a.Type, RetryCount: count, Error: cause.Error()}
	if count < limit {
		q.logger.Warn("action failed",
			zap.String("action_id", a.ID),
			zap.String("action_type", a.Type),
			zap.Int("retry_count", count),
			zap.Error(cause),
		)
		q.bus.Emit(bus.KindActionFailed, evt)
		return false
	}

	if err := q.store.DeleteAction(ctx, a.ID); err != nil {
		q.logger.Error("failed to drop action", zap.String("action_id", a.ID), zap.Error(err))
		return false
	}
	q.logger.Error("action dropped after retries",
		zap.String("action_id", a.ID),
		zap.String("action_type", a.Type),
		zap.Int("retry_count", count),
		zap.Error(cause),
	)
	q.bus.Emit(bus.KindActionDropped, evt)
	return true
}

func (q *Queue) dispatch(ctx context.Context, a *store.Action) (err error) {
	h, ok := q.handlers[a.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", a.Type, r)
		}
	}()
	return h(ctx, a)
}

// Status reports queue depth and whether a drain is running.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	counts, err := q.store.CountActions(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Pending: counts.Pending, Failing: counts.Failing, Draining: q.draining.Load()}, nil
}

// Draining reports whether a drain is in progress.
func (q *Queue) Draining() bool { return q.draining.Load() }

// Close cancels background drains and waits for them to return.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}
