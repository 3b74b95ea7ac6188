package sync

import (
	"context"
	"fmt"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/tarpsync/internal/backend"
	"github.com/matheus3301/tarpsync/internal/blobcache"
	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/matheus3301/tarpsync/internal/readcache"
	"github.com/matheus3301/tarpsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CheckpointKey holds the unix-millisecond time of the last completed pass.
const CheckpointKey = "last_reconcile_at"

// Source is the server side of reconciliation.
type Source interface {
	ListGroups(ctx context.Context) ([]backend.WireGroup, error)
	GroupMessages(ctx context.Context, groupID string) ([]backend.WireMessage, error)
}

// PromptSource is implemented by sources that also list active prompts.
// The reconciler mirrors them when the source supports it.
type PromptSource interface {
	ActivePrompts(ctx context.Context) ([]backend.WirePrompt, error)
}

// Config tunes reconciliation.
type Config struct {
	SkewBuffer time.Duration
	BatchSize  int
}

// Result summarizes one pass.
type Result struct {
	Checked      int      `json:"checked"`
	Stale        int      `json:"stale"`
	Synced       int      `json:"synced"`
	Failed       int      `json:"failed"`
	Skipped      bool     `json:"skipped"`
	FailedGroups []string `json:"failedGroups,omitempty"`
}

// NeedsSync reports whether a group the server last saw at serverTime must
// be refetched given the local freshness localTime.
func NeedsSync(serverTime, localTime int64, buffer time.Duration) bool {
	return serverTime > localTime+buffer.Milliseconds()
}

// Reconciler refreshes stale groups from the server. At most one pass runs
// at a time; overlapping triggers are dropped.
type Reconciler struct {
	store  store.Store
	src    Source
	cache  *readcache.Cache
	blobs  *blobcache.Cache
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	running atomic.Bool
}

// NewReconciler creates a reconciler. cache and blobs may be nil.
func NewReconciler(st store.Store, src Source, cache *readcache.Cache, blobs *blobcache.Cache, b *bus.Bus, logger *zap.Logger, cfg Config) *Reconciler {
	if cfg.SkewBuffer < 0 {
		cfg.SkewBuffer = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	return &Reconciler{
		store:  st,
		src:    src,
		cache:  cache,
		blobs:  blobs,
		bus:    b,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Running reports whether a pass is in flight.
func (r *Reconciler) Running() bool { return r.running.Load() }

type candidate struct {
	group backend.WireGroup
	local *store.Group
	stale bool
}

// Run performs one reconciliation pass. Per-group failures are recorded in
// the result, not returned; only failing to list groups is an error.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug("reconcile already running, dropping trigger")
		return Result{Skipped: true}, nil
	}
	defer r.running.Store(false)

	start := r.now()
	wire, err := r.src.ListGroups(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list groups: %w", err)
	}

	var res Result
	cands := make([]candidate, 0, len(wire))
	for _, w := range wire {
		if w.ID == "" {
			continue
		}
		local, err := r.store.GetGroup(ctx, string(w.ID))
		if err != nil {
			return res, fmt.Errorf("load group %s: %w", w.ID, err)
		}
		c := candidate{group: w, local: local, stale: local == nil}
		if local != nil {
			c.stale = NeedsSync(w.ServerTime(), local.Freshness(), r.cfg.SkewBuffer)
		}
		res.Checked++
		if c.stale {
			res.Stale++
		}
		cands = append(cands, c)
	}

	failed := r.refresh(ctx, cands)
	for id := range failed {
		res.FailedGroups = append(res.FailedGroups, id)
	}
	res.Failed = len(failed)
	res.Synced = res.Stale - res.Failed

	if err := r.persistGroups(ctx, cands, failed); err != nil {
		return res, err
	}
	r.mirrorPrompts(ctx)
	if err := r.store.SetState(ctx, CheckpointKey, strconv.FormatInt(start.UnixMilli(), 10)); err != nil {
		r.logger.Warn("failed to record checkpoint", zap.Error(err))
	}

	r.logger.Info("reconcile complete",
		zap.Int("checked", res.Checked),
		zap.Int("stale", res.Stale),
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed),
		zap.Duration("took", r.now().Sub(start)),
	)
	r.bus.Emit(bus.KindReconciled, res)
	return res, nil
}

// mirrorPrompts upserts the active prompts. Failures are logged only.
func (r *Reconciler) mirrorPrompts(ctx context.Context) {
	ps, ok := r.src.(PromptSource)
	if !ok {
		return
	}
	wire, err := ps.ActivePrompts(ctx)
	if err != nil {
		r.logger.Warn("failed to fetch prompts", zap.Error(err))
		return
	}
	if prompts := backend.ToPrompts(wire, r.now()); len(prompts) > 0 {
		if err := r.store.UpsertPrompts(ctx, prompts); err != nil {
			r.logger.Warn("failed to store prompts", zap.Error(err))
		}
	}
}

// refresh fetches message history for stale groups, at most BatchSize at a
// time. Returns the ids that failed.
func (r *Reconciler) refresh(ctx context.Context, cands []candidate) map[string]bool {
	var (
		mu     gosync.Mutex
		failed = make(map[string]bool)
		g      errgroup.Group
	)
	g.SetLimit(r.cfg.BatchSize)
	for _, c := range cands {
		if !c.stale {
			continue
		}
		id := string(c.group.ID)
		g.Go(func() error {
			if err := r.syncGroup(ctx, id); err != nil {
				r.logger.Warn("group sync failed", zap.String("group_id", id), zap.Error(err))
				mu.Lock()
				failed[id] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func (r *Reconciler) syncGroup(ctx context.Context, groupID string) error {
	wire, err := r.src.GroupMessages(ctx, groupID)
	if err != nil {
		return err
	}
	now := r.now()
	msgs := make([]store.Message, 0, len(wire))
	for _, w := range wire {
		m, ok := backend.ToMessage(w, groupID, now)
		if !ok {
			r.logger.Debug("skipping malformed message", zap.String("group_id", groupID))
			continue
		}
		msgs = append(msgs, m)
	}
	if err := r.store.UpsertMessages(ctx, msgs); err != nil {
		return fmt.Errorf("store messages: %w", err)
	}
	if users := backend.Users(nil, wire, now); len(users) > 0 {
		if err := r.store.UpsertUsers(ctx, users); err != nil {
			r.logger.Warn("failed to store senders", zap.String("group_id", groupID), zap.Error(err))
		}
	}
	if b, ok := r.store.(store.MessageBackup); ok {
		if err := b.BackupMessages(ctx, groupID); err != nil {
			r.logger.Warn("failed to back up messages", zap.String("group_id", groupID), zap.Error(err))
		}
	}
	if r.cache != nil {
		if all, err := r.store.QueryMessages(ctx, store.MessageQuery{GroupID: groupID}); err == nil {
			r.cache.Set(readcache.MessagesKey(groupID), all)
		} else {
			r.cache.Invalidate(readcache.MessagesKey(groupID))
		}
	}
	if r.blobs != nil {
		if _, err := r.blobs.PreloadGroup(ctx, groupID, msgs); err != nil {
			r.logger.Debug("image preload failed", zap.String("group_id", groupID), zap.Error(err))
		}
	}
	return nil
}

// persistGroups writes the whole server list. A group's last-message fields
// only advance when its history was refreshed in this pass, so they keep
// reflecting the newest message held locally and failed groups are retried
// next pass. New groups that failed are not written at all.
func (r *Reconciler) persistGroups(ctx context.Context, cands []candidate, failed map[string]bool) error {
	now := r.now()
	wire := make([]backend.WireGroup, 0, len(cands))
	groups := make([]store.Group, 0, len(cands))
	for _, c := range cands {
		g, ok := backend.ToGroup(c.group, now)
		if !ok {
			continue
		}
		if !c.stale || failed[g.ID] {
			if c.local == nil {
				continue
			}
			g.LastMessageAt = c.local.LastMessageAt
			g.LastMessageContent = c.local.LastMessageContent
			g.LastMessageSender = c.local.LastMessageSender
			g.LastMessageSenderID = c.local.LastMessageSenderID
			g.CreatedAt = c.local.CreatedAt
			g.UpdatedAt = c.local.UpdatedAt
		}
		wire = append(wire, c.group)
		groups = append(groups, g)
	}

	if err := r.store.UpsertGroups(ctx, groups); err != nil {
		return fmt.Errorf("store groups: %w", err)
	}
	if cats := backend.Categories(wire, now); len(cats) > 0 {
		if err := r.store.UpsertCategories(ctx, cats); err != nil {
			r.logger.Warn("failed to store categories", zap.Error(err))
		}
	}
	if users := backend.Users(wire, nil, now); len(users) > 0 {
		if err := r.store.UpsertUsers(ctx, users); err != nil {
			r.logger.Warn("failed to store members", zap.Error(err))
		}
	}

	if r.cache == nil {
		return nil
	}
	list, err := r.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("reload groups: %w", err)
	}
	r.cache.Set(readcache.GroupsKey(), list)
	for i := range list {
		r.cache.Set(readcache.GroupKey(list[i].ID), list[i])
	}
	return nil
}
