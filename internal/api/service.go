package api

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/tarpsync/internal/blobcache"
	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/matheus3301/tarpsync/internal/netmon"
	"github.com/matheus3301/tarpsync/internal/outbox"
	"github.com/matheus3301/tarpsync/internal/readcache"
	"github.com/matheus3301/tarpsync/internal/store"
	intsync "github.com/matheus3301/tarpsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Deps are the components the control plane drives.
type Deps struct {
	Profile    string
	Store      store.Store
	Queue      *outbox.Queue
	Sender     *outbox.Sender
	Reconciler *intsync.Reconciler
	Monitor    *netmon.Monitor
	Blobs      *blobcache.Cache
	Cache      *readcache.Cache
	Bus        *bus.Bus
	Logger     *zap.Logger
}

// Service implements every control-plane call on top of the daemon's
// components.
type Service struct {
	Deps
	startedAt time.Time
	closing   chan struct{}
	closeOnce sync.Once
}

// NewService creates the control-plane service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{Deps: d, startedAt: time.Now(), closing: make(chan struct{})}
}

// Close ends every open event stream.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Status reports connectivity, queue and cache state.
func (s *Service) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Profile:      s.Profile,
		UptimeMs:     time.Since(s.startedAt).Milliseconds(),
		StoreBackend: string(s.Store.Backend()),
	}
	if s.Monitor != nil {
		resp.Online = s.Monitor.IsOnline()
		resp.Pinned = s.Monitor.Pinned()
	}
	if s.Reconciler != nil {
		resp.Syncing = s.Reconciler.Running()
	}
	if s.Queue != nil {
		qs, err := s.Queue.Status(ctx)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "queue status: %v", err)
		}
		resp.PendingActions = qs.Pending
		resp.FailingActions = qs.Failing
		resp.Draining = qs.Draining
	}
	if v, err := s.Store.GetState(ctx, intsync.CheckpointKey); err == nil && v != "" {
		resp.LastReconcileAt, _ = strconv.ParseInt(v, 10, 64)
	}
	if st, err := s.Store.Stats(ctx); err == nil {
		resp.Store = st
	}
	if s.Blobs != nil {
		if cs, err := s.Blobs.Stats(ctx); err == nil {
			resp.Cache = cs
		}
	}
	return resp, nil
}

func (s *Service) requireOnline() error {
	if s.Monitor != nil && !s.Monitor.IsOnline() {
		return grpcstatus.Error(codes.FailedPrecondition, "offline")
	}
	return nil
}

// Reconcile runs one pull pass now.
func (s *Service) Reconcile(ctx context.Context, _ *Empty) (*intsync.Result, error) {
	if s.Reconciler == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "reconciler not initialized")
	}
	if err := s.requireOnline(); err != nil {
		return nil, err
	}
	res, err := s.Reconciler.Run(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "reconcile: %v", err)
	}
	return &res, nil
}

// Drain delivers queued actions now.
func (s *Service) Drain(ctx context.Context, _ *Empty) (*outbox.DrainResult, error) {
	if s.Queue == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "queue not initialized")
	}
	if err := s.requireOnline(); err != nil {
		return nil, err
	}
	res, err := s.Queue.Drain(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "drain: %v", err)
	}
	return &res, nil
}

// SetOnline pins or releases the connectivity state.
func (s *Service) SetOnline(ctx context.Context, req *SetOnlineRequest) (*ConnectivityResponse, error) {
	if s.Monitor == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "monitor not initialized")
	}
	if req.Online == nil {
		s.Monitor.ClearOverride(ctx)
	} else {
		s.Monitor.SetOnline(*req.Online)
	}
	return &ConnectivityResponse{Online: s.Monitor.IsOnline(), Pinned: s.Monitor.Pinned()}, nil
}

// Send records a user intent locally and queues it.
func (s *Service) Send(ctx context.Context, in *outbox.Intent) (*outbox.SendResult, error) {
	if s.Sender == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "sender not initialized")
	}
	res, err := s.Sender.Send(ctx, *in)
	if err != nil {
		if errors.Is(err, outbox.ErrInvalidIntent) || errors.Is(err, outbox.ErrUnknownAction) {
			return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
		}
		return nil, grpcstatus.Errorf(codes.Internal, "send: %v", err)
	}
	return res, nil
}

// CacheStats reports the image cache.
func (s *Service) CacheStats(ctx context.Context, _ *Empty) (*blobcache.Stats, error) {
	if s.Blobs == nil {
		return &blobcache.Stats{}, nil
	}
	st, err := s.Blobs.Stats(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "cache stats: %v", err)
	}
	return &st, nil
}

// CacheClear empties the image cache and the read cache.
func (s *Service) CacheClear(ctx context.Context, _ *Empty) (*Empty, error) {
	if s.Blobs != nil {
		if err := s.Blobs.Clear(ctx); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "clear cache: %v", err)
		}
	}
	if s.Cache != nil {
		s.Cache.Purge()
	}
	return &Empty{}, nil
}

// StoreClear wipes every local record, for sign-out.
func (s *Service) StoreClear(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.Store.Clear(ctx); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "clear store: %v", err)
	}
	s.Logger.Info("local store cleared")
	return s.CacheClear(ctx, &Empty{})
}

// Groups lists groups, from the read cache when it holds them.
func (s *Service) Groups(ctx context.Context, _ *Empty) (*GroupsResponse, error) {
	if s.Cache != nil {
		if v, stale, ok := s.Cache.Get(readcache.GroupsKey()); ok {
			if groups, ok := v.([]store.Group); ok {
				return &GroupsResponse{Groups: groups, Cached: true, Stale: stale}, nil
			}
		}
	}
	groups, err := s.Store.ListGroups(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list groups: %v", err)
	}
	if s.Cache != nil {
		s.Cache.Set(readcache.GroupsKey(), groups)
	}
	return &GroupsResponse{Groups: groups}, nil
}

// Messages returns a group's history, from the read cache when it holds it.
func (s *Service) Messages(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	if req.GroupID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "group id is required")
	}
	key := readcache.MessagesKey(req.GroupID)
	resp := &MessagesResponse{}
	if s.Cache != nil {
		if v, stale, ok := s.Cache.Get(key); ok {
			if msgs, ok := v.([]store.Message); ok {
				resp.Messages, resp.Cached, resp.Stale = tail(msgs, req.Limit), true, stale
			}
		}
	}
	if !resp.Cached {
		msgs, err := s.Store.QueryMessages(ctx, store.MessageQuery{GroupID: req.GroupID})
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "query messages: %v", err)
		}
		if s.Cache != nil {
			s.Cache.Set(key, msgs)
		}
		resp.Messages = tail(msgs, req.Limit)
	}
	resp.Images = s.images(ctx, req.GroupID, resp.Messages)
	return resp, nil
}

// images resolves attachment references through the image cache. A cache
// failure falls back to the original url.
func (s *Service) images(ctx context.Context, groupID string, msgs []store.Message) map[string]string {
	var out map[string]string
	for _, m := range msgs {
		if m.FileURL == "" || m.DeletedAt != 0 {
			continue
		}
		ref := m.FileURL
		if s.Blobs != nil {
			r, err := s.Blobs.Resolve(ctx, m.ID, m.FileURL, groupID)
			if err != nil {
				s.Logger.Debug("image cache lookup failed", zap.String("msg_id", m.ID), zap.Error(err))
			} else if r != "" {
				ref = r
			}
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[m.ID] = ref
	}
	return out
}

func tail(msgs []store.Message, limit int) []store.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

// Watch streams bus events until the client goes away.
func (s *Service) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	if s.Bus == nil {
		return grpcstatus.Error(codes.Unavailable, "bus not initialized")
	}
	ch, unsub := s.Bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.Logger.Debug("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			env := &EventEnvelope{
				EventID:    uuid.NewString(),
				Profile:    s.Profile,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp.UnixMilli(),
				Payload:    payload,
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.closing:
			return nil
		}
	}
}
