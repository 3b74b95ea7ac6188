package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/tarpsync/internal/api"
	"github.com/matheus3301/tarpsync/internal/backend"
	"github.com/matheus3301/tarpsync/internal/blobcache"
	"github.com/matheus3301/tarpsync/internal/bus"
	"github.com/matheus3301/tarpsync/internal/config"
	"github.com/matheus3301/tarpsync/internal/kv"
	"github.com/matheus3301/tarpsync/internal/lock"
	"github.com/matheus3301/tarpsync/internal/logging"
	"github.com/matheus3301/tarpsync/internal/netmon"
	"github.com/matheus3301/tarpsync/internal/outbox"
	"github.com/matheus3301/tarpsync/internal/profile"
	"github.com/matheus3301/tarpsync/internal/push"
	"github.com/matheus3301/tarpsync/internal/readcache"
	"github.com/matheus3301/tarpsync/internal/store"
	intsync "github.com/matheus3301/tarpsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const readCacheSize = 512

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	LogLevel    string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideKV,
			provideStore,
			provideBackend,
			provideMonitor,
			provideReadCache,
			provideBlobCache,
			provideQueue,
			provideSender,
			provideReconciler,
			provideEngine,
			providePush,
			provideService,
			NewServer,
		),
		fx.Invoke(registerHooks, registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, profile.EnvPath(p.ProfileName)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, logging.ParseLevel(p.LogLevel))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideKV opens the key-value backend shared by the store fallback and
// the image cache index.
func provideKV(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (kv.Backend, error) {
	if cfg.Store.KVBackend == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r, err := kv.DialRedis(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPrefix+":"+p.ProfileName)
		if err != nil {
			return nil, err
		}
		logger.Info("kv backend ready", zap.String("kind", "redis"), zap.String("addr", cfg.Store.RedisAddr))
		return r, nil
	}
	f, err := kv.OpenFile(profile.KVDir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("kv backend ready", zap.String("kind", "file"), zap.String("dir", profile.KVDir(p.ProfileName)))
	return f, nil
}

func provideStore(p Params, cfg *config.Config, b kv.Backend, _ *lock.Lock, logger *zap.Logger) (store.Store, error) {
	return store.OpenWithFallback(
		profile.DBPath(p.ProfileName),
		cfg.Store.Backend == "kv",
		func() (kv.Backend, error) { return b, nil },
		logger.Named("store"),
	)
}

func provideBackend(cfg *config.Config, logger *zap.Logger) *backend.Client {
	return backend.New(backend.Config{
		BaseURL:             cfg.Backend.BaseURL,
		Token:               cfg.Backend.Token,
		Timeout:             cfg.Backend.Timeout.Duration,
		RatePerSecond:       cfg.Backend.RatePerSecond,
		BreakerFailures:     cfg.Backend.BreakerFailures,
		BreakerTimeout:      cfg.Backend.BreakerTimeout.Duration,
		ReadRetryMaxElapsed: cfg.Backend.ReadRetryMaxElapsed.Duration,
		ProbePath:           cfg.Sync.ProbePath,
	}, logger.Named("backend"))
}

func provideMonitor(cfg *config.Config, client *backend.Client, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.New(netmon.Config{
		DrainInterval: cfg.Sync.DrainInterval.Duration,
		ProbeInterval: cfg.Sync.ProbeInterval.Duration,
	}, client, b, logger.Named("netmon"))
}

func provideReadCache(cfg *config.Config, b *bus.Bus) (*readcache.Cache, error) {
	return readcache.New(readCacheSize, cfg.Sync.StaleAfter.Duration, b)
}

func provideBlobCache(p Params, cfg *config.Config, b kv.Backend, eb *bus.Bus, logger *zap.Logger) *blobcache.Cache {
	var thumbs *blobcache.Thumbnailer
	if cfg.Cache.Thumbnails {
		thumbs = blobcache.NewThumbnailer(profile.ThumbsDir(p.ProfileName), cfg.Cache.ThumbWidth, nil)
	}
	return blobcache.New(b, blobcache.Config{
		TTL:        cfg.Cache.TTL.Duration,
		MaxEntries: cfg.Cache.MaxEntries,
	}, thumbs, eb, logger.Named("blobcache"))
}

func provideQueue(cfg *config.Config, st store.Store, client *backend.Client, cache *readcache.Cache, b *bus.Bus, mon *netmon.Monitor, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(st, outbox.Handlers(st, client, cache), b, logger.Named("outbox"), cfg.Queue.MaxRetries, mon.IsOnline)
}

func provideSender(cfg *config.Config, st store.Store, q *outbox.Queue, cache *readcache.Cache, logger *zap.Logger) *outbox.Sender {
	me := outbox.Identity{UserID: cfg.Identity.UserID, DisplayName: cfg.Identity.DisplayName}
	return outbox.NewSender(st, q, cache, me, logger.Named("sender"))
}

func provideReconciler(cfg *config.Config, st store.Store, client *backend.Client, cache *readcache.Cache, blobs *blobcache.Cache, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(st, client, cache, blobs, b, logger.Named("reconciler"), intsync.Config{
		SkewBuffer: cfg.Sync.SkewBuffer.Duration,
		BatchSize:  cfg.Sync.BatchSize,
	})
}

func provideEngine(st store.Store, cache *readcache.Cache, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(st, cache, b, logger.Named("engine"))
}

func providePush(cfg *config.Config, b *bus.Bus, mon *netmon.Monitor, logger *zap.Logger) *push.Listener {
	return push.NewListener(push.Config{
		URL:        cfg.Push.URL,
		Token:      cfg.Backend.Token,
		MaxBackoff: cfg.Push.MaxBackoff.Duration,
	}, b, mon.Report, logger.Named("push"))
}

type serviceIn struct {
	fx.In

	Params     Params
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

func provideService(in serviceIn) *api.Service {
	return api.NewService(api.Deps{
		Profile:    in.Params.ProfileName,
		Store:      in.Store,
		Queue:      in.Queue,
		Sender:     in.Sender,
		Reconciler: in.Reconciler,
		Monitor:    in.Monitor,
		Blobs:      in.Blobs,
		Cache:      in.Cache,
		Bus:        in.Bus,
		Logger:     in.Logger.Named("api"),
	})
}

// registerHooks connects the monitor to the queue and the reconciler. A
// reconnect drains and then reconciles; each tick drains and sweeps expired
// images.
func registerHooks(mon *netmon.Monitor, q *outbox.Queue, rec *intsync.Reconciler, blobs *blobcache.Cache, logger *zap.Logger) {
	drain := func(ctx context.Context) {
		res, err := q.Drain(ctx)
		if err != nil {
			logger.Warn("drain failed", zap.Error(err))
			return
		}
		if res.Attempted > 0 {
			logger.Info("queue drained",
				zap.Int("synced", res.Synced),
				zap.Int("failed", res.Failed),
				zap.Int("dropped", res.Dropped))
		}
	}
	mon.OnOnline(drain)
	mon.OnOnline(func(ctx context.Context) {
		if _, err := rec.Run(ctx); err != nil {
			logger.Warn("reconcile failed", zap.Error(err))
		}
	})
	mon.OnTick(drain)
	mon.OnTick(func(ctx context.Context) {
		if n, err := blobs.EvictExpired(ctx); err != nil {
			logger.Warn("image cache sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Debug("expired images evicted", zap.Int("count", n))
		}
	})
}

type lifecycleIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Server    *Server
	Lock      *lock.Lock
	KV        kv.Backend
	Store     store.Store
	Monitor   *netmon.Monitor
	Queue     *outbox.Queue
	Engine    *intsync.Engine
	Push      *push.Listener
	Logger    *zap.Logger
}

func registerLifecycle(in lifecycleIn) {
	logger := in.Logger
	in.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start engine (subscribes to push.* bus events).
			in.Engine.Start(context.Background())

			go func() {
				if err := in.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			in.Push.Start(context.Background())
			in.Monitor.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			in.Monitor.Stop()
			in.Push.Stop()
			in.Server.Stop(ctx)
			in.Queue.Close()
			in.Engine.Stop()
			if err := in.Store.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			// A kv-backed store already closed the shared backend.
			if in.Store.Backend() != store.CapabilityKV {
				if err := in.KV.Close(); err != nil {
					logger.Warn("error closing kv backend", zap.Error(err))
				}
			}
			if err := in.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
