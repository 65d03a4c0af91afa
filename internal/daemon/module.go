package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/chatloop/chatloop/internal/backend"
	"github.com/chatloop/chatloop/internal/bus"
	"github.com/chatloop/chatloop/internal/cache"
	"github.com/chatloop/chatloop/internal/config"
	"github.com/chatloop/chatloop/internal/conn"
	"github.com/chatloop/chatloop/internal/lock"
	"github.com/chatloop/chatloop/internal/logging"
	"github.com/chatloop/chatloop/internal/metrics"
	"github.com/chatloop/chatloop/internal/model"
	"github.com/chatloop/chatloop/internal/outbox"
	"github.com/chatloop/chatloop/internal/presence"
	"github.com/chatloop/chatloop/internal/profile"
	"github.com/chatloop/chatloop/internal/quality"
	"github.com/chatloop/chatloop/internal/status"
	"github.com/chatloop/chatloop/internal/store"
	"github.com/chatloop/chatloop/internal/syncer"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
}

// Module composes the engine: providers for every component and a
// lifecycle hook that starts and stops them in dependency order.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideClient,
			provideCache,
			provideEstimator,
			provideManager,
			provideReadMarker,
			providePresence,
			provideSynchronizer,
			provideSender,
			provideMetrics,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("backend_url", cfg.Backend.URL))
	return cfg, nil
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

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.SnapshotDBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(cfg *config.Config, logger *zap.Logger) *backend.Client {
	return backend.NewClient(cfg.Backend.URL, cfg.Backend.Token, logger)
}

func provideCache(cfg *config.Config, logger *zap.Logger) *cache.Store {
	t := cfg.Tuning
	return cache.New(cache.Config{
		TTL:                time.Duration(t.CacheTTLSeconds) * time.Second,
		IdleAfter:          time.Duration(t.CacheIdleSeconds) * time.Second,
		MaxTotal:           t.CacheMaxMessages,
		MaxPerConversation: t.CacheMaxPerConversation,
	}, logger)
}

func provideEstimator(cfg *config.Config, client *backend.Client, b *bus.Bus, logger *zap.Logger) *quality.Estimator {
	t := cfg.Tuning
	return quality.New(quality.Config{
		Interval:   time.Duration(t.ProbeSeconds) * time.Second,
		WindowSize: t.ProbeWindowSize,
	}, client.Probe, nil, b, logger)
}

func provideManager(cfg *config.Config, client *backend.Client, est *quality.Estimator, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	t := cfg.Tuning
	return conn.NewManager(conn.Config{
		URL:                client.RealtimeURL(),
		Heartbeat:          time.Duration(t.HeartbeatSeconds) * time.Second,
		BackoffBase:        time.Duration(t.BackoffBaseMillis) * time.Millisecond,
		BackoffMax:         time.Duration(t.BackoffMaxMillis) * time.Millisecond,
		WidenAfterFailures: 3,
	}, b, est.ConsecutiveFailures, logger)
}

func provideReadMarker(cfg *config.Config, client *backend.Client, logger *zap.Logger) *status.ReadMarker {
	dwell := time.Duration(cfg.Tuning.ReadDwellMillis) * time.Millisecond
	return status.NewReadMarker(dwell, func(ctx context.Context, convID string, ids []string, at int64) error {
		return client.MarkMessages(ctx, convID, ids, model.StatusRead, at)
	}, logger)
}

func providePresence(cfg *config.Config, mgr *conn.Manager, b *bus.Bus, logger *zap.Logger) *presence.Coordinator {
	self := identity(cfg)
	return presence.New(presence.Config{
		Window: time.Duration(cfg.Tuning.TypingWindowSeconds) * time.Second,
	}, self, mgr, b, logger)
}

func provideSynchronizer(cfg *config.Config, client *backend.Client, c *cache.Store, db *store.DB,
	mgr *conn.Manager, marker *status.ReadMarker, pres *presence.Coordinator, b *bus.Bus, logger *zap.Logger) *syncer.Synchronizer {
	s := syncer.New(syncer.Config{
		RefreshDebounce: time.Duration(cfg.Tuning.RefreshDebounceMillis) * time.Millisecond,
	}, identity(cfg), client, c, db, mgr, marker, b, logger)
	s.SetTypingHandler(pres.HandleBroadcast)
	return s
}

func provideSender(db *store.DB, client *backend.Client, mgr *conn.Manager, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	online := func() bool {
		st := mgr.State()
		return st == conn.Connected || st == conn.Degraded
	}
	return outbox.NewSender(db, client, online, b, logger)
}

func provideMetrics(c *cache.Store, logger *zap.Logger) *metrics.Collector {
	return metrics.NewCollector(c, logger)
}

func identity(cfg *config.Config) model.Identity {
	return model.Identity{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
	}
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, lk *lock.Lock, db *store.DB, c *cache.Store,
	mgr *conn.Manager, est *quality.Estimator, sync *syncer.Synchronizer, sender *outbox.Sender,
	pres *presence.Coordinator, marker *status.ReadMarker, col *metrics.Collector,
	b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()
			col.Start(ctx, b, cfg.Backend.DebugAddr)
			c.StartJanitor(ctx, time.Minute)
			sync.Start(ctx)
			mgr.Start(ctx)
			est.Start(ctx)
			sender.Start(ctx)
			pres.Start()
			logger.Info("engine started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pres.Stop()
			sender.Stop()
			est.Stop()
			mgr.Stop()
			marker.Flush()
			sync.Stop()
			col.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
