package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/sinosply/edge/internal/api"
	"github.com/sinosply/edge/internal/backoff"
	"github.com/sinosply/edge/internal/bus"
	"github.com/sinosply/edge/internal/cache"
	"github.com/sinosply/edge/internal/chat"
	"github.com/sinosply/edge/internal/config"
	"github.com/sinosply/edge/internal/lock"
	"github.com/sinosply/edge/internal/logging"
	"github.com/sinosply/edge/internal/outbox"
	"github.com/sinosply/edge/internal/session"
	"github.com/sinosply/edge/internal/status"
	"github.com/sinosply/edge/internal/store"
	intsync "github.com/sinosply/edge/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideChatClient,
			provideSyncEngine,
			provideSender,
			provideCatalogAPI,
			provideRegistry,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideChatClient(cfg *config.Config, db *store.DB, b *bus.Bus, machine *status.Machine, logger *zap.Logger) (*chat.Client, error) {
	identity, err := session.LoadIdentity(db)
	if err != nil {
		return nil, err
	}
	return chat.NewClient(chat.Params{
		URL:       cfg.ChatURL,
		Transport: &chat.WebsocketTransport{},
		DB:        db,
		Bus:       b,
		Machine:   machine,
		Logger:    logger,
		Policy: backoff.Policy{
			Base:   cfg.Chat.ReconnectBase.Duration,
			Cap:    cfg.Chat.ReconnectCap.Duration,
			Jitter: cfg.Chat.ReconnectJitter,
		},
		TypingIdle:     cfg.Chat.TypingIdle.Duration,
		MaxUploadBytes: cfg.Chat.MaxUploadBytes,
		Identity:       identity,
	}), nil
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideSender(db *store.DB, client *chat.Client, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, machine, b, logger)
}

func provideCatalogAPI(cfg *config.Config) cache.API {
	return cache.NewClient(cfg.APIBaseURL, cfg.APIToken)
}

func provideRegistry(cfg *config.Config, db *store.DB, catalog cache.API, b *bus.Bus, logger *zap.Logger) (*cache.Registry, error) {
	return cache.NewRegistry(db, catalog, b, logger, cache.Options{
		FreshWindow:    cfg.Cache.FreshWindow.Duration,
		StaleThreshold: cfg.Cache.StaleThreshold.Duration,
		Debounce:       cfg.Cache.Debounce.Duration,
	})
}

func provideServer(p Params, client *chat.Client, db *store.DB, registry *cache.Registry, logger *zap.Logger) *api.Server {
	socket := p.SocketPath
	if socket == "" {
		socket = session.SocketPath(p.SessionName)
	}
	return api.NewServer(client, db, registry, logger, socket)
}

func registerLifecycle(lc fx.Lifecycle, srv *api.Server, lk *lock.Lock, client *chat.Client, engine *intsync.Engine, sender *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Sync engine first, so no chat event is missed.
			engine.Start(context.Background())
			sender.Start(context.Background())
			client.Start()
			if err := srv.Start(); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("error stopping control api", zap.Error(err))
			}
			client.Close()
			sender.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
