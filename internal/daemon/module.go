package daemon

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/deletion"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/gateway"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/relay"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Config     *config.Config // nil = config.Default()
	SocketPath string         // optional override for testing; empty = use default
}

// Module returns the fx module for the agent, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideNetState,
			provideLock,
			provideStore,
			provideQueue,
			provideProber,
			provideAuth,
			provideDispatcher,
			provideSyncEngine,
			provideOutbox,
			provideDeliveryTracker,
			provideDeletion,
			provideRedis,
			providePresence,
			provideRelay,
			provideChatService,
			provideMessageService,
			provideSyncService,
			providePresenceService,
			NewServer,
			provideGateway,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	if p.Config != nil {
		return p.Config
	}
	return config.Default()
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), cfg.LogLevel, p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideNetState(b *bus.Bus) *netstate.Machine {
	return netstate.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so two agents never open the same store.
func provideStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dsn := cfg.Store.DSN
	if dsn == "" && store.Dialect(cfg.Store.Driver) != store.Postgres {
		dsn = profile.StorePath(p.Profile)
	}
	db, err := store.Open(cfg.Store.Driver, dsn)
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
	logger.Info("store initialized", zap.String("driver", string(db.Dialect())))
	return db, nil
}

func provideQueue(p Params, _ *lock.Lock, logger *zap.Logger) (*outbox.Queue, error) {
	return outbox.OpenQueue(profile.QueueDir(p.Profile), logger.Named("queue"))
}

func provideProber(m *netstate.Machine, db *store.DB, cfg *config.Config, logger *zap.Logger) *netstate.Prober {
	return netstate.NewProber(m, db, cfg.Sync.ProbeInterval, cfg.Sync.SendTimeout, logger)
}

// provideAuth enables token authentication when a JWT secret is configured.
// Without one the agent trusts its local callers.
func provideAuth(cfg *config.Config) (*identity.Tokens, identity.Provider, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, nil, nil
	}
	tokens, err := identity.NewTokens([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	if err != nil {
		return nil, nil, err
	}
	return tokens, identity.Context{}, nil
}

func provideDispatcher(db *store.DB, cfg *config.Config, logger *zap.Logger) *notify.Dispatcher {
	var pusher notify.Pusher = notify.NopPusher{}
	if cfg.Push.URL != "" {
		pusher = notify.NewHTTPPusher(cfg.Push.URL, cfg.Push.Timeout)
	}
	return notify.NewDispatcher(notify.NewStoreNotifier(db), pusher, notify.NewStoreProfiles(db), cfg.Push.Timeout, logger.Named("notify"))
}

func provideSyncEngine(db *store.DB, q *outbox.Queue, b *bus.Bus, id identity.Provider, d *notify.Dispatcher, m *netstate.Machine, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, q, b, logger,
		intsync.WithIdentity(id),
		intsync.WithDispatcher(d),
		intsync.WithObserver(m),
		intsync.WithSendTimeout(cfg.Sync.SendTimeout),
	)
}

func provideOutbox(q *outbox.Queue, engine *intsync.Engine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Manager {
	return outbox.NewManager(q, engine, b, cfg.Sync.FlushInterval, cfg.Sync.MaxRetries, logger.Named("outbox"))
}

func provideDeliveryTracker(db *store.DB, b *bus.Bus, id identity.Provider, d *notify.Dispatcher, logger *zap.Logger) *delivery.Tracker {
	return delivery.NewTracker(db, b, id, d, logger)
}

func provideDeletion(db *store.DB, b *bus.Bus, id identity.Provider, engine *intsync.Engine, logger *zap.Logger) *deletion.Manager {
	return deletion.NewManager(db, b, id, logger, deletion.WithChatCache(engine))
}

// provideRedis returns nil when no Redis address is configured.
func provideRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func providePresence(rc *redis.Client, b *bus.Bus, db *store.DB, id identity.Provider, cfg *config.Config, logger *zap.Logger) *presence.Tracker {
	var backend presence.Backend = presence.NewMemoryBackend(b)
	if rc != nil {
		backend = presence.NewRedisBackend(rc)
	}
	return presence.NewTracker(backend, db, id, cfg.Sync.TypingTTL, logger.Named("presence"))
}

// provideRelay returns nil when Redis is not configured.
func provideRelay(rc *redis.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *relay.Relay {
	if rc == nil {
		return nil
	}
	return relay.New(rc, b, cfg.Redis.Channel, logger.Named("relay"))
}

func provideChatService(engine *intsync.Engine, del *deletion.Manager, db *store.DB) *api.ChatService {
	return api.NewChatService(engine, del, db)
}

func provideMessageService(engine *intsync.Engine, tracker *delivery.Tracker, del *deletion.Manager, db *store.DB) *api.MessageService {
	return api.NewMessageService(engine, tracker, del, db)
}

func provideSyncService(p Params, m *netstate.Machine, mgr *outbox.Manager, engine *intsync.Engine, b *bus.Bus) *api.SyncService {
	return api.NewSyncService(p.Profile, m, mgr, engine, b)
}

func providePresenceService(t *presence.Tracker) *api.PresenceService {
	return api.NewPresenceService(t)
}

func provideGateway(chats *api.ChatService, messages *api.MessageService, syncSvc *api.SyncService, presenceSvc *api.PresenceService, tokens *identity.Tokens, logger *zap.Logger) *gateway.Gateway {
	return gateway.New(gateway.Services{
		Chats:    chats,
		Messages: messages,
		Sync:     syncSvc,
		Presence: presenceSvc,
	}, verifier(tokens), logger.Named("gateway"))
}

// verifier keeps a nil *identity.Tokens from becoming a non-nil interface.
func verifier(tokens *identity.Tokens) api.Verifier {
	if tokens == nil {
		return nil
	}
	return tokens
}

type lifecycleParams struct {
	fx.In

	Config     *config.Config
	Server     *Server
	Gateway    *gateway.Gateway
	Lock       *lock.Lock
	Store      *store.DB
	Queue      *outbox.Queue
	Outbox     *outbox.Manager
	Prober     *netstate.Prober
	Dispatcher *notify.Dispatcher
	Redis      *redis.Client
	Relay      *relay.Relay
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	// Background loops outlive the start hook's context.
	runCtx, cancel := context.WithCancel(context.Background())
	logger := p.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			p.Prober.Start(runCtx)
			p.Outbox.Start(runCtx)

			if p.Relay != nil {
				if err := p.Relay.Start(runCtx); err != nil {
					logger.Warn("event relay unavailable", zap.Error(err))
				}
			}

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := p.Config.HTTP.Addr; addr != "" {
				if _, err := p.Gateway.Start(addr); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := p.Gateway.Stop(ctx); err != nil {
				logger.Warn("error stopping http gateway", zap.Error(err))
			}
			p.Server.Stop(ctx)
			if p.Relay != nil {
				p.Relay.Stop()
			}
			p.Outbox.Stop()
			p.Prober.Stop()
			cancel()
			p.Dispatcher.Wait()

			if err := p.Queue.Close(); err != nil {
				logger.Warn("error closing queue", zap.Error(err))
			}
			if err := p.Store.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if p.Redis != nil {
				_ = p.Redis.Close()
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
