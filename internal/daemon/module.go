package daemon

import (
	"context"

	"github.com/fixmate/fixsync/internal/api"
	"github.com/fixmate/fixsync/internal/bus"
	"github.com/fixmate/fixsync/internal/config"
	"github.com/fixmate/fixsync/internal/identity"
	"github.com/fixmate/fixsync/internal/lock"
	"github.com/fixmate/fixsync/internal/logging"
	"github.com/fixmate/fixsync/internal/outbox"
	"github.com/fixmate/fixsync/internal/poll"
	"github.com/fixmate/fixsync/internal/record"
	"github.com/fixmate/fixsync/internal/rest"
	"github.com/fixmate/fixsync/internal/session"
	"github.com/fixmate/fixsync/internal/status"
	"github.com/fixmate/fixsync/internal/store"
	intsync "github.com/fixmate/fixsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultBackendURL = "http://localhost:5000"

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
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
			provideResolver,
			provideRESTClient,
			provideSyncEngine,
			provideScheduler,
			provideSender,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	if cfg.BackendURL == "" {
		cfg.BackendURL = defaultBackendURL
	}
	return cfg, nil
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
	dbPath := session.CacheDBPath(p.SessionName)
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

func provideResolver(p Params) *identity.Resolver {
	return identity.ForSession(p.SessionName)
}

func provideRESTClient(cfg *config.Config, resolver *identity.Resolver) *rest.Client {
	token := func() (string, error) {
		creds, err := resolver.Resolve()
		if err != nil {
			return "", err
		}
		return creds.Token, nil
	}
	return rest.NewClient(cfg.BackendURL, token, cfg.FetchTimeout())
}

func actorFunc(resolver *identity.Resolver) func() (record.Actor, error) {
	return func() (record.Actor, error) {
		creds, err := resolver.Resolve()
		if err != nil {
			return record.Actor{}, err
		}
		return creds.Actor, nil
	}
}

func provideSyncEngine(cfg *config.Config, db *store.DB, client *rest.Client, resolver *identity.Resolver, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, client, actorFunc(resolver), b, logger, cfg.OptimisticExpiry())
}

func provideScheduler(cfg *config.Config, engine *intsync.Engine, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *poll.Scheduler {
	return poll.New(engine, machine, b, logger, poll.Options{
		Interval: cfg.PollInterval(),
		Timeout:  cfg.FetchTimeout(),
	})
}

func provideSender(db *store.DB, client *rest.Client, resolver *identity.Resolver, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, actorFunc(resolver), b, logger, 0)
}

func provideHandler(p Params, machine *status.Machine, scheduler *poll.Scheduler, db *store.DB, sender *outbox.Sender, engine *intsync.Engine, resolver *identity.Resolver, client *rest.Client, logger *zap.Logger) *api.Handler {
	return api.NewHandler(p.SessionName, machine, scheduler, db, sender, engine, resolver, client, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, scheduler *poll.Scheduler, sender *outbox.Sender, machine *status.Machine, resolver *identity.Resolver, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			sender.Start(context.Background())

			if _, err := resolver.Resolve(); err != nil {
				logger.Info("no credentials found, auth required")
				_ = machine.Transition(status.AuthRequired)
			}
			// The scheduler fetches immediately on start; with credentials
			// present it drives BOOTING through SYNCING to READY by itself.
			scheduler.Start(context.Background())

			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			sender.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
