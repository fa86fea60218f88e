// Package daemon composes the chat engine into a runnable process:
// profile paths, config, store, transport bridge and the conversation
// registry, wired together with fx lifecycle hooks.
package daemon

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/xmppgo/chatd/internal/bus"
	"github.com/xmppgo/chatd/internal/chat"
	"github.com/xmppgo/chatd/internal/config"
	"github.com/xmppgo/chatd/internal/conn"
	"github.com/xmppgo/chatd/internal/crypto"
	"github.com/xmppgo/chatd/internal/lock"
	"github.com/xmppgo/chatd/internal/logging"
	"github.com/xmppgo/chatd/internal/profile"
	"github.com/xmppgo/chatd/internal/store"
	"github.com/xmppgo/chatd/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideCrypto,
			provideBridge,
			provideMachines,
			provideDeps,
			provideRegistry,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.Load(path)
	if os.IsNotExist(err) {
		logger.Info("no config file, using defaults", zap.String("path", path))
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideCrypto() *crypto.Manager {
	return crypto.NewManager()
}

func provideBridge(logger *zap.Logger) *transport.Bridge {
	return transport.NewBridge(logger)
}

// Machines holds the per-account connection state machines for the
// stream layer to drive.
type Machines map[string]*conn.Machine

func provideMachines(cfg *config.Config, b *bus.Bus) Machines {
	machines := make(Machines, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		machines[a.JID] = conn.NewMachine(a.JID, b)
	}
	return machines
}

func provideDeps(db *store.DB, b *bus.Bus, cm *crypto.Manager, bridge *transport.Bridge, cfg *config.Config, logger *zap.Logger) *chat.Deps {
	return &chat.Deps{
		DB:     db,
		Bus:    b,
		Crypto: cm,
		Sender: bridge,
		Config: cfg,
		Logger: logger,
	}
}

func provideRegistry(deps *chat.Deps) *chat.Registry {
	return chat.NewRegistry(deps)
}

func registerLifecycle(lc fx.Lifecycle, p Params, registry *chat.Registry, bridge *transport.Bridge, machines Machines, cfg *config.Config, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			bridge.AttachRouter(registry)
			registry.WatchConnection(watchCtx)

			accounts := make([]string, 0, len(cfg.Accounts))
			for _, a := range cfg.Accounts {
				accounts = append(accounts, a.JID)
			}
			if err := registry.Resume(watchCtx, accounts); err != nil {
				return err
			}

			logger.Info("engine started",
				zap.String("profile", p.ProfileName),
				zap.Int("accounts", len(machines)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelWatch()
			for account, m := range machines {
				if m.Online() {
					if err := m.Transition(conn.Offline); err != nil {
						logger.Warn("offline transition failed",
							zap.String("account", account), zap.Error(err))
					}
				}
			}
			// Let in-flight drains notice the dead streams.
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
