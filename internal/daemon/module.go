// Package daemon composes the hearth daemon: config, logging, the profile
// lock, transport, and the message engine, wired together with fx.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/config"
	"github.com/hearthchat/hearth/internal/delivery"
	"github.com/hearthchat/hearth/internal/engine"
	"github.com/hearthchat/hearth/internal/home"
	"github.com/hearthchat/hearth/internal/identity"
	"github.com/hearthchat/hearth/internal/invite"
	"github.com/hearthchat/hearth/internal/lock"
	"github.com/hearthchat/hearth/internal/logging"
	"github.com/hearthchat/hearth/internal/registry"
	"github.com/hearthchat/hearth/internal/status"
	"github.com/hearthchat/hearth/internal/syncer"
	"github.com/hearthchat/hearth/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	// Transport overrides the MQTT transport; used by tests and the
	// embedded shell. Nil means connect to the configured broker.
	Transport transport.Transport
}

// Identity is this daemon's stable addressing info.
type Identity struct {
	DeviceID    string
	DisplayName string
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
			provideIdentity,
			provideRegistry,
			provideTransport,
			provideTracker,
			provideSyncEngine,
			provideInviteBroker,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(home.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(home.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := home.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(home.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideIdentity(p Params, cfg *config.Config) (Identity, error) {
	deviceID, err := identity.LoadOrCreate(home.Dir(p.Profile))
	if err != nil {
		return Identity{}, err
	}
	name := cfg.DisplayName
	if name == "" {
		name = p.Profile
	}
	return Identity{DeviceID: deviceID, DisplayName: name}, nil
}

func provideRegistry(p Params, cfg *config.Config, logger *zap.Logger) *registry.Registry {
	return registry.New(
		home.ConversationsDir(p.Profile),
		home.MessagesDir(p.Profile),
		cfg.Sync.Slots,
		logger,
	)
}

func provideTransport(p Params, cfg *config.Config, id Identity, logger *zap.Logger) transport.Transport {
	if p.Transport != nil {
		return p.Transport
	}
	return transport.NewMQTT(cfg.Broker, "hearth-"+id.DeviceID, logger)
}

func provideTracker(id Identity, tr transport.Transport, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *delivery.Tracker {
	return delivery.New(id.DeviceID, id.DisplayName, tr, b, cfg.Sync.ReceiptDrain(), logger)
}

func provideSyncEngine(id Identity, reg *registry.Registry, tr transport.Transport, tracker *delivery.Tracker, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *syncer.Engine {
	return syncer.New(id.DeviceID, id.DisplayName, reg, tr, tracker, b, cfg.Sync, logger)
}

func provideInviteBroker(tr transport.Transport, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *invite.Broker {
	return invite.New(tr, reg, b, logger)
}

func provideEngine(id Identity, reg *registry.Registry, tr transport.Transport, tracker *delivery.Tracker, sy *syncer.Engine, inv *invite.Broker, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *engine.Engine {
	return engine.New(id.DeviceID, id.DisplayName, reg, tr, tracker, sy, inv, b, cfg.Sync, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, tr transport.Transport, machine *status.Machine, eng *engine.Engine, inv *invite.Broker, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := machine.Transition(status.Connecting); err != nil {
				return err
			}
			if err := tr.Connect(ctx); err != nil {
				_ = machine.Transition(status.Error)
				return err
			}
			if err := eng.Start(); err != nil {
				_ = machine.Transition(status.Error)
				return err
			}
			if err := machine.Transition(status.Ready); err != nil {
				return err
			}
			logger.Info("daemon ready")
			return nil
		},
		OnStop: func(_ context.Context) error {
			eng.Stop()
			inv.Close()
			tr.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
