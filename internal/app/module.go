// Package app wires the application together with fx: configuration,
// logging, the profile lock, the credential store and the TUI.
package app

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/tripchat/internal/bus"
	"github.com/matheus3301/tripchat/internal/config"
	"github.com/matheus3301/tripchat/internal/credstore"
	"github.com/matheus3301/tripchat/internal/history"
	"github.com/matheus3301/tripchat/internal/identity"
	"github.com/matheus3301/tripchat/internal/live"
	"github.com/matheus3301/tripchat/internal/lock"
	"github.com/matheus3301/tripchat/internal/logging"
	"github.com/matheus3301/tripchat/internal/session"
	"github.com/matheus3301/tripchat/internal/tui"
)

// Params holds the resolved invocation parameters passed to the fx module.
type Params struct {
	Profile          string
	TripBookingID    int64
	CounterpartID    int64
	CounterpartLabel string
}

// Module returns the fx module for the chat client, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("tripchat",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideCredStore,
			provideHistoryLoader,
			provideControllerFactory,
			provideApp,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.LoadOrDefault(config.Path())
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := config.EnsureProfileDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(config.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(config.ProfileDir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCredStore(p Params, logger *zap.Logger) (*credstore.Store, error) {
	dbPath := config.CredDBPath(p.Profile)
	s, err := credstore.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := s.Migrate()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("credential store initialized", zap.String("path", dbPath))
	return s, nil
}

func provideHistoryLoader(cfg *config.Config, logger *zap.Logger) *history.Loader {
	return history.NewLoader(cfg.APIBaseURL, logger)
}

func provideControllerFactory(p Params, cfg *config.Config, creds *credstore.Store, loader *history.Loader, b *bus.Bus, logger *zap.Logger) tui.ControllerFactory {
	conv := session.ConversationRef{
		ConversationID:   p.TripBookingID,
		CounterpartID:    p.CounterpartID,
		CounterpartLabel: p.CounterpartLabel,
	}

	channelFor := func(self identity.Identity) session.LiveChannel {
		return live.New(cfg.SocketURL, self.AccountID, p.Profile, b, logger)
	}

	return func() *session.Controller {
		credential, err := creds.Credential(p.Profile)
		if err != nil {
			if !errors.Is(err, credstore.ErrNotFound) {
				logger.Warn("reading credential", zap.Error(err))
			}
			// An absent credential fails identity resolution, which the
			// controller reports as a failed session.
			credential = ""
		}
		return session.NewController(credential, conv, loader, channelFor, cfg.ReconcileWindow(), b, logger)
	}
}

func provideApp(p Params, build tui.ControllerFactory, b *bus.Bus, logger *zap.Logger) *tui.App {
	return tui.New(p.Profile, b, build, logger)
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, ui *tui.App, lk *lock.Lock, creds *credstore.Store, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := ui.Run(); err != nil {
					logger.Error("ui exited with error", zap.Error(err))
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			ui.Stop()
			if err := creds.Close(); err != nil {
				logger.Warn("error closing credential store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
