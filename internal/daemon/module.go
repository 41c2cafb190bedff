package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/media"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport/ws"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = <session dir>/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideMetrics,
			provideBus,
			provideLock,
			provideStore,
			provideAuth,
			provideEngine,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

// provideConfig loads the session config. A missing file means defaults,
// which still fail validation without a self id.
func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath(p.SessionName)
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideBus(m *metrics.Metrics) *bus.Bus {
	b := bus.New()
	b.OnDrop(m.BusDropped)
	return b
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), cfg.SelfID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock as a parameter so the cache is never
// opened by a second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CachePath(p.SessionName)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAuth(p Params, cfg *config.Config, logger *zap.Logger) *auth.FileProvider {
	path := cfg.Server.TokenFile
	if path == "" {
		path = session.TokenPath(p.SessionName)
	}
	return auth.NewFileProvider(path, nil, logger)
}

// engineConfig maps the file config onto the component configs.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Self: cfg.SelfID,
		Conn: conn.Config{
			Backoff:      backoff.Policy{Base: cfg.Reconnect.BaseDelay.Duration, Cap: cfg.Reconnect.MaxDelay.Duration},
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			PingInterval: cfg.Reconnect.PingInterval.Duration,
			PingTimeout:  cfg.Reconnect.PingTimeout.Duration,
			DialTimeout:  cfg.Reconnect.DialTimeout.Duration,
		},
		Outbox: outbox.Config{
			MaxAttempts: cfg.Outbox.MaxAttempts,
			Backoff:     backoff.Policy{Base: cfg.Outbox.BaseDelay.Duration, Cap: cfg.Outbox.MaxDelay.Duration},
		},
		Store: intsync.Config{
			CorrelationWindow: cfg.Outbox.CorrelationWindow.Duration,
		},
		Presence: presence.Config{
			Debounce:   cfg.Typing.Debounce.Duration,
			Inactivity: cfg.Typing.Inactivity.Duration,
			Expiry:     cfg.Typing.Expiry.Duration,
		},
	}
}

func provideEngine(cfg *config.Config, fp *auth.FileProvider, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) (*engine.Engine, error) {
	uploadURL := cfg.Server.UploadURL
	if uploadURL == "" {
		uploadURL = cfg.Server.APIURL
	}
	return engine.New(engineConfig(cfg), engine.Deps{
		Transport: ws.New(cfg.Server.WSURL, logger),
		Auth:      fp,
		API:       chatapi.New(cfg.Server.APIURL, fp, cfg.SelfID, logger),
		Uploader:  media.NewUploader(uploadURL, fp, logger),
		Snapshot:  db,
		Bus:       b,
		Metrics:   m,
		Logger:    logger,
	})
}

func provideAPI(p Params, e *engine.Engine, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Server {
	return api.NewServer(e, db, b, p.SessionName, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, fp *auth.FileProvider, e *engine.Engine, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	persisted := make(chan struct{})
	var metricsSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := fp.Watch(runCtx); err != nil {
				cancel()
				return fmt.Errorf("credential: %w", err)
			}

			// Subscribe before the engine can emit.
			persister := store.NewPersister(db, b, logger)
			persister.Subscribe()
			go func() {
				defer close(persisted)
				persister.Run(runCtx)
			}()

			if err := e.Start(ctx); err != nil {
				cancel()
				<-persisted
				_ = fp.Close()
				return err
			}
			// The first page loads over the network; do not hold up startup.
			go restoreActiveChat(runCtx, db, e, logger)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := cfg.Metrics.Listen; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", m.Handler())
				metricsSrv = &http.Server{Addr: addr, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
				logger.Info("metrics listening", zap.String("addr", addr))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			if err := e.Close(); err != nil {
				logger.Warn("error closing engine", zap.Error(err))
			}
			cancel()
			<-persisted
			if err := fp.Close(); err != nil {
				logger.Warn("error closing credential watcher", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// restoreActiveChat reopens the chat that was active when the daemon
// last stopped.
func restoreActiveChat(ctx context.Context, db *store.DB, e *engine.Engine, logger *zap.Logger) {
	chatID, err := db.Checkpoint(ctx, store.KeyActiveChat)
	if err != nil {
		logger.Warn("active chat checkpoint unreadable", zap.Error(err))
		return
	}
	if chatID == "" {
		return
	}
	if err := e.OpenChat(ctx, chatID); err != nil {
		logger.Warn("active chat not restored", zap.String("chat", chatID), zap.Error(err))
		return
	}
	logger.Info("active chat restored", zap.String("chat", chatID))
}
