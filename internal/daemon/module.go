package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/wpphook/internal/broker"
	"github.com/matheus3301/wpphook/internal/bus"
	"github.com/matheus3301/wpphook/internal/cache"
	"github.com/matheus3301/wpphook/internal/config"
	"github.com/matheus3301/wpphook/internal/httpapi"
	"github.com/matheus3301/wpphook/internal/ingest"
	"github.com/matheus3301/wpphook/internal/lock"
	"github.com/matheus3301/wpphook/internal/logging"
	"github.com/matheus3301/wpphook/internal/notify"
	"github.com/matheus3301/wpphook/internal/paths"
	"github.com/matheus3301/wpphook/internal/realtime"
	"github.com/matheus3301/wpphook/internal/spool"
	"github.com/matheus3301/wpphook/internal/status"
	"github.com/matheus3301/wpphook/internal/store"
	"github.com/matheus3301/wpphook/internal/store/mongostore"
	"github.com/matheus3301/wpphook/internal/store/pgstore"
	"github.com/matheus3301/wpphook/internal/summary"
	"github.com/matheus3301/wpphook/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p, p.Config),
		fx.Provide(
			provideLayout,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideBackend,
			provideCache,
			provideSummaries,
			provideNotifier,
			provideTailer,
			provideHub,
			providePublisher,
			provideFanout,
			providePipeline,
			provideSpool,
			provideHandler,
			provideHTTPServer,
			provideAdminServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLayout(cfg *config.Config) (paths.Layout, error) {
	layout := paths.Resolve(cfg.DataDir, cfg.Instance)
	if err := layout.Ensure(); err != nil {
		return paths.Layout{}, err
	}
	return layout, nil
}

func provideLogger(cfg *config.Config, layout paths.Layout) (*zap.Logger, error) {
	return logging.New(layout.LogPath(), cfg.Instance)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, layout paths.Layout, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring instance lock", zap.String("dir", layout.Root))
	l, err := lock.Acquire(layout.Root, lock.Owner{
		Instance: cfg.Instance,
		HTTPAddr: cfg.HTTP.Addr,
		Driver:   cfg.Store.Driver,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideBackend depends on the lock so two daemons never open one database.
func provideBackend(cfg *config.Config, layout paths.Layout, _ *lock.Lock, logger *zap.Logger) (store.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.OpTimeout.Duration*2)
	defer cancel()

	switch cfg.Store.Driver {
	case config.DriverMongo:
		s, err := mongostore.Open(ctx, cfg.Store.MongoURI, cfg.Store.MongoDB)
		if err != nil {
			return nil, err
		}
		logger.Info("store initialized", zap.String("driver", "mongo"), zap.String("db", cfg.Store.MongoDB))
		return s, nil

	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		logger.Info("store initialized", zap.String("driver", "postgres"))
		return s, nil

	case config.DriverSQLite:
		dbPath := cfg.Store.SQLitePath
		if dbPath == "" {
			dbPath = layout.DBPath()
		}
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
		logger.Info("store initialized", zap.String("driver", "sqlite"), zap.String("path", dbPath))
		return db, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// provideCache returns nil when Redis is not configured.
func provideCache(cfg *config.Config, logger *zap.Logger) (*cache.SummaryCache, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.OpTimeout.Duration)
	defer cancel()
	c, err := cache.New(ctx, cache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL.Duration,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("summary cache enabled", zap.String("addr", cfg.Redis.Addr))
	return c, nil
}

func provideSummaries(b store.Backend, c *cache.SummaryCache, logger *zap.Logger) *summary.Service {
	if c == nil {
		return summary.NewService(b, nil, logger)
	}
	return summary.NewService(b, c, logger)
}

func provideNotifier(b *bus.Bus, summaries *summary.Service, logger *zap.Logger) *notify.Notifier {
	return notify.New(b, summaries, logger)
}

func provideTailer(b store.Backend, n *notify.Notifier, m *status.Machine, logger *zap.Logger) *notify.Tailer {
	return notify.NewTailer(b, n, m, logger)
}

func provideHub(cfg *config.Config, logger *zap.Logger) *realtime.Hub {
	return realtime.NewHub(logger, realtime.Options{Origin: cfg.HTTP.Origin})
}

// providePublisher returns nil when AMQP is not configured.
func providePublisher(cfg *config.Config, logger *zap.Logger) (*broker.Publisher, error) {
	if cfg.AMQP.URL == "" {
		return nil, nil
	}
	return broker.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
}

func provideFanout(b *bus.Bus, hub *realtime.Hub, pub *broker.Publisher, logger *zap.Logger) *notify.Fanout {
	sinks := []notify.Sink{hub}
	if pub != nil {
		sinks = append(sinks, pub)
	}
	return notify.NewFanout(b, logger, sinks...)
}

func providePipeline(cfg *config.Config, b store.Backend, n *notify.Notifier, logger *zap.Logger) *ingest.Pipeline {
	return ingest.NewPipeline(b, n, webhook.Options{
		BusinessNumber: cfg.Business.Number,
		PhoneNumberID:  cfg.Business.PhoneNumberID,
	}, logger)
}

// provideSpool returns nil when the spool is disabled.
func provideSpool(cfg *config.Config, layout paths.Layout, pipeline *ingest.Pipeline, logger *zap.Logger) *spool.Spool {
	if !cfg.Spool.Enabled {
		return nil
	}
	dir := cfg.Spool.Dir
	if dir == "" {
		dir = layout.SpoolDir()
	}
	return spool.New(dir, pipeline, logger)
}

func provideHandler(
	cfg *config.Config,
	pipeline *ingest.Pipeline,
	b store.Backend,
	summaries *summary.Service,
	hub *realtime.Hub,
	m *status.Machine,
	eventBus *bus.Bus,
	logger *zap.Logger,
) *httpapi.Handler {
	return httpapi.NewHandler(pipeline, b, summaries, hub, m, eventBus, httpapi.Options{
		VerifyToken:  cfg.Webhook.VerifyToken,
		Origin:       cfg.HTTP.Origin,
		OpTimeout:    cfg.Store.OpTimeout.Duration,
		DefaultLimit: cfg.History.DefaultLimit,
		MaxLimit:     cfg.History.MaxLimit,
	}, logger)
}

func provideHTTPServer(cfg *config.Config, h *httpapi.Handler, logger *zap.Logger) (*HTTPServer, error) {
	return NewHTTPServer(cfg.HTTP.Addr, httpapi.Router(h), logger)
}

func provideAdminServer(p Params, layout paths.Layout, m *status.Machine, b *bus.Bus, logger *zap.Logger) (*AdminServer, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = layout.SocketPath()
	}
	return NewAdminServer(socketPath, m, b, logger)
}

type lifecycleDeps struct {
	fx.In

	Config    *config.Config
	Lock      *lock.Lock
	Backend   store.Backend
	Cache     *cache.SummaryCache
	Publisher *broker.Publisher
	Hub       *realtime.Hub
	Fanout    *notify.Fanout
	Tailer    *notify.Tailer
	Spool     *spool.Spool
	HTTP      *HTTPServer
	Admin     *AdminServer
	Machine   *status.Machine
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	logger := d.Logger
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Sinks first so that nothing committed after startup is missed.
			d.Fanout.Start(runCtx)

			go func() {
				if err := d.Admin.Start(); err != nil {
					logger.Error("admin server error", zap.Error(err))
				}
			}()
			go func() {
				if err := d.HTTP.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
					_ = d.Machine.TransitionWithReason(status.Error, err.Error())
				}
			}()

			if err := d.Machine.Transition(status.Ready); err != nil {
				return err
			}

			if d.Config.Store.ChangeFeed {
				d.Tailer.Start(runCtx)
			}
			if d.Spool != nil {
				if err := d.Spool.Start(runCtx); err != nil {
					return err
				}
			}
			logger.Info("daemon ready", zap.String("http", d.HTTP.Addr()), zap.String("driver", d.Config.Store.Driver))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = d.Machine.Transition(status.Stopping)
			if d.Spool != nil {
				d.Spool.Stop()
			}
			d.Tailer.Stop()
			cancel()
			d.Hub.Close()
			d.HTTP.Stop(ctx)
			d.Fanout.Stop()
			d.Admin.Stop(ctx)
			if d.Publisher != nil {
				if err := d.Publisher.Close(); err != nil {
					logger.Warn("error closing broker", zap.Error(err))
				}
			}
			if d.Cache != nil {
				if err := d.Cache.Close(); err != nil {
					logger.Warn("error closing cache", zap.Error(err))
				}
			}
			if err := d.Backend.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
