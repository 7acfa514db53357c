// Package app composes the inbox client with fx: configuration, logging,
// the profile lock, the sqlite cache, the HTTP and push clients and the
// conversation registry.
package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/matheus3301/inbox/internal/api"
	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/config"
	"github.com/matheus3301/inbox/internal/conversation"
	"github.com/matheus3301/inbox/internal/lock"
	"github.com/matheus3301/inbox/internal/logging"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/profile"
	"github.com/matheus3301/inbox/internal/push"
	"github.com/matheus3301/inbox/internal/status"
	"github.com/matheus3301/inbox/internal/store"
	intsync "github.com/matheus3301/inbox/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile string
	// Console also logs to stderr. The terminal UI leaves it off.
	Console bool
	// NoPush skips the live channel, for one-shot commands.
	NoPush bool
}

// Module returns the fx module for the client, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("inbox",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideStore,
			provideBus,
			provideStateMachine,
			metrics.New,
			provideCache,
			provideWriter,
			provideCheckpoints,
			provideAPI,
			provideInbox,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, logging.Options{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Console: p.Console,
	})
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(profile.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second
// process.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CachePath(p.Profile)
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
		logger.Debug("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideCache(db *store.DB, cfg *config.Config) *store.Cache {
	return store.NewCache(db, cfg.CacheCap)
}

func provideWriter(c *store.Cache, logger *zap.Logger, m *metrics.Metrics) *store.Writer {
	return store.NewWriter(c, logger.Named("cache"), m)
}

func provideCheckpoints(db *store.DB) *intsync.Checkpoints {
	return intsync.NewCheckpoints(db)
}

func provideAPI(cfg *config.Config, logger *zap.Logger) (*api.Client, error) {
	return api.New(cfg.APIURL, cfg.HTTPTimeout.Duration, logger.Named("api"))
}

type inboxDeps struct {
	fx.In

	Config      *config.Config
	API         *api.Client
	DB          *store.DB
	Cache       *store.Cache
	Writer      *store.Writer
	Checkpoints *intsync.Checkpoints
	Machine     *status.Machine
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// provideInbox builds the push client and the registry together: push
// events are dispatched to the registry, whose sender writes to the push
// channel.
func provideInbox(d inboxDeps) (*conversation.Registry, *push.Client) {
	var reg *conversation.Registry
	pc := push.NewClient(push.Options{
		URL:    d.Config.PushURL,
		OnLive: func(resumed bool) { reg.OnLive(resumed) },
	}, func(evt push.Event) { reg.Dispatch(evt) }, d.Machine, d.Metrics, d.Logger.Named("push"))

	sender := outbox.NewSender(pc, d.API, d.DB, d.Metrics, d.Logger.Named("outbox"))
	reg = conversation.NewRegistry(conversation.Options{
		Fetcher:     d.API,
		Marker:      d.API,
		Cache:       d.Cache,
		Writer:      d.Writer,
		Checkpoints: d.Checkpoints,
		Sender:      sender,
		PageSize:    d.Config.PageSize,
		UploadSlots: d.Config.UploadSlots,
		TypingTTL:   d.Config.TypingTTL.Duration,
		Metrics:     d.Metrics,
		Logger:      d.Logger,
	})
	return reg, pc
}

type lifecycleDeps struct {
	fx.In

	Params   Params
	Lock     *lock.Lock
	DB       *store.DB
	Writer   *store.Writer
	Push     *push.Client
	Registry *conversation.Registry
	Bus      *bus.Bus
	Metrics  *MetricsServer
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	runCtx, cancel := context.WithCancel(context.Background())
	pushDone := make(chan struct{})
	logger := d.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			d.Writer.Start(runCtx)

			if d.Metrics != nil {
				go func() {
					if err := d.Metrics.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			if d.Params.NoPush {
				close(pushDone)
			} else {
				go func() {
					defer close(pushDone)
					if err := d.Push.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("push client stopped", zap.Error(err))
					}
				}()
			}

			logger.Info("inbox started", zap.Bool("push", !d.Params.NoPush))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-pushDone:
			case <-ctx.Done():
				logger.Warn("push client did not stop in time")
			}
			d.Registry.Close()
			d.Writer.Stop()
			if d.Metrics != nil {
				d.Metrics.Stop(ctx)
			}
			d.Bus.Close()
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("inbox stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
