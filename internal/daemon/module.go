package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/msgrelay/internal/api"
	"github.com/matheus3301/msgrelay/internal/bus"
	"github.com/matheus3301/msgrelay/internal/config"
	"github.com/matheus3301/msgrelay/internal/delivery"
	"github.com/matheus3301/msgrelay/internal/fragment"
	"github.com/matheus3301/msgrelay/internal/gateway"
	"github.com/matheus3301/msgrelay/internal/health"
	"github.com/matheus3301/msgrelay/internal/ingest"
	"github.com/matheus3301/msgrelay/internal/lock"
	"github.com/matheus3301/msgrelay/internal/logging"
	"github.com/matheus3301/msgrelay/internal/model"
	"github.com/matheus3301/msgrelay/internal/outbox"
	"github.com/matheus3301/msgrelay/internal/profile"
	"github.com/matheus3301/msgrelay/internal/remote"
	"github.com/matheus3301/msgrelay/internal/store"
	intsync "github.com/matheus3301/msgrelay/internal/sync"
	"github.com/matheus3301/msgrelay/internal/syncstate"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = read from disk and environment
	Debug      bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideHealth,
			provideLock,
			provideStore,
			provideTracker,
			provideDelivery,
			provideIngestor,
			provideRemote,
			provideEngine,
			provideScheduler,
			provideTransport,
			provideSender,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.Read(profile.ConfigPath(), profile.DotenvPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideHealth(b *bus.Bus, logger *zap.Logger) *health.Machine {
	return health.NewMachine(b, logger)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// lock holder.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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

func provideTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) *syncstate.Tracker {
	return syncstate.NewTracker(db, b, logger.Named("syncstate"))
}

func provideDelivery(db *store.DB, tracker *syncstate.Tracker, b *bus.Bus, logger *zap.Logger) *delivery.Machine {
	return delivery.NewMachine(db, tracker, b, logger.Named("delivery"))
}

func provideIngestor(db *store.DB, tracker *syncstate.Tracker, b *bus.Bus, logger *zap.Logger) *ingest.Ingestor {
	buf := fragment.New(logger.Named("fragment"))
	return ingest.New(buf, db, tracker, b, logger.Named("ingest"))
}

// Remote is the daemon's remote service binding. Client is nil when no
// base URL is configured.
type Remote struct {
	Client *remote.Client
}

var errRemoteDisabled = errors.New("remote service not configured")

// disabledRemote keeps entities pending until a remote is configured.
type disabledRemote struct{}

func (disabledRemote) Fetch(context.Context, string, string, string) (*remote.FetchResult, error) {
	return nil, &remote.TransientError{Err: errRemoteDisabled}
}

func (disabledRemote) Upload(context.Context, string, string, string, []byte) (*remote.UploadResult, error) {
	return nil, &remote.TransientError{Err: errRemoteDisabled}
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (Remote, error) {
	if cfg.Remote.BaseURL == "" {
		logger.Warn("remote base_url not set, sync scheduler disabled")
		return Remote{}, nil
	}
	c, err := remote.NewClient(remote.Options{
		BaseURL:           cfg.Remote.BaseURL,
		Token:             cfg.Remote.Token,
		Timeout:           cfg.Remote.Timeout,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
	}, logger.Named("remote"))
	if err != nil {
		return Remote{}, err
	}
	return Remote{Client: c}, nil
}

func provideEngine(cfg *config.Config, r Remote, tracker *syncstate.Tracker, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	var rem intsync.Remote = disabledRemote{}
	if r.Client != nil {
		rem = r.Client
	}
	engine := intsync.NewEngine(tracker, rem, intsync.Options{Concurrency: cfg.Sync.Concurrency}, b, logger.Named("sync"))
	engine.Register(model.EntityMessage, intsync.NewMessageAdapter(db))
	return engine
}

func provideScheduler(cfg *config.Config, engine *intsync.Engine, tracker *syncstate.Tracker, h *health.Machine, db *store.DB, logger *zap.Logger) *intsync.Scheduler {
	return intsync.NewScheduler(engine, tracker, h, db, cfg.Sync.Interval, cfg.Sync.Retention, logger.Named("scheduler"))
}

// Transport is the daemon's host platform binding. Gateway is nil when no
// AMQP URL is configured.
type Transport struct {
	Gateway *gateway.Gateway
}

func provideTransport(cfg *config.Config, ing *ingest.Ingestor, dm *delivery.Machine, logger *zap.Logger) (Transport, error) {
	t := cfg.Transport
	if t.AMQPURL == "" {
		logger.Warn("transport amqp_url not set, gateway disabled")
		return Transport{}, nil
	}
	gl := logger.Named("gateway")
	gw, err := gateway.Dial(gateway.Options{
		URL:              t.AMQPURL,
		InboundExchange:  t.InboundExchange,
		InboundQueue:     t.InboundQueue,
		InboundKey:       t.InboundKey,
		ReceiptExchange:  t.ReceiptExchange,
		ReceiptQueue:     t.ReceiptQueue,
		ReceiptKey:       t.ReceiptKey,
		OutboundExchange: t.OutboundExchange,
		OutboundKey:      t.OutboundKey,
		Workers:          t.Workers,
	}, gateway.NewDispatcher(ing, dm, gl), gl)
	if err != nil {
		return Transport{}, err
	}
	return Transport{Gateway: gw}, nil
}

func provideSender(cfg *config.Config, db *store.DB, dm *delivery.Machine, t Transport, logger *zap.Logger) *outbox.Sender {
	var sender outbox.TextSender
	if t.Gateway != nil {
		sender = t.Gateway
	}
	return outbox.NewSender(db, dm, sender, cfg.Outbox.PollInterval, logger.Named("outbox"))
}

func provideService(p Params, h *health.Machine, dm *delivery.Machine, engine *intsync.Engine, ing *ingest.Ingestor, db *store.DB, t Transport, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, api.Deps{
		Health:   h,
		Delivery: dm,
		Engine:   engine,
		Ingest:   ing,
		Store:    db,
		Gateway:  t.Gateway != nil,
	}, logger.Named("api"))
}

func registerLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	srv *Server,
	lk *lock.Lock,
	db *store.DB,
	h *health.Machine,
	ing *ingest.Ingestor,
	r Remote,
	sched *intsync.Scheduler,
	t Transport,
	sender *outbox.Sender,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			_ = h.Transition(health.Starting)

			ing.Start(context.Background(), cfg.Fragment.SweepInterval)

			if t.Gateway != nil {
				if err := t.Gateway.Start(); err != nil {
					_ = h.Fail(err.Error())
					return err
				}
				sender.Start(context.Background())
			}

			if r.Client != nil {
				sched.Start(context.Background())
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			return h.Transition(health.Ready)
		},
		OnStop: func(ctx context.Context) error {
			_ = h.Transition(health.Stopping)
			srv.Stop(ctx)
			sched.Stop()
			sender.Stop()
			if t.Gateway != nil {
				if err := t.Gateway.Close(); err != nil {
					logger.Warn("error closing gateway", zap.Error(err))
				}
			}
			ing.Stop()
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
