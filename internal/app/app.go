// Package app wires the whole bot together: config, logging, storage,
// event bus, scheduler, reservation engine, notification pipeline and the
// Telegram gateway, with ordered startup and shutdown.
package app

import (
	"context"
	"time"

	"matchbot/internal/adapters/telegram"
	"matchbot/internal/config"
	"matchbot/internal/engine"
	"matchbot/internal/eventbus"
	"matchbot/internal/notify"
	"matchbot/internal/observability/pprof"
	"matchbot/internal/runtime/supervisor"
	"matchbot/internal/scheduler"
	"matchbot/internal/storage"
	logx "matchbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store storage.Store
	bus   *eventbus.Bus
	sched *scheduler.Service
	eng   *engine.Engine
	notif *notify.Service
	gw    *telegram.Gateway
	prof  *pprof.Service

	metrics *notify.Counters
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")

	cfgm := config.NewManager(cfgPath, bootLog)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	busCfg, err := mapBusConfig(cfg)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New(busCfg, log.With(logx.String("comp", "bus")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, bus, log.With(logx.String("comp", "scheduler")))

	gwCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := telegram.New(gwCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	notifCfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	metrics := notify.NewCounters()
	notif := notify.New(notifCfg, store, gw, metrics, log)

	eng := engine.New(store, bus, sched, log.With(logx.String("comp", "engine")))
	sched.SetPriorityRecheck(eng.RecheckPriorityWindow)
	notif.RegisterHandlers(bus)

	prof := pprof.New(pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		store:   store,
		bus:     bus,
		sched:   sched,
		eng:     eng,
		notif:   notif,
		gw:      gw,
		prof:    prof,
		metrics: metrics,
	}, nil
}

// Engine exposes the reservation core for the command surface.
func (a *App) Engine() *engine.Engine { return a.eng }

// Notifier exposes the pipeline for manual fan-outs.
func (a *App) Notifier() *notify.Service { return a.notif }

// MetricsSnapshot reports the delivery counters.
func (a *App) MetricsSnapshot() notify.Snapshot { return a.metrics.Snapshot() }

// Start brings components up: notifier first (so replayed jobs have a
// delivery path), then the scheduler (which re-arms persisted jobs), then
// the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.notif.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.prof.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("config.apply", func(c context.Context) error {
		a.applyLoop(c)
		return nil
	})

	a.log.Info("app started")
	return nil
}

// applyLoop applies hot-reloadable settings. Only logging is live today;
// worker counts and retry budgets need a restart.
func (a *App) applyLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)

	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(prev, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config changed", append(attrs, logx.Any("sections", changed))...)
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			prev = cfg
		}
	}
}

// Stop tears components down in reverse dependency order: stop producing
// messages, stop firing jobs, drain the bus, then close storage.
func (a *App) Stop(ctx context.Context) error {
	grace := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, 10*time.Second)
	}

	nctx, cancel := grace()
	err := a.notif.Stop(nctx)
	cancel()

	sctx, cancel := grace()
	a.sched.Stop(sctx)
	cancel()

	dctx, cancel := grace()
	if derr := a.bus.Drain(dctx); derr != nil && err == nil {
		err = derr
	}
	cancel()

	if a.sup != nil {
		a.sup.Cancel()
		wctx, cancel := grace()
		_ = a.sup.Wait(wctx)
		cancel()
	}

	pctx, cancel := grace()
	_ = a.prof.Stop(pctx)
	cancel()

	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("app stopped", logx.Err(err))
	_ = a.logs.Close()
	return err
}
