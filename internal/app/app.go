package app

import (
	"context"
	"fmt"
	"time"

	"jobsman/internal/config"
	"jobsman/internal/eventbus"
	"jobsman/internal/executor"
	"jobsman/internal/metrics"
	"jobsman/internal/reload"
	"jobsman/internal/runtime/supervisor"
	"jobsman/internal/scheduler"
	"jobsman/internal/store"
	logx "jobsman/pkg/logx"
)

// App wires configuration, logging, the job store, the scheduler and the
// reload controller into one service lifecycle.
type App struct {
	cfgMgr *config.Manager

	logSvc *logx.Service
	log    logx.Logger

	st   store.Store
	bus  eventbus.Bus
	met  *metrics.Metrics
	ctrl *reload.Controller

	metricsCfg metrics.Config

	sup *supervisor.Supervisor
}

// New loads the config file and builds all components. It does not start
// anything; malformed configuration here is fatal to the service.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log)

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log}

	schedCfg, err := mapSchedulerConfig(cfg.Scheduler)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	reloadCfg, err := mapReloadConfig(cfg.Reload)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	storeCfg, err := mapStoreConfig(cfg.Store)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.st = st

	a.bus = eventbus.New()
	a.met = metrics.New("jobsman")
	if cfg.Metrics != nil {
		a.metricsCfg = metrics.Config{Enabled: cfg.Metrics.Enabled, Listen: cfg.Metrics.Listen}
		if a.metricsCfg.Listen == "" {
			a.metricsCfg.Listen = "127.0.0.1:9477"
		}
	}

	runner := executor.NewShell(log.With(logx.String("comp", "executor")))
	a.ctrl = reload.New(reloadCfg, schedCfg, st, runner,
		log.With(logx.String("comp", "scheduler")), a.bus, a.met)

	return a, nil
}

// Logger returns the root service logger.
func (a *App) Logger() logx.Logger { return a.log }

// Controller exposes the reload controller (the only path to the active core).
func (a *App) Controller() *reload.Controller { return a.ctrl }

// Store exposes the job store, mainly for CLI job management.
func (a *App) Store() store.Store { return a.st }

// Start brings up the initial schedule and the background loops. The initial
// build has no previous schedule to fall back to, so its failure aborts
// startup.
func (a *App) Start(ctx context.Context) error {
	if err := a.ctrl.Start(ctx); err != nil {
		return fmt.Errorf("build initial schedule: %w", err)
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// Marker polling self-heals on transient failures.
	a.sup.GoRestart("reload.poll", a.ctrl.Run)

	// Config file watch: log level changes apply without restart.
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		ch := a.cfgMgr.Subscribe(4)
		defer a.cfgMgr.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-ch:
				if cfg == nil {
					continue
				}
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.ConsoleEnabled(),
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
			}
		}
	})

	// Job and reload lifecycle events also land in the debug log, so the
	// event stream is observable without attaching an external subscriber.
	a.sup.Go0("events.log", func(ctx context.Context) {
		ch, unsub := a.bus.Subscribe(64)
		defer unsub()
		evLog := a.log.With(logx.String("comp", "events"))
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				evLog.Debug(ev.Type, logx.Time("at", ev.Time), logx.Any("data", ev.Data))
			}
		}
	})

	if a.metricsCfg.Enabled {
		a.sup.Go("metrics", func(ctx context.Context) error {
			return a.met.Serve(ctx, a.metricsCfg, a.log.With(logx.String("comp", "metrics")))
		})
	}

	a.log.Info("service started")
	return nil
}

// Stop retires the background loops, drains the active schedule and releases
// resources.
func (a *App) Stop(ctx context.Context) error {
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	a.ctrl.Shutdown(ctx)

	err := a.st.Close()
	_ = a.logSvc.Close()
	return err
}

func mapSchedulerConfig(c config.SchedulerConfig) (scheduler.Config, error) {
	out := scheduler.Config{
		Workers:             c.Workers,
		QueueSize:           c.QueueSize,
		DefaultCoalesce:     c.Coalesce,
		DefaultMaxInstances: c.MaxInstances,
	}

	if tz := c.Timezone; tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("scheduler.timezone: unknown timezone %q", tz)
		}
		out.Location = loc
	}

	var err error
	if out.Tick, err = config.ParseDurationField("scheduler.tick", c.Tick); err != nil {
		return out, err
	}
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("scheduler.default_timeout", c.DefaultTimeout, 60*time.Second); err != nil {
		return out, err
	}
	// "0s" disables misfire classification, so an omitted field and an
	// explicit zero must stay distinguishable.
	if c.MisfireGrace == "" {
		out.DefaultMisfireGrace = 30 * time.Second
	} else if out.DefaultMisfireGrace, err = config.ParseDurationField("scheduler.misfire_grace", c.MisfireGrace); err != nil {
		return out, err
	}
	return out, nil
}

func mapReloadConfig(c config.ReloadConfig) (reload.Config, error) {
	var out reload.Config
	var err error
	if out.Interval, err = config.ParseDurationOrDefault("reload.interval", c.Interval, 30*time.Second); err != nil {
		return out, err
	}
	if out.DrainTimeout, err = config.ParseDurationOrDefault("reload.drain_timeout", c.DrainTimeout, 30*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapStoreConfig(c config.StoreConfig) (store.Config, error) {
	out := store.Config{Driver: c.Driver, Path: c.Path}
	var err error
	if out.BusyTimeout, err = config.ParseDurationField("store.busy_timeout", c.BusyTimeout); err != nil {
		return out, err
	}
	return out, nil
}
