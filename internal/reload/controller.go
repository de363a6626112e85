package reload

import (
	"context"
	"errors"
	"sync"
	"time"

	"jobsman/internal/eventbus"
	"jobsman/internal/executor"
	"jobsman/internal/metrics"
	"jobsman/internal/scheduler"
	"jobsman/internal/store"
	logx "jobsman/pkg/logx"
)

// ErrReloadBusy is returned when a reload is already in flight. Concurrent
// triggers coalesce into a no-op; they are never queued.
var ErrReloadBusy = errors.New("reload already in progress")

type Config struct {
	// Interval between update-marker polls. Default 30s.
	Interval time.Duration

	// DrainTimeout bounds how long a retiring core may wait for in-flight
	// executions before they are force-cancelled. Default 30s.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Controller keeps the active scheduler core consistent with the job store
// without ever leaving the service without an active schedule.
//
// The active-core pointer is the single coordinated hand-off point in the
// process; it is only swapped under the reload lock and only exposed through
// Active().
type Controller struct {
	cfg      Config
	schedCfg scheduler.Config

	st     store.Store
	runner executor.Runner
	log    logx.Logger
	bus    eventbus.Bus
	met    *metrics.Metrics

	// reloadMu is acquired with TryLock only: at most one reload in flight
	// system-wide, and polling callers never stall behind one.
	reloadMu sync.Mutex

	activeMu sync.Mutex
	active   *scheduler.Core

	// lifeCtx is the controller's own lifetime. Cores are started against it,
	// never against a caller's context: a cancelled signal context must not
	// kill in-flight runs before the drain window, only Shutdown ends it.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

func New(cfg Config, schedCfg scheduler.Config, st store.Store, runner executor.Runner, log logx.Logger, bus eventbus.Bus, met *metrics.Metrics) *Controller {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg.withDefaults(),
		schedCfg:   schedCfg,
		st:         st,
		runner:     runner,
		log:        log,
		bus:        bus,
		met:        met,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
}

// Active returns the currently serving core (nil before Start).
func (r *Controller) Active() *scheduler.Core {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	return r.active
}

func (r *Controller) setActive(c *scheduler.Core) {
	r.activeMu.Lock()
	r.active = c
	r.activeMu.Unlock()
}

// Start builds and starts the initial core from the store. Unlike a reload,
// there is no previous schedule to fall back to, so failure here is fatal to
// the service. ctx bounds only the initial load; the core itself runs on the
// controller's lifetime.
func (r *Controller) Start(ctx context.Context) error {
	core, err := r.buildAndStart(ctx)
	if err != nil {
		return err
	}
	r.setActive(core)
	return nil
}

// Run polls the store for pending update markers until ctx is canceled.
// Store errors are transient by contract: logged, retried next poll.
func (r *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pending, err := r.st.PendingUpdateExists(ctx)
			if err != nil {
				r.log.Warn("update poll failed", logx.Err(err))
				continue
			}
			if !pending {
				continue
			}
			if err := r.Reload(ctx); err != nil && !errors.Is(err, ErrReloadBusy) {
				// Reload already logged the details; markers stay pending so
				// the next poll retries.
				continue
			}
		}
	}
}

// Reload swaps the active core for one freshly built from the store.
//
// The protocol: quiesce and retire the old core, build and start a new one
// from a fresh snapshot, then batch-clear the update markers. Any failure
// rolls back to the old core; the reload lock is released on every path, and
// the service is never left with zero active schedulers.
func (r *Controller) Reload(ctx context.Context) error {
	if !r.reloadMu.TryLock() {
		r.log.Debug("reload skipped: already in progress")
		return ErrReloadBusy
	}
	defer r.reloadMu.Unlock()

	start := time.Now()
	r.met.Reload("started")
	r.publish(eventbus.TypeReloadStarted, nil)
	r.log.Info("reload started")

	old := r.Active()

	// Quiesce: no new dispatch decisions, then retire with drain.
	if old != nil {
		old.Pause()
		stopCtx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
		old.Stop(stopCtx)
		cancel()
	}

	newCore, err := r.buildAndStart(ctx)
	if err != nil {
		r.rollback(old, err)
		return err
	}

	// Markers are cleared only after the new schedule is serving. A failure
	// here leaves them pending, which at worst triggers one redundant reload
	// on the next poll.
	n, markErr := r.st.MarkUpdatesProcessed(ctx)
	if markErr != nil {
		r.log.Warn("reload succeeded but marker clear failed", logx.Err(markErr))
	}

	r.setActive(newCore)
	r.met.Reload("succeeded")
	r.publish(eventbus.TypeReloadSucceeded, map[string]any{"jobs": newCore.Jobs(), "markers": n})
	r.log.Info("reload succeeded",
		logx.Int("jobs", newCore.Jobs()),
		logx.Int64("markers_cleared", n),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// buildAndStart loads a fresh snapshot and brings up a core against the
// controller lifetime.
func (r *Controller) buildAndStart(ctx context.Context) (*scheduler.Core, error) {
	defs, err := r.st.List(ctx)
	if err != nil {
		return nil, err
	}
	core, err := scheduler.New(defs, r.schedCfg, r.runner, r.log, r.bus, r.met)
	if err != nil {
		return nil, err
	}
	core.Start(r.lifeCtx)
	return core, nil
}

// rollback restores the old core after a failed reload. Rollback restores
// availability but is logged at error severity: the root cause (bad job row,
// store outage) still needs an operator.
func (r *Controller) rollback(old *scheduler.Core, cause error) {
	r.met.Reload("failed")
	r.publish(eventbus.TypeReloadFailed, map[string]any{"error": cause.Error()})
	r.log.Error("reload failed", logx.Err(cause))

	if old == nil {
		return
	}
	old.Start(r.lifeCtx) // waits for any in-progress stop, then relaunches
	old.Resume()
	r.setActive(old)

	r.met.Reload("rollback")
	r.publish(eventbus.TypeReloadRollback, map[string]any{"error": cause.Error()})
	r.log.Error("reload rolled back to previous schedule", logx.Err(cause))
}

// Shutdown retires the active core and ends the controller lifetime. Used on
// process exit; ctx carries the drain policy.
func (r *Controller) Shutdown(ctx context.Context) {
	defer r.lifeCancel()
	old := r.Active()
	if old == nil {
		return
	}
	old.Stop(ctx)
	r.setActive(nil)
}

func (r *Controller) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
