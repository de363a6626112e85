package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobsman/internal/eventbus"
	"jobsman/internal/executor"
	"jobsman/internal/metrics"
	"jobsman/internal/store"
	logx "jobsman/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// backlogCap bounds misfire backlog counting so a schedule that has been
// down for months cannot spin the catch-up loop.
const backlogCap = 1000

// Core owns one consistent in-memory schedule and drives execution.
//
// A Core is built all-or-nothing from a snapshot of job definitions; it is
// never mutated afterwards except through Start/Pause/Resume/Stop. The
// reload controller retires a whole Core and installs a freshly built one
// instead of editing a live schedule.
type Core struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	met *metrics.Metrics

	runner executor.Runner

	instances []*instance

	paused atomic.Bool

	queue    chan dispatch
	stopCh   chan struct{}
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	// now is a test seam; production cores use time.Now.
	now func() time.Time

	skipWarn *rate.Limiter
}

// New builds a Core from a snapshot of job definitions. Construction is
// all-or-nothing: a single invalid definition fails the whole build, so a
// partially loaded schedule can never activate.
func New(defs []store.JobDefinition, cfg Config, runner executor.Runner, log logx.Logger, bus eventbus.Bus, met *metrics.Metrics) (*Core, error) {
	cfg = cfg.withDefaults()
	c := &Core{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		met:      met,
		runner:   runner,
		now:      time.Now,
		skipWarn: rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}

	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if err := d.Validate(cfg.Location); err != nil {
			return nil, err
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate job id %q", d.ID)
		}
		seen[d.ID] = struct{}{}

		spec, err := d.Trigger(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", d.ID, err)
		}
		c.instances = append(c.instances, &instance{
			def:          d,
			spec:         spec,
			timeout:      c.effectiveTimeout(d),
			coalesce:     c.effectiveCoalesce(d),
			maxInstances: c.effectiveMaxInstances(d),
			misfireGrace: c.effectiveMisfireGrace(d),
		})
	}
	return c, nil
}

func (c *Core) effectiveTimeout(d store.JobDefinition) time.Duration {
	if d.Timeout > 0 {
		return time.Duration(d.Timeout) * time.Second
	}
	return c.cfg.DefaultTimeout
}

func (c *Core) effectiveCoalesce(d store.JobDefinition) bool {
	if d.Coalesce != nil {
		return *d.Coalesce
	}
	return c.cfg.DefaultCoalesce
}

func (c *Core) effectiveMaxInstances(d store.JobDefinition) int {
	if d.MaxInstances > 0 {
		return d.MaxInstances
	}
	return c.cfg.DefaultMaxInstances
}

func (c *Core) effectiveMisfireGrace(d store.JobDefinition) time.Duration {
	if d.MisfireGrace > 0 {
		return time.Duration(d.MisfireGrace) * time.Second
	}
	return c.cfg.DefaultMisfireGrace
}

// Jobs returns the number of jobs in this schedule.
func (c *Core) Jobs() int { return len(c.instances) }

// Start launches the dispatch loop and worker pool. It is a no-op when the
// core is already running; if a Stop is still in progress it waits for the
// stop to finish first (prevents double worker pools on reload rollback).
func (c *Core) Start(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.stopCh == nil {
			break
		}
		done := c.stopDone
		if done == nil {
			// already running
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer c.mu.Unlock()

	c.stopCh = make(chan struct{})
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	// Fresh queue per run so a restarted core never executes stale dispatches.
	c.queue = make(chan dispatch, c.cfg.QueueSize)
	c.paused.Store(false)

	// Initial fire times are computed from "now", also on restart: work the
	// core missed while stopped is subject to the misfire rules, not blindly
	// replayed.
	now := c.now().In(c.location())
	for _, inst := range c.instances {
		inst.setNext(inst.spec.Next(now))
		inst.running.Store(0)
	}

	runCtx := c.runCtx
	stopCh := c.stopCh
	queue := c.queue

	c.wg.Add(c.cfg.Workers + 1)
	for i := 0; i < c.cfg.Workers; i++ {
		go func() {
			defer c.wg.Done()
			c.worker(runCtx, stopCh, queue)
		}()
	}
	go func() {
		defer c.wg.Done()
		c.dispatchLoop(stopCh, queue)
	}()

	c.met.SetJobsLoaded(len(c.instances))
	c.log.Info("scheduler started",
		logx.Int("jobs", len(c.instances)),
		logx.Int("workers", c.cfg.Workers),
		logx.String("tz", c.location().String()),
	)
}

// Pause stops new dispatch decisions while the loop keeps running. In-flight
// executions are unaffected.
func (c *Core) Pause() { c.paused.Store(true) }

// Resume reverses Pause. Fires that came due while paused are handled by the
// normal misfire rules on the next tick.
func (c *Core) Resume() { c.paused.Store(false) }

// Stop halts the dispatch loop, stops accepting dispatches, and waits for
// in-flight executions. Drain policy is the caller's ctx: a generous
// deadline waits for running commands, an expired one force-cancels their
// run contexts and then waits for the (now quick) worker exit.
func (c *Core) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	if c.stopDone != nil {
		done := c.stopDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	c.stopDone = done
	stopCh := c.stopCh
	cancel := c.runCancel
	queue := c.queue
	c.mu.Unlock()

	close(stopCh)

	go func() {
		c.wg.Wait()
		// Dispatches that were queued but never picked up still hold a
		// running slot; give those slots back so a restarted core starts
		// from a clean count.
		for {
			select {
			case d := <-queue:
				d.inst.running.Add(-1)
			default:
				goto drained
			}
		}
	drained:
		c.mu.Lock()
		c.stopCh = nil
		c.stopDone = nil
		c.queue = nil
		c.runCtx = nil
		c.runCancel = nil
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		c.log.Info("scheduler stopped")
		return
	case <-ctx.Done():
	}

	// Drain deadline passed: kill in-flight runs and wait for the quick exit.
	if cancel != nil {
		cancel()
	}
	<-done
	c.log.Info("scheduler stopped", logx.Bool("forced", true))
}

func (c *Core) location() *time.Location {
	if c.cfg.Location != nil {
		return c.cfg.Location
	}
	return time.Local
}

func (c *Core) dispatchLoop(stopCh chan struct{}, queue chan dispatch) {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if c.paused.Load() {
				continue
			}
			if !c.tickOnce(stopCh, queue) {
				return
			}
		}
	}
}

// tickOnce evaluates every instance against "now" and feeds due fires to the
// pool. Returns false when the core is stopping.
func (c *Core) tickOnce(stopCh chan struct{}, queue chan dispatch) bool {
	now := c.now().In(c.location())

	for _, inst := range c.instances {
		fireAt := inst.nextFire()
		if fireAt.IsZero() || fireAt.After(now) {
			continue
		}

		lateness := now.Sub(fireAt)
		misfire := inst.misfireGrace > 0 && lateness > inst.misfireGrace

		missed := 0
		if misfire {
			// Count the backlog for observability. Whether coalescing or
			// not, the backlog collapses into a single dispatch; per-tick
			// replay would only produce dispatch storms.
			for t := fireAt; !t.After(now) && missed < backlogCap; t = inst.spec.Next(t) {
				missed++
			}
			c.met.Misfired(inst.def.ID)
			c.publish(eventbus.TypeJobMisfired, JobEvent{
				Job: inst.def.ID, FireAt: fireAt, Missed: missed, Coalesce: inst.coalesce,
			})
			c.log.Warn("job misfired",
				logx.String("job", inst.def.ID),
				logx.Time("fire_at", fireAt),
				logx.Duration("late", lateness),
				logx.Int("missed", missed),
				logx.Bool("coalesce", inst.coalesce),
			)
		}

		// The next fire time is always recomputed from "now" after the
		// dispatch decision, never speculatively ahead. This is what keeps
		// per-job dispatch order stable.
		inst.setNext(inst.spec.Next(now))

		// Concurrency gate.
		if int(inst.running.Load()) >= inst.maxInstances {
			c.met.Skipped()
			c.publish(eventbus.TypeJobSkipped, JobEvent{Job: inst.def.ID, FireAt: fireAt})
			if c.skipWarn.Allow() {
				c.log.Warn("job skipped: max instances reached",
					logx.String("job", inst.def.ID),
					logx.Int("max_instances", inst.maxInstances),
				)
			} else {
				c.log.Debug("job skipped: max instances reached", logx.String("job", inst.def.ID))
			}
			continue
		}

		inst.running.Add(1)
		d := dispatch{inst: inst, fireAt: fireAt, missed: missed, misfire: misfire}

		// Blocking send is the backpressure point: when the pool is
		// saturated, due jobs wait here instead of spawning unbounded
		// concurrency.
		select {
		case queue <- d:
		case <-stopCh:
			inst.running.Add(-1)
			return false
		}
	}
	return true
}

func (c *Core) worker(ctx context.Context, stopCh chan struct{}, queue chan dispatch) {
	for {
		select {
		case <-stopCh:
			return
		case d := <-queue:
			c.runOne(ctx, d)
		}
	}
}

func (c *Core) runOne(ctx context.Context, d dispatch) {
	inst := d.inst
	defer inst.running.Add(-1)

	c.met.Dispatched(inst.def.ID)
	c.publish(eventbus.TypeJobFired, JobEvent{
		Job: inst.def.ID, FireAt: d.fireAt, Missed: d.missed, Coalesce: inst.coalesce,
	})
	c.log.Info("job fired",
		logx.String("job", inst.def.ID),
		logx.Time("fire_at", d.fireAt),
		logx.Bool("misfire", d.misfire),
	)

	out := c.runner.Run(ctx, inst.def.Command, inst.timeout)

	c.met.RunDone(inst.def.ID, out.Status.String(), out.Took)
	ev := JobEvent{
		Job: inst.def.ID, RunID: out.RunID, FireAt: d.fireAt,
		Status: out.Status.String(), Took: out.Took,
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	c.publish(eventbus.TypeJobDone, ev)

	switch out.Status {
	case executor.StatusOK:
		c.log.Info("job done",
			logx.String("job", inst.def.ID),
			logx.String("run_id", out.RunID),
			logx.Duration("took", out.Took),
		)
	case executor.StatusTimeout:
		c.log.Error("job timed out",
			logx.String("job", inst.def.ID),
			logx.String("run_id", out.RunID),
			logx.Duration("timeout", inst.timeout),
		)
	default:
		c.log.Error("job failed",
			logx.String("job", inst.def.ID),
			logx.String("run_id", out.RunID),
			logx.Int("exit_code", out.ExitCode),
			logx.Err(out.Err),
		)
	}
}

func (c *Core) publish(typ string, ev JobEvent) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// Snapshot returns a diagnostic view of the schedule.
func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	q := c.queue
	paused := c.paused.Load()
	c.mu.Unlock()

	snap := Snapshot{
		Paused:  paused,
		Workers: c.cfg.Workers,
	}
	if q != nil {
		snap.QueueLen = len(q)
	}
	for _, inst := range c.instances {
		snap.Jobs = append(snap.Jobs, JobInfo{
			ID:           inst.def.ID,
			Expr:         inst.spec.Expr(),
			Next:         inst.nextFire(),
			Running:      int(inst.running.Load()),
			MaxInstances: inst.maxInstances,
			Coalesce:     inst.coalesce,
		})
	}
	return snap
}
