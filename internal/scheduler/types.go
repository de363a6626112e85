package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"jobsman/internal/store"
	"jobsman/internal/trigger"
)

// Config controls one scheduler core.
//
// Default* values apply to jobs that do not carry their own override.
type Config struct {
	Workers   int
	QueueSize int

	// Tick is the dispatch loop resolution. Default 1s.
	Tick time.Duration

	// Location is the timezone cron fields are evaluated in. Nil means local.
	Location *time.Location

	// DefaultTimeout is used when a job's timeout is 0.
	DefaultTimeout time.Duration

	DefaultCoalesce     bool
	DefaultMaxInstances int

	// DefaultMisfireGrace bounds how late a fire may run before it counts as
	// a misfire. <= 0 disables misfire classification entirely.
	DefaultMisfireGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.DefaultMaxInstances <= 0 {
		c.DefaultMaxInstances = 1
	}
	return c
}

// instance is the runtime state of one scheduled job. It is owned by exactly
// one Core; `running` is touched only by that core's dispatch loop and its
// worker completion paths.
type instance struct {
	def  store.JobDefinition
	spec *trigger.Spec

	timeout      time.Duration
	coalesce     bool
	maxInstances int
	misfireGrace time.Duration

	// next is written by the dispatch loop and read concurrently by
	// Snapshot, so it gets its own small lock.
	nextMu sync.Mutex
	next   time.Time

	running atomic.Int32
}

func (i *instance) nextFire() time.Time {
	i.nextMu.Lock()
	defer i.nextMu.Unlock()
	return i.next
}

func (i *instance) setNext(t time.Time) {
	i.nextMu.Lock()
	i.next = t
	i.nextMu.Unlock()
}

// dispatch is one fire decision handed to the worker pool.
type dispatch struct {
	inst    *instance
	fireAt  time.Time
	missed  int // backlog fires collapsed into this dispatch (misfire only)
	misfire bool
}

// JobEvent is the payload published on the event bus for job lifecycle events.
type JobEvent struct {
	Job      string        `json:"job"`
	RunID    string        `json:"run_id,omitempty"`
	FireAt   time.Time     `json:"fire_at"`
	Missed   int           `json:"missed,omitempty"`
	Coalesce bool          `json:"coalesce,omitempty"`
	Status   string        `json:"status,omitempty"`
	Took     time.Duration `json:"took,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// JobInfo is a diagnostic view of one scheduled job.
type JobInfo struct {
	ID           string
	Expr         string
	Next         time.Time
	Running      int
	MaxInstances int
	Coalesce     bool
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Paused   bool
	Workers  int
	QueueLen int
	Jobs     []JobInfo
}
