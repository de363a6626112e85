package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`

	// Scheduler controls dispatch behavior and the per-job defaults
	// (coalesce / max_instances / misfire_grace) applied to jobs that do
	// not override them.
	Scheduler SchedulerConfig `json:"scheduler"`

	Reload  ReloadConfig   `json:"reload"`
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty"`
	Console *bool          `json:"console,omitempty"`
	File    LogFileConfig  `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path"`

	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the dispatch loop and worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - tick: "1s"
//   - default_timeout: "60s"
//   - max_instances: 1
//   - misfire_grace: "30s" ("0s" disables misfire classification)
type SchedulerConfig struct {
	Timezone  string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Tick      string `json:"tick,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	Coalesce       bool   `json:"coalesce,omitempty"`
	MaxInstances   int    `json:"max_instances,omitempty"`
	MisfireGrace   string `json:"misfire_grace,omitempty"`
}

type ReloadConfig struct {
	// Interval between update-marker polls.
	Interval string `json:"interval,omitempty"`

	// DrainTimeout bounds how long a retiring schedule waits for in-flight
	// executions.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"`
}

// ConsoleEnabled defaults to true when the field is omitted.
func (l LoggingConfig) ConsoleEnabled() bool {
	if l.Console == nil {
		return true
	}
	return *l.Console
}
