package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: false
  file:
    enabled: true
    path: /var/log/jobsman.log
store:
  path: /var/lib/jobsman/jobs.db
  busy_timeout: 5s
scheduler:
  timezone: UTC
  workers: 4
  queue_size: 128
  tick: 500ms
  default_timeout: 90s
  coalesce: true
  max_instances: 2
  misfire_grace: 45s
reload:
  interval: 10s
  drain_timeout: 1m
metrics:
  enabled: true
  listen: 127.0.0.1:9091
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.yaml", sampleYAML)

	cfg, err := NewManager(path).Parse()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.ConsoleEnabled())
	assert.True(t, cfg.Logging.File.Enabled)
	assert.Equal(t, "/var/lib/jobsman/jobs.db", cfg.Store.Path)
	assert.Equal(t, "5s", cfg.Store.BusyTimeout)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 128, cfg.Scheduler.QueueSize)
	assert.True(t, cfg.Scheduler.Coalesce)
	assert.Equal(t, "45s", cfg.Scheduler.MisfireGrace)
	assert.Equal(t, "10s", cfg.Reload.Interval)
	require.NotNil(t, cfg.Metrics)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9091", cfg.Metrics.Listen)
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.json", `{"store": {"path": "jobs.db"}, "scheduler": {"workers": 1}}`)

	cfg, err := NewManager(path).Parse()
	require.NoError(t, err)
	assert.Equal(t, "jobs.db", cfg.Store.Path)
	assert.Equal(t, 1, cfg.Scheduler.Workers)
	assert.Nil(t, cfg.Metrics)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.yaml", "store:\n  path: jobs.db\n  compression: gzip\n")

	_, err := NewManager(path).Parse()
	require.Error(t, err, "typo'd keys must fail loudly, not be silently ignored")
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.json", `{"store": {"path": "a"}}{"store": {"path": "b"}}`)

	_, err := NewManager(path).Parse()
	require.Error(t, err)
}

func TestParseMissingFile(t *testing.T) {
	t.Parallel()
	_, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml")).Parse()
	require.Error(t, err)
}

func TestConsoleEnabledDefault(t *testing.T) {
	t.Parallel()
	var l LoggingConfig
	assert.True(t, l.ConsoleEnabled(), "console defaults on when omitted")

	v := false
	l.Console = &v
	assert.False(t, l.ConsoleEnabled())
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.yaml", "store:\n  path: jobs.db\n")

	m := NewManager(path)
	assert.Nil(t, m.Get())

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	cfg := &Config{}
	m.publish(cfg)

	select {
	case got := <-ch:
		assert.Same(t, cfg, got)
	default:
		t.Fatal("no config delivered to subscriber")
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	stale := &Config{}
	fresh := &Config{}
	m.publish(stale)
	m.publish(fresh)

	got := <-ch
	assert.Same(t, fresh, got, "slow subscriber must see the latest config, not the oldest")
}

func TestParseDurations(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "90s")
	require.NoError(t, err)
	assert.Equal(t, "1m30s", d.String())

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("x", "fast")
	require.Error(t, err)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)

	d, err = ParseDurationOrDefault("x", "", 42)
	require.NoError(t, err)
	assert.EqualValues(t, 42, d)
}
