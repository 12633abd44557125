package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prioritybus/internal/priority"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  order: [free, request]
  events:
    - class: request
      event: request.done
  pipeline_timeout: 30s
offload:
  enabled: true
  classes: [free]
  workers: 4
  rate_per_sec: 10
  retry_max: 2
  retry_base: 100ms
triggers:
  - event: request.done
    schedule: "@every 10s"
    timeout: 5s
storage:
  driver: sqlite
  path: ./data/audit.db
  busy_timeout: 2s
timezone: UTC
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogSettings().Level)

	order, err := cfg.SchedulerOrder()
	require.NoError(t, err)
	assert.Equal(t, []priority.Class{priority.ClassFree, priority.ClassRequest}, order)

	binds, err := cfg.EventBindings()
	require.NoError(t, err)
	assert.Equal(t, []Binding{{Class: priority.ClassRequest, Event: "request.done"}}, binds)

	pt, err := cfg.PipelineTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, pt)

	oc, classes, err := cfg.OffloadSettings()
	require.NoError(t, err)
	assert.True(t, oc.Enabled)
	assert.Equal(t, 4, oc.Workers)
	assert.Equal(t, 100*time.Millisecond, oc.RetryBase)
	assert.Equal(t, []priority.Class{priority.ClassFree}, classes)

	specs, err := cfg.TriggerSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, 5*time.Second, specs[0].Timeout)

	sc, err := cfg.StorageSettings()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"bogus":1}`))
	assert.ErrorContains(t, err, "bogus")

	_, err = Decode("c.json", []byte(`{} {}`))
	assert.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yml", []byte("scheduler:\n  nope: true\n"))
	assert.ErrorContains(t, err, "nope")

	cfg, err := Decode("c.yaml", []byte(""))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad level", Config{Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"empty class in order", Config{Scheduler: SchedulerConfig{Order: []string{"urgent", " "}}}, "scheduler.order[1]"},
		{"duplicate order", Config{Scheduler: SchedulerConfig{Order: []string{"free", "FREE"}}}, "duplicate class"},
		{"event without name", Config{Scheduler: SchedulerConfig{Events: []EventBinding{{Class: "request"}}}}, "scheduler.events[0].event"},
		{"negative timeout", Config{Scheduler: SchedulerConfig{PipelineTimeout: "-1s"}}, "pipeline_timeout"},
		{"offload without classes", Config{Offload: &OffloadConfig{Enabled: true}}, "offload.classes"},
		{"offload sequence", Config{Offload: &OffloadConfig{Enabled: true, Classes: []string{"sequence"}}}, "must run in-process"},
		{"offload negative workers", Config{Offload: &OffloadConfig{Workers: -1}}, "offload.workers"},
		{"bad cron", Config{Triggers: []TriggerConfig{{Event: "x", Schedule: "99 * * * *"}}}, "trigger 0 (x)"},
		{"duplicate trigger", Config{Triggers: []TriggerConfig{{Event: "x", Schedule: "1m"}, {Event: "x", Schedule: "2m"}}}, "duplicate event"},
		{"unknown driver", Config{Storage: &StorageConfig{Driver: "redis", Path: "x"}}, "storage.driver"},
		{"missing path", Config{Storage: &StorageConfig{Driver: "file"}}, "storage.path"},
		{"bad timezone", Config{Timezone: "Mars/Olympus"}, "timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Triggers: []TriggerConfig{{Event: "e", Schedule: "1m"}}}

	changed, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{"logging", "triggers"}, changed)
	assert.NotEmpty(t, attrs)
	assert.True(t, HotReloadable(changed))

	changed, _ = SummarizeChange(a, &Config{Logging: a.Logging, Offload: &OffloadConfig{}})
	assert.Equal(t, []string{"offload"}, changed)
	assert.False(t, HotReloadable(changed))
}

func TestManagerLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"nope"}}`), 0o600))

	m := NewManager(path)
	_, err := m.Load()
	assert.Error(t, err)
	assert.Nil(t, m.Get())
}

func TestManagerWatchPublishesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600))

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// An invalid edit is ignored; a valid one is published.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			assert.Equal(t, "debug", cfg.Logging.Level)
			assert.Equal(t, "debug", m.Get().Logging.Level)
			cancel()
			<-done
			return
		case <-tick.C:
			// Rewrites until the watcher is up; each write is debounced.
			require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"bogus"}}`), 0o600))
			require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
