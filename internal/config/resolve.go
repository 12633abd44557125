package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"prioritybus/internal/offload"
	"prioritybus/internal/priority"
	"prioritybus/internal/storage"
	"prioritybus/internal/trigger"
	logx "prioritybus/pkg/logx"
)

// Binding is a parsed scheduler.events entry.
type Binding struct {
	Class priority.Class
	Event string
}

func (c *Config) LogSettings() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// SchedulerOrder returns the configured ExecuteAll order, or nil for the default.
func (c *Config) SchedulerOrder() ([]priority.Class, error) {
	return parseClasses("scheduler.order", c.Scheduler.Order)
}

func (c *Config) EventBindings() ([]Binding, error) {
	out := make([]Binding, 0, len(c.Scheduler.Events))
	for i, b := range c.Scheduler.Events {
		class, err := priority.ParseClass(b.Class)
		if err != nil {
			return nil, fmt.Errorf("scheduler.events[%d].class: %w", i, err)
		}
		ev := strings.TrimSpace(b.Event)
		if ev == "" {
			return nil, fmt.Errorf("scheduler.events[%d].event: required", i)
		}
		out = append(out, Binding{Class: class, Event: ev})
	}
	return out, nil
}

func (c *Config) PipelineTimeout() (time.Duration, error) {
	return ParseDurationField("scheduler.pipeline_timeout", c.Scheduler.PipelineTimeout)
}

// OffloadSettings returns the worker pool config and the classes diverted
// to it. A missing section yields a disabled config.
func (c *Config) OffloadSettings() (offload.Config, []priority.Class, error) {
	o := c.Offload
	if o == nil {
		return offload.Config{}, nil, nil
	}
	classes, err := parseClasses("offload.classes", o.Classes)
	if err != nil {
		return offload.Config{}, nil, err
	}
	cfg := offload.Config{
		Enabled:     o.Enabled,
		Workers:     o.Workers,
		QueueSize:   o.QueueSize,
		RatePerSec:  o.RatePerSec,
		RetryMax:    o.RetryMax,
		HistorySize: o.HistorySize,
	}
	var errs []error
	for _, n := range []struct {
		name string
		v    int
	}{{"workers", o.Workers}, {"queue_size", o.QueueSize}, {"rate_per_sec", o.RatePerSec}, {"retry_max", o.RetryMax}, {"history_size", o.HistorySize}} {
		if n.v < 0 {
			errs = append(errs, fmt.Errorf("offload.%s: must be >= 0", n.name))
		}
	}
	if cfg.RetryBase, err = ParseDurationField("offload.retry_base", o.RetryBase); err != nil {
		errs = append(errs, err)
	}
	if cfg.RetryMaxDelay, err = ParseDurationField("offload.retry_max_delay", o.RetryMaxDelay); err != nil {
		errs = append(errs, err)
	}
	if cfg.DefaultTimeout, err = ParseDurationField("offload.default_timeout", o.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	if o.Enabled && len(classes) == 0 {
		errs = append(errs, errors.New("offload.classes: at least one class is required when enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return offload.Config{}, nil, err
	}
	return cfg, classes, nil
}

func (c *Config) TriggerSpecs() ([]trigger.Spec, error) {
	out := make([]trigger.Spec, 0, len(c.Triggers))
	seen := map[string]bool{}
	for i, t := range c.Triggers {
		ev := strings.TrimSpace(t.Event)
		if seen[ev] && ev != "" {
			return nil, fmt.Errorf("triggers[%d]: duplicate event %q", i, ev)
		}
		seen[ev] = true
		timeout, err := ParseDurationField(fmt.Sprintf("triggers[%d].timeout", i), t.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, trigger.Spec{Event: ev, Schedule: t.Schedule, Timeout: timeout})
	}
	return out, nil
}

// StorageSettings returns the store config; a missing section disables storage.
func (c *Config) StorageSettings() (storage.Config, error) {
	s := c.Storage
	if s == nil {
		return storage.Config{}, nil
	}
	bt, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: bt}, nil
}

func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

func parseClasses(path string, raw []string) ([]priority.Class, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]priority.Class, 0, len(raw))
	seen := map[priority.Class]bool{}
	for i, r := range raw {
		c, err := priority.ParseClass(r)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", path, i, err)
		}
		if seen[c] {
			return nil, fmt.Errorf("%s[%d]: duplicate class %q", path, i, c)
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}
