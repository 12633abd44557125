package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"prioritybus/internal/priority"
	"prioritybus/internal/trigger"
	logx "prioritybus/pkg/logx"
)

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}

	_, err := c.SchedulerOrder()
	add(err)
	_, err = c.EventBindings()
	add(err)
	_, err = c.PipelineTimeout()
	add(err)

	_, offloaded, err := c.OffloadSettings()
	add(err)
	if c.Offload != nil && c.Offload.Enabled {
		for _, cl := range offloaded {
			if cl == priority.ClassUrgent || cl == priority.ClassSequence {
				add(fmt.Errorf("offload.classes: %q must run in-process", cl))
			}
		}
	}

	loc, err := c.Location()
	add(err)
	if loc == nil {
		loc = time.UTC
	}
	specs, err := c.TriggerSpecs()
	add(err)
	if err == nil {
		add(trigger.New(nil, loc, logx.Nop()).Validate(specs))
	}

	st, err := c.StorageSettings()
	add(err)
	if err == nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path: required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
	}

	return errors.Join(errs...)
}
