package config

import (
	"reflect"
	"slices"
	"strings"

	logx "prioritybus/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.order", strings.Join(newCfg.Scheduler.Order, ",")),
			logx.Int("scheduler.events", len(newCfg.Scheduler.Events)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Offload, newCfg.Offload) {
		changed = append(changed, "offload")
		if newCfg.Offload != nil {
			attrs = append(attrs,
				logx.Bool("offload.enabled", newCfg.Offload.Enabled),
				logx.Int("offload.workers", newCfg.Offload.Workers),
			)
		}
	}
	if !slices.Equal(oldCfg.Triggers, newCfg.Triggers) {
		changed = append(changed, "triggers")
		attrs = append(attrs, logx.Int("triggers", len(newCfg.Triggers)))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}
	return changed, attrs
}

// HotReloadable reports whether every changed section can be applied
// without a restart.
func HotReloadable(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "logging", "triggers":
		default:
			return false
		}
	}
	return true
}
