package config

// Config is the whole configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Offload diverts the listed classes to a worker pool. Omitted means
	// every class is drained in-process.
	Offload *OffloadConfig `json:"offload,omitempty"`

	Triggers []TriggerConfig `json:"triggers,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	// Timezone for trigger schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the priority scheduler.
//
// Example:
//
//	"scheduler": {
//	  "order": ["sequence", "urgent", "request", "free"],
//	  "events": [{ "class": "request", "event": "request.done" }],
//	  "pipeline_timeout": "30s"
//	}
type SchedulerConfig struct {
	// Order replaces the default ExecuteAll order when non-empty.
	Order  []string       `json:"order,omitempty"`
	Events []EventBinding `json:"events,omitempty"`

	// PipelineTimeout bounds each handler call. "0s" or empty disables it.
	PipelineTimeout string `json:"pipeline_timeout,omitempty"`
}

// EventBinding drains Class whenever Event is dispatched.
type EventBinding struct {
	Class string `json:"class"`
	Event string `json:"event"`
}

// OffloadConfig controls the offload worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 0 (unlimited)
//   - retry_max: 0
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type OffloadConfig struct {
	Enabled bool     `json:"enabled"`
	Classes []string `json:"classes"`

	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`

	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// TriggerConfig fires Event on Schedule (cron, "@every 5s", "55m" or "HH:MM").
type TriggerConfig struct {
	Event    string `json:"event"`
	Schedule string `json:"schedule"`
	Timeout  string `json:"timeout,omitempty"`
}

// StorageConfig controls the audit trail store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/audit.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
