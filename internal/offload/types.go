package offload

import (
	"time"

	"prioritybus/internal/priority"
)

// Config controls the offload worker pool.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// RatePerSec caps unit starts per second across all workers.
	// 0 disables rate limiting.
	RatePerSec int

	// DefaultTimeout bounds a single attempt. 0 disables it.
	DefaultTimeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type HistoryItem struct {
	ID         string
	Class      priority.Class
	Command    string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// Event types published on the bus.
const (
	EventStarted  = "unit.started"
	EventFinished = "unit.finished"
	EventFailed   = "unit.failed"
	EventDropped  = "unit.dropped"
)

// UnitEvent is the payload of unit lifecycle events.
type UnitEvent struct {
	ID         string         `json:"id"`
	Class      priority.Class `json:"class"`
	Command    string         `json:"command"`
	QueueDelay time.Duration  `json:"queue_delay"`
	Duration   time.Duration  `json:"duration"`
	Attempts   int            `json:"attempts"`
	Error      string         `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Enabled   bool
	Running   bool
	Workers   int
	QueueLen  int
	QueueCap  int
	InFlight  int
	Accepted  uint64
	Completed uint64
	Failed    uint64
	Dropped   uint64
	History   []HistoryItem
}
