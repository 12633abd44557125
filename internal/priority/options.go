package priority

import (
	"prioritybus/internal/eventbus"
	logx "prioritybus/pkg/logx"
)

// Options holds configuration for a [Scheduler].
type Options struct {
	Logger       logx.Logger
	Bus          eventbus.Bus
	DefaultOrder []Class
}

// Option configures [Options].
type Option func(*Options)

// WithLogger sets the scheduler logger.
func WithLogger(log logx.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// WithBus makes the scheduler publish lifecycle events on bus.
func WithBus(bus eventbus.Bus) Option {
	return func(o *Options) { o.Bus = bus }
}

// WithDefaultOrder overrides the order ExecuteAll uses when called without
// one.
func WithDefaultOrder(order ...Class) Option {
	return func(o *Options) {
		if len(order) > 0 {
			o.DefaultOrder = append([]Class(nil), order...)
		}
	}
}
