package priority

import (
	"context"
	"time"
)

// Next performs the real dispatch of cmd. It is the rest of the pipeline
// after the scheduler.
type Next func(ctx context.Context, cmd any) error

// Continuation is a deferred dispatch of one command. It runs exactly once,
// either locally during a drain or through a Sink.
type Continuation func(ctx context.Context) error

// Unit is a continuation handed to a Sink, together with what it was built
// from so sinks can log and correlate it.
type Unit struct {
	ID       string
	Class    Class
	Command  any
	QueuedAt time.Time
	Run      Continuation
}

// Sink accepts units for execution outside the current call chain.
//
// Accept must not run the unit on the calling goroutine. Once Accept returns
// nil the sink owns the unit; if it returns an error the scheduler keeps the
// unit queued.
type Sink interface {
	Accept(ctx context.Context, u Unit) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, u Unit) error

func (f SinkFunc) Accept(ctx context.Context, u Unit) error { return f(ctx, u) }

// EventSource registers callbacks for named events. Firing semantics belong
// to the implementation.
type EventSource interface {
	OnEvent(name string, fn func(ctx context.Context) error)
}

// Event types published by the scheduler.
const (
	EventQueued   = "command.queued"
	EventExecuted = "command.executed"
	EventFailed   = "command.failed"
	EventDiverted = "command.diverted"
)

// Event is the payload of scheduler bus events.
type Event struct {
	ID       string        `json:"id"`
	Class    Class         `json:"class,omitempty"`
	Command  string        `json:"command"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
