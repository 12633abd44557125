// Package audit writes command and unit lifecycle events to storage.
package audit

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"prioritybus/internal/eventbus"
	"prioritybus/internal/offload"
	"prioritybus/internal/priority"
	"prioritybus/internal/storage"
	logx "prioritybus/pkg/logx"
)

// Recorder copies lifecycle events from a bus into a store.
type Recorder struct {
	store storage.Store
	log   logx.Logger

	ch    <-chan eventbus.Event
	unsub func()

	written atomic.Uint64
	failed  atomic.Uint64
}

const subscribeBuffer = 256

// New subscribes to bus right away so nothing published before Run is
// missed.
func New(bus eventbus.Bus, store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{store: store, log: log}
	if bus != nil && store != nil {
		r.ch, r.unsub = bus.Subscribe(subscribeBuffer)
	}
	return r
}

// Run writes events until ctx is canceled, then writes whatever is still
// buffered and unsubscribes.
func (r *Recorder) Run(ctx context.Context) error {
	if r.ch == nil {
		return errors.New("audit: bus and store are required")
	}
	defer r.unsub()
	ch := r.ch

	for {
		select {
		case <-ctx.Done():
			r.drain(ch)
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.write(ctx, ev)
		}
	}
}

// Written and Failed count store appends.
func (r *Recorder) Written() uint64 { return r.written.Load() }
func (r *Recorder) Failed() uint64  { return r.failed.Load() }

func (r *Recorder) drain(ch <-chan eventbus.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.write(context.Background(), ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev eventbus.Event) {
	rec, ok := ToRecord(ev)
	if !ok {
		return
	}
	if err := r.store.Append(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
		r.failed.Add(1)
		r.log.Warn("audit append failed", logx.String("type", rec.Type), logx.String("id", rec.ID), logx.Err(err))
		return
	}
	r.written.Add(1)
}

// ToRecord converts scheduler and offload events. Other events are skipped.
func ToRecord(ev eventbus.Event) (storage.Record, bool) {
	rec := storage.Record{At: ev.Time, Type: ev.Type}
	switch d := ev.Data.(type) {
	case priority.Event:
		if !strings.HasPrefix(ev.Type, "command.") {
			return rec, false
		}
		rec.ID = d.ID
		rec.Class = string(d.Class)
		rec.Command = d.Command
		rec.DurationMS = d.Duration.Milliseconds()
		rec.Error = d.Error
	case offload.UnitEvent:
		if !strings.HasPrefix(ev.Type, "unit.") {
			return rec, false
		}
		rec.ID = d.ID
		rec.Class = string(d.Class)
		rec.Command = d.Command
		rec.DurationMS = d.Duration.Milliseconds()
		rec.Attempts = d.Attempts
		rec.Error = d.Error
	default:
		return rec, false
	}
	return rec, true
}
