package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Listener runs when a named event is dispatched.
type Listener func(ctx context.Context) error

// Dispatcher is a synchronous named-event registry. Unlike the Bus, Dispatch
// runs every listener on the calling goroutine before returning.
//
// If a Bus is attached, every dispatch is also published on it as an event
// of type "event.dispatched".
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	bus       Bus
}

func NewDispatcher(bus Bus) *Dispatcher {
	return &Dispatcher{listeners: map[string][]Listener{}, bus: bus}
}

// AddListener registers fn for name. Listeners are additive and run in
// registration order.
func (d *Dispatcher) AddListener(name string, fn Listener) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	d.mu.Lock()
	d.listeners[name] = append(d.listeners[name], fn)
	d.mu.Unlock()
}

// OnEvent makes Dispatcher usable as a priority.EventSource.
func (d *Dispatcher) OnEvent(name string, fn func(ctx context.Context) error) {
	d.AddListener(name, fn)
}

// Dispatch runs every listener for name. All listeners run even if some
// fail; the failures are joined.
func (d *Dispatcher) Dispatch(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	d.mu.RLock()
	ls := append([]Listener(nil), d.listeners[name]...)
	d.mu.RUnlock()

	var errs []error
	for _, fn := range ls {
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", name, err))
		}
	}
	if d.bus != nil {
		d.bus.Publish(Event{Type: "event.dispatched", Time: time.Now(), Data: DispatchInfo{Name: name, Listeners: len(ls), Failed: len(errs)}})
	}
	return errors.Join(errs...)
}

// Listeners returns the number of listeners registered for name.
func (d *Dispatcher) Listeners(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[strings.TrimSpace(name)])
}

// DispatchInfo is the payload of "event.dispatched".
type DispatchInfo struct {
	Name      string `json:"name"`
	Listeners int    `json:"listeners"`
	Failed    int    `json:"failed"`
}
