package priority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"prioritybus/internal/eventbus"
	"prioritybus/internal/pipeline"
	logx "prioritybus/pkg/logx"
)

var (
	ErrClosed         = errors.New("priority: scheduler closed")
	ErrNoContinuation = errors.New("priority: nil continuation")
	ErrNoEventSource  = errors.New("priority: nil event source")
	ErrReservedClass  = errors.New("priority: class cannot be bound to a sink")
)

// pending is a queued command paired with its continuation.
type pending struct {
	id       string
	class    Class
	cmd      any
	run      Continuation
	queuedAt time.Time
}

type binding struct {
	class Class
	sink  Sink
}

// Scheduler decides when intercepted commands run.
//
// All drains share one lock. A drain holds it from the first pop until the
// class is observed empty, and commands dispatched from inside a running
// continuation re-enter it through the context they were given. Handlers
// that dispatch further commands must pass that context along; a fresh
// context.Background() would wait on the drain it is running in.
type Scheduler struct {
	log   logx.Logger
	bus   eventbus.Bus
	order []Class

	queues *Registry[*pending]
	drain  drainLock

	mu     sync.Mutex
	sinks  []binding // bind order
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// New returns a scheduler with empty queues.
func New(opts ...Option) *Scheduler {
	o := &Options{DefaultOrder: DefaultOrder}
	for _, opt := range opts {
		opt(o)
	}
	log := o.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		log:    log,
		bus:    o.Bus,
		order:  append([]Class(nil), o.DefaultOrder...),
		queues: NewRegistry[*pending](),
	}
}

// Intercept is the pipeline entry point.
//
// A plain command runs immediately, after the sequence queue has been
// drained. A classed command is queued; then the urgent queue is drained and
// every sink-bound queue is handed to its sink. The returned error comes
// from work run synchronously during the call, never from the deferred
// execution of cmd itself.
func (s *Scheduler) Intercept(ctx context.Context, cmd any, next Next) error {
	if next == nil {
		return ErrNoContinuation
	}
	p := &pending{
		id:  uuid.NewString(),
		cmd: cmd,
		run: func(ctx context.Context) error { return next(ctx, cmd) },
	}

	class, ok := ClassOf(cmd)
	p.class = class

	// The closed check and the enqueue happen under one lock so a command is
	// either queued before Close flushes or run immediately after it.
	s.mu.Lock()
	queued := ok && !s.closed
	if queued {
		p.queuedAt = time.Now()
		s.publish(EventQueued, p, 0, nil)
		s.queues.Enqueue(class, p)
	}
	s.mu.Unlock()
	if !queued {
		return s.execute(ctx, p)
	}

	s.log.Debug("command queued",
		logx.String("class", string(class)),
		logx.String("cmd", pipeline.CommandName(cmd)),
		logx.String("id", p.id),
	)

	err := s.ExecuteQueue(ctx, ClassUrgent)
	if derr := s.divertBound(ctx); err == nil {
		err = derr
	}
	return err
}

// Middleware adapts the scheduler to a dispatch pipeline.
func (s *Scheduler) Middleware() pipeline.Middleware {
	return func(next pipeline.HandlerFunc) pipeline.HandlerFunc {
		return func(ctx context.Context, cmd any) error {
			return s.Intercept(ctx, cmd, Next(next))
		}
	}
}

// ExecuteQueue drains class: it pops and runs continuations until the queue
// is observed empty, so work queued by a running continuation is picked up
// in the same pass. Draining an empty or unknown class is a no-op.
//
// The first failing continuation stops the drain; its error is returned and
// the rest of the class stays queued.
func (s *Scheduler) ExecuteQueue(ctx context.Context, class Class) error {
	if s.queues.Len(class) == 0 {
		return nil
	}
	ctx, o := withOwner(ctx)
	if err := s.drain.lock(ctx, o); err != nil {
		return err
	}
	defer s.drain.unlock()

	for {
		p, ok := s.queues.Dequeue(class)
		if !ok {
			return nil
		}
		if err := s.execute(ctx, p); err != nil {
			return err
		}
	}
}

// ExecuteAll drains the classes in order (DefaultOrder when empty), then
// every other known class in first-seen order.
func (s *Scheduler) ExecuteAll(ctx context.Context, order ...Class) error {
	if len(order) == 0 {
		order = s.order
	}

	ctx, o := withOwner(ctx)
	if err := s.drain.lock(ctx, o); err != nil {
		return err
	}
	defer s.drain.unlock()

	named := make(map[Class]struct{}, len(order))
	for _, class := range order {
		named[class] = struct{}{}
		if err := s.ExecuteQueue(ctx, class); err != nil {
			return err
		}
	}
	for _, class := range s.queues.Classes() {
		if _, ok := named[class]; ok {
			continue
		}
		if err := s.ExecuteQueue(ctx, class); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteQueueAtEvent drains class every time src fires event. Registrations
// are additive.
func (s *Scheduler) ExecuteQueueAtEvent(class Class, event string, src EventSource) error {
	if src == nil {
		return ErrNoEventSource
	}
	if s.isClosed() {
		return ErrClosed
	}
	src.OnEvent(event, func(ctx context.Context) error {
		s.log.Debug("event drain", logx.String("event", event), logx.String("class", string(class)))
		return s.ExecuteQueue(ctx, class)
	})
	return nil
}

// SetSink binds sink to class, replacing any previous binding, and moves
// everything currently queued for class into it. Units already handed to a
// previous sink stay there. A nil sink removes the binding.
//
// Sequence and urgent cannot be bound: their commands must run locally and
// in order, so SetSink returns ErrReservedClass for them.
func (s *Scheduler) SetSink(ctx context.Context, class Class, sink Sink) error {
	if sink != nil && (class == ClassSequence || class == ClassUrgent) {
		return fmt.Errorf("%w: %s", ErrReservedClass, class)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	idx := -1
	for i, b := range s.sinks {
		if b.class == class {
			idx = i
			break
		}
	}
	switch {
	case sink == nil && idx >= 0:
		s.sinks = append(s.sinks[:idx], s.sinks[idx+1:]...)
	case sink != nil && idx >= 0:
		s.sinks[idx].sink = sink
	case sink != nil:
		s.sinks = append(s.sinks, binding{class: class, sink: sink})
	}
	s.mu.Unlock()

	if sink == nil {
		s.log.Info("sink unbound", logx.String("class", string(class)))
		return nil
	}
	s.log.Info("sink bound", logx.String("class", string(class)))
	return s.divert(ctx, class, sink)
}

// Close runs ExecuteAll once so nothing submitted is lost. Commands
// intercepted afterwards run immediately. Close is safe to call more than
// once; later calls return the first result.
func (s *Scheduler) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		start := time.Now()
		s.closeErr = s.ExecuteAll(ctx)
		if s.closeErr != nil {
			s.log.Warn("final flush failed", logx.Err(s.closeErr), logx.Duration("took", time.Since(start)))
			return
		}
		s.log.Debug("final flush done", logx.Duration("took", time.Since(start)))
	})
	return s.closeErr
}

// Classes returns the known classes in first-seen order.
func (s *Scheduler) Classes() []Class { return s.queues.Classes() }

// Pending returns the number of queued commands per known class.
func (s *Scheduler) Pending() map[Class]int {
	classes := s.queues.Classes()
	out := make(map[Class]int, len(classes))
	for _, c := range classes {
		out[c] = s.queues.Len(c)
	}
	return out
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// execute runs p after draining the sequence queue, unless p is itself a
// sequence command.
func (s *Scheduler) execute(ctx context.Context, p *pending) error {
	if p.class != ClassSequence {
		if err := s.ExecuteQueue(ctx, ClassSequence); err != nil {
			if !p.queuedAt.IsZero() {
				s.queues.Requeue(p.class, p)
			}
			return err
		}
	}

	start := time.Now()
	err := p.run(ctx)
	dur := time.Since(start)
	if err != nil {
		s.publish(EventFailed, p, dur, err)
		s.log.Warn("command failed",
			logx.String("class", string(p.class)),
			logx.String("cmd", pipeline.CommandName(p.cmd)),
			logx.String("id", p.id),
			logx.Duration("dur", dur),
			logx.Err(err),
		)
		return err
	}
	s.publish(EventExecuted, p, dur, nil)
	return nil
}

// divertBound hands every sink-bound queue to its sink.
func (s *Scheduler) divertBound(ctx context.Context) error {
	s.mu.Lock()
	bound := append([]binding(nil), s.sinks...)
	s.mu.Unlock()

	var errs []error
	for _, b := range bound {
		if err := s.divert(ctx, b.class, b.sink); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// divert hands everything queued for class to sink. It holds the drain lock
// so hand-offs keep submission order and never split a running local drain.
func (s *Scheduler) divert(ctx context.Context, class Class, sink Sink) error {
	if s.queues.Len(class) == 0 {
		return nil
	}
	ctx, o := withOwner(ctx)
	if err := s.drain.lock(ctx, o); err != nil {
		return err
	}
	defer s.drain.unlock()

	n := 0
	for {
		p, ok := s.queues.Dequeue(class)
		if !ok {
			break
		}
		u := Unit{ID: p.id, Class: p.class, Command: p.cmd, QueuedAt: p.queuedAt, Run: p.run}
		if err := sink.Accept(ctx, u); err != nil {
			s.queues.Requeue(class, p)
			return fmt.Errorf("priority: sink for %q rejected %s: %w", class, p.id, err)
		}
		s.publish(EventDiverted, p, 0, nil)
		n++
	}
	if n > 0 {
		s.log.Debug("queue diverted to sink", logx.String("class", string(class)), logx.Int("count", n))
	}
	return nil
}

func (s *Scheduler) publish(typ string, p *pending, dur time.Duration, err error) {
	if s.bus == nil {
		return
	}
	ev := Event{ID: p.id, Class: p.class, Command: pipeline.CommandName(p.cmd), Duration: dur}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
