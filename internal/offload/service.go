package offload

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"prioritybus/internal/eventbus"
	"prioritybus/internal/pipeline"
	"prioritybus/internal/priority"
	rtsup "prioritybus/internal/runtime/supervisor"
	logx "prioritybus/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service runs diverted units on a bounded worker pool. It is a
// priority.Sink: Accept never blocks and reports ErrQueueFull when the
// buffer is full, which leaves the unit queued in the scheduler.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan priority.Unit
	sup      *rtsup.Supervisor
	limiter  *rate.Limiter
	stopping bool

	inFlight  atomic.Int32
	accepted  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	lastFullWarnAt atomic.Int64
}

var _ priority.Sink = (*Service)(nil)

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor (nil when not running).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.q != nil {
		s.mu.Unlock()
		return
	}
	q := make(chan priority.Unit, cfg.QueueSize)
	s.q = q
	s.stopping = false
	s.limiter = nil
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	limiter := s.limiter
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "offload"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.worker(c, q, limiter, cfg)
		}, 250*time.Millisecond, 5*time.Second)
	}
	s.log.Info("offload started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize), logx.Int("rate", cfg.RatePerSec))
}

// Stop refuses new units and waits for the workers to finish what is
// already buffered. When ctx ends first the workers are canceled and
// whatever is still buffered is reported as dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.q == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	q := s.q
	sup := s.sup
	close(q)
	s.mu.Unlock()

	var err error
	if _ = sup.Wait(ctx); ctx.Err() != nil {
		err = ctx.Err()
		sup.Cancel()
		_ = sup.Wait(context.Background())
		for u := range q {
			s.onDropped(u, "stopped")
		}
		s.log.Warn("offload stop timed out", logx.Err(err))
	} else {
		s.log.Info("offload stopped")
	}

	s.mu.Lock()
	s.q = nil
	s.sup = nil
	s.stopping = false
	s.mu.Unlock()
	return err
}

// Accept buffers u for a worker without blocking.
func (s *Service) Accept(_ context.Context, u priority.Unit) error {
	if u.Run == nil {
		return fmt.Errorf("offload: unit %s has no continuation", u.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.cfg.Enabled:
		return ErrDisabled
	case s.q == nil:
		return ErrStopped
	case s.stopping:
		return ErrStopping
	}
	select {
	case s.q <- u:
		s.accepted.Add(1)
		return nil
	default:
		s.onQueueFull(u, len(s.q), cap(s.q))
		return ErrQueueFull
	}
}

// Snapshot returns counters and a copy of the recent history.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := q != nil && !s.stopping
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Enabled:   cfg.Enabled,
		Running:   running,
		Workers:   cfg.Workers,
		InFlight:  int(s.inFlight.Load()),
		Accepted:  s.accepted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		History:   h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) record(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev UnitEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) onQueueFull(u priority.Unit, ql, qc int) {
	s.dropped.Add(1)
	s.publish(EventDropped, UnitEvent{ID: u.ID, Class: u.Class, Command: pipeline.CommandName(u.Command), Error: "queue_full"})

	now := time.Now().UnixNano()
	prev := s.lastFullWarnAt.Load()
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastFullWarnAt.CompareAndSwap(prev, now) {
		s.log.Warn("unit rejected: queue full",
			logx.String("id", u.ID),
			logx.String("class", string(u.Class)),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}

func (s *Service) onDropped(u priority.Unit, reason string) {
	s.dropped.Add(1)
	s.publish(EventDropped, UnitEvent{ID: u.ID, Class: u.Class, Command: pipeline.CommandName(u.Command), Error: reason})
}
