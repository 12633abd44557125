// Package trigger fires named events on cron schedules.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "prioritybus/pkg/logx"
)

// Firer dispatches a named event. eventbus.Dispatcher implements it.
type Firer interface {
	Dispatch(ctx context.Context, name string) error
}

// Spec fires Event on Schedule. Timeout bounds one firing; 0 means none.
type Spec struct {
	Event    string
	Schedule string
	Timeout  time.Duration
}

type entry struct {
	spec Spec
	expr string
	id   cron.EntryID
}

// Service owns one cron runner. Firings that overlap a still-running
// firing of the same spec are skipped.
type Service struct {
	mu     sync.Mutex
	fire   Firer
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location

	ctx     context.Context
	cancel  context.CancelFunc
	c       *cron.Cron
	entries []entry
}

func New(fire Firer, loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		fire: fire,
		log:  log,
		loc:  loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks that every spec names an event and has a parseable schedule.
func (s *Service) Validate(specs []Spec) error {
	_, err := s.compile(specs)
	return err
}

func (s *Service) compile(specs []Spec) ([]entry, error) {
	var errs []error
	out := make([]entry, 0, len(specs))
	for i, sp := range specs {
		sp.Event = strings.TrimSpace(sp.Event)
		if sp.Event == "" {
			errs = append(errs, fmt.Errorf("trigger %d: event required", i))
			continue
		}
		expr, err := NormalizeSchedule(sp.Schedule)
		if err == nil {
			_, err = s.parser.Parse(expr)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %d (%s): %w", i, sp.Event, err))
			continue
		}
		out = append(out, entry{spec: sp, expr: expr})
	}
	return out, errors.Join(errs...)
}

// Apply replaces the schedule set. Nothing changes if any spec is invalid.
func (s *Service) Apply(specs []Spec) error {
	next, err := s.compile(specs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for _, e := range s.entries {
			s.c.Remove(e.id)
		}
		s.registerLocked(next)
	}
	s.entries = next
	s.log.Info("triggers applied", logx.Int("count", len(next)))
	return nil
}

// Start begins firing. Firings use a context derived from ctx that is
// canceled by Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	cl := cronLogger{log: s.log.With(logx.String("comp", "cron"))}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.registerLocked(s.entries)
	s.c.Start()
	s.log.Info("triggers started", logx.String("tz", s.loc.String()), logx.Int("count", len(s.entries)))
}

// Stop stops firing and waits for running firings until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("triggers stopped")
}

// Next returns the next firing time per event, keyed by event name. Only
// populated while running.
func (s *Service) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	if s.c == nil {
		return out
	}
	for _, e := range s.entries {
		n := s.c.Entry(e.id).Next
		if cur, ok := out[e.spec.Event]; !ok || (!n.IsZero() && n.Before(cur)) {
			out[e.spec.Event] = n
		}
	}
	return out
}

func (s *Service) registerLocked(entries []entry) {
	ctx := s.ctx
	for i := range entries {
		sp := entries[i].spec
		id, err := s.c.AddFunc(entries[i].expr, func() { s.fireOnce(ctx, sp) })
		if err != nil {
			// compile already parsed it; only a parser mismatch lands here.
			s.log.Error("trigger register failed", logx.String("event", sp.Event), logx.String("schedule", entries[i].expr), logx.Err(err))
			continue
		}
		entries[i].id = id
	}
}

func (s *Service) fireOnce(ctx context.Context, sp Spec) {
	if sp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sp.Timeout)
		defer cancel()
	}
	start := time.Now()
	if err := s.fire.Dispatch(ctx, sp.Event); err != nil {
		s.log.Warn("trigger failed", logx.String("event", sp.Event), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("trigger fired", logx.String("event", sp.Event), logx.Duration("dur", time.Since(start)))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
