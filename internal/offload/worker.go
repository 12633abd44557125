package offload

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"prioritybus/internal/pipeline"
	"prioritybus/internal/priority"
	logx "prioritybus/pkg/logx"
)

// worker runs units until q is closed and empty. A canceled context
// abandons the remaining buffer to Stop.
func (s *Service) worker(ctx context.Context, q <-chan priority.Unit, limiter *rate.Limiter, cfg Config) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case u, ok := <-q:
			if !ok {
				return nil
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					s.onDropped(u, "stopped")
					return context.Canceled
				}
			}
			s.inFlight.Add(1)
			s.execOne(ctx, u, cfg, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, u priority.Unit, cfg Config, rng *rand.Rand) {
	start := time.Now()
	var queueDelay time.Duration
	if !u.QueuedAt.IsZero() {
		queueDelay = max(start.Sub(u.QueuedAt), 0)
	}
	name := pipeline.CommandName(u.Command)
	ev := UnitEvent{ID: u.ID, Class: u.Class, Command: name, QueueDelay: queueDelay}
	s.publish(EventStarted, ev)

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, u, cfg.DefaultTimeout)
		if err == nil {
			break
		}
		if IsNoRetry(err) || attempt > cfg.RetryMax {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		s.log.Debug("unit retry scheduled", logx.String("id", u.ID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-tmr.C:
		}
	}

	ev.Duration = time.Since(start)
	ev.Attempts = attempts
	item := HistoryItem{ID: u.ID, Class: u.Class, Command: name, Started: start, QueueDelay: queueDelay, Duration: ev.Duration, Attempts: attempts}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		s.publish(EventFailed, ev)
		s.log.Warn("unit failed",
			logx.String("id", u.ID),
			logx.String("class", string(u.Class)),
			logx.String("cmd", name),
			logx.Int("attempts", attempts),
			logx.Duration("dur", ev.Duration),
			logx.Err(err),
		)
	} else {
		s.completed.Add(1)
		s.publish(EventFinished, ev)
		s.log.Debug("unit finished", logx.String("id", u.ID), logx.String("cmd", name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", ev.Duration))
	}
	s.record(item, cfg.HistorySize)
}

// runOnce turns a panicking continuation into an error so the worker survives.
func (s *Service) runOnce(ctx context.Context, u priority.Unit, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("unit panicked", logx.String("id", u.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return u.Run(ctx)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), cfg.RetryMaxDelay), cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

// backoffDelay doubles RetryBase per retry, capped at RetryMaxDelay.
func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}
