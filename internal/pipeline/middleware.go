package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "prioritybus/pkg/logx"
)

type HandlerFunc func(ctx context.Context, cmd any) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd any) error {
			if d <= 0 {
				return next(ctx, cmd)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, cmd)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd any) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						logx.String("cmd", CommandName(cmd)),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// MWLog logs every dispatch that reaches it. Placed before the scheduler it
// sees submissions; placed after, it sees actual executions.
func MWLog(log logx.Logger, msg string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd any) error {
			start := time.Now()
			err := next(ctx, cmd)
			fields := []logx.Field{
				logx.String("cmd", CommandName(cmd)),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				log.Warn(msg+" failed", append(fields, logx.Err(err))...)
			} else {
				log.Debug(msg+" ok", fields...)
			}
			return err
		}
	}
}
