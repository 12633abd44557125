package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var ErrNoHandler = errors.New("pipeline: no handler registered")

// Named lets a command choose the name it is logged and audited under.
type Named interface {
	CommandName() string
}

// CommandName returns the display name of cmd.
func CommandName(cmd any) string {
	if n, ok := cmd.(Named); ok {
		if name := n.CommandName(); name != "" {
			return name
		}
	}
	if cmd == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", cmd)
}

// Bus dispatches commands through a middleware chain to the handler
// registered for their concrete type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]HandlerFunc

	chain HandlerFunc
}

// NewBus builds a bus whose dispatches pass through m in order before
// reaching the handler.
func NewBus(m ...Middleware) *Bus {
	b := &Bus{handlers: make(map[reflect.Type]HandlerFunc)}
	b.chain = Chain(b.route, m...)
	return b
}

// Register installs h as the handler for commands of type C, replacing any
// previous handler.
func Register[C any](b *Bus, h func(ctx context.Context, cmd C) error) {
	t := reflect.TypeOf((*C)(nil)).Elem()
	b.mu.Lock()
	b.handlers[t] = func(ctx context.Context, cmd any) error {
		return h(ctx, cmd.(C))
	}
	b.mu.Unlock()
}

// Dispatch sends cmd through the chain. The error is whatever the chain
// reports synchronously; a deferring middleware may return before the
// handler has run.
func (b *Bus) Dispatch(ctx context.Context, cmd any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return b.chain(ctx, cmd)
}

func (b *Bus) route(ctx context.Context, cmd any) error {
	b.mu.RLock()
	h := b.handlers[reflect.TypeOf(cmd)]
	b.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("%w for %s", ErrNoHandler, CommandName(cmd))
	}
	return h(ctx, cmd)
}
