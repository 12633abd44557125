package priority

import (
	"context"
	"sync"
)

type ownerKey struct{}

// owner identifies a call chain holding the drain lock. It is carried in the
// context handed to continuations, so commands dispatched from inside a
// running continuation re-enter the lock instead of waiting on themselves.
type owner struct{ _ byte }

func withOwner(ctx context.Context) (context.Context, *owner) {
	if o, ok := ctx.Value(ownerKey{}).(*owner); ok {
		return ctx, o
	}
	o := &owner{}
	return context.WithValue(ctx, ownerKey{}, o), o
}

// drainLock is a context-reentrant mutex. One call chain drains at a time;
// nested drains from the same chain proceed.
type drainLock struct {
	mu       sync.Mutex
	holder   *owner
	depth    int
	released chan struct{}
}

func (l *drainLock) lock(ctx context.Context, o *owner) error {
	for {
		l.mu.Lock()
		if l.holder == nil || l.holder == o {
			l.holder = o
			l.depth++
			l.mu.Unlock()
			return nil
		}
		if l.released == nil {
			l.released = make(chan struct{})
		}
		wait := l.released
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *drainLock) unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 {
		return
	}
	l.depth--
	if l.depth == 0 {
		l.holder = nil
		if l.released != nil {
			close(l.released)
			l.released = nil
		}
	}
}
