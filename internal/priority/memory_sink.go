package priority

import (
	"context"
	"errors"
	"sync"
)

// MemorySink holds accepted units until Consume runs them. It is the
// simplest Sink: useful in tests and for deferring a class to an explicit
// point in the program.
type MemorySink struct {
	mu    sync.Mutex
	units []Unit
}

func (m *MemorySink) Accept(_ context.Context, u Unit) error {
	m.mu.Lock()
	m.units = append(m.units, u)
	m.mu.Unlock()
	return nil
}

// Len returns the number of units waiting.
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.units)
}

// Consume runs every unit accepted so far, in acceptance order. Units
// accepted while Consume runs are left for the next call. All units run even
// if some fail; the failures are joined.
func (m *MemorySink) Consume(ctx context.Context) error {
	m.mu.Lock()
	units := m.units
	m.units = nil
	m.mu.Unlock()

	var errs []error
	for _, u := range units {
		if err := u.Run(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
