package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "x", Data: 1})

	ea, ec := <-a, <-c
	assert.Equal(t, "x", ea.Type)
	assert.Equal(t, 1, ec.Data)
	assert.False(t, ea.Time.IsZero())
	assert.Equal(t, 2, b.Subscribers())
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"})

	assert.Equal(t, "first", (<-ch).Type)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, b.Subscribers())
	assert.NotPanics(t, func() { b.Publish(Event{Type: "after"}) })
}

func TestDispatcherRunsListenersInOrder(t *testing.T) {
	bus := New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	d := NewDispatcher(bus)
	var got []string
	d.AddListener("tick", func(context.Context) error { got = append(got, "a"); return nil })
	d.OnEvent("tick", func(context.Context) error { got = append(got, "b"); return errors.New("b failed") })
	d.AddListener(" tick ", func(context.Context) error { got = append(got, "c"); return nil })
	d.AddListener("", func(context.Context) error { return nil })
	d.AddListener("tick", nil)

	err := d.Dispatch(context.Background(), "tick")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b failed")
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 3, d.Listeners("tick"))

	ev := <-events
	assert.Equal(t, "event.dispatched", ev.Type)
	assert.Equal(t, DispatchInfo{Name: "tick", Listeners: 3, Failed: 1}, ev.Data)
}

func TestDispatchUnknownEventIsNoop(t *testing.T) {
	d := NewDispatcher(nil)
	assert.NoError(t, d.Dispatch(context.Background(), "nothing"))
	assert.Zero(t, d.Listeners("nothing"))
}
