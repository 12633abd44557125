package priority_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prioritybus/internal/eventbus"
	"prioritybus/internal/pipeline"
	"prioritybus/internal/priority"
)

// job is a test command. An empty class makes it a plain command.
type job struct {
	class priority.Class
	name  string
	then  func(ctx context.Context) error
}

func (j job) PriorityClass() priority.Class { return j.class }
func (j job) CommandName() string           { return j.name }

type harness struct {
	t   *testing.T
	s   *priority.Scheduler
	bus *pipeline.Bus

	mu  sync.Mutex
	ran []string
}

func newHarness(t *testing.T, opts ...priority.Option) *harness {
	t.Helper()
	h := &harness{t: t, s: priority.New(opts...)}
	h.bus = pipeline.NewBus(h.s.Middleware())
	pipeline.Register(h.bus, func(ctx context.Context, j job) error {
		h.mu.Lock()
		h.ran = append(h.ran, j.name)
		h.mu.Unlock()
		if j.then != nil {
			return j.then(ctx)
		}
		return nil
	})
	return h
}

func (h *harness) dispatch(class priority.Class, name string) {
	h.t.Helper()
	require.NoError(h.t, h.bus.Dispatch(context.Background(), job{class: class, name: name}))
}

func (h *harness) executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ran...)
}

func TestPlainCommandRunsImmediately(t *testing.T) {
	h := newHarness(t)
	h.dispatch("", "plain")
	assert.Equal(t, []string{"plain"}, h.executed())
}

func TestUrgentRunsBeforeInterceptReturns(t *testing.T) {
	h := newHarness(t)
	h.dispatch(priority.ClassUrgent, "u")
	assert.Equal(t, []string{"u"}, h.executed())
}

func TestDeferredClassesWait(t *testing.T) {
	h := newHarness(t)
	h.dispatch(priority.ClassRequest, "r")
	h.dispatch(priority.ClassFree, "f")
	h.dispatch(priority.ClassSequence, "s")
	h.dispatch("nightly", "n")
	assert.Empty(t, h.executed())
	assert.Equal(t, map[priority.Class]int{
		priority.ClassRequest:  1,
		priority.ClassFree:     1,
		priority.ClassSequence: 1,
		"nightly":              1,
	}, h.s.Pending())
}

func TestSequenceDrainsBeforeUrgent(t *testing.T) {
	h := newHarness(t)
	h.dispatch(priority.ClassSequence, "s1")
	h.dispatch(priority.ClassSequence, "s2")
	assert.Empty(t, h.executed())

	h.dispatch(priority.ClassUrgent, "u")
	assert.Equal(t, []string{"s1", "s2", "u"}, h.executed())
}

func TestSequenceDrainsBeforePlain(t *testing.T) {
	h := newHarness(t)
	h.dispatch(priority.ClassSequence, "s1")
	h.dispatch("", "plain")
	assert.Equal(t, []string{"s1", "plain"}, h.executed())
}

func TestRequestQueueRunsAtEvent(t *testing.T) {
	h := newHarness(t)
	events := eventbus.NewDispatcher(nil)
	require.NoError(t, h.s.ExecuteQueueAtEvent(priority.ClassRequest, "request.terminate", events))

	h.dispatch(priority.ClassRequest, "request")
	h.dispatch(priority.ClassSequence, "seq1")
	h.dispatch(priority.ClassSequence, "seq2")
	assert.NotContains(t, h.executed(), "request")

	require.NoError(t, events.Dispatch(context.Background(), "request.terminate"))
	assert.Equal(t, []string{"seq1", "seq2", "request"}, h.executed())
}

func TestEventRegistrationsAreAdditive(t *testing.T) {
	h := newHarness(t)
	events := eventbus.NewDispatcher(nil)
	require.NoError(t, h.s.ExecuteQueueAtEvent(priority.ClassRequest, "tick", events))
	require.NoError(t, h.s.ExecuteQueueAtEvent(priority.ClassFree, "tick", events))
	assert.Equal(t, 2, events.Listeners("tick"))

	h.dispatch(priority.ClassFree, "f")
	h.dispatch(priority.ClassRequest, "r")
	require.NoError(t, events.Dispatch(context.Background(), "tick"))
	assert.Equal(t, []string{"r", "f"}, h.executed())
}

func TestDrainPicksUpWorkQueuedDuringDrain(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bus.Dispatch(context.Background(), job{
		class: priority.ClassRequest,
		name:  "r1",
		then: func(ctx context.Context) error {
			return h.bus.Dispatch(ctx, job{class: priority.ClassRequest, name: "r2"})
		},
	}))
	h.dispatch(priority.ClassRequest, "r3")

	require.NoError(t, h.s.ExecuteQueue(context.Background(), priority.ClassRequest))
	assert.Equal(t, []string{"r1", "r3", "r2"}, h.executed())
	assert.Zero(t, h.s.Pending()[priority.ClassRequest])
}

func TestNestedDispatchFromSequenceReentersDrain(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bus.Dispatch(context.Background(), job{
		class: priority.ClassSequence,
		name:  "s1",
		then: func(ctx context.Context) error {
			return h.bus.Dispatch(ctx, job{name: "plain"})
		},
	}))
	h.dispatch(priority.ClassSequence, "s2")

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, h.bus.Dispatch(context.Background(), job{class: priority.ClassUrgent, name: "u"}))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested dispatch deadlocked")
	}
	assert.Equal(t, []string{"s1", "s2", "plain", "u"}, h.executed())
}

func TestExecuteQueueOnEmptyClassIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.ExecuteQueue(context.Background(), priority.ClassRequest))
	require.NoError(t, h.s.ExecuteQueue(context.Background(), "never-seen"))

	h.dispatch(priority.ClassRequest, "r")
	require.NoError(t, h.s.ExecuteQueue(context.Background(), priority.ClassRequest))
	require.NoError(t, h.s.ExecuteQueue(context.Background(), priority.ClassRequest))
	assert.Equal(t, []string{"r"}, h.executed())
}

func TestExecuteAllDefaultOrder(t *testing.T) {
	h := newHarness(t)
	h.dispatch("custom", "c")
	h.dispatch(priority.ClassFree, "f")
	h.dispatch(priority.ClassRequest, "r")

	require.NoError(t, h.s.ExecuteAll(context.Background()))
	assert.Equal(t, []string{"r", "f", "c"}, h.executed())
}

func TestExecuteAllExplicitOrderThenKnownClasses(t *testing.T) {
	h := newHarness(t)
	h.dispatch("custom", "c")
	h.dispatch(priority.ClassRequest, "r")
	h.dispatch(priority.ClassFree, "f")

	// Named classes first, then every other known class. A single-class
	// flush is ExecuteQueue, covered below.
	require.NoError(t, h.s.ExecuteAll(context.Background(), priority.ClassFree))
	assert.Equal(t, []string{"f", "c", "r"}, h.executed())
}

func TestExecuteQueueThenExecuteAll(t *testing.T) {
	h := newHarness(t)
	h.dispatch(priority.ClassFree, "f")
	h.dispatch(priority.ClassRequest, "r")

	require.NoError(t, h.s.ExecuteQueue(context.Background(), priority.ClassFree))
	assert.Equal(t, []string{"f"}, h.executed())

	require.NoError(t, h.s.ExecuteAll(context.Background()))
	assert.Equal(t, []string{"f", "r"}, h.executed())
}

func TestWithDefaultOrder(t *testing.T) {
	h := newHarness(t, priority.WithDefaultOrder(priority.ClassFree, priority.ClassRequest))
	h.dispatch(priority.ClassRequest, "r")
	h.dispatch(priority.ClassFree, "f")

	require.NoError(t, h.s.ExecuteAll(context.Background()))
	assert.Equal(t, []string{"f", "r"}, h.executed())
}

func TestSetSinkMovesPendingInOrder(t *testing.T) {
	h := newHarness(t)
	h.dispatch(priority.ClassFree, "f1")
	h.dispatch(priority.ClassFree, "f2")

	sink := &priority.MemorySink{}
	require.NoError(t, h.s.SetSink(context.Background(), priority.ClassFree, sink))
	assert.Equal(t, 2, sink.Len())
	assert.Empty(t, h.executed())
	assert.Zero(t, h.s.Pending()[priority.ClassFree])

	require.NoError(t, sink.Consume(context.Background()))
	assert.Equal(t, []string{"f1", "f2"}, h.executed())
}

func TestSinkBoundClassRunsOnlyOnConsume(t *testing.T) {
	h := newHarness(t)
	sink := &priority.MemorySink{}
	require.NoError(t, h.s.SetSink(context.Background(), priority.ClassFree, sink))

	h.dispatch(priority.ClassFree, "f")
	assert.Empty(t, h.executed())
	assert.Equal(t, 1, sink.Len())

	require.NoError(t, sink.Consume(context.Background()))
	assert.Equal(t, []string{"f"}, h.executed())

	require.NoError(t, sink.Consume(context.Background()))
	require.NoError(t, h.s.ExecuteAll(context.Background()))
	assert.Equal(t, []string{"f"}, h.executed(), "a diverted unit runs exactly once")
}

func TestRebindingSinkDoesNotRecall(t *testing.T) {
	h := newHarness(t)
	first, second := &priority.MemorySink{}, &priority.MemorySink{}

	require.NoError(t, h.s.SetSink(context.Background(), priority.ClassFree, first))
	h.dispatch(priority.ClassFree, "f1")
	require.NoError(t, h.s.SetSink(context.Background(), priority.ClassFree, second))
	h.dispatch(priority.ClassFree, "f2")

	assert.Equal(t, 1, first.Len())
	assert.Equal(t, 1, second.Len())
}

func TestSinkRejectionKeepsUnitQueued(t *testing.T) {
	h := newHarness(t)
	errFull := errors.New("full")
	reject := priority.SinkFunc(func(context.Context, priority.Unit) error { return errFull })
	require.NoError(t, h.s.SetSink(context.Background(), priority.ClassFree, reject))

	err := h.bus.Dispatch(context.Background(), job{class: priority.ClassFree, name: "f"})
	require.ErrorIs(t, err, errFull)
	assert.Equal(t, 1, h.s.Pending()[priority.ClassFree])

	require.NoError(t, h.s.SetSink(context.Background(), priority.ClassFree, nil))
	require.NoError(t, h.s.ExecuteQueue(context.Background(), priority.ClassFree))
	assert.Equal(t, []string{"f"}, h.executed())
}

func TestConcurrentDivertKeepsSubmissionOrder(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	var (
		mu  sync.Mutex
		got []string
	)
	slow := priority.SinkFunc(func(_ context.Context, u priority.Unit) error {
		name := u.Command.(job).name
		if name == "f1" {
			close(entered)
			time.Sleep(100 * time.Millisecond)
		}
		mu.Lock()
		got = append(got, name)
		mu.Unlock()
		return nil
	})
	require.NoError(t, h.s.SetSink(context.Background(), priority.ClassFree, slow))

	done := make(chan error, 1)
	go func() {
		done <- h.bus.Dispatch(context.Background(), job{class: priority.ClassFree, name: "f1"})
	}()
	<-entered
	h.dispatch(priority.ClassFree, "f2")
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"f1", "f2"}, got)
}

func TestSetSinkWaitsForRunningDrain(t *testing.T) {
	h := newHarness(t)
	started, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, h.bus.Dispatch(context.Background(), job{
		class: priority.ClassFree,
		name:  "f1",
		then: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}))
	h.dispatch(priority.ClassFree, "f2")
	h.dispatch(priority.ClassFree, "f3")

	drained := make(chan error, 1)
	go func() { drained <- h.s.ExecuteQueue(context.Background(), priority.ClassFree) }()
	<-started

	sink := &priority.MemorySink{}
	bound := make(chan error, 1)
	go func() { bound <- h.s.SetSink(context.Background(), priority.ClassFree, sink) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-drained)
	require.NoError(t, <-bound)
	assert.Equal(t, []string{"f1", "f2", "f3"}, h.executed())
	assert.Zero(t, sink.Len())
}

func TestSetSinkRejectsOrderedClasses(t *testing.T) {
	t.Parallel()
	s := priority.New()
	for _, class := range []priority.Class{priority.ClassSequence, priority.ClassUrgent} {
		err := s.SetSink(context.Background(), class, &priority.MemorySink{})
		assert.ErrorIs(t, err, priority.ErrReservedClass, class)
	}
	assert.NoError(t, s.SetSink(context.Background(), priority.ClassUrgent, nil))
}

func TestSinkUnitCarriesCommand(t *testing.T) {
	h := newHarness(t)
	var got []priority.Unit
	capture := priority.SinkFunc(func(_ context.Context, u priority.Unit) error {
		got = append(got, u)
		return nil
	})
	require.NoError(t, h.s.SetSink(context.Background(), "mail", capture))
	h.dispatch("mail", "welcome")

	require.Len(t, got, 1)
	assert.Equal(t, priority.Class("mail"), got[0].Class)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].QueuedAt.IsZero())
	assert.Equal(t, "welcome", got[0].Command.(job).name)
}

func TestFailureStopsDrainAndKeepsRest(t *testing.T) {
	h := newHarness(t)
	errBoom := errors.New("boom")
	require.NoError(t, h.bus.Dispatch(context.Background(), job{
		class: priority.ClassRequest,
		name:  "r1",
		then:  func(context.Context) error { return errBoom },
	}))
	h.dispatch(priority.ClassRequest, "r2")

	err := h.s.ExecuteQueue(context.Background(), priority.ClassRequest)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{"r1"}, h.executed())
	assert.Equal(t, 1, h.s.Pending()[priority.ClassRequest])

	require.NoError(t, h.s.ExecuteQueue(context.Background(), priority.ClassRequest))
	assert.Equal(t, []string{"r1", "r2"}, h.executed())
}

func TestUrgentFailurePropagatesFromIntercept(t *testing.T) {
	h := newHarness(t)
	errBoom := errors.New("boom")
	err := h.bus.Dispatch(context.Background(), job{
		class: priority.ClassUrgent,
		name:  "u",
		then:  func(context.Context) error { return errBoom },
	})
	assert.ErrorIs(t, err, errBoom)
}

func TestSequenceFailureRequeuesPreemptedCommand(t *testing.T) {
	h := newHarness(t)
	errBoom := errors.New("boom")
	h.dispatch(priority.ClassRequest, "r")
	require.NoError(t, h.bus.Dispatch(context.Background(), job{
		class: priority.ClassSequence,
		name:  "s",
		then:  func(context.Context) error { return errBoom },
	}))

	err := h.s.ExecuteQueue(context.Background(), priority.ClassRequest)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{"s"}, h.executed())
	assert.Equal(t, 1, h.s.Pending()[priority.ClassRequest], "preempted command goes back to its queue")
}

func TestCloseFlushesEverything(t *testing.T) {
	h := newHarness(t)
	h.dispatch(priority.ClassFree, "f")
	h.dispatch(priority.ClassRequest, "r")

	require.NoError(t, h.s.Close(context.Background()))
	assert.Equal(t, []string{"r", "f"}, h.executed())

	h.dispatch(priority.ClassRequest, "late")
	assert.Equal(t, []string{"r", "f", "late"}, h.executed(), "after close commands run immediately")

	require.NoError(t, h.s.Close(context.Background()))
	assert.ErrorIs(t, h.s.SetSink(context.Background(), priority.ClassFree, &priority.MemorySink{}), priority.ErrClosed)
	assert.ErrorIs(t, h.s.ExecuteQueueAtEvent(priority.ClassFree, "x", eventbus.NewDispatcher(nil)), priority.ErrClosed)
}

func TestCloseRacingInterceptLosesNothing(t *testing.T) {
	for round := 0; round < 50; round++ {
		h := newHarness(t)
		const n = 20
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			i := i
			go func() {
				defer wg.Done()
				assert.NoError(t, h.bus.Dispatch(context.Background(), job{class: priority.ClassRequest, name: fmt.Sprintf("r%d", i)}))
			}()
		}
		require.NoError(t, h.s.Close(context.Background()))
		wg.Wait()

		require.Len(t, h.executed(), n, "round %d", round)
		assert.Zero(t, h.s.Pending()[priority.ClassRequest])
	}
}

func TestInterceptRejectsNilContinuation(t *testing.T) {
	s := priority.New()
	assert.ErrorIs(t, s.Intercept(context.Background(), job{name: "x"}, nil), priority.ErrNoContinuation)
	assert.ErrorIs(t, s.ExecuteQueueAtEvent(priority.ClassFree, "x", nil), priority.ErrNoEventSource)
}

func TestPublishesLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	h := newHarness(t, priority.WithBus(bus))
	h.dispatch(priority.ClassRequest, "r")
	require.NoError(t, h.s.ExecuteAll(context.Background()))

	var types []string
	for len(ch) > 0 {
		ev := <-ch
		types = append(types, ev.Type)
		data, ok := ev.Data.(priority.Event)
		require.True(t, ok)
		assert.Equal(t, "r", data.Command)
		assert.Equal(t, priority.ClassRequest, data.Class)
	}
	assert.Equal(t, []string{priority.EventQueued, priority.EventExecuted}, types)
}

func TestConcurrentSubmissionsRunExactlyOnce(t *testing.T) {
	h := newHarness(t)
	classes := []priority.Class{"", priority.ClassUrgent, priority.ClassSequence, priority.ClassRequest, priority.ClassFree, "custom"}

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	var submitted atomic.Int64
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				class := classes[(w+i)%len(classes)]
				err := h.bus.Dispatch(context.Background(), job{class: class, name: fmt.Sprintf("%d-%d", w, i)})
				if assert.NoError(t, err) {
					submitted.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, h.s.ExecuteAll(context.Background()))

	ran := h.executed()
	assert.Len(t, ran, int(submitted.Load()))
	seen := make(map[string]bool, len(ran))
	for _, name := range ran {
		assert.False(t, seen[name], "ran twice: %s", name)
		seen[name] = true
	}
}
