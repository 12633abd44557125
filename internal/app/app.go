package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"prioritybus/internal/audit"
	"prioritybus/internal/config"
	"prioritybus/internal/eventbus"
	"prioritybus/internal/offload"
	"prioritybus/internal/pipeline"
	"prioritybus/internal/priority"
	"prioritybus/internal/runtime/supervisor"
	"prioritybus/internal/storage"
	"prioritybus/internal/trigger"
	logx "prioritybus/pkg/logx"
)

// App wires the scheduler into a dispatch pipeline together with its
// supporting services.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus    *eventbus.MemBus
	events *eventbus.Dispatcher
	sched  *priority.Scheduler
	pipe   *pipeline.Bus

	offload        *offload.Service
	offloadClasses []priority.Class

	triggers *trigger.Service
	store    storage.Store
	audit    *audit.Recorder

	out *syncWriter
}

// New loads the config file at path and builds the app. The file is
// watched for changes once the app is started.
func New(path string, out io.Writer) (*App, error) {
	cfgm := config.NewManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := Build(cfg, out)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// Build constructs every service from cfg without starting anything.
// Script command output goes to out.
func Build(cfg *config.Config, out io.Writer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logs, root := logx.New(cfg.LogSettings())
	log := root.With(logx.String("comp", "app"))

	order, _ := cfg.SchedulerOrder()
	pipelineTimeout, _ := cfg.PipelineTimeout()
	bindings, _ := cfg.EventBindings()
	ocfg, oclasses, _ := cfg.OffloadSettings()
	specs, _ := cfg.TriggerSpecs()
	scfg, _ := cfg.StorageSettings()
	loc, _ := cfg.Location()

	bus := eventbus.New()
	events := eventbus.NewDispatcher(bus)

	opts := []priority.Option{
		priority.WithLogger(root.With(logx.String("comp", "priority"))),
		priority.WithBus(bus),
	}
	if len(order) > 0 {
		opts = append(opts, priority.WithDefaultOrder(order...))
	}
	sched := priority.New(opts...)

	pipe := pipeline.NewBus(
		pipeline.MWPanicRecover(root.With(logx.String("comp", "pipeline"))),
		pipeline.MWLog(root.With(logx.String("comp", "pipeline")), "submit"),
		sched.Middleware(),
		pipeline.MWTimeout(pipelineTimeout),
	)

	for _, b := range bindings {
		if err := sched.ExecuteQueueAtEvent(b.Class, b.Event, events); err != nil {
			return nil, err
		}
	}

	a := &App{
		log:            log,
		logs:           logs,
		bus:            bus,
		events:         events,
		sched:          sched,
		pipe:           pipe,
		offload:        offload.New(ocfg, root.With(logx.String("comp", "offload")), bus),
		offloadClasses: oclasses,
		triggers:       trigger.New(events, loc, root.With(logx.String("comp", "trigger"))),
		out:            &syncWriter{w: out},
	}
	if err := a.triggers.Apply(specs); err != nil {
		return nil, err
	}

	st, err := storage.Open(scfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if st != nil {
		a.store = st
		a.audit = audit.New(bus, st, root.With(logx.String("comp", "audit")))
		log.Info("storage enabled", logx.String("driver", scfg.Driver))
	}

	pipeline.Register(pipe, a.handleScript)
	return a, nil
}

func (a *App) Pipeline() *pipeline.Bus            { return a.pipe }
func (a *App) Scheduler() *priority.Scheduler     { return a.sched }
func (a *App) Events() *eventbus.Dispatcher       { return a.events }
func (a *App) Bus() eventbus.Bus                  { return a.bus }
func (a *App) Offload() *offload.Service          { return a.offload }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Triggers() *trigger.Service         { return a.triggers }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start launches the background services and binds offloaded classes to
// the worker pool.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.audit != nil {
		a.sup.Go("audit", a.audit.Run)
	}

	if a.offload.Enabled() {
		a.offload.Start(a.sup.Context())
		for _, class := range a.offloadClasses {
			if err := a.sched.SetSink(ctx, class, a.offload); err != nil {
				return fmt.Errorf("bind %s to offload: %w", class, err)
			}
		}
	}

	a.triggers.Start(a.sup.Context())

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		sub := a.cfgm.Subscribe(1)
		a.sup.Go("config.watch", a.cfgm.Watch)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			prev := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return nil
				case next := <-sub:
					a.applyConfig(prev, next)
					prev = next
				}
			}
		})
	}

	a.log.Info("started",
		logx.Int("offload_classes", len(a.offloadClasses)),
		logx.Bool("offload", a.offload.Enabled()),
		logx.Bool("audit", a.audit != nil),
	)
	return nil
}

// applyConfig applies the hot-reloadable sections of next.
func (a *App) applyConfig(prev, next *config.Config) {
	changed, attrs := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config changed", append(attrs, logx.Any("sections", changed))...)
	if !config.HotReloadable(changed) {
		a.log.Warn("some config changes need a restart", logx.Any("sections", changed))
	}
	for _, s := range changed {
		switch s {
		case "logging":
			a.logs.Apply(next.LogSettings())
		case "triggers":
			specs, err := next.TriggerSpecs()
			if err == nil {
				err = a.triggers.Apply(specs)
			}
			if err != nil {
				a.log.Warn("trigger reload failed", logx.Err(err))
			}
		}
	}
}

// Stop flushes every queue and shuts the services down in dependency
// order. Each step is bounded so one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.sched.Close(ctx)
	}
	a.log.Info("stopping")

	var flushErr error
	a.step(ctx, "triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	a.step(ctx, "flush", 0, func(c context.Context) error {
		flushErr = a.sched.Close(c)
		return flushErr
	})
	a.step(ctx, "offload", 5*time.Second, a.offload.Stop)
	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	if a.store != nil {
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return flushErr
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		// never extend the caller's deadline
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
			max = time.Until(dl)
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}
	if err := fn(stepCtx); err != nil {
		a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
	}
	took := time.Since(start)
	if took >= 500*time.Millisecond {
		a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
	} else {
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
	}
}
