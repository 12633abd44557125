// Package priority schedules commands flowing through a dispatch pipeline
// according to the priority class they declare.
//
// A command opts in by implementing [Command]. The [Scheduler] sits in the
// pipeline as a middleware: plain commands run immediately, classed commands
// are queued per class and run later, when one of three triggers drains them:
//
//   - an explicit [Scheduler.ExecuteAll] or [Scheduler.ExecuteQueue] call
//   - a named event registered via [Scheduler.ExecuteQueueAtEvent]
//   - a [Sink] bound to the class via [Scheduler.SetSink]
//
// Four classes are reserved:
//
//   - urgent: drained on every intercept, so it runs before Intercept returns
//   - sequence: drained completely before any other command runs
//   - request: deferred until the end of the current request
//   - free: may run at any time, possibly out of process
//
// Any other class name is accepted and treated like request or free.
//
// Results are not propagated. A deferred command may run long after the call
// that submitted it returned, or in another process entirely, so the
// scheduler only reports errors from work it ran synchronously. Handlers that
// need to hand a value back must publish it out of band, for example on an
// event bus.
package priority
