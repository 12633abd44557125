// Package logx configures prioritybus's structured logging.
//
// It wraps zerolog in a small value type (logx.Logger) so that:
//   - console output stays readable (short timestamp and caller)
//   - file output is JSON, one event per line
//   - level and sinks can be swapped at runtime through Service.Apply
package logx
