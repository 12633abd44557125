// Package storage persists the command audit trail.
//
// Two drivers are available:
//   - "file": append-only JSON Lines
//   - "sqlite": a SQLite database (pure Go driver)
package storage
