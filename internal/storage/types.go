package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one command lifecycle transition.
// Keep it compact and schema-stable.
type Record struct {
	At         time.Time `json:"at"`
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	Class      string    `json:"class,omitempty"`
	Command    string    `json:"command,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Store is the persistence API used by the audit recorder.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to n of the newest records, oldest first.
	Recent(ctx context.Context, n int) ([]Record, error)
	Close() error
}
