// Package journal keeps an audit trail of applied state changes. Recording is
// best-effort: the control plane never fails a request because the journal is
// down.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jhradil/pifleet/controller"
)

// Entry is one applied state change.
type Entry struct {
	ID         string           `json:"id"`
	Time       time.Time        `json:"time"`
	Controller string           `json:"controller"`
	Op         string           `json:"op"` // "set_state" or "mute_set_state"
	State      controller.State `json:"state"`
}

// NewEntry stamps an entry with an ID and the current time.
func NewEntry(ctrlName, op string, state controller.State) Entry {
	return Entry{
		ID:         uuid.NewString(),
		Time:       time.Now(),
		Controller: ctrlName,
		Op:         op,
		State:      state,
	}
}

// Journal is the storage backend for the audit trail.
type Journal interface {
	// Record appends an entry.
	Record(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	// Backend is "memory" (default), "redis" or "postgres".
	Backend string
	// Capacity caps retained entries for the memory and redis backends.
	Capacity int
	// RedisAddr / RedisDB configure the redis backend.
	RedisAddr string
	RedisDB   int
	// PostgresDSN configures the postgres backend.
	PostgresDSN string
}

// Open builds the configured journal backend.
func Open(ctx context.Context, opts Options) (Journal, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	switch opts.Backend {
	case "", "memory":
		return NewMemory(opts.Capacity), nil
	case "redis":
		return NewRedis(ctx, opts.RedisAddr, opts.RedisDB, opts.Capacity)
	case "postgres":
		return NewPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("journal: unknown backend %q", opts.Backend)
	}
}
