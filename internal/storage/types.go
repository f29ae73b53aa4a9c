package storage

import (
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "memory": in-process maps; used by tests and ephemeral runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Job is one pending delayed trigger owned by the scheduler.
//
// Key is deterministic ("{kind}-{entityID}") and doubles as the dedup key:
// upserting the same key replaces the previous fire time instead of adding
// a second fire.
type Job struct {
	Key      string
	Kind     string
	EntityID int64
	FireAt   time.Time
}
