// Package scheduler turns future timestamps into fired domain events.
//
// Every scheduled unit is keyed by a deterministic id ("{kind}-{entityID}"),
// so re-invoking the same schedule call upserts the existing trigger instead
// of duplicating it. Jobs are persisted; on startup the pending set is
// reloaded and re-armed, and a cron sweep re-arms anything whose in-memory
// timer was lost (e.g. fires missed while the process was down).
//
// The scheduler owns no business logic: a fired job publishes its matching
// domain event through the event bus. The one exception is the
// priority-window check, which calls back into the engine to decide whether
// the game should be published.
package scheduler
