// Package storage is matchbot's persistence layer.
//
// It holds everything the engine, scheduler and notification pipeline need
// to survive a restart:
//   - Games, registrations and priority invites
//   - Notification preferences and user -> chat links
//   - Idempotency (dedup) records with atomic check-and-set
//   - The sliding-window send quota
//   - Pending scheduler jobs (replayed on startup)
package storage
