package domain

import "time"

type RegStatus string

const (
	RegConfirmed  RegStatus = "confirmed"
	RegWaitlisted RegStatus = "waitlisted"
	RegCanceled   RegStatus = "canceled"
)

type PayStatus string

const (
	PayUnpaid PayStatus = "unpaid"
	PayPaid   PayStatus = "paid"
)

// Registration is one user's seat (or waitlist slot) in one game.
//
// Invariants, enforced by the engine:
//   - confirmed count never exceeds Game.Capacity
//   - at most one non-canceled row per (GameID, UserID)
//   - waitlist promotion is FIFO by CreatedAt
//
// Rows are never deleted. Cancellation is re-enterable: a rejoin after
// leave reactivates the same row (same ID) instead of inserting a new one.
type Registration struct {
	ID     string // uuid
	GameID int64
	UserID int64

	Status          RegStatus
	PaymentStatus   PayStatus
	PaymentMarkedAt *time.Time

	CreatedAt time.Time
}

// Active reports whether the registration currently occupies a seat or a
// waitlist slot.
func (r Registration) Active() bool {
	return r.Status == RegConfirmed || r.Status == RegWaitlisted
}
