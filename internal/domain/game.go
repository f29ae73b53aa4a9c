// Package domain holds matchbot's core types: games, registrations,
// priority invites, notification preferences and the domain event set.
//
// Types here carry no I/O. Persistence lives in internal/storage and the
// rules that mutate them live in internal/engine.
package domain

import (
	"fmt"
	"time"
)

type GameStatus string

const (
	GameOpen     GameStatus = "open"
	GameClosed   GameStatus = "closed"
	GameFinished GameStatus = "finished"
	GameCanceled GameStatus = "canceled"
)

// Game is a single bookable session: fixed capacity, optional priority
// window for the organizer's pre-confirmed players.
//
// Games are never physically deleted; canceled/finished are terminal
// statuses.
type Game struct {
	ID          int64
	OrganizerID int64
	VenueID     int64
	StartsAt    time.Time
	Capacity    int
	LevelTag    string
	PriceText   string
	Status      GameStatus

	// PriorityWindowClosesAt is nil when the game was created without
	// pre-confirmed players.
	PriorityWindowClosesAt *time.Time
	PublishedForAll        bool

	CreatedAt time.Time
}

// Validate checks creation-time invariants.
func (g Game) Validate() error {
	if g.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrValidation, g.Capacity)
	}
	if g.OrganizerID == 0 {
		return fmt.Errorf("%w: organizer id required", ErrValidation)
	}
	if g.StartsAt.IsZero() {
		return fmt.Errorf("%w: start time required", ErrValidation)
	}
	return nil
}

// Joinable reports whether new joins are currently accepted.
func (g Game) Joinable(now time.Time) error {
	if g.Status != GameOpen {
		return ErrGameNotOpen
	}
	if !now.Before(g.StartsAt) {
		return ErrGameAlreadyStarted
	}
	return nil
}

// PaymentWindowOpen reports whether payments may be marked: the window
// opens at game start and never closes.
func (g Game) PaymentWindowOpen(now time.Time) bool {
	return !now.Before(g.StartsAt)
}
