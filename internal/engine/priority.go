package engine

import (
	"context"
	"fmt"

	"matchbot/internal/domain"
	logx "matchbot/pkg/logx"
)

// CreateGame validates and persists a new game, schedules its reminders,
// and starts the priority flow when the organizer brings pre-confirmed
// players.
//
// With invitees, the game stays unpublished until everyone answers or the
// window (creation + 2h) expires. Without invitees it is published for
// everyone immediately.
func (e *Engine) CreateGame(ctx context.Context, g domain.Game, preConfirmed []int64) (domain.Game, error) {
	if err := g.Validate(); err != nil {
		return domain.Game{}, err
	}

	busy, err := e.store.VenueBusy(ctx, g.VenueID, g.StartsAt)
	if err != nil {
		return domain.Game{}, fmt.Errorf("venue check: %w", err)
	}
	if busy {
		return domain.Game{}, domain.ErrVenueOccupied
	}

	now := e.now()
	g.Status = domain.GameOpen
	g.CreatedAt = now
	g.PublishedForAll = false
	g.PriorityWindowClosesAt = nil
	if len(preConfirmed) > 0 {
		closes := now.Add(priorityWindow)
		g.PriorityWindowClosesAt = &closes
	}

	if err := e.store.CreateGame(ctx, &g); err != nil {
		return domain.Game{}, fmt.Errorf("create game: %w", err)
	}

	e.scheduleReminders(ctx, g.ID, g.StartsAt)

	if len(preConfirmed) == 0 {
		if err := e.publishForAll(ctx, g.ID); err != nil {
			return domain.Game{}, err
		}
		e.log.Info("game created", logx.Int64("game", g.ID), logx.Time("starts_at", g.StartsAt))
		return g, nil
	}

	if err := e.store.CreateInvites(ctx, g.ID, preConfirmed); err != nil {
		return domain.Game{}, fmt.Errorf("create invites: %w", err)
	}
	closes := *g.PriorityWindowClosesAt
	if e.sched != nil {
		if err := e.sched.SchedulePriorityWindowCheck(ctx, g.ID, closes); err != nil {
			e.log.Warn("priority check scheduling failed", logx.Int64("game", g.ID), logx.Err(err))
		}
	}
	e.bus.Publish(ctx, domain.GameCreatedWithPriorityWindow{
		GameID:                 g.ID,
		PriorityWindowClosesAt: closes,
		ConfirmedPlayers:       append([]int64(nil), preConfirmed...),
	})
	e.log.Info("game created with priority window",
		logx.Int64("game", g.ID),
		logx.Time("window_closes", closes),
		logx.Int("invitees", len(preConfirmed)))
	return g, nil
}

// RespondToInvite records an invitee's yes/no. A "yes" joins the player
// through the normal reservation path. Once every invitee has answered,
// the game opens to everyone.
func (e *Engine) RespondToInvite(ctx context.Context, gameID, userID int64, accept bool) error {
	resp := domain.InviteNo
	if accept {
		resp = domain.InviteYes
	}
	if err := e.store.SetInviteResponse(ctx, gameID, userID, resp); err != nil {
		return err
	}
	e.bus.Publish(ctx, domain.InviteResponseEvent{GameID: gameID, PlayerID: userID, Response: resp})

	if accept {
		if _, err := e.ProcessJoin(ctx, gameID, userID); err != nil {
			// The response is recorded either way; a failed join (game
			// filled up, game started) must not wedge the window.
			if !domain.IsBusinessError(err) {
				return err
			}
			e.log.Warn("invite acceptance could not join",
				logx.Int64("game", gameID),
				logx.Int64("user", userID),
				logx.Err(err))
		}
	}

	return e.RecheckPriorityWindow(ctx, gameID)
}

// RecheckPriorityWindow publishes the game for everyone when the window
// is settled: every invitee answered, or the close time passed. Safe to
// call repeatedly; publication happens exactly once.
func (e *Engine) RecheckPriorityWindow(ctx context.Context, gameID int64) error {
	game, err := e.store.GameByID(ctx, gameID)
	if err != nil {
		return err
	}
	if game.PublishedForAll {
		return nil
	}

	expired := game.PriorityWindowClosesAt != nil && !e.now().Before(*game.PriorityWindowClosesAt)
	if !expired {
		invites, err := e.store.InvitesByGame(ctx, gameID)
		if err != nil {
			return fmt.Errorf("load invites: %w", err)
		}
		for _, inv := range invites {
			if !inv.Answered() {
				return nil
			}
		}
	}

	return e.publishForAll(ctx, gameID)
}

// publishForAll flips the published flag; the store CAS guarantees the
// event fires at most once per game.
func (e *Engine) publishForAll(ctx context.Context, gameID int64) error {
	changed, err := e.store.MarkPublishedForAll(ctx, gameID)
	if err != nil {
		return fmt.Errorf("publish game: %w", err)
	}
	if !changed {
		return nil
	}
	e.bus.Publish(ctx, domain.GamePublishedForAll{GameID: gameID})
	e.log.Info("game published for all", logx.Int64("game", gameID))
	return nil
}

// CancelGame lets the organizer cancel an open game. Scheduled reminders
// are dropped and players get notified through the GameCanceled event.
func (e *Engine) CancelGame(ctx context.Context, gameID, organizerID int64) error {
	unlock := e.lockGame(gameID)
	defer unlock()

	game, err := e.store.GameByID(ctx, gameID)
	if err != nil {
		return err
	}
	if game.OrganizerID != organizerID {
		return domain.ErrGameNotCancelable
	}
	if game.Status != domain.GameOpen && game.Status != domain.GameClosed {
		return domain.ErrGameNotCancelable
	}

	if err := e.store.UpdateGameStatus(ctx, gameID, domain.GameCanceled); err != nil {
		return fmt.Errorf("cancel game: %w", err)
	}
	e.cancelReminders(ctx, gameID)
	e.bus.Publish(ctx, domain.GameCanceledEvent{GameID: gameID})
	e.log.Info("game canceled", logx.Int64("game", gameID))
	return nil
}
