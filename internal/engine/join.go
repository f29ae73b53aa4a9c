package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"matchbot/internal/domain"
	logx "matchbot/pkg/logx"
)

// JoinResult reports where a join attempt landed.
type JoinResult struct {
	Status         domain.RegStatus
	Reactivated    bool
	RegistrationID string
}

// ProcessJoin allocates a seat (or waitlist slot) for userID in gameID.
//
// The whole check-then-write runs under the game's lock: two concurrent
// joins can never both observe a free seat. A repeat join while already
// waitlisted is idempotent and emits no event.
func (e *Engine) ProcessJoin(ctx context.Context, gameID, userID int64) (JoinResult, error) {
	unlock := e.lockGame(gameID)
	defer unlock()

	game, err := e.store.GameByID(ctx, gameID)
	if err != nil {
		return JoinResult{}, err
	}
	if err := game.Joinable(e.now()); err != nil {
		return JoinResult{}, err
	}

	existing, found, err := e.store.RegistrationByGameUser(ctx, gameID, userID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("load registration: %w", err)
	}
	if found {
		switch existing.Status {
		case domain.RegConfirmed:
			return JoinResult{}, domain.ErrAlreadyRegistered
		case domain.RegWaitlisted:
			// Idempotent repeat: no state change, no event.
			return JoinResult{Status: domain.RegWaitlisted, RegistrationID: existing.ID}, nil
		}
	}

	confirmed, err := e.store.CountConfirmed(ctx, gameID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("count confirmed: %w", err)
	}
	target := domain.RegConfirmed
	if confirmed >= game.Capacity {
		target = domain.RegWaitlisted
	}

	var res JoinResult
	if found {
		// Reactivate the canceled row in place, preserving its id.
		existing.Status = target
		existing.CreatedAt = e.now()
		if err := e.store.UpdateRegistration(ctx, existing); err != nil {
			return JoinResult{}, fmt.Errorf("reactivate registration: %w", err)
		}
		res = JoinResult{Status: target, Reactivated: true, RegistrationID: existing.ID}
	} else {
		reg := domain.Registration{
			ID:            uuid.NewString(),
			GameID:        gameID,
			UserID:        userID,
			Status:        target,
			PaymentStatus: domain.PayUnpaid,
			CreatedAt:     e.now(),
		}
		if err := e.store.CreateRegistration(ctx, &reg); err != nil {
			return JoinResult{}, fmt.Errorf("create registration: %w", err)
		}
		res = JoinResult{Status: target, RegistrationID: reg.ID}
	}

	e.bus.Publish(ctx, domain.PlayerJoined{GameID: gameID, UserID: userID, Status: res.Status})
	e.log.Info("player joined",
		logx.Int64("game", gameID),
		logx.Int64("user", userID),
		logx.String("status", string(res.Status)),
		logx.Bool("reactivated", res.Reactivated))
	return res, nil
}

// ProcessLeave cancels the caller's active registration. Leaving a
// confirmed seat promotes the earliest waitlisted registration; leaving
// the waitlist promotes nobody.
func (e *Engine) ProcessLeave(ctx context.Context, gameID, userID int64) error {
	unlock := e.lockGame(gameID)
	defer unlock()

	if _, err := e.store.GameByID(ctx, gameID); err != nil {
		return err
	}

	reg, found, err := e.store.RegistrationByGameUser(ctx, gameID, userID)
	if err != nil {
		return fmt.Errorf("load registration: %w", err)
	}
	if !found || !reg.Active() {
		return domain.ErrNotRegistered
	}

	wasConfirmed := reg.Status == domain.RegConfirmed
	reg.Status = domain.RegCanceled
	if err := e.store.UpdateRegistration(ctx, reg); err != nil {
		return fmt.Errorf("cancel registration: %w", err)
	}
	e.bus.Publish(ctx, domain.PlayerLeft{GameID: gameID, UserID: userID})

	if !wasConfirmed {
		return nil
	}

	// The freed seat goes to the head of the waitlist (FIFO by CreatedAt).
	next, ok, err := e.store.EarliestWaitlisted(ctx, gameID)
	if err != nil {
		return fmt.Errorf("load waitlist: %w", err)
	}
	if !ok {
		return nil
	}
	next.Status = domain.RegConfirmed
	if err := e.store.UpdateRegistration(ctx, next); err != nil {
		return fmt.Errorf("promote registration: %w", err)
	}
	e.bus.Publish(ctx, domain.WaitlistedPromoted{GameID: gameID, UserID: next.UserID})
	e.log.Info("waitlisted player promoted",
		logx.Int64("game", gameID),
		logx.Int64("user", next.UserID))
	return nil
}
