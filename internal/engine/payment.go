package engine

import (
	"context"
	"fmt"

	"matchbot/internal/domain"
	logx "matchbot/pkg/logx"
)

// IsPaymentWindowOpen reports whether payment marking is allowed for the
// game: the window opens at game start and never closes.
func (e *Engine) IsPaymentWindowOpen(ctx context.Context, gameID int64) (bool, error) {
	game, err := e.store.GameByID(ctx, gameID)
	if err != nil {
		return false, err
	}
	return game.PaymentWindowOpen(e.now()), nil
}

// MarkPayment records that the user settled up. Only confirmed
// registrations can pay, and only once the game has started. Re-marking
// an already-paid registration is a no-op.
func (e *Engine) MarkPayment(ctx context.Context, gameID, userID int64) error {
	unlock := e.lockGame(gameID)
	defer unlock()

	game, err := e.store.GameByID(ctx, gameID)
	if err != nil {
		return err
	}
	if !game.PaymentWindowOpen(e.now()) {
		// Early attempts surface to the organizer so they can follow up
		// once the window opens.
		e.bus.Publish(ctx, domain.PaymentAttemptRejectedEarly{GameID: gameID, UserID: userID})
		return domain.ErrPaymentWindowClosed
	}

	reg, found, err := e.store.RegistrationByGameUser(ctx, gameID, userID)
	if err != nil {
		return fmt.Errorf("load registration: %w", err)
	}
	if !found || reg.Status != domain.RegConfirmed {
		return domain.ErrNotConfirmed
	}
	if reg.PaymentStatus == domain.PayPaid {
		return nil
	}

	now := e.now()
	reg.PaymentStatus = domain.PayPaid
	reg.PaymentMarkedAt = &now
	if err := e.store.UpdateRegistration(ctx, reg); err != nil {
		return fmt.Errorf("mark payment: %w", err)
	}

	e.bus.Publish(ctx, domain.PaymentMarked{GameID: gameID, UserID: userID})
	e.log.Info("payment marked", logx.Int64("game", gameID), logx.Int64("user", userID))
	return nil
}
