package notify

import (
	"context"
	"fmt"

	"matchbot/internal/domain"
	"matchbot/internal/eventbus"
	"matchbot/internal/transport"
	logx "matchbot/pkg/logx"
)

const whenLayout = "Mon 2 Jan 15:04"

// organizerScope charges organizer-driven fan-outs against one quota
// bucket per organizer.
func organizerScope(organizerID int64) string {
	return fmt.Sprintf("organizer-%d", organizerID)
}

// RegisterHandlers subscribes the pipeline to every domain event it
// turns into messages. Store lookup failures return an error so the bus
// retries; everything past the lookups is the pipeline's own business.
func (s *Service) RegisterHandlers(bus *eventbus.Bus) {
	bus.Subscribe(domain.EvPlayerJoined, "notify.join-ack", s.onPlayerJoined)
	bus.Subscribe(domain.EvWaitlistedPromoted, "notify.promotion-ack", s.onPromoted)
	bus.Subscribe(domain.EvPaymentMarked, "notify.payment-ack", s.onPaymentMarked)
	bus.Subscribe(domain.EvPaymentAttemptRejectedEarly, "notify.early-payment", s.onEarlyPayment)
	bus.Subscribe(domain.EvGameCreatedWithPriorityWindow, "notify.priority-invites", s.onPriorityCreated)
	bus.Subscribe(domain.EvGamePublishedForAll, "notify.published", s.onPublished)
	bus.Subscribe(domain.EvGameCanceled, "notify.canceled", s.onGameCanceled)
	bus.Subscribe(domain.EvInviteResponse, "notify.invite-response", s.onInviteResponse)
	bus.Subscribe(domain.EvGameReminder24h, "notify.reminder-24h", s.onGameReminder24h)
	bus.Subscribe(domain.EvGameReminder2h, "notify.reminder-2h", s.onGameReminder2h)
	bus.Subscribe(domain.EvPaymentReminder12h, "notify.pay-reminder-12h", s.onPaymentReminder(KindPaymentReminder12h))
	bus.Subscribe(domain.EvPaymentReminder24h, "notify.pay-reminder-24h", s.onPaymentReminder(KindPaymentReminder24h))
}

// requestFor resolves userID's chat link into a ready-to-send request.
// ok=false means the user never linked a chat; that is silence, not an
// error.
func (s *Service) requestFor(ctx context.Context, userID int64, kind Kind, related, text string) (Request, bool, error) {
	chatID, ok, err := s.store.ChatAddress(ctx, userID)
	if err != nil {
		return Request{}, false, fmt.Errorf("chat address for %d: %w", userID, err)
	}
	if !ok {
		s.log.Debug("no chat link, skipping", logx.Int64("user", userID), logx.String("kind", string(kind)))
		return Request{}, false, nil
	}
	return Request{
		RecipientID:     userID,
		Chat:            transport.ChatTarget{ChatID: chatID},
		Text:            text,
		Kind:            kind,
		RelatedEntityID: related,
	}, true, nil
}

func (s *Service) sendTo(ctx context.Context, userID int64, kind Kind, related, text string) error {
	req, ok, err := s.requestFor(ctx, userID, kind, related, text)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if r := s.Send(ctx, req); r.Err != nil {
		return r.Err
	}
	return nil
}

func (s *Service) onPlayerJoined(ctx context.Context, env domain.Envelope) error {
	ev := env.Event.(domain.PlayerJoined)
	game, err := s.store.GameByID(ctx, ev.GameID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("You're in! Game on %s, spot confirmed.", game.StartsAt.Format(whenLayout))
	if ev.Status == domain.RegWaitlisted {
		text = fmt.Sprintf("Game on %s is full; you're on the waitlist and will be promoted automatically.",
			game.StartsAt.Format(whenLayout))
	}
	return s.sendTo(ctx, ev.UserID, KindServiceMessage, env.ID, text)
}

func (s *Service) onPromoted(ctx context.Context, env domain.Envelope) error {
	ev := env.Event.(domain.WaitlistedPromoted)
	game, err := s.store.GameByID(ctx, ev.GameID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("A spot opened up: you're confirmed for the game on %s.",
		game.StartsAt.Format(whenLayout))
	return s.sendTo(ctx, ev.UserID, KindServiceMessage, env.ID, text)
}

func (s *Service) onPaymentMarked(ctx context.Context, env domain.Envelope) error {
	ev := env.Event.(domain.PaymentMarked)
	game, err := s.store.GameByID(ctx, ev.GameID)
	if err != nil {
		return err
	}
	if err := s.sendTo(ctx, ev.UserID, KindServiceMessage, env.ID,
		"Payment noted, thanks!"); err != nil {
		return err
	}
	return s.sendTo(ctx, game.OrganizerID, KindOrganizerUpdate, env.ID,
		fmt.Sprintf("Player %d marked payment for the game on %s.", ev.UserID, game.StartsAt.Format(whenLayout)))
}

func (s *Service) onEarlyPayment(ctx context.Context, env domain.Envelope) error {
	ev := env.Event.(domain.PaymentAttemptRejectedEarly)
	game, err := s.store.GameByID(ctx, ev.GameID)
	if err != nil {
		return err
	}
	return s.sendTo(ctx, game.OrganizerID, KindOrganizerUpdate, env.ID,
		fmt.Sprintf("Player %d tried to mark payment before the game on %s started.",
			ev.UserID, game.StartsAt.Format(whenLayout)))
}

func (s *Service) onPriorityCreated(ctx context.Context, env domain.Envelope) error {
	ev := env.Event.(domain.GameCreatedWithPriorityWindow)
	game, err := s.store.GameByID(ctx, ev.GameID)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("You're invited to the game on %s. Reply before %s to keep your priority spot.",
		game.StartsAt.Format(whenLayout), ev.PriorityWindowClosesAt.Format(whenLayout))
	reqs := make([]Request, 0, len(ev.ConfirmedPlayers))
	for _, uid := range ev.ConfirmedPlayers {
		req, ok, err := s.requestFor(ctx, uid, KindServiceMessage, env.ID, text)
		if err != nil {
			return err
		}
		if ok {
			reqs = append(reqs, req)
		}
	}
	s.SendBatch(ctx, reqs)
	return nil
}

func (s *Service) onPublished(ctx context.Context, env domain.Envelope) error {
	ev := env.Event.(domain.GamePublishedForAll)
	game, err := s.store.GameByID(ctx, ev.GameID)
	if err != nil {
		return err
	}
	return s.sendTo(ctx, game.OrganizerID, KindOrganizerUpdate, env.ID,
		fmt.Sprintf("Your game on %s is now open to everyone.", game.StartsAt.Format(whenLayout)))
}

func (s *Service) onGameCanceled(ctx context.Context, env domain.Envelope) error {
	ev := env.Event.(domain.GameCanceledEvent)
	game, err := s.store.GameByID(ctx, ev.GameID)
	if err != nil {
		return err
	}
	confirmed, err := s.store.RegistrationsByGame(ctx, ev.GameID, domain.RegConfirmed)
	if err != nil {
		return err
	}
	waitlisted, err := s.store.RegistrationsByGame(ctx, ev.GameID, domain.RegWaitlisted)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("The game on %s was canceled by the organizer.", game.StartsAt.Format(whenLayout))
	regs := append(confirmed, waitlisted...)
	reqs := make([]Request, 0, len(regs))
	for _, r := range regs {
		req, ok, err := s.requestFor(ctx, r.UserID, KindServiceMessage, env.ID, text)
		if err != nil {
			return err
		}
		if ok {
			reqs = append(reqs, req)
		}
	}
	s.SendBatch(ctx, reqs)
	return nil
}

func (s *Service) onInviteResponse(ctx context.Context, env domain.Envelope) error {
	ev := env.Event.(domain.InviteResponseEvent)
	game, err := s.store.GameByID(ctx, ev.GameID)
	if err != nil {
		return err
	}
	verdict := "declined"
	if ev.Response == domain.InviteYes {
		verdict = "accepted"
	}
	return s.sendTo(ctx, game.OrganizerID, KindOrganizerUpdate, env.ID,
		fmt.Sprintf("Player %d %s the invite for the game on %s.",
			ev.PlayerID, verdict, game.StartsAt.Format(whenLayout)))
}

// gameReminder fans the reminder out; the 24h edition also reaches the
// waitlist so people can free their evening or bail early.
func (s *Service) gameReminder(ctx context.Context, gameID int64, kind Kind, includeWaitlist bool) error {
	game, err := s.store.GameByID(ctx, gameID)
	if err != nil {
		return err
	}
	if game.Status != domain.GameOpen {
		return nil
	}
	regs, err := s.store.RegistrationsByGame(ctx, gameID, domain.RegConfirmed)
	if err != nil {
		return err
	}
	if includeWaitlist {
		wl, err := s.store.RegistrationsByGame(ctx, gameID, domain.RegWaitlisted)
		if err != nil {
			return err
		}
		regs = append(regs, wl...)
	}
	text := fmt.Sprintf("Reminder: game on %s at venue %d. Level %s, %s.",
		game.StartsAt.Format(whenLayout), game.VenueID, game.LevelTag, game.PriceText)
	related := fmt.Sprintf("%d", gameID)
	scope := organizerScope(game.OrganizerID)
	reqs := make([]Request, 0, len(regs))
	for _, r := range regs {
		req, ok, err := s.requestFor(ctx, r.UserID, kind, related, text)
		if err != nil {
			return err
		}
		if ok {
			req.Scope = scope
			reqs = append(reqs, req)
		}
	}
	s.SendBatch(ctx, reqs)
	return nil
}

func (s *Service) onGameReminder24h(ctx context.Context, env domain.Envelope) error {
	ev := env.Event.(domain.GameReminder24h)
	return s.gameReminder(ctx, ev.GameID, KindGameReminder24h, true)
}

func (s *Service) onGameReminder2h(ctx context.Context, env domain.Envelope) error {
	ev := env.Event.(domain.GameReminder2h)
	return s.gameReminder(ctx, ev.GameID, KindGameReminder2h, false)
}

// SendManualPaymentReminders lets the organizer nudge unpaid players on
// demand, outside the scheduled 12h/24h cadence. Same fan-out shape, its
// own preference toggle and cooldown.
func (s *Service) SendManualPaymentReminders(ctx context.Context, gameID int64) (BatchResult, error) {
	game, err := s.store.GameByID(ctx, gameID)
	if err != nil {
		return BatchResult{}, err
	}
	unpaid, err := s.store.UnpaidConfirmed(ctx, gameID)
	if err != nil {
		return BatchResult{}, err
	}
	text := fmt.Sprintf("The organizer asks you to settle up for the game on %s (%s).",
		game.StartsAt.Format(whenLayout), game.PriceText)
	related := fmt.Sprintf("%d", gameID)
	scope := organizerScope(game.OrganizerID)
	reqs := make([]Request, 0, len(unpaid))
	for _, r := range unpaid {
		req, ok, err := s.requestFor(ctx, r.UserID, KindManualPaymentReminder, related, text)
		if err != nil {
			return BatchResult{}, err
		}
		if ok {
			req.Scope = scope
			reqs = append(reqs, req)
		}
	}
	return s.SendBatch(ctx, reqs), nil
}

// onPaymentReminder nudges confirmed-but-unpaid players after the game.
func (s *Service) onPaymentReminder(kind Kind) eventbus.Handler {
	return func(ctx context.Context, env domain.Envelope) error {
		var gameID int64
		switch ev := env.Event.(type) {
		case domain.PaymentReminder12h:
			gameID = ev.GameID
		case domain.PaymentReminder24h:
			gameID = ev.GameID
		default:
			return nil
		}
		game, err := s.store.GameByID(ctx, gameID)
		if err != nil {
			return err
		}
		unpaid, err := s.store.UnpaidConfirmed(ctx, gameID)
		if err != nil {
			return err
		}
		text := fmt.Sprintf("Friendly reminder to settle up for the game on %s (%s).",
			game.StartsAt.Format(whenLayout), game.PriceText)
		related := fmt.Sprintf("%d", gameID)
		scope := organizerScope(game.OrganizerID)
		reqs := make([]Request, 0, len(unpaid))
		for _, r := range unpaid {
			req, ok, err := s.requestFor(ctx, r.UserID, kind, related, text)
			if err != nil {
				return err
			}
			if ok {
				req.Scope = scope
				reqs = append(reqs, req)
			}
		}
		s.SendBatch(ctx, reqs)
		return nil
	}
}
