package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the closed set of domain events.
type EventKind string

const (
	EvGameCreatedWithPriorityWindow EventKind = "game.created_with_priority_window"
	EvGamePublishedForAll           EventKind = "game.published_for_all"
	EvGameCanceled                  EventKind = "game.canceled"
	EvPlayerJoined                  EventKind = "player.joined"
	EvPlayerLeft                    EventKind = "player.left"
	EvWaitlistedPromoted            EventKind = "player.waitlist_promoted"
	EvPaymentMarked                 EventKind = "payment.marked"
	EvPaymentAttemptRejectedEarly   EventKind = "payment.attempt_rejected_early"
	EvGameReminder24h               EventKind = "reminder.game_24h"
	EvGameReminder2h                EventKind = "reminder.game_2h"
	EvPaymentReminder12h            EventKind = "reminder.payment_12h"
	EvPaymentReminder24h            EventKind = "reminder.payment_24h"
	EvInviteResponse                EventKind = "invite.response"
)

// Event is the closed tagged union of domain state changes. Each payload
// struct below is one variant; Kind() is the tag.
//
// Events are ephemeral: the bus does not persist them, handlers persist
// their own side effects.
type Event interface {
	Kind() EventKind
}

// Envelope wraps an Event with identity and time for handlers and the
// dead-letter list. Built by the bus at publish time.
type Envelope struct {
	ID         string
	OccurredAt time.Time
	Event      Event
}

// NewEnvelope stamps an event. Exposed for tests that construct envelopes
// without going through the bus.
func NewEnvelope(e Event, at time.Time) Envelope {
	return Envelope{ID: uuid.NewString(), OccurredAt: at, Event: e}
}

type GameCreatedWithPriorityWindow struct {
	GameID                 int64
	PriorityWindowClosesAt time.Time
	ConfirmedPlayers       []int64
}

func (GameCreatedWithPriorityWindow) Kind() EventKind { return EvGameCreatedWithPriorityWindow }

type GamePublishedForAll struct {
	GameID int64
}

func (GamePublishedForAll) Kind() EventKind { return EvGamePublishedForAll }

// GameCanceledEvent carries the Event suffix to stay clear of the
// GameCanceled status constant.
type GameCanceledEvent struct {
	GameID int64
}

func (GameCanceledEvent) Kind() EventKind { return EvGameCanceled }

type PlayerJoined struct {
	GameID int64
	UserID int64
	Status RegStatus
}

func (PlayerJoined) Kind() EventKind { return EvPlayerJoined }

type PlayerLeft struct {
	GameID int64
	UserID int64
}

func (PlayerLeft) Kind() EventKind { return EvPlayerLeft }

type WaitlistedPromoted struct {
	GameID int64
	UserID int64
}

func (WaitlistedPromoted) Kind() EventKind { return EvWaitlistedPromoted }

type PaymentMarked struct {
	GameID int64
	UserID int64
}

func (PaymentMarked) Kind() EventKind { return EvPaymentMarked }

type PaymentAttemptRejectedEarly struct {
	GameID int64
	UserID int64
}

func (PaymentAttemptRejectedEarly) Kind() EventKind { return EvPaymentAttemptRejectedEarly }

type GameReminder24h struct {
	GameID int64
}

func (GameReminder24h) Kind() EventKind { return EvGameReminder24h }

type GameReminder2h struct {
	GameID int64
}

func (GameReminder2h) Kind() EventKind { return EvGameReminder2h }

type PaymentReminder12h struct {
	GameID int64
}

func (PaymentReminder12h) Kind() EventKind { return EvPaymentReminder12h }

type PaymentReminder24h struct {
	GameID int64
}

func (PaymentReminder24h) Kind() EventKind { return EvPaymentReminder24h }

type InviteResponseEvent struct {
	GameID   int64
	PlayerID int64
	Response InviteResponse
}

func (InviteResponseEvent) Kind() EventKind { return EvInviteResponse }
