// Package engine is the reservation core: capacity allocation, the
// confirmed/waitlist/canceled state machine, payment marking and the
// priority-invitation flow.
//
// All writes for one game run inside that game's mutual-exclusion scope,
// so the capacity check-then-insert is atomic under concurrent joins. The
// engine publishes domain events but performs no delivery itself.
package engine

import (
	"context"
	"sync"
	"time"

	"matchbot/internal/eventbus"
	"matchbot/internal/scheduler"
	"matchbot/internal/storage"
	logx "matchbot/pkg/logx"
)

// priorityWindow is how long an organizer's invitees have the game to
// themselves, measured from game creation.
const priorityWindow = 2 * time.Hour

// gameLock is one game's mutex plus the number of holders and waiters;
// the entry is dropped from the map when refs reaches zero.
type gameLock struct {
	mu   sync.Mutex
	refs int
}

type Engine struct {
	store storage.Store
	bus   *eventbus.Bus
	sched *scheduler.Service
	log   logx.Logger

	// gmu guards locks. Entries live only while a game operation runs,
	// so the map stays bounded by concurrency, not by game count.
	gmu   sync.Mutex
	locks map[int64]*gameLock

	now func() time.Time
}

// New builds the engine. sched may be nil (no reminders get scheduled),
// which the tests use.
func New(store storage.Store, bus *eventbus.Bus, sched *scheduler.Service, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store: store,
		bus:   bus,
		sched: sched,
		log:   log,
		locks: map[int64]*gameLock{},
		now:   time.Now,
	}
}

// lockGame serializes all state changes for one game. The returned func
// releases the lock and drops the map entry once nobody holds or waits
// on it.
func (e *Engine) lockGame(gameID int64) func() {
	e.gmu.Lock()
	l, ok := e.locks[gameID]
	if !ok {
		l = &gameLock{}
		e.locks[gameID] = l
	}
	l.refs++
	e.gmu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.gmu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, gameID)
		}
		e.gmu.Unlock()
	}
}

func (e *Engine) scheduleReminders(ctx context.Context, gameID int64, startsAt time.Time) {
	if e.sched == nil {
		return
	}
	for _, fn := range []func(context.Context, int64, time.Time) error{
		e.sched.ScheduleGameReminder24h,
		e.sched.ScheduleGameReminder2h,
		e.sched.SchedulePaymentReminder12h,
		e.sched.SchedulePaymentReminder24h,
	} {
		if err := fn(ctx, gameID, startsAt); err != nil {
			e.log.Warn("reminder scheduling failed", logx.Int64("game", gameID), logx.Err(err))
		}
	}
}

func (e *Engine) cancelReminders(ctx context.Context, gameID int64) {
	if e.sched == nil {
		return
	}
	for _, kind := range []string{
		scheduler.KindGameReminder24h,
		scheduler.KindGameReminder2h,
		scheduler.KindPaymentReminder12h,
		scheduler.KindPaymentReminder24h,
		scheduler.KindPriorityWindowCheck,
	} {
		if err := e.sched.Cancel(ctx, kind, gameID); err != nil {
			e.log.Warn("reminder cancel failed",
				logx.Int64("game", gameID),
				logx.String("kind", kind),
				logx.Err(err))
		}
	}
}
