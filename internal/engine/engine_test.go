package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"matchbot/internal/domain"
	"matchbot/internal/eventbus"
	"matchbot/internal/storage"
	logx "matchbot/pkg/logx"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *clock { return &clock{now: at} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Tick advances by one nanosecond so successive writes get distinct
// creation times (the waitlist is ordered by CreatedAt).
func (c *clock) Tick() {
	c.Advance(time.Nanosecond)
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu  sync.Mutex
	evs []domain.Event
}

func (r *recorder) handle(_ context.Context, env domain.Envelope) error {
	r.mu.Lock()
	r.evs = append(r.evs, env.Event)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofKind(k domain.EventKind) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.evs {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

var allKinds = []domain.EventKind{
	domain.EvGameCreatedWithPriorityWindow,
	domain.EvGamePublishedForAll,
	domain.EvGameCanceled,
	domain.EvPlayerJoined,
	domain.EvPlayerLeft,
	domain.EvWaitlistedPromoted,
	domain.EvPaymentMarked,
	domain.EvPaymentAttemptRejectedEarly,
	domain.EvInviteResponse,
}

func newTestEngine(t *testing.T) (*Engine, storage.Store, *eventbus.Bus, *recorder, *clock) {
	t.Helper()
	store := storage.NewMemory()
	bus := eventbus.New(eventbus.Config{MaxAttempts: 1, RetryBase: time.Millisecond}, logx.Nop())
	rec := &recorder{}
	for _, k := range allKinds {
		bus.Subscribe(k, "test.recorder", rec.handle)
	}
	clk := newClock(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	e := New(store, bus, nil, logx.Nop())
	e.now = clk.Now
	return e, store, bus, rec, clk
}

func drain(t *testing.T, bus *eventbus.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func mustCreate(t *testing.T, e *Engine, g domain.Game, pre []int64) domain.Game {
	t.Helper()
	created, err := e.CreateGame(context.Background(), g, pre)
	if err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	return created
}

func openGame(clk *clock, capacity int) domain.Game {
	return domain.Game{
		OrganizerID: 100,
		VenueID:     7,
		StartsAt:    clk.Now().Add(48 * time.Hour),
		Capacity:    capacity,
		LevelTag:    "intermediate",
		PriceText:   "10 EUR",
	}
}

func TestJoinFillsSeatsThenWaitlists(t *testing.T) {
	e, _, bus, rec, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 2), nil)

	for i, want := range []domain.RegStatus{domain.RegConfirmed, domain.RegConfirmed, domain.RegWaitlisted} {
		clk.Tick()
		res, err := e.ProcessJoin(ctx, g.ID, int64(i+1))
		if err != nil {
			t.Fatalf("join %d: %v", i+1, err)
		}
		if res.Status != want {
			t.Fatalf("join %d: got status %q, want %q", i+1, res.Status, want)
		}
	}

	drain(t, bus)
	joined := rec.ofKind(domain.EvPlayerJoined)
	if len(joined) != 3 {
		t.Fatalf("expected 3 PlayerJoined events, got %d", len(joined))
	}
}

func TestJoinConcurrentNeverOverfills(t *testing.T) {
	e, store, _, _, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 1), nil)

	const players = 20
	var wg sync.WaitGroup
	for i := 1; i <= players; i++ {
		uid := int64(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ProcessJoin(ctx, g.ID, uid); err != nil {
				t.Errorf("join %d: %v", uid, err)
			}
		}()
	}
	wg.Wait()

	confirmed, err := store.CountConfirmed(ctx, g.ID)
	if err != nil {
		t.Fatalf("CountConfirmed: %v", err)
	}
	if confirmed != 1 {
		t.Fatalf("capacity 1 game has %d confirmed", confirmed)
	}
	waitlisted, err := store.RegistrationsByGame(ctx, g.ID, domain.RegWaitlisted)
	if err != nil {
		t.Fatalf("RegistrationsByGame: %v", err)
	}
	if len(waitlisted) != players-1 {
		t.Fatalf("expected %d waitlisted, got %d", players-1, len(waitlisted))
	}
}

func TestJoinRepeatWhileWaitlistedIsIdempotent(t *testing.T) {
	e, _, bus, rec, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 1), nil)

	if _, err := e.ProcessJoin(ctx, g.ID, 1); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	clk.Tick()
	first, err := e.ProcessJoin(ctx, g.ID, 2)
	if err != nil {
		t.Fatalf("join 2: %v", err)
	}
	clk.Tick()
	second, err := e.ProcessJoin(ctx, g.ID, 2)
	if err != nil {
		t.Fatalf("repeat join 2: %v", err)
	}
	if second.Status != domain.RegWaitlisted || second.RegistrationID != first.RegistrationID {
		t.Fatalf("repeat join changed registration: %+v vs %+v", second, first)
	}

	drain(t, bus)
	if got := len(rec.ofKind(domain.EvPlayerJoined)); got != 2 {
		t.Fatalf("idempotent re-join emitted an event: %d PlayerJoined total", got)
	}
}

func TestJoinWhileConfirmedFails(t *testing.T) {
	e, _, _, _, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 2), nil)

	if _, err := e.ProcessJoin(ctx, g.ID, 1); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := e.ProcessJoin(ctx, g.ID, 1); !errors.Is(err, domain.ErrAlreadyRegistered) {
		t.Fatalf("got %v, want ErrAlreadyRegistered", err)
	}
}

func TestJoinRejectedWhenNotOpenOrStarted(t *testing.T) {
	e, store, _, _, clk := newTestEngine(t)
	ctx := context.Background()

	g := mustCreate(t, e, openGame(clk, 2), nil)
	if err := store.UpdateGameStatus(ctx, g.ID, domain.GameClosed); err != nil {
		t.Fatalf("close game: %v", err)
	}
	if _, err := e.ProcessJoin(ctx, g.ID, 1); !errors.Is(err, domain.ErrGameNotOpen) {
		t.Fatalf("closed game: got %v, want ErrGameNotOpen", err)
	}

	g2 := mustCreate(t, e, openGame(clk, 2), nil)
	clk.Advance(72 * time.Hour)
	if _, err := e.ProcessJoin(ctx, g2.ID, 1); !errors.Is(err, domain.ErrGameAlreadyStarted) {
		t.Fatalf("started game: got %v, want ErrGameAlreadyStarted", err)
	}
}

func TestLeaveConfirmedPromotesEarliestWaitlisted(t *testing.T) {
	e, store, bus, rec, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 1), nil)

	for _, uid := range []int64{1, 2, 3} {
		clk.Tick()
		if _, err := e.ProcessJoin(ctx, g.ID, uid); err != nil {
			t.Fatalf("join %d: %v", uid, err)
		}
	}

	if err := e.ProcessLeave(ctx, g.ID, 1); err != nil {
		t.Fatalf("leave: %v", err)
	}

	reg, found, err := store.RegistrationByGameUser(ctx, g.ID, 2)
	if err != nil || !found {
		t.Fatalf("load user 2: found=%v err=%v", found, err)
	}
	if reg.Status != domain.RegConfirmed {
		t.Fatalf("user 2 not promoted, status %q", reg.Status)
	}

	drain(t, bus)
	promoted := rec.ofKind(domain.EvWaitlistedPromoted)
	if len(promoted) != 1 {
		t.Fatalf("expected 1 promotion event, got %d", len(promoted))
	}
	if ev := promoted[0].(domain.WaitlistedPromoted); ev.UserID != 2 {
		t.Fatalf("promoted user %d, want 2", ev.UserID)
	}
}

func TestLeaveFromWaitlistPromotesNobody(t *testing.T) {
	e, _, bus, rec, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 1), nil)

	for _, uid := range []int64{1, 2, 3} {
		clk.Tick()
		if _, err := e.ProcessJoin(ctx, g.ID, uid); err != nil {
			t.Fatalf("join %d: %v", uid, err)
		}
	}
	if err := e.ProcessLeave(ctx, g.ID, 2); err != nil {
		t.Fatalf("leave: %v", err)
	}

	drain(t, bus)
	if got := len(rec.ofKind(domain.EvWaitlistedPromoted)); got != 0 {
		t.Fatalf("waitlist leave caused %d promotions", got)
	}
}

func TestLeaveWithoutActiveRegistration(t *testing.T) {
	e, _, _, _, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 1), nil)

	if err := e.ProcessLeave(ctx, g.ID, 9); !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("got %v, want ErrNotRegistered", err)
	}

	if _, err := e.ProcessJoin(ctx, g.ID, 9); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := e.ProcessLeave(ctx, g.ID, 9); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := e.ProcessLeave(ctx, g.ID, 9); !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("double leave: got %v, want ErrNotRegistered", err)
	}
}

func TestRejoinAfterCancelKeepsIDButJoinsQueueTail(t *testing.T) {
	e, store, _, _, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 1), nil)

	clk.Tick()
	if _, err := e.ProcessJoin(ctx, g.ID, 1); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	clk.Tick()
	first, err := e.ProcessJoin(ctx, g.ID, 2)
	if err != nil {
		t.Fatalf("join 2: %v", err)
	}
	if err := e.ProcessLeave(ctx, g.ID, 2); err != nil {
		t.Fatalf("leave 2: %v", err)
	}
	clk.Tick()
	if _, err := e.ProcessJoin(ctx, g.ID, 3); err != nil {
		t.Fatalf("join 3: %v", err)
	}
	clk.Tick()
	again, err := e.ProcessJoin(ctx, g.ID, 2)
	if err != nil {
		t.Fatalf("re-join 2: %v", err)
	}
	if !again.Reactivated {
		t.Fatalf("expected reactivation, got %+v", again)
	}
	if again.RegistrationID != first.RegistrationID {
		t.Fatalf("reactivation minted a new registration id")
	}

	// User 3 queued while user 2 was canceled, so user 3 is promoted first.
	if err := e.ProcessLeave(ctx, g.ID, 1); err != nil {
		t.Fatalf("leave 1: %v", err)
	}
	reg, _, err := store.RegistrationByGameUser(ctx, g.ID, 3)
	if err != nil {
		t.Fatalf("load user 3: %v", err)
	}
	if reg.Status != domain.RegConfirmed {
		t.Fatalf("user 3 should be promoted ahead of re-joined user 2, status %q", reg.Status)
	}
}

func TestMarkPaymentBeforeStartIsRejected(t *testing.T) {
	e, _, bus, rec, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 2), nil)
	if _, err := e.ProcessJoin(ctx, g.ID, 1); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := e.MarkPayment(ctx, g.ID, 1); !errors.Is(err, domain.ErrPaymentWindowClosed) {
		t.Fatalf("got %v, want ErrPaymentWindowClosed", err)
	}

	drain(t, bus)
	if got := len(rec.ofKind(domain.EvPaymentAttemptRejectedEarly)); got != 1 {
		t.Fatalf("expected 1 early-payment event, got %d", got)
	}
}

func TestMarkPaymentAfterStart(t *testing.T) {
	e, store, bus, rec, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 2), nil)
	clk.Tick()
	if _, err := e.ProcessJoin(ctx, g.ID, 1); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	clk.Tick()
	if _, err := e.ProcessJoin(ctx, g.ID, 2); err != nil {
		t.Fatalf("join 2: %v", err)
	}
	clk.Tick()
	if _, err := e.ProcessJoin(ctx, g.ID, 3); err != nil {
		t.Fatalf("join 3: %v", err)
	}

	clk.Advance(49 * time.Hour)

	if err := e.MarkPayment(ctx, g.ID, 1); err != nil {
		t.Fatalf("mark payment: %v", err)
	}
	reg, _, err := store.RegistrationByGameUser(ctx, g.ID, 1)
	if err != nil {
		t.Fatalf("load reg: %v", err)
	}
	if reg.PaymentStatus != domain.PayPaid || reg.PaymentMarkedAt == nil {
		t.Fatalf("payment not recorded: %+v", reg)
	}

	// Re-marking is a no-op with no second event.
	if err := e.MarkPayment(ctx, g.ID, 1); err != nil {
		t.Fatalf("re-mark payment: %v", err)
	}

	// Waitlisted players cannot pay.
	if err := e.MarkPayment(ctx, g.ID, 3); !errors.Is(err, domain.ErrNotConfirmed) {
		t.Fatalf("waitlisted payment: got %v, want ErrNotConfirmed", err)
	}
	// Neither can strangers.
	if err := e.MarkPayment(ctx, g.ID, 42); !errors.Is(err, domain.ErrNotConfirmed) {
		t.Fatalf("stranger payment: got %v, want ErrNotConfirmed", err)
	}

	drain(t, bus)
	if got := len(rec.ofKind(domain.EvPaymentMarked)); got != 1 {
		t.Fatalf("expected exactly 1 PaymentMarked event, got %d", got)
	}
}

func TestCreateGameValidation(t *testing.T) {
	e, _, _, _, clk := newTestEngine(t)
	ctx := context.Background()

	bad := openGame(clk, 0)
	if _, err := e.CreateGame(ctx, bad, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("zero capacity: got %v, want ErrValidation", err)
	}
}

func TestCreateGameVenueConflict(t *testing.T) {
	e, _, _, _, clk := newTestEngine(t)
	ctx := context.Background()

	g := openGame(clk, 4)
	mustCreate(t, e, g, nil)
	if _, err := e.CreateGame(ctx, g, nil); !errors.Is(err, domain.ErrVenueOccupied) {
		t.Fatalf("got %v, want ErrVenueOccupied", err)
	}
}

func TestCreateGameWithoutInviteesPublishesImmediately(t *testing.T) {
	e, store, bus, rec, clk := newTestEngine(t)
	g := mustCreate(t, e, openGame(clk, 4), nil)

	stored, err := store.GameByID(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("load game: %v", err)
	}
	if !stored.PublishedForAll {
		t.Fatalf("game without invitees should be published for all")
	}
	if stored.PriorityWindowClosesAt != nil {
		t.Fatalf("unexpected priority window: %v", stored.PriorityWindowClosesAt)
	}

	drain(t, bus)
	if got := len(rec.ofKind(domain.EvGamePublishedForAll)); got != 1 {
		t.Fatalf("expected 1 publish event, got %d", got)
	}
}

func TestPriorityWindowClosesTwoHoursAfterCreation(t *testing.T) {
	e, _, bus, rec, clk := newTestEngine(t)
	created := clk.Now()
	g := mustCreate(t, e, openGame(clk, 4), []int64{11, 12})

	if g.PriorityWindowClosesAt == nil {
		t.Fatalf("priority window not set")
	}
	if want := created.Add(2 * time.Hour); !g.PriorityWindowClosesAt.Equal(want) {
		t.Fatalf("window closes at %v, want creation+2h (%v)", g.PriorityWindowClosesAt, want)
	}
	if g.PublishedForAll {
		t.Fatalf("game with invitees must start unpublished")
	}

	drain(t, bus)
	evs := rec.ofKind(domain.EvGameCreatedWithPriorityWindow)
	if len(evs) != 1 {
		t.Fatalf("expected 1 priority-window event, got %d", len(evs))
	}
	ev := evs[0].(domain.GameCreatedWithPriorityWindow)
	if len(ev.ConfirmedPlayers) != 2 {
		t.Fatalf("event carries %d invitees, want 2", len(ev.ConfirmedPlayers))
	}
}

func TestPriorityFlowPublishesWhenAllAnswer(t *testing.T) {
	e, store, bus, rec, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 4), []int64{11, 12})

	if err := e.RespondToInvite(ctx, g.ID, 11, true); err != nil {
		t.Fatalf("respond 11: %v", err)
	}
	stored, _ := store.GameByID(ctx, g.ID)
	if stored.PublishedForAll {
		t.Fatalf("published before every invitee answered")
	}

	if err := e.RespondToInvite(ctx, g.ID, 12, false); err != nil {
		t.Fatalf("respond 12: %v", err)
	}
	stored, _ = store.GameByID(ctx, g.ID)
	if !stored.PublishedForAll {
		t.Fatalf("not published after all invitees answered")
	}

	// Accepting invitee landed a confirmed seat through the normal path.
	reg, found, err := store.RegistrationByGameUser(ctx, g.ID, 11)
	if err != nil || !found {
		t.Fatalf("load invitee reg: found=%v err=%v", found, err)
	}
	if reg.Status != domain.RegConfirmed {
		t.Fatalf("accepting invitee has status %q", reg.Status)
	}

	// Extra rechecks never publish twice.
	if err := e.RecheckPriorityWindow(ctx, g.ID); err != nil {
		t.Fatalf("recheck: %v", err)
	}
	drain(t, bus)
	if got := len(rec.ofKind(domain.EvGamePublishedForAll)); got != 1 {
		t.Fatalf("publish event emitted %d times", got)
	}
}

func TestPriorityWindowExpiryPublishes(t *testing.T) {
	e, store, bus, rec, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 4), []int64{11, 12})

	if err := e.RecheckPriorityWindow(ctx, g.ID); err != nil {
		t.Fatalf("recheck before expiry: %v", err)
	}
	stored, _ := store.GameByID(ctx, g.ID)
	if stored.PublishedForAll {
		t.Fatalf("published before the window expired")
	}

	clk.Advance(2*time.Hour + time.Minute)
	if err := e.RecheckPriorityWindow(ctx, g.ID); err != nil {
		t.Fatalf("recheck after expiry: %v", err)
	}
	stored, _ = store.GameByID(ctx, g.ID)
	if !stored.PublishedForAll {
		t.Fatalf("not published after the window expired")
	}

	drain(t, bus)
	if got := len(rec.ofKind(domain.EvGamePublishedForAll)); got != 1 {
		t.Fatalf("publish event emitted %d times", got)
	}
}

func TestCancelGame(t *testing.T) {
	e, store, bus, rec, clk := newTestEngine(t)
	ctx := context.Background()
	g := mustCreate(t, e, openGame(clk, 4), nil)

	if err := e.CancelGame(ctx, g.ID, 999); !errors.Is(err, domain.ErrGameNotCancelable) {
		t.Fatalf("foreign cancel: got %v, want ErrGameNotCancelable", err)
	}
	if err := e.CancelGame(ctx, g.ID, g.OrganizerID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, _ := store.GameByID(ctx, g.ID)
	if stored.Status != domain.GameCanceled {
		t.Fatalf("status %q after cancel", stored.Status)
	}
	if err := e.CancelGame(ctx, g.ID, g.OrganizerID); !errors.Is(err, domain.ErrGameNotCancelable) {
		t.Fatalf("double cancel: got %v, want ErrGameNotCancelable", err)
	}

	drain(t, bus)
	canceled := rec.ofKind(domain.EvGameCanceled)
	if len(canceled) != 1 {
		t.Fatalf("expected 1 cancellation event, got %d", len(canceled))
	}
	ev, ok := canceled[0].(domain.GameCanceledEvent)
	if !ok || ev.GameID != g.ID {
		t.Fatalf("unexpected cancellation payload: %#v", canceled[0])
	}
}

func TestGameLocksAreReleased(t *testing.T) {
	e, _, bus, _, clk := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g := mustCreate(t, e, openGame(clk, 2), nil)
		var wg sync.WaitGroup
		for u := int64(1); u <= 8; u++ {
			wg.Add(1)
			go func(u int64) {
				defer wg.Done()
				_, _ = e.ProcessJoin(ctx, g.ID, u)
			}(u)
		}
		wg.Wait()
		if err := e.CancelGame(ctx, g.ID, g.OrganizerID); err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}
	drain(t, bus)

	e.gmu.Lock()
	held := len(e.locks)
	e.gmu.Unlock()
	if held != 0 {
		t.Fatalf("%d game lock entries leaked after all operations finished", held)
	}
}
