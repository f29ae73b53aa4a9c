package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"matchbot/internal/domain"
	logx "matchbot/pkg/logx"
)

func TestDedupSingleWinnerUnderConcurrency(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.CheckAndSetDedup(ctx, "reminder-g1-u1", now, time.Minute)
			if err != nil {
				t.Errorf("dedup: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("%d callers won the dedup claim, want exactly 1", winners)
	}
}

func TestDedupReopensAfterCooldown(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	base := time.Now()

	ok, err := store.CheckAndSetDedup(ctx, "k", base, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = store.CheckAndSetDedup(ctx, "k", base.Add(30*time.Second), time.Minute)
	if err != nil || ok {
		t.Fatalf("claim inside cooldown: ok=%v err=%v", ok, err)
	}
	ok, err = store.CheckAndSetDedup(ctx, "k", base.Add(61*time.Second), time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim after cooldown: ok=%v err=%v", ok, err)
	}
}

func TestEarliestWaitlistedOrdersByCreation(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	base := time.Now()

	for i, uid := range []int64{5, 3, 8} {
		reg := domain.Registration{
			ID:        string(rune('a' + i)),
			GameID:    1,
			UserID:    uid,
			Status:    domain.RegWaitlisted,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateRegistration(ctx, &reg); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	first, ok, err := store.EarliestWaitlisted(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("earliest: ok=%v err=%v", ok, err)
	}
	if first.UserID != 5 {
		t.Fatalf("earliest waitlisted is user %d, want 5", first.UserID)
	}
}

func TestMarkPublishedForAllFlipsOnce(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	g := domain.Game{OrganizerID: 1, VenueID: 1, StartsAt: time.Now().Add(time.Hour), Capacity: 4, Status: domain.GameOpen}
	if err := store.CreateGame(ctx, &g); err != nil {
		t.Fatalf("create game: %v", err)
	}

	flipped, err := store.MarkPublishedForAll(ctx, g.ID)
	if err != nil || !flipped {
		t.Fatalf("first flip: %v %v", flipped, err)
	}
	flipped, err = store.MarkPublishedForAll(ctx, g.ID)
	if err != nil || flipped {
		t.Fatalf("second flip should report false: %v %v", flipped, err)
	}
}

func TestVenueBusyOnlyForOpenGamesAtSameTime(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	startsAt := time.Now().Add(24 * time.Hour)

	g := domain.Game{OrganizerID: 1, VenueID: 2, StartsAt: startsAt, Capacity: 4, Status: domain.GameOpen}
	if err := store.CreateGame(ctx, &g); err != nil {
		t.Fatalf("create game: %v", err)
	}

	busy, err := store.VenueBusy(ctx, 2, startsAt)
	if err != nil || !busy {
		t.Fatalf("same venue and time: busy=%v err=%v", busy, err)
	}
	busy, err = store.VenueBusy(ctx, 2, startsAt.Add(time.Hour))
	if err != nil || busy {
		t.Fatalf("different time: busy=%v err=%v", busy, err)
	}
	busy, err = store.VenueBusy(ctx, 3, startsAt)
	if err != nil || busy {
		t.Fatalf("different venue: busy=%v err=%v", busy, err)
	}

	if err := store.UpdateGameStatus(ctx, g.ID, domain.GameCanceled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	busy, err = store.VenueBusy(ctx, 2, startsAt)
	if err != nil || busy {
		t.Fatalf("canceled game still blocks the venue: busy=%v err=%v", busy, err)
	}
}

func TestClaimSendWindowAndPrune(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	base := time.Now()
	since := base.Add(-time.Hour)

	for i := 0; i < 2; i++ {
		ok, err := store.ClaimSend(ctx, "organizer-1", base.Add(time.Duration(i)*time.Minute), since, 2)
		if err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := store.ClaimSend(ctx, "organizer-1", base.Add(2*time.Minute), since, 2)
	if err != nil {
		t.Fatalf("claim over limit: %v", err)
	}
	if ok {
		t.Fatalf("third claim exceeded the limit of 2")
	}

	// Another scope has its own budget.
	ok, err = store.ClaimSend(ctx, "organizer-2", base, since, 2)
	if err != nil || !ok {
		t.Fatalf("independent scope: ok=%v err=%v", ok, err)
	}

	// Pruning frees the window.
	if err := store.PruneSends(ctx, base.Add(time.Hour)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	ok, err = store.ClaimSend(ctx, "organizer-1", base.Add(time.Hour), since, 2)
	if err != nil || !ok {
		t.Fatalf("claim after prune: ok=%v err=%v", ok, err)
	}
}

func TestClaimSendSingleWinnerUnderConcurrency(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Now()
	since := now.Add(-time.Hour)

	const claimants = 32
	var wg sync.WaitGroup
	var wins int32
	start := make(chan struct{})
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.ClaimSend(ctx, "organizer-7", now, since, 1)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d claimants won a quota of 1", wins)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	defer s.Close()

	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}
