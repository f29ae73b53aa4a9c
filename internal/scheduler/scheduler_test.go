package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"matchbot/internal/domain"
	"matchbot/internal/eventbus"
	"matchbot/internal/storage"
	logx "matchbot/pkg/logx"
)

func testConfig() Config {
	return Config{
		Workers:       2,
		QueueSize:     16,
		RetryMax:      1,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SweepEvery:    time.Hour, // keep the sweep out of timing-sensitive tests
	}
}

func newTestService(t *testing.T) (*Service, storage.Store, *eventbus.Bus) {
	t.Helper()
	store := storage.NewMemory()
	bus := eventbus.New(eventbus.Config{MaxAttempts: 1, RetryBase: time.Millisecond}, logx.Nop())
	s := New(testConfig(), store, bus, logx.Nop())
	return s, store, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestJobKeyIsDeterministic(t *testing.T) {
	if got := JobKey(KindGameReminder24h, 42); got != "game-reminder-24h-42" {
		t.Fatalf("JobKey = %q", got)
	}
	if JobKey(KindGameReminder24h, 42) != JobKey(KindGameReminder24h, 42) {
		t.Fatalf("same inputs produced different keys")
	}
}

func TestSchedulingIntoThePastIsNoOp(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	if err := s.ScheduleGameReminder2h(ctx, 1, past); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	jobs, err := store.PendingJobs(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("past schedule persisted %d jobs", len(jobs))
	}
}

func TestReschedulingSameKeyUpserts(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()

	startsAt := time.Now().Add(48 * time.Hour)
	if err := s.ScheduleGameReminder24h(ctx, 7, startsAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	moved := startsAt.Add(3 * time.Hour)
	if err := s.ScheduleGameReminder24h(ctx, 7, moved); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	jobs, err := store.PendingJobs(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job after reschedule, got %d", len(jobs))
	}
	if want := moved.Add(-24 * time.Hour); !jobs[0].FireAt.Equal(want) {
		t.Fatalf("fire at %v, want %v", jobs[0].FireAt, want)
	}
}

func TestFirePublishesEventAndDeletesRow(t *testing.T) {
	s, store, bus := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired int32
	bus.Subscribe(domain.EvGameReminder2h, "test", func(_ context.Context, env domain.Envelope) error {
		ev := env.Event.(domain.GameReminder2h)
		if ev.GameID != 5 {
			t.Errorf("fired for game %d, want 5", ev.GameID)
		}
		atomic.AddInt32(&fired, 1)
		return nil
	})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	// 2h reminder for a game starting in 2h+50ms fires almost immediately.
	if err := s.ScheduleGameReminder2h(ctx, 5, time.Now().Add(2*time.Hour+50*time.Millisecond)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt32(&fired) == 1 })
	waitFor(t, 5*time.Second, func() bool {
		jobs, err := store.PendingJobs(ctx)
		return err == nil && len(jobs) == 0
	})
}

func TestPriorityWindowJobInvokesRecheck(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Int64
	s.SetPriorityRecheck(func(_ context.Context, gameID int64) error {
		got.Store(gameID)
		return nil
	})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	if err := s.SchedulePriorityWindowCheck(ctx, 9, time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return got.Load() == 9 })
}

func TestCancelDropsPendingJob(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()

	if err := s.ScheduleGameReminder24h(ctx, 3, time.Now().Add(48*time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Cancel(ctx, KindGameReminder24h, 3); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	jobs, err := store.PendingJobs(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("job survived cancel")
	}
}

func TestStartRearmsPersistedJobs(t *testing.T) {
	store := storage.NewMemory()
	bus := eventbus.New(eventbus.Config{MaxAttempts: 1, RetryBase: time.Millisecond}, logx.Nop())

	// A due job persisted by a previous process.
	key := JobKey(KindGameReminder2h, 11)
	err := store.UpsertJob(context.Background(), storage.Job{
		Key:      key,
		Kind:     KindGameReminder2h,
		EntityID: 11,
		FireAt:   time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}

	var fired int32
	bus.Subscribe(domain.EvGameReminder2h, "test", func(context.Context, domain.Envelope) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})

	s := New(testConfig(), store, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt32(&fired) == 1 })
}

// Stop must not race timer callbacks into a closed queue: a fire landing
// between the shutdown decision and the queue close used to panic.
func TestStopWhileTimersFireDoesNotPanic(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A burst of near-immediate fires overlapping the shutdown.
	for i := int64(0); i < 50; i++ {
		startsAt := time.Now().Add(2*time.Hour + time.Duration(i)*time.Millisecond)
		if err := s.ScheduleGameReminder2h(ctx, i, startsAt); err != nil {
			t.Fatalf("schedule %d: %v", i, err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	// Late timers after Stop must also be harmless.
	time.Sleep(100 * time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop(ctx)
	s.Stop(ctx)
}
