package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"matchbot/internal/domain"
	"matchbot/internal/eventbus"
	"matchbot/internal/runtime/supervisor"
	"matchbot/internal/storage"
	logx "matchbot/pkg/logx"
)

// RecheckFunc is the engine callback invoked by the priority-window job.
type RecheckFunc func(ctx context.Context, gameID int64) error

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store storage.Store
	bus   *eventbus.Bus

	recheck RecheckFunc

	queue     chan storage.Job
	accepting bool
	// senders tracks in-flight queue sends so Stop can close the queue
	// only after every enqueue has finished.
	senders  sync.WaitGroup
	sup      *supervisor.Supervisor
	c        *cron.Cron
	stopDone chan struct{} // non-nil while stopping

	// tmu guards the armed one-shot timers, keyed by job key.
	tmu    sync.Mutex
	timers map[string]*time.Timer

	now func() time.Time
}

func New(cfg Config, store storage.Store, bus *eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		store:  store,
		bus:    bus,
		timers: map[string]*time.Timer{},
		now:    time.Now,
	}
}

// SetPriorityRecheck installs the engine callback. Must be called before
// Start; injected as a function to keep the scheduler free of engine
// imports.
func (s *Service) SetPriorityRecheck(fn RecheckFunc) {
	s.mu.Lock()
	s.recheck = fn
	s.mu.Unlock()
}

// Start spins up the worker pool and sweep, then re-arms every persisted
// pending job. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return nil
	}
	s.queue = make(chan storage.Job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue

	s.c = cron.New()
	sweepSpec := "@every " + s.cfg.SweepEvery.String()
	_, err := s.c.AddFunc(sweepSpec, func() { s.sweep(sup.Context()) })
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.c.Start()
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.Go(workerName(idx), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}

	return s.rearmPending(ctx)
}

// Stop stops intake, drains in-flight fires until ctx expires, then
// releases timers and the cron sweep.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	c := s.c
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	// Stop runtime timers; persisted rows survive for the next Start.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	go func() {
		defer close(done)
		// No enqueue can register once accepting is false; waiting here
		// makes the close safe against timer callbacks mid-send.
		s.senders.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.c = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// ---- schedule helpers ----

// ScheduleGameReminder24h arms the 24h-before reminder for a game.
func (s *Service) ScheduleGameReminder24h(ctx context.Context, gameID int64, startsAt time.Time) error {
	return s.schedule(ctx, KindGameReminder24h, gameID, startsAt.Add(-24*time.Hour))
}

func (s *Service) ScheduleGameReminder2h(ctx context.Context, gameID int64, startsAt time.Time) error {
	return s.schedule(ctx, KindGameReminder2h, gameID, startsAt.Add(-2*time.Hour))
}

// SchedulePaymentReminder12h fires 12h after game start (the payment
// window opens at start time).
func (s *Service) SchedulePaymentReminder12h(ctx context.Context, gameID int64, startsAt time.Time) error {
	return s.schedule(ctx, KindPaymentReminder12h, gameID, startsAt.Add(12*time.Hour))
}

func (s *Service) SchedulePaymentReminder24h(ctx context.Context, gameID int64, startsAt time.Time) error {
	return s.schedule(ctx, KindPaymentReminder24h, gameID, startsAt.Add(24*time.Hour))
}

func (s *Service) SchedulePriorityWindowCheck(ctx context.Context, gameID int64, closesAt time.Time) error {
	return s.schedule(ctx, KindPriorityWindowCheck, gameID, closesAt)
}

// schedule persists and arms one delayed trigger. Scheduling into the past
// is a no-op; re-scheduling an existing key moves its fire time.
func (s *Service) schedule(ctx context.Context, kind string, entityID int64, fireAt time.Time) error {
	delay := fireAt.Sub(s.now())
	if delay <= 0 {
		return nil
	}
	j := storage.Job{Key: JobKey(kind, entityID), Kind: kind, EntityID: entityID, FireAt: fireAt}
	if err := s.store.UpsertJob(ctx, j); err != nil {
		return err
	}
	s.arm(j, delay)
	s.log.Debug("job scheduled",
		logx.String("key", j.Key),
		logx.Time("fire_at", fireAt),
		logx.Duration("delay", delay))
	return nil
}

// Cancel drops a pending trigger (both the timer and the persisted row).
func (s *Service) Cancel(ctx context.Context, kind string, entityID int64) error {
	key := JobKey(kind, entityID)
	s.tmu.Lock()
	if t, ok := s.timers[key]; ok {
		_ = t.Stop()
		delete(s.timers, key)
	}
	s.tmu.Unlock()
	return s.store.DeleteJob(ctx, key)
}

func (s *Service) arm(j storage.Job, delay time.Duration) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	// Upsert: replace any previously armed timer for the same key.
	if t, ok := s.timers[j.Key]; ok {
		_ = t.Stop()
	}
	s.timers[j.Key] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		delete(s.timers, j.Key)
		s.tmu.Unlock()
		s.enqueue(j)
	})
}

func (s *Service) enqueue(j storage.Job) {
	s.mu.Lock()
	q := s.queue
	if q == nil || !s.accepting {
		s.mu.Unlock()
		s.log.Debug("scheduler not running; job stays persisted", logx.String("key", j.Key))
		return
	}
	// Registered under the same lock that Stop uses to flip accepting, so
	// the queue cannot close while this send is in flight.
	s.senders.Add(1)
	s.mu.Unlock()
	defer s.senders.Done()

	select {
	case q <- j:
	default:
		// Queue full: leave the row in place, the sweep retries it.
		s.log.Warn("scheduler queue full; deferring job to sweep", logx.String("key", j.Key))
	}
}

// rearmPending reloads the persisted job set: due jobs are enqueued
// immediately, future jobs get fresh timers.
func (s *Service) rearmPending(ctx context.Context) error {
	jobs, err := s.store.PendingJobs(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, j := range jobs {
		if d := j.FireAt.Sub(now); d > 0 {
			s.arm(j, d)
		} else {
			s.enqueue(j)
		}
	}
	if len(jobs) > 0 {
		s.log.Info("pending jobs re-armed", logx.Int("count", len(jobs)))
	}
	return nil
}

// sweep re-enqueues due jobs that lost their timer and prunes expired
// idempotency and send-quota rows.
func (s *Service) sweep(ctx context.Context) {
	now := s.now()

	jobs, err := s.store.PendingJobs(ctx)
	if err != nil {
		s.log.Warn("sweep: pending jobs load failed", logx.Err(err))
	} else {
		for _, j := range jobs {
			if j.FireAt.After(now) {
				continue
			}
			s.tmu.Lock()
			_, armed := s.timers[j.Key]
			s.tmu.Unlock()
			if !armed {
				s.enqueue(j)
			}
		}
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.PruneDedup(cctx, now); err != nil {
		s.log.Debug("sweep: dedup prune failed", logx.Err(err))
	}
	if err := s.store.PruneSends(cctx, now.Add(-24*time.Hour)); err != nil {
		s.log.Debug("sweep: send log prune failed", logx.Err(err))
	}
}

// eventForJob maps a fired job onto its domain event. The priority check
// returns nil: it goes through the engine callback instead.
func eventForJob(j storage.Job) domain.Event {
	switch j.Kind {
	case KindGameReminder24h:
		return domain.GameReminder24h{GameID: j.EntityID}
	case KindGameReminder2h:
		return domain.GameReminder2h{GameID: j.EntityID}
	case KindPaymentReminder12h:
		return domain.PaymentReminder12h{GameID: j.EntityID}
	case KindPaymentReminder24h:
		return domain.PaymentReminder24h{GameID: j.EntityID}
	default:
		return nil
	}
}
