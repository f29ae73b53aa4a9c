// Package notify delivers user-facing messages through a four-stage
// pipeline: preference gate, idempotency gate, rate gate, then delivery
// with retry. The first gate that blocks short-circuits the rest.
//
// Gate store failures fail OPEN: a broken preference or quota lookup
// degrades to extra messages, never to silence.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"matchbot/internal/runtime/supervisor"
	"matchbot/internal/storage"
	"matchbot/internal/transport"
	logx "matchbot/pkg/logx"
)

// ErrQueueFull is returned by Enqueue when the intake queue is saturated.
var ErrQueueFull = errors.New("notify: queue full")

type Service struct {
	cfg     Config
	store   storage.Store
	gw      transport.Gateway
	metrics Metrics
	log     logx.Logger

	limiter *rate.Limiter

	mu       sync.Mutex
	running  bool
	queue    chan Request
	sup      *supervisor.Supervisor
	stopDone chan struct{}

	now func() time.Time
}

func New(cfg Config, store storage.Store, gw transport.Gateway, m Metrics, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if m == nil {
		m = NewCounters()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		gw:      gw,
		metrics: m,
		log:     log.With(logx.String("svc", "notify")),
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		now:     time.Now,
	}
}

// Start spins up the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.queue = make(chan Request, s.cfg.QueueSize)
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	for i := 0; i < s.cfg.Workers; i++ {
		q := s.queue
		s.sup.Go(fmt.Sprintf("worker.%d", i), func(ctx context.Context) error {
			s.workerLoop(ctx, q)
			return nil
		})
	}
	s.running = true
	s.stopDone = make(chan struct{})
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers))
	return nil
}

// Stop closes intake and waits for in-flight sends within the grace
// period. Idempotent; concurrent callers share one shutdown.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	s.running = false
	queue := s.queue
	sup := s.sup
	done := s.stopDone
	s.queue = nil
	s.mu.Unlock()

	defer close(done)
	close(queue)
	err := sup.Wait(ctx)
	if err != nil {
		sup.Cancel()
	}
	s.log.Info("notifier stopped", logx.Err(err))
	return err
}

// Enqueue hands a request to the worker pool without blocking.
func (s *Service) Enqueue(req Request) error {
	s.mu.Lock()
	queue := s.queue
	running := s.running
	s.mu.Unlock()
	if !running {
		return errors.New("notify: not running")
	}
	select {
	case queue <- req:
		return nil
	default:
		s.metrics.IncFailed(req.Kind)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Request) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-q:
			if !ok {
				return
			}
			s.Send(ctx, req)
		}
	}
}

// Send runs one request through all four stages synchronously and
// reports the outcome. Blocks are normal operation, not errors.
func (s *Service) Send(ctx context.Context, req Request) Result {
	s.metrics.IncAccepted(req.Kind)

	if !s.allowedByPrefs(ctx, req) {
		s.metrics.IncBlocked(req.Kind, BlockUserPreferences)
		return Result{Blocked: true, Reason: BlockUserPreferences}
	}
	if !s.allowedByDedup(ctx, req) {
		s.metrics.IncBlocked(req.Kind, BlockIdempotency)
		return Result{Blocked: true, Reason: BlockIdempotency}
	}
	if !s.allowedByRate(ctx, req) {
		s.metrics.IncBlocked(req.Kind, BlockRateLimit)
		return Result{Blocked: true, Reason: BlockRateLimit}
	}

	if err := s.deliver(ctx, req); err != nil {
		s.metrics.IncFailed(req.Kind)
		s.log.Warn("delivery failed",
			logx.Int64("recipient", req.RecipientID),
			logx.String("kind", string(req.Kind)),
			logx.Err(err))
		return Result{Err: err}
	}
	s.metrics.IncDelivered(req.Kind)
	return Result{Delivered: true}
}

// deliver retries transient failures with capped exponential backoff and
// jitter, honoring any server-suggested pause. Permanent failures abort
// on the spot.
func (s *Service) deliver(ctx context.Context, req Request) error {
	var err error
	maxAttempts := 1 + s.cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.gw.Send(ctx, req.Chat, req.Text, nil)
		if err == nil {
			return nil
		}
		if transport.IsPermanent(err) {
			return err
		}
		if attempt >= maxAttempts {
			break
		}
		s.metrics.IncRetried(req.Kind)
		delay := s.retryDelay(attempt)
		if ra := transport.RetryAfter(err); ra > delay {
			delay = ra
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		}
	}
	return err
}

func (s *Service) retryDelay(retry int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > s.cfg.RetryMaxDelay {
			break
		}
	}
	if j := s.cfg.RetryJitter; j > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > s.cfg.RetryMaxDelay {
		d = s.cfg.RetryMaxDelay
	}
	return d
}
