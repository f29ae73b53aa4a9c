package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"matchbot/internal/storage"
	logx "matchbot/pkg/logx"
)

func workerName(idx int) string { return fmt.Sprintf("worker.%d", idx) }

func (s *Service) workerLoop(ctx context.Context, q <-chan storage.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.fire(ctx, j)
		}
	}
}

// fire runs one due job with job-level retry (distinct from the event
// bus's per-handler retry). On success the persisted row is deleted; on
// exhaustion the row stays so the sweep can try again later.
func (s *Service) fire(ctx context.Context, j storage.Job) {
	s.mu.Lock()
	cfg := s.cfg
	recheck := s.recheck
	s.mu.Unlock()

	start := s.now()
	var err error
	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.fireOnce(ctx, j, recheck)
		if err == nil {
			break
		}
		if attempt >= maxAttempts {
			break
		}
		delay := backoffDelay(cfg, attempt)
		s.log.Debug("job retry scheduled",
			logx.String("key", j.Key),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	if err != nil {
		s.log.Warn("job failed",
			logx.String("key", j.Key),
			logx.Duration("dur", s.now().Sub(start)),
			logx.Err(err))
		return
	}

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if derr := s.store.DeleteJob(dctx, j.Key); derr != nil {
		// Row survives; the sweep will re-fire and the downstream dedup
		// gates absorb the duplicate.
		s.log.Warn("fired job row delete failed", logx.String("key", j.Key), logx.Err(derr))
	}
	s.log.Debug("job fired", logx.String("key", j.Key), logx.Duration("dur", s.now().Sub(start)))
}

func (s *Service) fireOnce(ctx context.Context, j storage.Job, recheck RecheckFunc) error {
	if j.Kind == KindPriorityWindowCheck {
		if recheck == nil {
			return fmt.Errorf("no priority recheck installed for job %s", j.Key)
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return recheck(cctx, j.EntityID)
	}

	e := eventForJob(j)
	if e == nil {
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	s.bus.Publish(ctx, e)
	return nil
}

func backoffDelay(cfg Config, retry int) time.Duration {
	// retry starts at 1 (first retry)
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// jitter [1-j, 1+j]
	if j := cfg.RetryJitter; j > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
