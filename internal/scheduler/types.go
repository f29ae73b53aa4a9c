package scheduler

import (
	"fmt"
	"time"
)

// Job kinds. The kind string is half of the deterministic job key and is
// stable across restarts; renaming one orphans persisted rows.
const (
	KindGameReminder24h     = "game-reminder-24h"
	KindGameReminder2h      = "game-reminder-2h"
	KindPaymentReminder12h  = "payment-reminder-12h"
	KindPaymentReminder24h  = "payment-reminder-24h"
	KindPriorityWindowCheck = "priority-window-check"
)

// JobKey builds the deterministic id used for dedup and restart replay.
func JobKey(kind string, entityID int64) string {
	return fmt.Sprintf("%s-%d", kind, entityID)
}

// Config controls the scheduler service.
type Config struct {
	Workers   int
	QueueSize int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// SweepEvery is how often the cron sweep re-arms due jobs and prunes
	// expired idempotency/send-quota rows.
	SweepEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	return c
}
