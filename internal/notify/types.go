package notify

import (
	"time"

	"matchbot/internal/transport"
)

// Kind classifies an outgoing message. The preference gate and the
// idempotency cooldowns key off it.
type Kind string

const (
	KindGameReminder24h       Kind = "game_reminder_24h"
	KindGameReminder2h        Kind = "game_reminder_2h"
	KindPaymentReminder12h    Kind = "payment_reminder_12h"
	KindPaymentReminder24h    Kind = "payment_reminder_24h"
	KindManualPaymentReminder Kind = "manual_payment_reminder"
	KindOrganizerUpdate       Kind = "organizer_update"
	KindServiceMessage        Kind = "service_message"
)

// Cooldown is the minimum gap between two sends of the same kind for the
// same related entity and recipient. Zero skips the idempotency gate.
func (k Kind) Cooldown() time.Duration {
	switch k {
	case KindGameReminder24h, KindGameReminder2h:
		return 30 * time.Minute
	case KindPaymentReminder12h, KindPaymentReminder24h, KindManualPaymentReminder:
		return time.Hour
	case KindOrganizerUpdate:
		// One-shot updates carry a unique related id, so the cooldown only
		// bounds how long the dedup row lives.
		return 24 * time.Hour
	default:
		return 0
	}
}

// BlockReason names the gate that stopped a request.
type BlockReason string

const (
	BlockUserPreferences BlockReason = "user_preferences"
	BlockIdempotency     BlockReason = "idempotency"
	BlockRateLimit       BlockReason = "rate_limit"
)

// Request is one message to one recipient. RelatedEntityID ties the
// request to the thing it is about (game id for reminders, envelope id
// for one-shot acks) and feeds the idempotency key. Scope, when set,
// charges the send against that scope's sliding-window quota.
type Request struct {
	RecipientID     int64
	Chat            transport.ChatTarget
	Text            string
	Kind            Kind
	RelatedEntityID string
	Scope           string
}

// Result reports where one request ended up.
type Result struct {
	Delivered bool
	Blocked   bool
	Reason    BlockReason
	Err       error
}

// Config tunes the pipeline. Zero values pick safe defaults.
type Config struct {
	Workers   int
	QueueSize int

	// SendRate and SendBurst feed the global pacing limiter
	// (messages per second).
	SendRate  float64
	SendBurst int

	// ScopeQuota caps sends per scope inside QuotaWindow; zero disables
	// the per-scope quota.
	ScopeQuota  int
	QuotaWindow time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	BatchChunkSize int
	BatchPause     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SendRate <= 0 {
		c.SendRate = 25
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 5
	}
	if c.QuotaWindow <= 0 {
		c.QuotaWindow = time.Hour
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
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		c.RetryJitter = 0.2
	}
	if c.BatchChunkSize <= 0 {
		c.BatchChunkSize = 10
	}
	if c.BatchPause <= 0 {
		c.BatchPause = time.Second
	}
	return c
}
