// Package eventbus fans domain state changes out to in-process handlers.
//
// Contract:
//   - Publish never blocks on handler work and never panics: every handler
//     runs in its own goroutine and its failure is contained to itself.
//   - Each handler gets an independent retry loop with exponential backoff.
//   - A handler that exhausts its retries parks the event on the dead-letter
//     list; sibling handlers of the same event are unaffected.
//   - No ordering guarantee across event kinds; within one handler attempts
//     are strictly sequential.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"matchbot/internal/domain"
	logx "matchbot/pkg/logx"
)

// Handler processes one delivered envelope. A nil return acknowledges the
// event; an error triggers the retry loop.
type Handler func(ctx context.Context, env domain.Envelope) error

// Config controls per-handler retry. Zero values pick the defaults
// (3 attempts, 1s base doubling per attempt: 1s, 2s, 4s).
type Config struct {
	MaxAttempts    int
	RetryBase      time.Duration
	DeadLetterSize int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.DeadLetterSize <= 0 {
		c.DeadLetterSize = 256
	}
	return c
}

// DeadLetter records an event whose handler permanently failed.
type DeadLetter struct {
	Envelope domain.Envelope
	Handler  string
	Attempts int
	LastErr  string
	FailedAt time.Time
}

type subscription struct {
	name    string
	handler Handler
}

// Bus is an in-process publish/subscribe dispatcher for domain events.
// Construct one per process and pass it explicitly; there is no package
// level singleton.
type Bus struct {
	cfg Config
	log logx.Logger

	mu   sync.RWMutex
	subs map[domain.EventKind][]subscription

	dlMu sync.Mutex
	dead []DeadLetter

	wg sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{
		cfg:  cfg.withDefaults(),
		log:  log,
		subs: map[domain.EventKind][]subscription{},
	}
}

// Subscribe registers a named handler for one event kind. Any number of
// handlers may share a kind.
func (b *Bus) Subscribe(kind domain.EventKind, name string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], subscription{name: name, handler: h})
	b.mu.Unlock()
}

// Publish stamps the event into an envelope and dispatches it to every
// handler registered for its kind. It returns the envelope id.
func (b *Bus) Publish(ctx context.Context, e domain.Event) string {
	env := domain.Envelope{ID: uuid.NewString(), OccurredAt: time.Now(), Event: e}
	b.PublishEnvelope(ctx, env)
	return env.ID
}

// PublishEnvelope dispatches a pre-stamped envelope (used by replay).
func (b *Bus) PublishEnvelope(ctx context.Context, env domain.Envelope) {
	if env.Event == nil {
		return
	}
	kind := env.Event.Kind()

	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[kind]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub := sub
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.deliver(ctx, sub, env)
		}()
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscription, env domain.Envelope) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		lastErr = b.runHandler(ctx, sub, env)
		if lastErr == nil {
			return
		}
		b.log.Debug("handler attempt failed",
			logx.String("handler", sub.name),
			logx.String("event", string(env.Event.Kind())),
			logx.Int("attempt", attempt),
			logx.Err(lastErr))
		if attempt >= b.cfg.MaxAttempts {
			break
		}
		// 1s, 2s, 4s with the default base.
		delay := b.cfg.RetryBase << (attempt - 1)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			lastErr = ctx.Err()
			b.park(sub, env, attempt, lastErr)
			return
		}
	}
	b.park(sub, env, b.cfg.MaxAttempts, lastErr)
}

// runHandler isolates a single attempt, converting panics into errors so
// one bad handler can never take the process down.
func (b *Bus) runHandler(ctx context.Context, sub subscription, env domain.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, env)
}

func (b *Bus) park(sub subscription, env domain.Envelope, attempts int, lastErr error) {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	b.log.Warn("handler exhausted retries, dead-lettering event",
		logx.String("handler", sub.name),
		logx.String("event", string(env.Event.Kind())),
		logx.Int("attempts", attempts),
		logx.Err(lastErr))

	b.dlMu.Lock()
	b.dead = append(b.dead, DeadLetter{
		Envelope: env,
		Handler:  sub.name,
		Attempts: attempts,
		LastErr:  msg,
		FailedAt: time.Now(),
	})
	if len(b.dead) > b.cfg.DeadLetterSize {
		b.dead = b.dead[len(b.dead)-b.cfg.DeadLetterSize:]
	}
	b.dlMu.Unlock()
}

// DeadLetters returns a snapshot of the dead-letter list.
func (b *Bus) DeadLetters() []DeadLetter {
	b.dlMu.Lock()
	out := append([]DeadLetter(nil), b.dead...)
	b.dlMu.Unlock()
	return out
}

// ReplayDeadLetters clears the list and re-publishes each parked envelope.
// A replayed event goes through the full fan-out again, so healthy handlers
// will see it twice; handlers are expected to be idempotent.
func (b *Bus) ReplayDeadLetters(ctx context.Context) int {
	b.dlMu.Lock()
	dead := b.dead
	b.dead = nil
	b.dlMu.Unlock()

	for _, dl := range dead {
		b.PublishEnvelope(ctx, dl.Envelope)
	}
	return len(dead)
}

// Drain waits for all in-flight deliveries (including retries) to settle,
// or until ctx expires.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
