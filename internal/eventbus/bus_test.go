package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"matchbot/internal/domain"
	logx "matchbot/pkg/logx"
)

func newTestBus() *Bus {
	return New(Config{MaxAttempts: 3, RetryBase: time.Millisecond, DeadLetterSize: 8}, logx.Nop())
}

func drain(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := newTestBus()
	var a, c int32
	b.Subscribe(domain.EvPlayerJoined, "a", func(context.Context, domain.Envelope) error {
		atomic.AddInt32(&a, 1)
		return nil
	})
	b.Subscribe(domain.EvPlayerJoined, "c", func(context.Context, domain.Envelope) error {
		atomic.AddInt32(&c, 1)
		return nil
	})
	b.Subscribe(domain.EvPlayerLeft, "other", func(context.Context, domain.Envelope) error {
		t.Error("handler for a different kind was invoked")
		return nil
	})

	id := b.Publish(context.Background(), domain.PlayerJoined{GameID: 1, UserID: 2})
	if id == "" {
		t.Fatalf("publish returned empty envelope id")
	}
	drain(t, b)

	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&c) != 1 {
		t.Fatalf("handlers ran a=%d c=%d, want 1 each", a, c)
	}
}

func TestFailingHandlerRetriesThenDeadLetters(t *testing.T) {
	b := newTestBus()
	var attempts, healthy int32
	b.Subscribe(domain.EvPlayerJoined, "flaky", func(context.Context, domain.Envelope) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	})
	b.Subscribe(domain.EvPlayerJoined, "healthy", func(context.Context, domain.Envelope) error {
		atomic.AddInt32(&healthy, 1)
		return nil
	})

	b.Publish(context.Background(), domain.PlayerJoined{GameID: 1, UserID: 2})
	drain(t, b)

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("flaky handler ran %d times, want 3", got)
	}
	if got := atomic.LoadInt32(&healthy); got != 1 {
		t.Fatalf("healthy sibling ran %d times, want 1", got)
	}

	dead := b.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters: %d, want 1", len(dead))
	}
	dl := dead[0]
	if dl.Handler != "flaky" || dl.Attempts != 3 || dl.LastErr != "boom" {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
	if dl.Envelope.Event.Kind() != domain.EvPlayerJoined {
		t.Fatalf("dead letter kind %q", dl.Envelope.Event.Kind())
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := newTestBus()
	var healthy int32
	b.Subscribe(domain.EvGameCanceled, "panics", func(context.Context, domain.Envelope) error {
		panic("handler bug")
	})
	b.Subscribe(domain.EvGameCanceled, "healthy", func(context.Context, domain.Envelope) error {
		atomic.AddInt32(&healthy, 1)
		return nil
	})

	b.Publish(context.Background(), domain.GameCanceledEvent{GameID: 1})
	drain(t, b)

	if atomic.LoadInt32(&healthy) != 1 {
		t.Fatalf("sibling did not run")
	}
	dead := b.DeadLetters()
	if len(dead) != 1 || dead[0].Handler != "panics" {
		t.Fatalf("panic not dead-lettered: %+v", dead)
	}
}

func TestReplayDeadLetters(t *testing.T) {
	b := newTestBus()
	var fail int32 = 1
	var delivered int32
	b.Subscribe(domain.EvPaymentMarked, "recovering", func(context.Context, domain.Envelope) error {
		if atomic.LoadInt32(&fail) == 1 {
			return errors.New("downstream down")
		}
		atomic.AddInt32(&delivered, 1)
		return nil
	})

	b.Publish(context.Background(), domain.PaymentMarked{GameID: 1, UserID: 2})
	drain(t, b)
	if len(b.DeadLetters()) != 1 {
		t.Fatalf("expected 1 dead letter before replay")
	}

	atomic.StoreInt32(&fail, 0)
	if n := b.ReplayDeadLetters(context.Background()); n != 1 {
		t.Fatalf("replayed %d, want 1", n)
	}
	drain(t, b)

	if atomic.LoadInt32(&delivered) != 1 {
		t.Fatalf("replayed event was not delivered")
	}
	if len(b.DeadLetters()) != 0 {
		t.Fatalf("dead letters not cleared after successful replay")
	}
}

func TestDeadLetterListIsBounded(t *testing.T) {
	b := New(Config{MaxAttempts: 1, RetryBase: time.Millisecond, DeadLetterSize: 4}, logx.Nop())
	b.Subscribe(domain.EvPlayerLeft, "always-fails", func(context.Context, domain.Envelope) error {
		return errors.New("nope")
	})

	for i := 0; i < 10; i++ {
		b.Publish(context.Background(), domain.PlayerLeft{GameID: int64(i), UserID: 1})
	}
	drain(t, b)

	if got := len(b.DeadLetters()); got != 4 {
		t.Fatalf("dead letter list has %d entries, want cap 4", got)
	}
}

func TestPublishWithNoSubscribersIsSafe(t *testing.T) {
	b := newTestBus()
	b.Publish(context.Background(), domain.PlayerJoined{GameID: 1, UserID: 1})
	drain(t, b)
}
