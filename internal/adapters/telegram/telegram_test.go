package telegram

import (
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"matchbot/internal/transport"
	logx "matchbot/pkg/logx"
)

func TestClassifyFloodIsTransientWithRetryAfter(t *testing.T) {
	err := classify(&tele.FloodError{RetryAfter: 7})
	if !transport.IsTransient(err) {
		t.Fatalf("flood error should be transient: %v", err)
	}
	if got := transport.RetryAfter(err); got != 7*time.Second {
		t.Fatalf("retry-after = %v, want 7s", got)
	}
}

func TestClassifyPermanentErrors(t *testing.T) {
	cases := []struct {
		name string
		in   error
	}{
		{"blocked", tele.ErrBlockedByUser},
		{"deactivated", tele.ErrUserIsDeactivated},
		{"kicked group", tele.ErrKickedFromGroup},
		{"kicked supergroup", tele.ErrKickedFromSuperGroup},
		{"chat gone", tele.ErrChatNotFound},
		{"no rights", tele.ErrNoRightsToSend},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.in)
			if !transport.IsPermanent(err) {
				t.Fatalf("%v should be permanent, got %v", tc.in, err)
			}
		})
	}
}

func TestClassifyUnknownErrorsAreTransient(t *testing.T) {
	err := classify(errors.New("connection reset"))
	if !transport.IsTransient(err) {
		t.Fatalf("unknown errors should default to transient: %v", err)
	}
	if transport.RetryAfter(err) != 0 {
		t.Fatalf("no retry-after hint expected")
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("empty token accepted")
	}
}
