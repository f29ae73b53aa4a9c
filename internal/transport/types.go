// Package transport defines the messaging gateway the notification
// pipeline delivers through, plus the transient/permanent error split the
// retry policy is built on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ChatTarget addresses one recipient chat.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Gateway performs the literal send. Implementations classify failures:
// a TransientError may be retried, a PermanentError must not be.
type Gateway interface {
	Send(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// TransientError marks a failure worth retrying (network hiccup, flood
// control). RetryAfter is a server-suggested pause, zero if none.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an unrecoverable failure: the recipient blocked the
// bot, deactivated their account, or the chat no longer exists.
type PermanentError struct {
	Err    error
	Reason string
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent (%s): %v", e.Reason, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryAfter extracts the server-suggested pause from a transient error,
// zero when absent.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
