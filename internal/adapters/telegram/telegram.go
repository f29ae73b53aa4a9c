// Package telegram implements the messaging gateway on top of telebot.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"matchbot/internal/transport"
	logx "matchbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Gateway sends messages through the Telegram Bot API and classifies
// telebot errors into the transient/permanent split the notifier needs.
type Gateway struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Gateway{bot: b, log: log}, nil
}

// Bot exposes the underlying telebot instance for the command surface
// (wired elsewhere; the notifier only needs Send).
func (g *Gateway) Bot() *tele.Bot { return g.bot }

func (g *Gateway) Send(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return &transport.TransientError{Err: err}
	}

	sendOpts := &tele.SendOptions{}
	if opt != nil {
		sendOpts.ParseMode = tele.ParseMode(opt.ParseMode)
		sendOpts.DisableWebPagePreview = opt.DisablePreview
	}
	if to.ThreadID != 0 {
		sendOpts.ThreadID = to.ThreadID
	}

	_, err := g.bot.Send(tele.ChatID(to.ChatID), text, sendOpts)
	if err == nil {
		return nil
	}
	return classify(err)
}

// classify maps telebot errors onto the notifier's retry policy.
//
// Flood control carries a retry-after hint; 403s (blocked, deactivated,
// kicked) and dead chats are permanent. Anything unrecognized is treated
// as transient so a Telegram outage degrades to retries, not drops.
func classify(err error) error {
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return &transport.TransientError{
			Err:        err,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
		}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser):
		return &transport.PermanentError{Err: err, Reason: "blocked"}
	case errors.Is(err, tele.ErrUserIsDeactivated):
		return &transport.PermanentError{Err: err, Reason: "deactivated"}
	case errors.Is(err, tele.ErrKickedFromGroup), errors.Is(err, tele.ErrKickedFromSuperGroup):
		return &transport.PermanentError{Err: err, Reason: "kicked"}
	case errors.Is(err, tele.ErrChatNotFound), errors.Is(err, tele.ErrNoRightsToSend):
		return &transport.PermanentError{Err: err, Reason: "unreachable"}
	}

	return &transport.TransientError{Err: err}
}
