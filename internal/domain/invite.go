package domain

import "time"

type InviteResponse string

const (
	// InviteIgnored is the initial state: the player has not answered yet.
	InviteIgnored InviteResponse = "ignored"
	InviteYes     InviteResponse = "yes"
	InviteNo      InviteResponse = "no"
)

// PriorityInvite is one pre-confirmed player's pending answer during a
// game's priority window.
type PriorityInvite struct {
	GameID      int64
	UserID      int64
	Response    InviteResponse
	RespondedAt *time.Time
}

func (p PriorityInvite) Answered() bool { return p.Response != InviteIgnored }
