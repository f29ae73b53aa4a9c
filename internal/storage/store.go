package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"matchbot/internal/domain"
	logx "matchbot/pkg/logx"
)

// Store is the persistence API used by the engine, scheduler and notifier.
//
// Implementations must make CheckAndSetDedup atomic: two concurrent calls
// with the same key inside one cooldown window must not both return
// allowed=true.
type Store interface {
	// Games
	CreateGame(ctx context.Context, g *domain.Game) error
	GameByID(ctx context.Context, id int64) (domain.Game, error)
	UpdateGameStatus(ctx context.Context, id int64, status domain.GameStatus) error
	// MarkPublishedForAll flips the published flag and reports whether this
	// call performed the flip (false when already published).
	MarkPublishedForAll(ctx context.Context, id int64) (bool, error)
	SetPriorityWindow(ctx context.Context, id int64, closesAt time.Time) error
	VenueBusy(ctx context.Context, venueID int64, startsAt time.Time) (bool, error)

	// Registrations
	CreateRegistration(ctx context.Context, r *domain.Registration) error
	UpdateRegistration(ctx context.Context, r domain.Registration) error
	RegistrationByGameUser(ctx context.Context, gameID, userID int64) (domain.Registration, bool, error)
	CountConfirmed(ctx context.Context, gameID int64) (int, error)
	EarliestWaitlisted(ctx context.Context, gameID int64) (domain.Registration, bool, error)
	RegistrationsByGame(ctx context.Context, gameID int64, status domain.RegStatus) ([]domain.Registration, error)
	UnpaidConfirmed(ctx context.Context, gameID int64) ([]domain.Registration, error)

	// Priority invites
	CreateInvites(ctx context.Context, gameID int64, userIDs []int64) error
	InvitesByGame(ctx context.Context, gameID int64) ([]domain.PriorityInvite, error)
	SetInviteResponse(ctx context.Context, gameID, userID int64, resp domain.InviteResponse) error

	// Preferences and chat linkage
	Prefs(ctx context.Context, userID int64) (domain.NotificationPrefs, error)
	PutPrefs(ctx context.Context, p domain.NotificationPrefs) error
	ChatAddress(ctx context.Context, userID int64) (int64, bool, error)
	LinkChat(ctx context.Context, userID, chatID int64) error

	// Idempotency: allows at most one send per key per cooldown window.
	CheckAndSetDedup(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error)
	PruneDedup(ctx context.Context, now time.Time) error

	// Send quota (sliding window per scope). ClaimSend atomically claims
	// one slot: the send is recorded only when fewer than limit sends
	// exist in [since, now], and concurrent claimants can never overrun
	// the limit together.
	ClaimSend(ctx context.Context, scope string, at, since time.Time, limit int) (bool, error)
	PruneSends(ctx context.Context, before time.Time) error

	// Scheduler jobs
	UpsertJob(ctx context.Context, j Job) error
	DeleteJob(ctx context.Context, key string) error
	PendingJobs(ctx context.Context) ([]Job, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
