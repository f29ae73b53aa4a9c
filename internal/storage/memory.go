package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"matchbot/internal/domain"
)

// memStore keeps everything in process memory behind one mutex. It backs
// the "memory" driver and the package's tests; semantics match the sqlite
// backend (including the atomic dedup check-and-set).
type memStore struct {
	mu sync.Mutex

	nextGameID int64
	games      map[int64]domain.Game
	regs       map[string]domain.Registration // by registration id
	invites    map[int64][]domain.PriorityInvite
	prefs      map[int64]domain.NotificationPrefs
	chats      map[int64]int64
	dedup      map[string]time.Time // key -> suppress until
	sends      map[string][]time.Time
	jobs       map[string]Job
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{
		nextGameID: 1,
		games:      map[int64]domain.Game{},
		regs:       map[string]domain.Registration{},
		invites:    map[int64][]domain.PriorityInvite{},
		prefs:      map[int64]domain.NotificationPrefs{},
		chats:      map[int64]int64{},
		dedup:      map[string]time.Time{},
		sends:      map[string][]time.Time{},
		jobs:       map[string]Job{},
	}
}

func (m *memStore) Close() error { return nil }

// ---- Games ----

func (m *memStore) CreateGame(_ context.Context, g *domain.Game) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	g.ID = m.nextGameID
	m.nextGameID++
	m.games[g.ID] = *g
	return nil
}

func (m *memStore) GameByID(_ context.Context, id int64) (domain.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return domain.Game{}, domain.ErrNotFound
	}
	return g, nil
}

func (m *memStore) UpdateGameStatus(_ context.Context, id int64, status domain.GameStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return domain.ErrNotFound
	}
	g.Status = status
	m.games[id] = g
	return nil
}

func (m *memStore) MarkPublishedForAll(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if g.PublishedForAll {
		return false, nil
	}
	g.PublishedForAll = true
	m.games[id] = g
	return true, nil
}

func (m *memStore) SetPriorityWindow(_ context.Context, id int64, closesAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return domain.ErrNotFound
	}
	t := closesAt
	g.PriorityWindowClosesAt = &t
	m.games[id] = g
	return nil
}

func (m *memStore) VenueBusy(_ context.Context, venueID int64, startsAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.games {
		if g.VenueID == venueID && g.Status == domain.GameOpen && g.StartsAt.Equal(startsAt) {
			return true, nil
		}
	}
	return false, nil
}

// ---- Registrations ----

func (m *memStore) CreateRegistration(_ context.Context, r *domain.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.regs[r.ID] = *r
	return nil
}

func (m *memStore) UpdateRegistration(_ context.Context, r domain.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regs[r.ID]; !ok {
		return domain.ErrNotFound
	}
	m.regs[r.ID] = r
	return nil
}

func (m *memStore) RegistrationByGameUser(_ context.Context, gameID, userID int64) (domain.Registration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regs {
		if r.GameID == gameID && r.UserID == userID {
			return r, true, nil
		}
	}
	return domain.Registration{}, false, nil
}

func (m *memStore) CountConfirmed(_ context.Context, gameID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.regs {
		if r.GameID == gameID && r.Status == domain.RegConfirmed {
			n++
		}
	}
	return n, nil
}

func (m *memStore) EarliestWaitlisted(_ context.Context, gameID int64) (domain.Registration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  domain.Registration
		found bool
	)
	for _, r := range m.regs {
		if r.GameID != gameID || r.Status != domain.RegWaitlisted {
			continue
		}
		if !found || r.CreatedAt.Before(best.CreatedAt) {
			best = r
			found = true
		}
	}
	return best, found, nil
}

func (m *memStore) RegistrationsByGame(_ context.Context, gameID int64, status domain.RegStatus) ([]domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Registration
	for _, r := range m.regs {
		if r.GameID == gameID && r.Status == status {
			out = append(out, r)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *memStore) UnpaidConfirmed(_ context.Context, gameID int64) ([]domain.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Registration
	for _, r := range m.regs {
		if r.GameID == gameID && r.Status == domain.RegConfirmed && r.PaymentStatus == domain.PayUnpaid {
			out = append(out, r)
		}
	}
	sortByCreated(out)
	return out, nil
}

// ---- Invites ----

func (m *memStore) CreateInvites(_ context.Context, gameID int64, userIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
next:
	for _, uid := range userIDs {
		for _, inv := range m.invites[gameID] {
			if inv.UserID == uid {
				continue next
			}
		}
		m.invites[gameID] = append(m.invites[gameID], domain.PriorityInvite{
			GameID:   gameID,
			UserID:   uid,
			Response: domain.InviteIgnored,
		})
	}
	return nil
}

func (m *memStore) InvitesByGame(_ context.Context, gameID int64) ([]domain.PriorityInvite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PriorityInvite(nil), m.invites[gameID]...), nil
}

func (m *memStore) SetInviteResponse(_ context.Context, gameID, userID int64, resp domain.InviteResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	invs := m.invites[gameID]
	for i := range invs {
		if invs[i].UserID == userID {
			now := time.Now()
			invs[i].Response = resp
			invs[i].RespondedAt = &now
			return nil
		}
	}
	return domain.ErrInviteNotFound
}

// ---- Preferences and chat linkage ----

func (m *memStore) Prefs(_ context.Context, userID int64) (domain.NotificationPrefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prefs[userID]; ok {
		return p, nil
	}
	return domain.DefaultPrefs(userID), nil
}

func (m *memStore) PutPrefs(_ context.Context, p domain.NotificationPrefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.UserID] = p
	return nil
}

func (m *memStore) ChatAddress(_ context.Context, userID int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chatID, ok := m.chats[userID]
	return chatID, ok, nil
}

func (m *memStore) LinkChat(_ context.Context, userID, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[userID] = chatID
	return nil
}

// ---- Idempotency ----

func (m *memStore) CheckAndSetDedup(_ context.Context, key string, now time.Time, cooldown time.Duration) (bool, error) {
	if key == "" {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.dedup[key]; ok && now.Before(until) {
		return false, nil
	}
	m.dedup[key] = now.Add(cooldown)
	return true, nil
}

func (m *memStore) PruneDedup(_ context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, until := range m.dedup {
		if until.Before(now) {
			delete(m.dedup, k)
		}
	}
	return nil
}

// ---- Send quota ----

func (m *memStore) ClaimSend(_ context.Context, scope string, at, since time.Time, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.sends[scope] {
		if !t.Before(since) {
			n++
		}
	}
	if n >= limit {
		return false, nil
	}
	m.sends[scope] = append(m.sends[scope], at)
	return true, nil
}

func (m *memStore) PruneSends(_ context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for scope, ats := range m.sends {
		kept := ats[:0]
		for _, at := range ats {
			if !at.Before(before) {
				kept = append(kept, at)
			}
		}
		m.sends[scope] = kept
	}
	return nil
}

// ---- Scheduler jobs ----

func (m *memStore) UpsertJob(_ context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.Key] = j
	return nil
}

func (m *memStore) DeleteJob(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, key)
	return nil
}

func (m *memStore) PendingJobs(_ context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FireAt.Before(out[k].FireAt) })
	return out, nil
}

func sortByCreated(regs []domain.Registration) {
	sort.Slice(regs, func(i, k int) bool { return regs[i].CreatedAt.Before(regs[k].CreatedAt) })
}
