package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"matchbot/internal/domain"
	logx "matchbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also makes the dedup check-and-set serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Games ----

func (s *sqliteStore) CreateGame(ctx context.Context, g *domain.Game) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO games(organizer_id, venue_id, starts_at, capacity, level_tag, price_text, status, priority_closes_at, published_for_all, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		g.OrganizerID, g.VenueID, g.StartsAt.UnixMilli(), g.Capacity,
		nullStr(g.LevelTag), nullStr(g.PriceText), string(g.Status),
		nullTime(g.PriorityWindowClosesAt), boolInt(g.PublishedForAll), g.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	g.ID = id
	return nil
}

func (s *sqliteStore) GameByID(ctx context.Context, id int64) (domain.Game, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, organizer_id, venue_id, starts_at, capacity, level_tag, price_text, status, priority_closes_at, published_for_all, created_at
		 FROM games WHERE id = ?`, id)
	return scanGame(row)
}

func (s *sqliteStore) UpdateGameStatus(ctx context.Context, id int64, status domain.GameStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE games SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkPublishedForAll(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE games SET published_for_all = 1 WHERE id = ? AND published_for_all = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) SetPriorityWindow(ctx context.Context, id int64, closesAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE games SET priority_closes_at = ? WHERE id = ?`, closesAt.UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) VenueBusy(ctx context.Context, venueID int64, startsAt time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM games WHERE venue_id = ? AND starts_at = ? AND status = 'open'`,
		venueID, startsAt.UnixMilli()).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ---- Registrations ----

func (s *sqliteStore) CreateRegistration(ctx context.Context, r *domain.Registration) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO registrations(id, game_id, user_id, status, payment_status, payment_marked_at, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.GameID, r.UserID, string(r.Status), string(r.PaymentStatus),
		nullTime(r.PaymentMarkedAt), r.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) UpdateRegistration(ctx context.Context, r domain.Registration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE registrations SET status = ?, payment_status = ?, payment_marked_at = ?, created_at = ? WHERE id = ?`,
		string(r.Status), string(r.PaymentStatus), nullTime(r.PaymentMarkedAt), r.CreatedAt.UnixMilli(), r.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) RegistrationByGameUser(ctx context.Context, gameID, userID int64) (domain.Registration, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, game_id, user_id, status, payment_status, payment_marked_at, created_at
		 FROM registrations WHERE game_id = ? AND user_id = ?`, gameID, userID)
	r, err := scanRegistration(row)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Registration{}, false, nil
	}
	if err != nil {
		return domain.Registration{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) CountConfirmed(ctx context.Context, gameID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM registrations WHERE game_id = ? AND status = 'confirmed'`, gameID).Scan(&n)
	return n, err
}

func (s *sqliteStore) EarliestWaitlisted(ctx context.Context, gameID int64) (domain.Registration, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, game_id, user_id, status, payment_status, payment_marked_at, created_at
		 FROM registrations WHERE game_id = ? AND status = 'waitlisted'
		 ORDER BY created_at ASC, id ASC LIMIT 1`, gameID)
	r, err := scanRegistration(row)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Registration{}, false, nil
	}
	if err != nil {
		return domain.Registration{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) RegistrationsByGame(ctx context.Context, gameID int64, status domain.RegStatus) ([]domain.Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, game_id, user_id, status, payment_status, payment_marked_at, created_at
		 FROM registrations WHERE game_id = ? AND status = ? ORDER BY created_at ASC`, gameID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRegistrations(rows)
}

func (s *sqliteStore) UnpaidConfirmed(ctx context.Context, gameID int64) ([]domain.Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, game_id, user_id, status, payment_status, payment_marked_at, created_at
		 FROM registrations WHERE game_id = ? AND status = 'confirmed' AND payment_status = 'unpaid'
		 ORDER BY created_at ASC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRegistrations(rows)
}

// ---- Invites ----

func (s *sqliteStore) CreateInvites(ctx context.Context, gameID int64, userIDs []int64) error {
	for _, uid := range userIDs {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO invites(game_id, user_id, response) VALUES(?,?, 'ignored')
			 ON CONFLICT(game_id, user_id) DO NOTHING`, gameID, uid)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) InvitesByGame(ctx context.Context, gameID int64) ([]domain.PriorityInvite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT game_id, user_id, response, responded_at FROM invites WHERE game_id = ?`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PriorityInvite
	for rows.Next() {
		var (
			inv domain.PriorityInvite
			rsp string
			at  sql.NullInt64
		)
		if err := rows.Scan(&inv.GameID, &inv.UserID, &rsp, &at); err != nil {
			return nil, err
		}
		inv.Response = domain.InviteResponse(rsp)
		if at.Valid {
			t := time.UnixMilli(at.Int64)
			inv.RespondedAt = &t
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetInviteResponse(ctx context.Context, gameID, userID int64, resp domain.InviteResponse) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invites SET response = ?, responded_at = ? WHERE game_id = ? AND user_id = ?`,
		string(resp), time.Now().UnixMilli(), gameID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrInviteNotFound
	}
	return nil
}

// ---- Preferences and chat linkage ----

func (s *sqliteStore) Prefs(ctx context.Context, userID int64) (domain.NotificationPrefs, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, enabled, auto_payment_reminders, manual_payment_reminders, game_reminder_24h, game_reminder_2h, organizer_updates
		 FROM prefs WHERE user_id = ?`, userID)

	var (
		p                           domain.NotificationPrefs
		en, auto, man, g24, g2, org int
	)
	err := row.Scan(&p.UserID, &en, &auto, &man, &g24, &g2, &org)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultPrefs(userID), nil
	}
	if err != nil {
		return domain.NotificationPrefs{}, err
	}
	p.Enabled = en != 0
	p.AutoPaymentReminders = auto != 0
	p.ManualPaymentReminders = man != 0
	p.GameReminder24h = g24 != 0
	p.GameReminder2h = g2 != 0
	p.OrganizerUpdates = org != 0
	return p, nil
}

func (s *sqliteStore) PutPrefs(ctx context.Context, p domain.NotificationPrefs) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prefs(user_id, enabled, auto_payment_reminders, manual_payment_reminders, game_reminder_24h, game_reminder_2h, organizer_updates)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   enabled=excluded.enabled,
		   auto_payment_reminders=excluded.auto_payment_reminders,
		   manual_payment_reminders=excluded.manual_payment_reminders,
		   game_reminder_24h=excluded.game_reminder_24h,
		   game_reminder_2h=excluded.game_reminder_2h,
		   organizer_updates=excluded.organizer_updates`,
		p.UserID, boolInt(p.Enabled), boolInt(p.AutoPaymentReminders), boolInt(p.ManualPaymentReminders),
		boolInt(p.GameReminder24h), boolInt(p.GameReminder2h), boolInt(p.OrganizerUpdates),
	)
	return err
}

func (s *sqliteStore) ChatAddress(ctx context.Context, userID int64) (int64, bool, error) {
	var chatID int64
	err := s.db.QueryRowContext(ctx, `SELECT chat_id FROM chat_links WHERE user_id = ?`, userID).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return chatID, true, nil
}

func (s *sqliteStore) LinkChat(ctx context.Context, userID, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_links(user_id, chat_id) VALUES(?,?)
		 ON CONFLICT(user_id) DO UPDATE SET chat_id=excluded.chat_id`, userID, chatID)
	return err
}

// ---- Idempotency ----

// CheckAndSetDedup allows the send iff no live record exists for key, and
// installs the new suppress-until in the same statement. The conditional
// upsert plus the single write connection make the check-and-set atomic.
func (s *sqliteStore) CheckAndSetDedup(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error) {
	if key == "" {
		return true, nil
	}
	until := now.Add(cooldown).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until WHERE dedup.until <= ?`,
		key, until, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) PruneDedup(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	return err
}

// ---- Send quota ----

// ClaimSend folds the window count and the insert into one statement so
// two claimants sharing a scope cannot both pass the count before either
// records.
func (s *sqliteStore) ClaimSend(ctx context.Context, scope string, at, since time.Time, limit int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sends(scope, at)
		 SELECT ?, ?
		 WHERE (SELECT COUNT(1) FROM sends WHERE scope = ? AND at >= ?) < ?`,
		scope, at.UnixMilli(), scope, since.UnixMilli(), limit)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) PruneSends(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sends WHERE at < ?`, before.UnixMilli())
	return err
}

// ---- Scheduler jobs ----

func (s *sqliteStore) UpsertJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(key, kind, entity_id, fire_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET kind=excluded.kind, entity_id=excluded.entity_id, fire_at=excluded.fire_at`,
		j.Key, j.Kind, j.EntityID, j.FireAt.UnixMilli())
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) PendingJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, kind, entity_id, fire_at FROM jobs ORDER BY fire_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			j  Job
			ms int64
		)
		if err := rows.Scan(&j.Key, &j.Kind, &j.EntityID, &ms); err != nil {
			return nil, err
		}
		j.FireAt = time.UnixMilli(ms)
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (domain.Game, error) {
	var (
		g          domain.Game
		startsMS   int64
		createdMS  int64
		level      sql.NullString
		price      sql.NullString
		status     string
		priorityMS sql.NullInt64
		published  int
	)
	err := row.Scan(&g.ID, &g.OrganizerID, &g.VenueID, &startsMS, &g.Capacity,
		&level, &price, &status, &priorityMS, &published, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Game{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Game{}, err
	}
	g.StartsAt = time.UnixMilli(startsMS)
	g.CreatedAt = time.UnixMilli(createdMS)
	g.LevelTag = level.String
	g.PriceText = price.String
	g.Status = domain.GameStatus(status)
	if priorityMS.Valid {
		t := time.UnixMilli(priorityMS.Int64)
		g.PriorityWindowClosesAt = &t
	}
	g.PublishedForAll = published != 0
	return g, nil
}

func scanRegistration(row rowScanner) (domain.Registration, error) {
	var (
		r         domain.Registration
		status    string
		pay       string
		paidMS    sql.NullInt64
		createdMS int64
	)
	err := row.Scan(&r.ID, &r.GameID, &r.UserID, &status, &pay, &paidMS, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Registration{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Registration{}, err
	}
	r.Status = domain.RegStatus(status)
	r.PaymentStatus = domain.PayStatus(pay)
	if paidMS.Valid {
		t := time.UnixMilli(paidMS.Int64)
		r.PaymentMarkedAt = &t
	}
	r.CreatedAt = time.UnixMilli(createdMS)
	return r, nil
}

func collectRegistrations(rows *sql.Rows) ([]domain.Registration, error) {
	var out []domain.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
