package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/streamscout/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS persons (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  platform TEXT NOT NULL,
  user_id TEXT NOT NULL,
  nickname TEXT NOT NULL DEFAULT '',
  profile_image TEXT NOT NULL DEFAULT '',
  channel_id TEXT NOT NULL DEFAULT '',
  follower_count INTEGER NOT NULL DEFAULT 0,
  subscriber_count INTEGER NOT NULL DEFAULT 0,
  total_air_minutes INTEGER NOT NULL DEFAULT 0,
  first_seen TEXT NOT NULL,
  last_seen TEXT NOT NULL,
  UNIQUE (platform, user_id)
);

CREATE TABLE IF NOT EXISTS broadcast_sessions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  platform TEXT NOT NULL,
  channel_id TEXT NOT NULL,
  broadcast_id TEXT NOT NULL,
  category_id TEXT NOT NULL DEFAULT '',
  category_name TEXT NOT NULL DEFAULT '',
  broadcaster_person_id INTEGER NOT NULL DEFAULT 0,
  title TEXT NOT NULL DEFAULT '',
  current_viewers INTEGER NOT NULL DEFAULT 0,
  peak_viewers INTEGER NOT NULL DEFAULT 0,
  avg_viewers REAL NOT NULL DEFAULT 0,
  chat_count INTEGER NOT NULL DEFAULT 0,
  donation_amount INTEGER NOT NULL DEFAULT 0,
  is_live INTEGER NOT NULL DEFAULT 1,
  root_session_id INTEGER NOT NULL DEFAULT 0,
  started_at TEXT NOT NULL,
  ended_at TEXT NOT NULL DEFAULT '',
  duration_minutes INTEGER NOT NULL DEFAULT 0,
  UNIQUE (platform, channel_id, broadcast_id, category_id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_live ON broadcast_sessions (platform, is_live);

CREATE TABLE IF NOT EXISTS events (
  event_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  type TEXT NOT NULL,
  actor_person_id INTEGER NOT NULL DEFAULT 0,
  target_channel_id TEXT NOT NULL DEFAULT '',
  target_person_id INTEGER NOT NULL DEFAULT 0,
  amount INTEGER NOT NULL DEFAULT 0,
  currency TEXT NOT NULL DEFAULT '',
  donation_type TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  event_ts TEXT NOT NULL,
  PRIMARY KEY (platform, event_id)
);

CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS categories (
  platform TEXT NOT NULL,
  category_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL DEFAULT '',
  thumbnail_url TEXT NOT NULL DEFAULT '',
  refreshed_at TEXT NOT NULL,
  PRIMARY KEY (platform, category_id)
);`

// schemaVersion is bumped whenever the idempotent DDL above changes shape.
const schemaVersion = 1

// SQLiteStore persists the analytical model in a single SQLite file.
type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{path: path, db: db}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?) ON CONFLICT(version) DO NOTHING;`,
		schemaVersion, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "record schema version")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplySQLitePragmas(context.Background(), db)
	return db, nil
}

func (s *SQLiteStore) conn() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func (s *SQLiteStore) Ping() error { return s.conn().Ping() }

func (s *SQLiteStore) Close() error { return s.conn().Close() }

// Reconnect reopens the database file when the current handle no longer
// responds to a ping. Used by the retry wrapper before re-attempting a
// failed write.
func (s *SQLiteStore) Reconnect(ctx context.Context) error {
	if err := s.conn().PingContext(ctx); err == nil {
		return nil
	}
	db, err := open(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()
	_ = old.Close()
	return nil
}

func (s *SQLiteStore) String() string { return fmt.Sprintf("SQLiteStore{%s}", s.path) }

func (s *SQLiteStore) UpsertPerson(ctx context.Context, p core.Person) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	const q = `INSERT INTO persons (platform, user_id, nickname, profile_image, channel_id, follower_count, subscriber_count, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, user_id) DO UPDATE SET
  nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE persons.nickname END,
  profile_image = CASE WHEN excluded.profile_image != '' THEN excluded.profile_image ELSE persons.profile_image END,
  channel_id = CASE WHEN excluded.channel_id != '' THEN excluded.channel_id ELSE persons.channel_id END,
  follower_count = CASE WHEN excluded.follower_count > 0 THEN excluded.follower_count ELSE persons.follower_count END,
  subscriber_count = CASE WHEN excluded.subscriber_count > 0 THEN excluded.subscriber_count ELSE persons.subscriber_count END,
  last_seen = excluded.last_seen;`
	if _, err := s.conn().ExecContext(ctx, q,
		p.Platform, p.UserID, p.Nickname, p.ProfileImage, p.ChannelID,
		p.FollowerCount, p.SubscriberCount, now, now); err != nil {
		return 0, errors.Wrap(err, "upsert person")
	}

	var id int64
	err := s.conn().QueryRowContext(ctx,
		`SELECT id FROM persons WHERE platform = ? AND user_id = ?;`, p.Platform, p.UserID).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "lookup person id")
	}
	return id, nil
}

func (s *SQLiteStore) UpsertBroadcastSession(ctx context.Context, bs core.BroadcastSession) (int64, error) {
	started := bs.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	const q = `INSERT INTO broadcast_sessions
  (platform, channel_id, broadcast_id, category_id, category_name, broadcaster_person_id, title, current_viewers, peak_viewers, is_live, root_session_id, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(platform, channel_id, broadcast_id, category_id) DO UPDATE SET
  title = CASE WHEN excluded.title != '' THEN excluded.title ELSE broadcast_sessions.title END,
  category_name = CASE WHEN excluded.category_name != '' THEN excluded.category_name ELSE broadcast_sessions.category_name END,
  broadcaster_person_id = CASE WHEN excluded.broadcaster_person_id > 0 THEN excluded.broadcaster_person_id ELSE broadcast_sessions.broadcaster_person_id END,
  current_viewers = excluded.current_viewers,
  peak_viewers = MAX(broadcast_sessions.peak_viewers, excluded.current_viewers),
  is_live = 1;`
	if _, err := s.conn().ExecContext(ctx, q,
		bs.Platform, bs.ChannelID, bs.BroadcastID, bs.CategoryID, bs.CategoryName,
		bs.BroadcasterPersonID, bs.Title, bs.CurrentViewers, bs.CurrentViewers,
		bs.RootSessionID, started.UTC().Format(time.RFC3339Nano)); err != nil {
		return 0, errors.Wrap(err, "upsert session")
	}

	var id int64
	err := s.conn().QueryRowContext(ctx,
		`SELECT id FROM broadcast_sessions WHERE platform = ? AND channel_id = ? AND broadcast_id = ? AND category_id = ?;`,
		bs.Platform, bs.ChannelID, bs.BroadcastID, bs.CategoryID).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "lookup session id")
	}
	return id, nil
}

func (s *SQLiteStore) ApplySessionStatsDelta(ctx context.Context, sessionID int64, delta StatsDelta) error {
	q := `UPDATE broadcast_sessions SET chat_count = chat_count + ?, donation_amount = donation_amount + ?`
	args := []any{delta.ChatCount, delta.DonationAmount}
	if delta.SetViewers {
		q += `, current_viewers = ?, peak_viewers = MAX(peak_viewers, ?)`
		args = append(args, delta.CurrentViewers, delta.CurrentViewers)
	}
	if delta.SetAvg {
		q += `, avg_viewers = ?`
		args = append(args, delta.AvgViewers)
	}
	q += ` WHERE id = ?;`
	args = append(args, sessionID)

	_, err := s.conn().ExecContext(ctx, q, args...)
	return errors.Wrap(err, "apply stats delta")
}

func (s *SQLiteStore) BatchInsertEvents(ctx context.Context, events []core.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.conn().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin event batch")
	}
	defer tx.Rollback()

	const q = `INSERT INTO events (event_id, platform, type, actor_person_id, target_channel_id, target_person_id, amount, currency, donation_type, message, event_ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, event_id) DO NOTHING;`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "prepare event insert")
	}
	defer stmt.Close()

	for _, ev := range events {
		ts := ev.Ts.UTC().Format(time.RFC3339Nano)
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.Platform, ev.Type,
			ev.ActorPersonID, ev.TargetChannelID, ev.TargetPersonID,
			ev.Amount, ev.Currency, ev.DonationType, ev.Message, ts); err != nil {
			return errors.Wrap(err, "insert event")
		}
	}
	return errors.Wrap(tx.Commit(), "commit event batch")
}

func (s *SQLiteStore) ListLiveSessions(ctx context.Context, platform core.Platform) ([]LiveSessionRef, error) {
	rows, err := s.conn().QueryContext(ctx,
		`SELECT id, broadcast_id, broadcaster_person_id, started_at FROM broadcast_sessions WHERE platform = ? AND is_live = 1;`, platform)
	if err != nil {
		return nil, errors.Wrap(err, "list live sessions")
	}
	defer rows.Close()

	var out []LiveSessionRef
	for rows.Next() {
		var (
			ref     LiveSessionRef
			started string
		)
		if err := rows.Scan(&ref.SessionID, &ref.BroadcastID, &ref.BroadcasterPersonID, &started); err != nil {
			return nil, errors.Wrap(err, "scan live session")
		}
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			ref.StartedAt = t
		}
		out = append(out, ref)
	}
	return out, errors.Wrap(rows.Err(), "iterate live sessions")
}

func (s *SQLiteStore) MarkSessionEnded(ctx context.Context, sessionID int64, endedAt time.Time, durationMinutes int) error {
	_, err := s.conn().ExecContext(ctx,
		`UPDATE broadcast_sessions SET is_live = 0, ended_at = ?, duration_minutes = ? WHERE id = ? AND is_live = 1;`,
		endedAt.UTC().Format(time.RFC3339Nano), durationMinutes, sessionID)
	return errors.Wrap(err, "mark session ended")
}

func (s *SQLiteStore) AddPersonAirMinutes(ctx context.Context, personID int64, minutes int) error {
	if personID == 0 || minutes <= 0 {
		return nil
	}
	_, err := s.conn().ExecContext(ctx,
		`UPDATE persons SET total_air_minutes = total_air_minutes + ? WHERE id = ?;`, minutes, personID)
	return errors.Wrap(err, "add air minutes")
}

func (s *SQLiteStore) UpsertCategory(ctx context.Context, c core.Category) error {
	refreshed := c.RefreshedAt
	if refreshed.IsZero() {
		refreshed = time.Now().UTC()
	}
	const q = `INSERT INTO categories (platform, category_id, name, type, thumbnail_url, refreshed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, category_id) DO UPDATE SET
  name = CASE WHEN excluded.name != '' THEN excluded.name ELSE categories.name END,
  type = CASE WHEN excluded.type != '' THEN excluded.type ELSE categories.type END,
  thumbnail_url = CASE WHEN excluded.thumbnail_url != '' THEN excluded.thumbnail_url ELSE categories.thumbnail_url END,
  refreshed_at = excluded.refreshed_at;`
	_, err := s.conn().ExecContext(ctx, q,
		c.Platform, c.CategoryID, c.Name, c.Type, c.ThumbnailURL,
		refreshed.UTC().Format(time.RFC3339Nano))
	return errors.Wrap(err, "upsert category")
}
