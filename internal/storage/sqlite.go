// Package storage is the SQLite-backed session.Store.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/mentor/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists sessions, profiles and the turn log in SQLite.
type Store struct {
	db      *sql.DB
	clock   session.Clock
	idleTTL time.Duration
}

var _ session.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock (for tests).
func WithClock(c session.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIdleTTL makes Load treat sessions idle for longer than d as missing.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) { s.idleTTL = d }
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string, opts ...Option) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mentor.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection: ":memory:" is per-connection, and SQLite has one writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, clock: session.RealClock}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies embedded SQL migrations that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Sessions ---

func (s *Store) Load(ctx context.Context, sessionID string) (*session.Context, error) {
	var data, updatedAt string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&data, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}

	if s.idleTTL > 0 {
		t, err := parseTime(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		if t.Before(s.clock.Now().Add(-s.idleTTL)) {
			// Drop the stale row so a fresh save at version 0 can insert.
			// Matching updated_at leaves a concurrently refreshed row alone.
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM sessions WHERE id = ? AND updated_at = ?`, sessionID, updatedAt,
			); err != nil {
				return nil, fmt.Errorf("expiring session %s: %w", sessionID, err)
			}
			return nil, session.ErrNotFound
		}
	}

	var c session.Context
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	c.Version = version
	return &c, nil
}

func (s *Store) Save(ctx context.Context, c *session.Context, expectedVersion int64) error {
	now := s.clock.Now()
	if err := s.putSession(ctx, s.db, c, expectedVersion, now); err != nil {
		return err
	}
	c.Version = expectedVersion + 1
	c.UpdatedAt = now
	return nil
}

func (s *Store) putSession(ctx context.Context, ex execer, c *session.Context, expected int64, now time.Time) error {
	next := *c
	next.Version = expected + 1
	next.UpdatedAt = now
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", c.SessionID, err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = ex.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, version, data, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			c.SessionID, c.UserID, string(data), formatTime(c.CreatedAt), formatTime(now),
		)
	} else {
		res, err = ex.ExecContext(ctx, `
			UPDATE sessions SET version = version + 1, data = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(data), formatTime(now), c.SessionID, expected,
		)
	}
	if err != nil {
		return fmt.Errorf("saving session %s: %w", c.SessionID, err)
	}
	return checkOneRow(res)
}

// ExpireIdle deletes sessions whose last update is older than before.
func (s *Store) ExpireIdle(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("expiring sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- Profiles ---

func (s *Store) LoadProfile(ctx context.Context, userID string) (*session.UserProfile, error) {
	var data string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM profiles WHERE user_id = ?`, userID,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", userID, err)
	}

	var p session.UserProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decoding profile %s: %w", userID, err)
	}
	p.Version = version
	return &p, nil
}

func (s *Store) SaveProfile(ctx context.Context, p *session.UserProfile, expectedVersion int64) error {
	now := s.clock.Now()
	if err := s.putProfile(ctx, s.db, p, expectedVersion, now); err != nil {
		return err
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = now
	return nil
}

func (s *Store) putProfile(ctx context.Context, ex execer, p *session.UserProfile, expected int64, now time.Time) error {
	next := *p
	next.Version = expected + 1
	next.UpdatedAt = now
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encoding profile %s: %w", p.UserID, err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = ex.ExecContext(ctx, `
			INSERT INTO profiles (user_id, version, data, created_at, updated_at)
			VALUES (?, 1, ?, ?, ?)
			ON CONFLICT(user_id) DO NOTHING`,
			p.UserID, string(data), formatTime(p.CreatedAt), formatTime(now),
		)
	} else {
		res, err = ex.ExecContext(ctx, `
			UPDATE profiles SET version = version + 1, data = ?, updated_at = ?
			WHERE user_id = ? AND version = ?`,
			string(data), formatTime(now), p.UserID, expected,
		)
	}
	if err != nil {
		return fmt.Errorf("saving profile %s: %w", p.UserID, err)
	}
	return checkOneRow(res)
}

// --- Turns ---

// SaveTurn writes the session, the profile and any history entries not yet
// in the turn log in one transaction.
func (s *Store) SaveTurn(ctx context.Context, c *session.Context, expectedSession int64, p *session.UserProfile, expectedProfile int64) error {
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning turn transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.putSession(ctx, tx, c, expectedSession, now); err != nil {
		return err
	}
	if err := s.putProfile(ctx, tx, p, expectedProfile, now); err != nil {
		return err
	}
	for _, e := range c.History {
		if err := insertTurn(ctx, tx, c, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing turn: %w", err)
	}

	c.Version, c.UpdatedAt = expectedSession+1, now
	p.Version, p.UpdatedAt = expectedProfile+1, now
	return nil
}

func insertTurn(ctx context.Context, ex execer, c *session.Context, e session.Entry) error {
	domains, err := json.Marshal(e.Domains)
	if err != nil {
		return err
	}
	degraded := 0
	if e.Degraded {
		degraded = 1
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO turns (id, session_id, user_id, created_at, request, response, domains, degraded, feedback)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, c.SessionID, c.UserID, formatTime(e.At), e.Request, e.Response, string(domains), degraded, e.Feedback,
	)
	if err != nil {
		return fmt.Errorf("logging turn %s: %w", e.ID, err)
	}
	return nil
}

// RecentTurns returns a user's most recent turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, created_at, request, response, domains, degraded, feedback
		FROM turns WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Turn
	for rows.Next() {
		var t Turn
		var createdAt, domains string
		var degraded int
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &createdAt, &t.Request, &t.Response, &domains, &degraded, &t.Feedback); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if err := json.Unmarshal([]byte(domains), &t.Domains); err != nil {
			return nil, fmt.Errorf("decoding domains for turn %s: %w", t.ID, err)
		}
		t.Degraded = degraded != 0
		results = append(results, t)
	}
	return results, rows.Err()
}

func checkOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return session.ErrVersionConflict
	}
	return nil
}
