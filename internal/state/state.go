// Package state manages tgmail's persistent state: the poll checkpoint and
// the log of tracking pixel opens.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB is the sqlite state database.
type DB struct {
	db *sqlx.DB
}

// PixelOpen records one fetch of a tracking pixel.
type PixelOpen struct {
	Token     string
	CardID    int
	Subject   string
	IsUser    bool
	IP        string
	UserAgent string
	FetchInfo string
	OpenedAt  time.Time
}

type openRow struct {
	Token     string `db:"token"`
	CardID    int    `db:"card_id"`
	Subject   string `db:"subject"`
	IsUser    bool   `db:"is_user"`
	IP        string `db:"ip"`
	UserAgent string `db:"user_agent"`
	FetchInfo string `db:"fetch_info"`
	OpenedAt  int64  `db:"opened_at"`
}

// DefaultPath returns the default state database path.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "tgmail", "state.db")
}

// Open opens or creates the state database.
func Open(path string) (*DB, error) {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate state database: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoint (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_id TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pixel_opens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token TEXT NOT NULL,
			card_id INTEGER NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			is_user INTEGER NOT NULL,
			ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			fetch_info TEXT NOT NULL DEFAULT '',
			opened_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pixel_opens_opened_at ON pixel_opens(opened_at);
	`)
	return err
}

// Last returns the last processed mail id, or "" if none was stored.
func (s *DB) Last() (string, error) {
	var id string
	err := s.db.Get(&id, `SELECT last_id FROM checkpoint WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return id, nil
}

// SetLast stores the last processed mail id.
func (s *DB) SetLast(id string) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoint (id, last_id, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_id = excluded.last_id, updated_at = excluded.updated_at
	`, id, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// RecordOpen appends a pixel open to the log.
func (s *DB) RecordOpen(o PixelOpen) error {
	if o.OpenedAt.IsZero() {
		o.OpenedAt = time.Now()
	}
	_, err := s.db.NamedExec(`
		INSERT INTO pixel_opens (token, card_id, subject, is_user, ip, user_agent, fetch_info, opened_at)
		VALUES (:token, :card_id, :subject, :is_user, :ip, :user_agent, :fetch_info, :opened_at)
	`, openRow{
		Token:     o.Token,
		CardID:    o.CardID,
		Subject:   o.Subject,
		IsUser:    o.IsUser,
		IP:        o.IP,
		UserAgent: o.UserAgent,
		FetchInfo: o.FetchInfo,
		OpenedAt:  o.OpenedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to record open: %w", err)
	}
	return nil
}

// RecentOpens returns up to limit opens, newest first.
func (s *DB) RecentOpens(limit int) ([]PixelOpen, error) {
	var rows []openRow
	err := s.db.Select(&rows, `
		SELECT token, card_id, subject, is_user, ip, user_agent, fetch_info, opened_at
		FROM pixel_opens
		ORDER BY opened_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list opens: %w", err)
	}

	opens := make([]PixelOpen, 0, len(rows))
	for _, r := range rows {
		opens = append(opens, PixelOpen{
			Token:     r.Token,
			CardID:    r.CardID,
			Subject:   r.Subject,
			IsUser:    r.IsUser,
			IP:        r.IP,
			UserAgent: r.UserAgent,
			FetchInfo: r.FetchInfo,
			OpenedAt:  time.Unix(r.OpenedAt, 0),
		})
	}
	return opens, nil
}
