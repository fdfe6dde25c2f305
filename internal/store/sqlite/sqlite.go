package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/recfleet/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver,
// CGO-free). DSN is a filesystem path; use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	d.SetMaxOpenConns(1)
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rules(
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			match_expression TEXT NOT NULL,
			event_specifier TEXT NOT NULL,
			max_age_seconds INTEGER NOT NULL DEFAULT 0,
			max_size_bytes INTEGER NOT NULL DEFAULT 0,
			archival_period_seconds INTEGER NOT NULL DEFAULT 0,
			preserved_archives INTEGER NOT NULL DEFAULT 0,
			archiver BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS credentials(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			match_expression TEXT NOT NULL,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) SaveRule(ctx context.Context, rec store.RuleRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rules
		(name, description, match_expression, event_specifier, max_age_seconds, max_size_bytes, archival_period_seconds, preserved_archives, archiver)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			description=excluded.description,
			match_expression=excluded.match_expression,
			event_specifier=excluded.event_specifier,
			max_age_seconds=excluded.max_age_seconds,
			max_size_bytes=excluded.max_size_bytes,
			archival_period_seconds=excluded.archival_period_seconds,
			preserved_archives=excluded.preserved_archives,
			archiver=excluded.archiver,
			updated_at=CURRENT_TIMESTAMP`,
		rec.Name, rec.Description, rec.MatchExpression, rec.EventSpecifier,
		rec.MaxAgeSeconds, rec.MaxSizeBytes, rec.ArchivalPeriodSeconds,
		rec.PreservedArchives, rec.Archiver)
	return err
}

func (s *DB) DeleteRule(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE name=?`, name)
	return err
}

func (s *DB) ListRules(ctx context.Context) ([]store.RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description, match_expression, event_specifier,
		max_age_seconds, max_size_bytes, archival_period_seconds, preserved_archives, archiver
		FROM rules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.RuleRecord
	for rows.Next() {
		var r store.RuleRecord
		if err := rows.Scan(&r.Name, &r.Description, &r.MatchExpression, &r.EventSpecifier,
			&r.MaxAgeSeconds, &r.MaxSizeBytes, &r.ArchivalPeriodSeconds, &r.PreservedArchives, &r.Archiver); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) InsertCredential(ctx context.Context, rec store.CredentialRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO credentials(match_expression, username, password) VALUES(?,?,?)`,
		rec.MatchExpression, rec.Username, rec.Password)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *DB) DeleteCredential(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DB) ListCredentials(ctx context.Context) ([]store.CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, match_expression, username, password FROM credentials ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.CredentialRecord
	for rows.Next() {
		var c store.CredentialRecord
		if err := rows.Scan(&c.ID, &c.MatchExpression, &c.Username, &c.Password); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }
