package session

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/zhouzirui/zhipu-toolkit/internal/model/chat"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	session_key TEXT PRIMARY KEY,
	messages    TEXT NOT NULL,
	updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// SQLite persists each session as one row holding its JSON history.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set pragma")
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

// Load reads every row into a document.
func (s *SQLite) Load(ctx context.Context) (Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key, messages FROM chat_sessions`)
	if err != nil {
		return nil, errors.Wrap(err, "query sessions")
	}
	defer rows.Close()

	doc := Document{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		var messages []chat.Message
		if err := json.Unmarshal([]byte(raw), &messages); err != nil {
			return nil, errors.Wrapf(err, "decode session %s", key)
		}
		doc[key] = messages
	}
	return doc, errors.Wrap(rows.Err(), "iterate sessions")
}

// Save replaces the table contents with doc in one transaction.
func (s *SQLite) Save(ctx context.Context, doc Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions`); err != nil {
		return errors.Wrap(err, "truncate sessions")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chat_sessions (session_key, messages) VALUES (?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for key, messages := range doc {
		raw, err := json.Marshal(messages)
		if err != nil {
			return errors.Wrapf(err, "encode session %s", key)
		}
		if _, err := stmt.ExecContext(ctx, key, string(raw)); err != nil {
			return errors.Wrapf(err, "insert session %s", key)
		}
	}

	return errors.Wrap(tx.Commit(), "commit sessions")
}
