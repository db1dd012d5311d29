package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	port          INTEGER PRIMARY KEY,
	last_sequence INTEGER NOT NULL DEFAULT 0,
	backend_id    TEXT,
	backend_name  TEXT,
	backend_path  TEXT,
	last_seen     INTEGER
);
CREATE TABLE IF NOT EXISTS pending_messages (
	port     INTEGER NOT NULL,
	position INTEGER NOT NULL,
	payload  BLOB NOT NULL,
	PRIMARY KEY (port, position)
);
`

// SQLite is the default durable store for a single-machine daemon: one file,
// no external service.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the store at path. ":memory:" works
// for tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver is file-backed; a single writer avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) LoadSequence(port int) (int64, error) {
	var seq int64
	err := s.db.QueryRow(
		`SELECT last_sequence FROM sessions WHERE port = ?`, port,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load sequence: %w", err)
	}
	return seq, nil
}

func (s *SQLite) SaveSequence(port int, seq int64) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (port, last_sequence) VALUES (?, ?)
		ON CONFLICT(port) DO UPDATE SET last_sequence = excluded.last_sequence`,
		port, seq,
	)
	if err != nil {
		return fmt.Errorf("save sequence: %w", err)
	}
	return nil
}

func (s *SQLite) LoadQueue(port int) ([][]byte, error) {
	rows, err := s.db.Query(
		`SELECT payload FROM pending_messages WHERE port = ? ORDER BY position`, port,
	)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveQueue(port int, payloads [][]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pending_messages WHERE port = ?`, port); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	for i, p := range payloads {
		if _, err := tx.Exec(
			`INSERT INTO pending_messages (port, position, payload) VALUES (?, ?, ?)`,
			port, i, p,
		); err != nil {
			return fmt.Errorf("save queue: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) ClearQueue(port int) error {
	if _, err := s.db.Exec(`DELETE FROM pending_messages WHERE port = ?`, port); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

func (s *SQLite) SaveIdentity(port int, id Identity) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (port, backend_id, backend_name, backend_path, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(port) DO UPDATE SET
			backend_id   = excluded.backend_id,
			backend_name = excluded.backend_name,
			backend_path = excluded.backend_path,
			last_seen    = excluded.last_seen`,
		port, id.BackendID, id.BackendName, id.BackendPath, id.LastSeen.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *SQLite) Identities() (map[int]Identity, error) {
	rows, err := s.db.Query(`
		SELECT port, backend_id, backend_name, backend_path, last_seen
		FROM sessions WHERE backend_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	defer rows.Close()

	out := make(map[int]Identity)
	for rows.Next() {
		var (
			port     int
			id       Identity
			lastSeen int64
		)
		if err := rows.Scan(&port, &id.BackendID, &id.BackendName, &id.BackendPath, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		id.LastSeen = time.UnixMilli(lastSeen)
		out[port] = id
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
