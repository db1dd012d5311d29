package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds connection settings for a shared Postgres store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ConnString builds a PostgreSQL connection string from config.
func (c PostgresConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		sslMode,
	)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS relay_sessions (
	port          INTEGER PRIMARY KEY,
	last_sequence BIGINT NOT NULL DEFAULT 0,
	backend_id    TEXT,
	backend_name  TEXT,
	backend_path  TEXT,
	last_seen     TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS relay_pending_messages (
	port     INTEGER NOT NULL,
	position INTEGER NOT NULL,
	payload  BYTEA NOT NULL,
	PRIMARY KEY (port, position)
);
`

// Postgres stores session state in a shared database. Useful when several
// relay instances on one host should survive arbitrary restarts, or when
// state must outlive the machine's local disk.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies the connection, and ensures the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) LoadSequence(port int) (int64, error) {
	var seq int64
	err := p.pool.QueryRow(context.Background(),
		`SELECT last_sequence FROM relay_sessions WHERE port = $1`, port,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load sequence: %w", err)
	}
	return seq, nil
}

func (p *Postgres) SaveSequence(port int, seq int64) error {
	_, err := p.pool.Exec(context.Background(), `
		INSERT INTO relay_sessions (port, last_sequence) VALUES ($1, $2)
		ON CONFLICT (port) DO UPDATE SET last_sequence = EXCLUDED.last_sequence`,
		port, seq,
	)
	if err != nil {
		return fmt.Errorf("save sequence: %w", err)
	}
	return nil
}

func (p *Postgres) LoadQueue(port int) ([][]byte, error) {
	rows, err := p.pool.Query(context.Background(),
		`SELECT payload FROM relay_pending_messages WHERE port = $1 ORDER BY position`, port,
	)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveQueue(port int, payloads [][]byte) error {
	ctx := context.Background()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM relay_pending_messages WHERE port = $1`, port); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	for i, payload := range payloads {
		if _, err := tx.Exec(ctx,
			`INSERT INTO relay_pending_messages (port, position, payload) VALUES ($1, $2, $3)`,
			port, i, payload,
		); err != nil {
			return fmt.Errorf("save queue: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) ClearQueue(port int) error {
	_, err := p.pool.Exec(context.Background(),
		`DELETE FROM relay_pending_messages WHERE port = $1`, port)
	if err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

func (p *Postgres) SaveIdentity(port int, id Identity) error {
	_, err := p.pool.Exec(context.Background(), `
		INSERT INTO relay_sessions (port, backend_id, backend_name, backend_path, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (port) DO UPDATE SET
			backend_id   = EXCLUDED.backend_id,
			backend_name = EXCLUDED.backend_name,
			backend_path = EXCLUDED.backend_path,
			last_seen    = EXCLUDED.last_seen`,
		port, id.BackendID, id.BackendName, id.BackendPath, id.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (p *Postgres) Identities() (map[int]Identity, error) {
	rows, err := p.pool.Query(context.Background(), `
		SELECT port, backend_id, backend_name, backend_path, last_seen
		FROM relay_sessions WHERE backend_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	defer rows.Close()

	out := make(map[int]Identity)
	for rows.Next() {
		var (
			port     int
			id       Identity
			lastSeen *time.Time
		)
		if err := rows.Scan(&port, &id.BackendID, &id.BackendName, &id.BackendPath, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		if lastSeen != nil {
			id.LastSeen = *lastSeen
		}
		out[port] = id
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
