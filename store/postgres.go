package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/swarmnet/storagenode/snode"
)

// PostgresStore implements Store with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// Config contains PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnectionString returns the PostgreSQL connection string.
func (c *Config) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore opens a connection pool, pings it, and runs migrations.
func NewPostgresStore(config *Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		hash VARCHAR(128) PRIMARY KEY,
		seq BIGSERIAL,
		recipient_pubkey VARCHAR(128) NOT NULL,
		data BYTEA NOT NULL,
		ttl_millis BIGINT NOT NULL,
		timestamp_millis BIGINT NOT NULL,
		nonce VARCHAR(64) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pubkey_seq ON messages(recipient_pubkey, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_expiry ON messages((timestamp_millis + ttl_millis));
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Insert implements Store. ON CONFLICT (hash) DO NOTHING makes inserts
// idempotent.
func (s *PostgresStore) Insert(msg snode.Message) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (hash, recipient_pubkey, data, ttl_millis, timestamp_millis, nonce)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO NOTHING
	`, msg.Hash, string(msg.RecipientPubkey), msg.Data, msg.TTLMillis, msg.TimestampMillis, msg.Nonce)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSince implements Store.
func (s *PostgresStore) GetSince(pubkey snode.UserPubKey, lastHash string) ([]snode.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var afterSeq int64
	if lastHash != "" {
		row := s.db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE hash = $1`, lastHash)
		if err := row.Scan(&afterSeq); err != nil && err != sql.ErrNoRows {
			return nil, err
		}
	}

	nowMillis := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, recipient_pubkey, data, ttl_millis, timestamp_millis, nonce
		FROM messages
		WHERE recipient_pubkey = $1 AND seq > $2 AND (timestamp_millis + ttl_millis) > $3
		ORDER BY seq ASC
	`, string(pubkey), afterSeq, nowMillis)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GetByHash implements Store.
func (s *PostgresStore) GetByHash(hash string) (snode.Message, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT hash, recipient_pubkey, data, ttl_millis, timestamp_millis, nonce
		FROM messages WHERE hash = $1
	`, hash)

	var m snode.Message
	var pubkey string
	if err := row.Scan(&m.Hash, &pubkey, &m.Data, &m.TTLMillis, &m.TimestampMillis, &m.Nonce); err != nil {
		if err == sql.ErrNoRows {
			return snode.Message{}, false, nil
		}
		return snode.Message{}, false, err
	}
	m.RecipientPubkey = snode.UserPubKey(pubkey)
	return m, true, nil
}

// AllLive implements Store.
func (s *PostgresStore) AllLive(now time.Time) ([]snode.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, recipient_pubkey, data, ttl_millis, timestamp_millis, nonce
		FROM messages WHERE (timestamp_millis + ttl_millis) > $1
		ORDER BY seq ASC
	`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Purge implements Store.
func (s *PostgresStore) Purge(now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE (timestamp_millis + ttl_millis) <= $1`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]snode.Message, error) {
	var out []snode.Message
	for rows.Next() {
		var m snode.Message
		var pubkey string
		if err := rows.Scan(&m.Hash, &pubkey, &m.Data, &m.TTLMillis, &m.TimestampMillis, &m.Nonce); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		m.RecipientPubkey = snode.UserPubKey(pubkey)
		out = append(out, m)
	}
	return out, rows.Err()
}
