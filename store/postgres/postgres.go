package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/juju/errors"
	_ "github.com/lib/pq"
	"github.com/warriorguo/llmflow/store"
)

var (
	_ store.Store = &pgStore{}
)

// Config holds the PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "llmflow",
		SSLMode:  "disable",
	}
}

func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Validate rejects settings the driver would otherwise fail on at an
// awkward moment. An empty SSLMode defaults to disable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("port out of range: %d", c.Port)
	}
	if c.User == "" {
		return errors.New("user cannot be empty")
	}
	if c.Database == "" {
		return errors.New("database cannot be empty")
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	switch c.SSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return errors.Errorf("invalid sslmode: %s", c.SSLMode)
	}
	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS llmflow_store (
		prefix VARCHAR(255) NOT NULL,
		key VARCHAR(255) NOT NULL,
		value BYTEA,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (prefix, key)
	);

	CREATE INDEX IF NOT EXISTS idx_llmflow_store_prefix ON llmflow_store(prefix);
`

/**
 * pgStore persists the key/value surface in a single llmflow_store
 * table keyed by (prefix, key). Values stay opaque BYTEA; the schema
 * knows nothing about workflows.
 */
type pgStore struct {
	db *sql.DB
}

func NewPostgresStore(config *Config) (store.Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open postgres connection")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to ping postgres")
	}

	s := &pgStore{db: db}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "failed to initialize table")
	}
	return s, nil
}

// Get returns nil bytes for a missing key; absence is not an error at
// this layer.
func (p *pgStore) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM llmflow_store WHERE prefix = $1 AND key = $2`,
		prefix, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get %s%s", prefix, key)
	}
	return value, nil
}

func (p *pgStore) Set(ctx context.Context, prefix, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO llmflow_store (prefix, key, value, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (prefix, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP
	`, prefix, key, value)
	if err != nil {
		return errors.Annotatef(err, "failed to set %s%s", prefix, key)
	}
	return nil
}

func (p *pgStore) Remove(ctx context.Context, prefix, key string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM llmflow_store WHERE prefix = $1 AND key = $2`, prefix, key)
	if err != nil {
		return errors.Annotatef(err, "failed to remove %s%s", prefix, key)
	}
	return nil
}

func (p *pgStore) List(ctx context.Context, prefix string, iterator func(key string) bool) error {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key FROM llmflow_store WHERE prefix = $1 ORDER BY key`, prefix)
	if err != nil {
		return errors.Annotatef(err, "failed to list %s", prefix)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return errors.Trace(err)
		}
		if !iterator(key) {
			break
		}
	}
	return errors.Trace(rows.Err())
}

func (p *pgStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
