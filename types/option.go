package types

import (
	"context"

	"github.com/mcuadros/go-defaults"
)

func NewEngineOptions() *EngineOptions {
	opts := &EngineOptions{Ctx: context.Background()}
	defaults.SetDefaults(opts)
	return opts
}

type EngineOptions struct {
	Ctx context.Context

	/**
	 * default: 64
	 * upper bound on LLM steps in flight across all runs. Steps beyond
	 * the bound queue on the shared worker pool.
	 */
	MaxStepConcurrency int `default:"64"`
	/**
	 * default: 50
	 * planning rejects graphs with more nodes than this.
	 */
	MaxGraphNodes int `default:"50"`
	/**
	 * default: 5
	 * policy cap applied on top of each node's max_retries.
	 */
	MaxRetriesCap int `default:"5"`
	/**
	 * default: 60
	 * per-attempt timeout applied when a node does not set its own.
	 */
	DefaultTimeoutSeconds int `default:"60"`
	/**
	 * default: false, only set it to true when doing testing or developing.
	 */
	MemStore bool `default:"false"`

	// PostgreSQL store configuration.
	// If both MemStore and PostgresConfig are set, PostgresConfig takes precedence.
	PostgresConfig *PostgresConfig

	// RedisAddr enables the Redis event publisher when non-empty.
	// Empty keeps the in-process publisher.
	RedisAddr string

	// PricingPath points to a YAML price table. Empty loads the builtin table.
	PricingPath string
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

type EngineOption func(*EngineOptions)

func WithContext(ctx context.Context) EngineOption {
	return func(opts *EngineOptions) {
		opts.Ctx = ctx
	}
}

func SetMaxStepConcurrency(concurrency int) EngineOption {
	return func(opts *EngineOptions) {
		opts.MaxStepConcurrency = concurrency
	}
}

func SetMaxGraphNodes(cap int) EngineOption {
	return func(opts *EngineOptions) {
		opts.MaxGraphNodes = cap
	}
}

func EnableMemStore() EngineOption {
	return func(opts *EngineOptions) {
		opts.MemStore = true
	}
}

// WithPostgresConfig configures the engine to persist through PostgreSQL.
func WithPostgresConfig(config *PostgresConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.PostgresConfig = config
	}
}

// WithRedisPublisher publishes run events to the Redis instance at addr.
func WithRedisPublisher(addr string) EngineOption {
	return func(opts *EngineOptions) {
		opts.RedisAddr = addr
	}
}

func WithPricingFile(path string) EngineOption {
	return func(opts *EngineOptions) {
		opts.PricingPath = path
	}
}
