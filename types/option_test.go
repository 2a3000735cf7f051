package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineOptionsDefaults(t *testing.T) {
	opts := NewEngineOptions()

	assert.Equal(t, 64, opts.MaxStepConcurrency)
	assert.Equal(t, 50, opts.MaxGraphNodes)
	assert.Equal(t, 5, opts.MaxRetriesCap)
	assert.Equal(t, 60, opts.DefaultTimeoutSeconds)
	assert.False(t, opts.MemStore)
	assert.Nil(t, opts.PostgresConfig)
	assert.Empty(t, opts.RedisAddr)
	assert.NotNil(t, opts.Ctx)
}

func TestWithPostgresConfig(t *testing.T) {
	config := &PostgresConfig{
		Host:     "dbhost",
		Port:     5433,
		User:     "user",
		Password: "pass",
		Database: "db",
		SSLMode:  "require",
	}

	opts := NewEngineOptions()
	opt := WithPostgresConfig(config)
	opt(opts)

	assert.NotNil(t, opts.PostgresConfig)
	assert.Equal(t, "dbhost", opts.PostgresConfig.Host)
	assert.Equal(t, 5433, opts.PostgresConfig.Port)
	assert.Equal(t, "user", opts.PostgresConfig.User)
	assert.Equal(t, "pass", opts.PostgresConfig.Password)
	assert.Equal(t, "db", opts.PostgresConfig.Database)
	assert.Equal(t, "require", opts.PostgresConfig.SSLMode)
}

func TestEngineOptionsStorePrecedence(t *testing.T) {
	opts := NewEngineOptions()

	EnableMemStore()(opts)
	WithPostgresConfig(&PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "user",
		Password: "pass",
		Database: "db",
		SSLMode:  "disable",
	})(opts)

	// both can be set; the engine constructor resolves the precedence
	assert.True(t, opts.MemStore)
	assert.NotNil(t, opts.PostgresConfig)
}

func TestMultipleOptions(t *testing.T) {
	opts := NewEngineOptions()

	WithPostgresConfig(&PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "user",
		Password: "pass",
		Database: "db",
		SSLMode:  "disable",
	})(opts)
	SetMaxStepConcurrency(50)(opts)
	WithRedisPublisher("localhost:6379")(opts)
	WithPricingFile("prices.yaml")(opts)

	assert.NotNil(t, opts.PostgresConfig)
	assert.Equal(t, 50, opts.MaxStepConcurrency)
	assert.Equal(t, "localhost:6379", opts.RedisAddr)
	assert.Equal(t, "prices.yaml", opts.PricingPath)
}
