package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "chat-events", cfg.Redis.Channel)
	assert.Equal(t, 24*time.Hour, cfg.JWT.TTL)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
environment: production
server:
  addr: ":9000"
database:
  driver: memory
jwt:
  secret: from-file
  ttl: 1h
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), yaml, 0o600))

	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("DB_DSN", "postgres://chat@db/chat")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, time.Hour, cfg.JWT.TTL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres://chat@db/chat", cfg.Database.DSN)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Database: DatabaseConfig{Driver: DriverPostgres, DSN: "postgres://x"},
		JWT:      JWTConfig{Secret: "s", TTL: time.Hour},
	}
	require.NoError(t, valid.Validate())

	tests := map[string]func(c *Config){
		"postgres without dsn": func(c *Config) { c.Database.DSN = "" },
		"unknown driver":       func(c *Config) { c.Database.Driver = "mongo" },
		"missing secret":       func(c *Config) { c.JWT.Secret = "" },
		"zero ttl":             func(c *Config) { c.JWT.TTL = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	memory := Config{Database: DatabaseConfig{Driver: DriverMemory}, JWT: JWTConfig{Secret: "s", TTL: time.Hour}}
	assert.NoError(t, memory.Validate())
}
