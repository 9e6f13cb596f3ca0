package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  name: portal-dm
http:
  port: 9090
messaging:
  poll_interval: 10s
  store_driver: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "portal-dm", cfg.App.Name)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 10*time.Second, cfg.Messaging.PollInterval)
	assert.Equal(t, StoreDriverMemory, cfg.Messaging.StoreDriver)

	// untouched keys keep their defaults
	assert.Equal(t, 4000, cfg.Messaging.MaxContentLength)
	assert.Equal(t, BusDriverNATS, cfg.Messaging.BusDriver)
	assert.Equal(t, 8081, cfg.HTTP.HealthPort)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.internal
nats:
  url: nats://file:4222
`)

	t.Setenv("POSTGRES_HOST", "db.env")
	t.Setenv("NATS_URL", "nats://env:4222")
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("BUS_DRIVER", BusDriverLocal)
	t.Setenv("JWT_ACCESS_EXPIRE", "15m")
	t.Setenv("REDIS_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db.env", cfg.Database.Host)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, BusDriverLocal, cfg.Messaging.BusDriver)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessExpire)
	assert.Equal(t, 6379, cfg.Redis.Port, "unparsable values fall back")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.Messaging.PollInterval)
	assert.Equal(t, 1024, cfg.Messaging.DedupWindow)
	assert.Equal(t, StoreDriverPostgres, cfg.Messaging.StoreDriver)
}
