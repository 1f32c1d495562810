package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
server:
  port: 9090
database:
  host: db.internal
  username: shop
  dbname: shop_order
bus:
  driver: memory
security:
  jwt:
    secret: s3cret
coupon:
  static:
    - code: ABC123
      discount_amount: 10
      min_amount: 20
`

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("FileWithDefaults", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "config.yaml", baseYAML)

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "db.internal", cfg.Database.Host)
		assert.Equal(t, 3306, cfg.Database.Port)
		assert.Equal(t, "order-created", cfg.Bus.OrderCreatedTopic)
		assert.Equal(t, "rewards", cfg.Bus.RewardsSubscription)
		assert.Equal(t, 10, cfg.Bus.MaxDeliveries)
		assert.Equal(t, 30*time.Second, cfg.Bus.VisibilityTimeout)
		require.Len(t, cfg.Coupon.Static, 1)
		assert.Equal(t, "ABC123", cfg.Coupon.Static[0].Code)
		assert.Same(t, cfg, GetConfig())
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "config.yaml", baseYAML)
		t.Setenv("SHOP_DATABASE_HOST", "db.override")
		t.Setenv("SHOP_SERVER_PORT", "7070")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "db.override", cfg.Database.Host)
		assert.Equal(t, 7070, cfg.Server.Port)
	})

	t.Run("EnvironmentFileMerged", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfig(t, dir, "config.yaml", baseYAML)
		writeConfig(t, dir, "config.staging.yaml", "bus:\n  max_deliveries: 3\n")
		t.Setenv("SHOP_ENV", "staging")

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Bus.MaxDeliveries)
		assert.Equal(t, "db.internal", cfg.Database.Host)
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "config.yaml", `
database:
  host: db
  username: shop
  dbname: shop
bus:
  driver: carrier-pigeon
security:
  jwt:
    secret: x
`)
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown bus driver")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Database.Username = "shop"
		cfg.Database.DBName = "shop"
		cfg.Security.JWT.Secret = "secret"
		cfg.SetDefaults()
		return cfg
	}

	assert.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Bus.Driver = "kafka"
	assert.Error(t, cfg.Validate())
	cfg.Bus.Brokers = []string{"localhost:9092"}
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Bus.Driver = "redis"
	assert.Error(t, cfg.Validate())
	cfg.Redis.Enabled = true
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Security.JWT.Secret = ""
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Server.NodeID = 1024
	assert.Error(t, cfg.Validate())

	cfg = valid()
	assert.Equal(t, "mandatory", cfg.Email.SMTP.TLSPolicy)
	cfg.Email.SMTP.TLSPolicy = "sometimes"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 48*time.Hour, cfg.Reconcile.MaxAge)
	cfg.Reconcile.MaxAge = cfg.Reconcile.MinAge
	assert.Error(t, cfg.Validate())
}

func TestAddresses(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Username = "u"
	cfg.Database.Password = "p"
	cfg.Database.DBName = "orders"
	cfg.SetDefaults()

	assert.Equal(t, "localhost:6379", cfg.Redis.GetAddr())
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.GetAddr())
}
