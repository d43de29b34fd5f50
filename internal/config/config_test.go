package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.App.HTTPAddr)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.True(t, cfg.Checkout.VerifyTotals)
	assert.False(t, cfg.Orders.StrictTransitions)
	assert.Equal(t, time.Hour, cfg.Stripe.SessionTTL)
	assert.Equal(t, 3*time.Hour, cfg.Orders.PendingTTL)
	assert.Empty(t, cfg.Stripe.SecretKey)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SHOP_STRIPE__SECRET_KEY", "sk_test_123")
	t.Setenv("SHOP_STRIPE__WEBHOOK_SECRET", "whsec_abc")
	t.Setenv("SHOP_ORDERS__STRICT_TRANSITIONS", "true")
	t.Setenv("SHOP_ORDERS__PENDING_TTL", "5h")
	t.Setenv("SHOP_APP__ALLOWED_ORIGINS", "https://shop.example, https://admin.example")
	t.Setenv("SHOP_STORE__DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk_test_123", cfg.Stripe.SecretKey)
	assert.Equal(t, "whsec_abc", cfg.Stripe.WebhookSecret)
	assert.True(t, cfg.Orders.StrictTransitions)
	assert.Equal(t, 5*time.Hour, cfg.Orders.PendingTTL)
	assert.Equal(t, []string{"https://shop.example", "https://admin.example"}, cfg.App.AllowedOrigins)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mail:
  host: smtp.example.com
  operator_email: ops@example.com
events:
  driver: kafka
  kafka_brokers: ["broker-1:9092", "broker-2:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", cfg.Mail.Host)
	assert.Equal(t, "ops@example.com", cfg.Mail.OperatorEmail)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Events.KafkaBrokers)
}

func TestValidate(t *testing.T) {
	t.Setenv("SHOP_ORDERS__PENDING_TTL", "30m")
	_, err := Load("")
	assert.ErrorContains(t, err, "pending_ttl")
}

func TestValidateEventsDriver(t *testing.T) {
	t.Setenv("SHOP_EVENTS__DRIVER", "kafka")
	_, err := Load("")
	assert.ErrorContains(t, err, "kafka_brokers")

	t.Setenv("SHOP_EVENTS__DRIVER", "carrier-pigeon")
	_, err = Load("")
	assert.ErrorContains(t, err, "events.driver")
}
