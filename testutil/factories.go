package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/sweater-ventures/courier/app"
	"github.com/sweater-ventures/courier/config"
	"github.com/sweater-ventures/courier/db"
)

const TestAPIKey = "test-api-key"

// NewUUID returns a pgtype.UUID with a new time-ordered UUID.
func NewUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.Must(uuid.NewV7()), Valid: true}
}

// NewTimestamp returns a pgtype.Timestamptz set to now.
func NewTimestamp() pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: time.Now().UTC(), Valid: true}
}

// WebhookOpt is a functional option for building test Webhooks.
type WebhookOpt func(*db.Webhook)

// NewWebhook creates a db.Webhook subscribed to every kind.
func NewWebhook(opts ...WebhookOpt) db.Webhook {
	w := db.Webhook{
		ID:        NewUUID(),
		Url:       "https://example.com/webhook",
		Events:    []string{"*"},
		Secret:    "",
		CreatedAt: NewTimestamp(),
	}
	for _, opt := range opts {
		opt(&w)
	}
	return w
}

// DeviceOpt is a functional option for building test Devices.
type DeviceOpt func(*db.Device)

// NewDevice creates a db.Device with sensible defaults.
func NewDevice(opts ...DeviceOpt) db.Device {
	d := db.Device{
		ID:         NewUUID(),
		Name:       "test-phone",
		Token:      "token-" + uuid.NewString(),
		Platform:   "android",
		CreatedAt:  NewTimestamp(),
		LastSeenAt: NewTimestamp(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// NewConfigValue creates a stored configuration value.
func NewConfigValue(key, value string) db.ConfigValue {
	return db.ConfigValue{Key: key, Value: value, UpdatedAt: NewTimestamp()}
}

// ConfigOpt is a functional option for test configuration.
type ConfigOpt func(*config.AppConfig)

// NewTestConfig returns a configuration with the defaults LoadConfig would
// produce and short timings suited to tests.
func NewTestConfig(opts ...ConfigOpt) *config.AppConfig {
	cfg := &config.AppConfig{
		Port:                 8005,
		CompanyID:            "HEYOH",
		APIKey:               TestAPIKey,
		PushPolicy:           "parallel",
		PushGrace:            100 * time.Millisecond,
		PushKinds:            append([]string(nil), config.DefaultPushKinds...),
		PushTimeout:          time.Second,
		WebhookTimeout:       time.Second,
		WebhookConcurrency:   4,
		ActionMaxAttempts:    3,
		ActionBaseBackoff:    time.Millisecond,
		ActionMaxBackoff:     10 * time.Millisecond,
		ActionTimeout:        time.Second,
		TunnelLocalAddr:      "localhost:8005",
		TunnelConnectTimeout: time.Second,
		TunnelHealthInterval: time.Second,
		TunnelMaxMissed:      2,
		TunnelCooldown:       time.Second,
		TunnelMaxBackoff:     time.Second,
		ClientTimeout:        time.Minute,
		ClientSendBuffer:     16,
		ClientActionRate:     100,
		ClientActionBurst:    10,
		AckTTL:               time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewTestApp creates an app.Application suitable for testing.
// It uses the provided mock Querier and NewTestConfig defaults.
func NewTestApp(mockDB *MockQuerier, opts ...ConfigOpt) *app.Application {
	a, err := app.NewAppWithQuerier(NewTestConfig(opts...), mockDB)
	if err != nil {
		panic("testutil: failed to build application: " + err.Error())
	}
	return a
}
