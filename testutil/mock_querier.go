package testutil

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/mock"
	"github.com/sweater-ventures/courier/db"
)

// MockQuerier is a testify mock implementation of db.Querier.
type MockQuerier struct {
	mock.Mock
}

var _ db.Querier = (*MockQuerier)(nil)

func (m *MockQuerier) CreateWebhook(ctx context.Context, arg db.CreateWebhookParams) (db.Webhook, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Webhook), args.Error(1)
}

func (m *MockQuerier) DeleteDeviceByToken(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockQuerier) DeleteWebhook(ctx context.Context, id pgtype.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockQuerier) GetConfigValue(ctx context.Context, key string) (db.ConfigValue, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(db.ConfigValue), args.Error(1)
}

func (m *MockQuerier) GetWebhookByID(ctx context.Context, id pgtype.UUID) (db.Webhook, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(db.Webhook), args.Error(1)
}

func (m *MockQuerier) ListDevices(ctx context.Context) ([]db.Device, error) {
	args := m.Called(ctx)
	return args.Get(0).([]db.Device), args.Error(1)
}

func (m *MockQuerier) ListWebhooks(ctx context.Context) ([]db.Webhook, error) {
	args := m.Called(ctx)
	return args.Get(0).([]db.Webhook), args.Error(1)
}

func (m *MockQuerier) SetConfigValue(ctx context.Context, arg db.SetConfigValueParams) (db.ConfigValue, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.ConfigValue), args.Error(1)
}

func (m *MockQuerier) UpsertDevice(ctx context.Context, arg db.UpsertDeviceParams) (db.Device, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).(db.Device), args.Error(1)
}
