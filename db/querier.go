package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type Querier interface {
	CreateWebhook(ctx context.Context, arg CreateWebhookParams) (Webhook, error)
	DeleteDeviceByToken(ctx context.Context, token string) error
	DeleteWebhook(ctx context.Context, id pgtype.UUID) error
	GetConfigValue(ctx context.Context, key string) (ConfigValue, error)
	GetWebhookByID(ctx context.Context, id pgtype.UUID) (Webhook, error)
	ListDevices(ctx context.Context) ([]Device, error)
	ListWebhooks(ctx context.Context) ([]Webhook, error)
	SetConfigValue(ctx context.Context, arg SetConfigValueParams) (ConfigValue, error)
	UpsertDevice(ctx context.Context, arg UpsertDeviceParams) (Device, error)
}

var _ Querier = (*Queries)(nil)
