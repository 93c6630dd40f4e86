package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const createWebhook = `-- name: CreateWebhook :one
INSERT INTO webhooks (id, url, events, secret, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, url, events, secret, created_at
`

type CreateWebhookParams struct {
	ID        pgtype.UUID        `json:"id"`
	Url       string             `json:"url"`
	Events    []string           `json:"events"`
	Secret    string             `json:"secret"`
	CreatedAt pgtype.Timestamptz `json:"created_at"`
}

func (q *Queries) CreateWebhook(ctx context.Context, arg CreateWebhookParams) (Webhook, error) {
	row := q.db.QueryRow(ctx, createWebhook,
		arg.ID,
		arg.Url,
		arg.Events,
		arg.Secret,
		arg.CreatedAt,
	)
	var i Webhook
	err := row.Scan(
		&i.ID,
		&i.Url,
		&i.Events,
		&i.Secret,
		&i.CreatedAt,
	)
	return i, err
}

const deleteDeviceByToken = `-- name: DeleteDeviceByToken :exec
DELETE FROM devices WHERE token = $1
`

func (q *Queries) DeleteDeviceByToken(ctx context.Context, token string) error {
	_, err := q.db.Exec(ctx, deleteDeviceByToken, token)
	return err
}

const deleteWebhook = `-- name: DeleteWebhook :exec
DELETE FROM webhooks WHERE id = $1
`

func (q *Queries) DeleteWebhook(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, deleteWebhook, id)
	return err
}

const getConfigValue = `-- name: GetConfigValue :one
SELECT key, value, updated_at FROM config WHERE key = $1
`

func (q *Queries) GetConfigValue(ctx context.Context, key string) (ConfigValue, error) {
	row := q.db.QueryRow(ctx, getConfigValue, key)
	var i ConfigValue
	err := row.Scan(&i.Key, &i.Value, &i.UpdatedAt)
	return i, err
}

const getWebhookByID = `-- name: GetWebhookByID :one
SELECT id, url, events, secret, created_at FROM webhooks WHERE id = $1
`

func (q *Queries) GetWebhookByID(ctx context.Context, id pgtype.UUID) (Webhook, error) {
	row := q.db.QueryRow(ctx, getWebhookByID, id)
	var i Webhook
	err := row.Scan(
		&i.ID,
		&i.Url,
		&i.Events,
		&i.Secret,
		&i.CreatedAt,
	)
	return i, err
}

const listDevices = `-- name: ListDevices :many
SELECT id, name, token, platform, created_at, last_seen_at FROM devices ORDER BY created_at
`

func (q *Queries) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := q.db.Query(ctx, listDevices)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Device
	for rows.Next() {
		var i Device
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.Token,
			&i.Platform,
			&i.CreatedAt,
			&i.LastSeenAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listWebhooks = `-- name: ListWebhooks :many
SELECT id, url, events, secret, created_at FROM webhooks ORDER BY created_at
`

func (q *Queries) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	rows, err := q.db.Query(ctx, listWebhooks)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Webhook
	for rows.Next() {
		var i Webhook
		if err := rows.Scan(
			&i.ID,
			&i.Url,
			&i.Events,
			&i.Secret,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const setConfigValue = `-- name: SetConfigValue :one
INSERT INTO config (key, value, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
RETURNING key, value, updated_at
`

type SetConfigValueParams struct {
	Key       string             `json:"key"`
	Value     string             `json:"value"`
	UpdatedAt pgtype.Timestamptz `json:"updated_at"`
}

func (q *Queries) SetConfigValue(ctx context.Context, arg SetConfigValueParams) (ConfigValue, error) {
	row := q.db.QueryRow(ctx, setConfigValue, arg.Key, arg.Value, arg.UpdatedAt)
	var i ConfigValue
	err := row.Scan(&i.Key, &i.Value, &i.UpdatedAt)
	return i, err
}

const upsertDevice = `-- name: UpsertDevice :one
INSERT INTO devices (id, name, token, platform, created_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (token) DO UPDATE SET name = EXCLUDED.name, platform = EXCLUDED.platform, last_seen_at = EXCLUDED.last_seen_at
RETURNING id, name, token, platform, created_at, last_seen_at
`

type UpsertDeviceParams struct {
	ID        pgtype.UUID        `json:"id"`
	Name      string             `json:"name"`
	Token     string             `json:"token"`
	Platform  string             `json:"platform"`
	CreatedAt pgtype.Timestamptz `json:"created_at"`
}

func (q *Queries) UpsertDevice(ctx context.Context, arg UpsertDeviceParams) (Device, error) {
	row := q.db.QueryRow(ctx, upsertDevice,
		arg.ID,
		arg.Name,
		arg.Token,
		arg.Platform,
		arg.CreatedAt,
	)
	var i Device
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Token,
		&i.Platform,
		&i.CreatedAt,
		&i.LastSeenAt,
	)
	return i, err
}
