package db

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type ConfigValue struct {
	Key       string             `json:"key"`
	Value     string             `json:"value"`
	UpdatedAt pgtype.Timestamptz `json:"updated_at"`
}

type Device struct {
	ID         pgtype.UUID        `json:"id"`
	Name       string             `json:"name"`
	Token      string             `json:"token"`
	Platform   string             `json:"platform"`
	CreatedAt  pgtype.Timestamptz `json:"created_at"`
	LastSeenAt pgtype.Timestamptz `json:"last_seen_at"`
}

type Webhook struct {
	ID        pgtype.UUID        `json:"id"`
	Url       string             `json:"url"`
	Events    []string           `json:"events"`
	Secret    string             `json:"secret"`
	CreatedAt pgtype.Timestamptz `json:"created_at"`
}
