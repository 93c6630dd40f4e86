package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sweater-ventures/courier/db"
)

const (
	ConfigKeyCompanyID = "companyId"
	ConfigKeyAPIKey    = "apiKey"
)

// Subscription is a webhook listener and the event kinds it wants.
type Subscription struct {
	ListenerID  string
	URL         string
	InterestSet []string
	Secret      string
}

// Matches reports whether the subscription's interest set covers kind.
func (s Subscription) Matches(kind EventKind) bool {
	return matchesAnyKind(s.InterestSet, kind)
}

// Device is a push-notification target.
type Device struct {
	Name     string
	Token    string
	Platform string
}

// ConfigStore is the read-only view of configuration the core needs. Every
// call reads current values; nothing is cached across a dispatch.
type ConfigStore interface {
	CompanyID(ctx context.Context) string
	APIKey(ctx context.Context) string
	Subscriptions(ctx context.Context) ([]Subscription, error)
	Devices(ctx context.Context) ([]Device, error)
	RemoveDevice(ctx context.Context, token string) error
}

// DBConfigStore reads configuration through db.Querier and falls back to
// the process flags for identity values missing from the config table.
type DBConfigStore struct {
	queries          db.Querier
	defaultCompanyID string
	defaultAPIKey    string
	logger           *slog.Logger
}

func NewDBConfigStore(queries db.Querier, companyID, apiKey string) *DBConfigStore {
	return &DBConfigStore{
		queries:          queries,
		defaultCompanyID: companyID,
		defaultAPIKey:    apiKey,
		logger:           slog.Default().With("component", "configstore"),
	}
}

func (s *DBConfigStore) CompanyID(ctx context.Context) string {
	if v, ok := s.value(ctx, ConfigKeyCompanyID); ok {
		return v
	}
	return s.defaultCompanyID
}

func (s *DBConfigStore) APIKey(ctx context.Context) string {
	if v, ok := s.value(ctx, ConfigKeyAPIKey); ok {
		return v
	}
	return s.defaultAPIKey
}

func (s *DBConfigStore) value(ctx context.Context, key string) (string, bool) {
	cv, err := s.queries.GetConfigValue(ctx, key)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("Failed to read config value", "key", key, "error", err)
		}
		return "", false
	}
	v := strings.TrimSpace(cv.Value)
	return v, v != ""
}

func (s *DBConfigStore) Subscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.queries.ListWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading webhooks: %w", err)
	}
	subs := make([]Subscription, 0, len(rows))
	for _, w := range rows {
		if len(w.Events) == 0 {
			s.logger.Warn("Skipping webhook with empty interest set", "url", w.Url, "webhook_id", UuidToString(w.ID))
			continue
		}
		subs = append(subs, Subscription{
			ListenerID:  UuidToString(w.ID),
			URL:         w.Url,
			InterestSet: w.Events,
			Secret:      w.Secret,
		})
	}
	return subs, nil
}

func (s *DBConfigStore) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.queries.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading devices: %w", err)
	}
	devices := make([]Device, len(rows))
	for i, d := range rows {
		devices[i] = Device{Name: d.Name, Token: d.Token, Platform: d.Platform}
	}
	return devices, nil
}

func (s *DBConfigStore) RemoveDevice(ctx context.Context, token string) error {
	if err := s.queries.DeleteDeviceByToken(ctx, token); err != nil {
		return fmt.Errorf("removing device: %w", err)
	}
	return nil
}
