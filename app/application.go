package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sweater-ventures/courier/config"
	"github.com/sweater-ventures/courier/db"
	"golang.org/x/sync/errgroup"
)

type Application struct {
	Config      config.AppConfig
	DB          db.Querier
	Store       ConfigStore
	EventBus    *EventBus
	Feed        *LocalFeed
	Connections *ConnectionRegistry
	Relay       *RealtimeRelay
	Actions     *ActionQueue
	Push        *PushGateway
	Webhooks    *WebhookDispatcher
	Tunnel      *TunnelManager
	Coordinator *Coordinator

	dbconn    *pgxpool.Pool
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

func NewApp(cfg *config.AppConfig) (*Application, error) {
	conn, err := connectToDB(cfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return nil, err
	}
	application, err := NewAppWithQuerier(cfg, db.New(conn))
	if err != nil {
		conn.Close()
		return nil, err
	}
	application.dbconn = conn
	return application, nil
}

// NewAppWithQuerier wires every component on top of queries.
func NewAppWithQuerier(cfg *config.AppConfig, queries db.Querier) (*Application, error) {
	policy, err := ParsePushPolicy(cfg.PushPolicy)
	if err != nil {
		return nil, err
	}
	providers, err := TunnelProvidersFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender, err := NewHTTPPushSender(cfg.PushGatewayURL, cfg.PushServerKey, cfg.PushTimeout)
	if err != nil {
		return nil, err
	}

	store := NewDBConfigStore(queries, cfg.CompanyID, cfg.APIKey)
	bus := NewEventBus(slog.Default())
	feed := NewLocalFeed()
	connections := NewConnectionRegistry(cfg.ClientTimeout)

	var push *PushGateway
	if sender != nil {
		push = NewPushGateway(store, sender, cfg.PushKinds, cfg.PushTimeout)
	} else {
		slog.Info("Push gateway not configured, push notifications disabled")
	}

	var executor ActionExecutor = UnconfiguredExecutor
	if cfg.ExecutorURL != "" {
		executor = NewHTTPExecutor(cfg.ExecutorURL, cfg.APIKey, cfg.ActionTimeout)
	} else {
		slog.Warn("No action executor configured, actions will fail")
	}

	application := &Application{
		Config:      *cfg,
		DB:          queries,
		Store:       store,
		EventBus:    bus,
		Feed:        feed,
		Connections: connections,
		Push:        push,
		Webhooks:    NewWebhookDispatcher(store, cfg.WebhookTimeout, cfg.WebhookConcurrency),
	}

	application.Actions = NewActionQueue(executor, RetryPolicy{
		MaxAttempts: cfg.ActionMaxAttempts,
		BaseBackoff: cfg.ActionBaseBackoff,
		MaxBackoff:  cfg.ActionMaxBackoff,
		Timeout:     cfg.ActionTimeout,
		MaxDepth:    cfg.ActionQueueDepth,
	}, func(o ActionOutcome) { application.Coordinator.ActionResult(o) })

	application.Relay = NewRealtimeRelay(connections, application.Actions, store, RelayOptions{
		SendBuffer:     cfg.ClientSendBuffer,
		ActionRate:     cfg.ClientActionRate,
		ActionBurst:    cfg.ClientActionBurst,
		AckTTL:         cfg.AckTTL,
		AllowAnonymous: cfg.DevMode,
	})

	application.Tunnel = NewTunnelManager(providers, cfg.TunnelLocalAddr, TunnelPolicy{
		ConnectTimeout: cfg.TunnelConnectTimeout,
		HealthInterval: cfg.TunnelHealthInterval,
		MaxMissed:      cfg.TunnelMaxMissed,
		Cooldown:       cfg.TunnelCooldown,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     cfg.TunnelMaxBackoff,
	}, bus.Publish)

	application.Coordinator = NewCoordinator(bus, feed, connections, application.Relay, push, application.Webhooks, policy, cfg.PushGrace)
	return application, nil
}

// Start launches the background workers. They run until Close.
func (a *Application) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.group, ctx = errgroup.WithContext(ctx)

	a.Coordinator.Start()
	a.group.Go(func() error { return a.Connections.Run(ctx) })
	a.group.Go(func() error { return a.Relay.Run(ctx) })
	a.group.Go(func() error { return a.Tunnel.Run(ctx) })
}

// Close stops the tunnel and clients, settles queued actions, drains the
// event bus and outstanding webhook calls, then closes the database.
func (a *Application) Close() {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if a.cancel != nil {
			a.cancel()
			if err := a.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Background worker failed", "error", err)
			}
		}
		a.Relay.Close()
		a.Feed.Close()
		if err := a.Actions.Close(ctx); err != nil {
			slog.Error("Action queue shutdown error", "error", err)
		}
		if err := a.EventBus.Close(ctx); err != nil {
			slog.Error("Event bus shutdown error", "error", err)
		}
		a.Coordinator.Stop()
		if err := a.Webhooks.Wait(ctx); err != nil {
			slog.Error("Webhook shutdown error", "error", fmt.Errorf("waiting for webhook calls: %w", err))
		}
		if a.dbconn != nil {
			a.dbconn.Close()
		}
	})
}
