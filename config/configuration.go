package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	DevMode  bool   `arg:"--dev,env:DEV_MODE" default:"false"`
	Port     int    `arg:"-p,--port,env:LISTEN_PORT" default:"1234"`
	LogLevel string `arg:"--log-level,env:LOG_LEVEL" default:"default" help:"Log level to use.  Valid values are: debug, info, and warn/warning.  If default the level will be info or debug in dev mode."`
	BaseURL  string `arg:"--base-url,env:BASE_URL" default:"http://localhost:1234" help:"Local base URL of this server."`

	DBHost     string `arg:"--db-host,env:DB_HOST" default:"localhost"`
	DBName     string `arg:"--db-name,env:DB_NAME" default:"courier"`
	DBPort     int    `arg:"--db-port,env:DB_PORT" default:"5432"`
	DBMaxConns int    `arg:"--db-max-conns,env:DB_MAX_CONNS" default:"10"`
	DBMinConns int    `arg:"--db-min-conns,env:DB_MIN_CONNS" default:"1"`
	DBSSLMode  string `arg:"--db-ssl-mode,env:DB_SSL_MODE" default:"disable"`
	DBUsername string `arg:"--db-username,env:DB_USERNAME" default:"courier"`
	DBPassword string `arg:"--db-password,env:DB_PASSWORD" default:"badpassword"`

	CompanyID string `arg:"--company-id,env:COMPANY_ID" default:"HEYOH" help:"Deployment identifier sent as x-company-id when the config table has none."`
	APIKey    string `arg:"--api-key,env:API_KEY" default:"" help:"API key for clients and webhooks when the config table has none."`

	PushPolicy     string        `arg:"--push-policy,env:PUSH_POLICY" default:"parallel" help:"parallel: push alongside realtime delivery. fallback: push only when no connected client acknowledges the event."`
	PushGrace      time.Duration `arg:"--push-grace,env:PUSH_GRACE" default:"3s" help:"How long the fallback policy waits for a realtime acknowledgement."`
	PushKinds      []string      `arg:"--push-kinds,env:PUSH_KINDS" help:"Event kinds (globs allowed) that are sent as push notifications."`
	PushGatewayURL string        `arg:"--push-gateway-url,env:PUSH_GATEWAY_URL" default:"" help:"Push gateway endpoint. Push is disabled when empty."`
	PushServerKey  string        `arg:"--push-server-key,env:PUSH_SERVER_KEY" default:""`
	PushTimeout    time.Duration `arg:"--push-timeout,env:PUSH_TIMEOUT" default:"10s"`

	WebhookTimeout     time.Duration `arg:"--webhook-timeout,env:WEBHOOK_TIMEOUT" default:"10s"`
	WebhookConcurrency int           `arg:"--webhook-concurrency,env:WEBHOOK_CONCURRENCY" default:"8"`

	ActionMaxAttempts int           `arg:"--action-max-attempts,env:ACTION_MAX_ATTEMPTS" default:"3"`
	ActionBaseBackoff time.Duration `arg:"--action-base-backoff,env:ACTION_BASE_BACKOFF" default:"1s"`
	ActionMaxBackoff  time.Duration `arg:"--action-max-backoff,env:ACTION_MAX_BACKOFF" default:"30s"`
	ActionTimeout     time.Duration `arg:"--action-timeout,env:ACTION_TIMEOUT" default:"30s" help:"Upper bound for a single executor call."`
	ActionQueueDepth  int           `arg:"--action-queue-depth,env:ACTION_QUEUE_DEPTH" default:"0" help:"Max pending actions per target key. 0 means unbounded."`
	ExecutorURL       string        `arg:"--executor-url,env:EXECUTOR_URL" default:"" help:"Endpoint that executes queued actions."`

	TunnelProviders      []string      `arg:"--tunnel-providers,env:TUNNEL_PROVIDERS" help:"Tunnel providers in priority order: localtunnel, cloudflared, ngrok, static."`
	TunnelLocalAddr      string        `arg:"--tunnel-local-addr,env:TUNNEL_LOCAL_ADDR" default:"" help:"Local host:port exposed through the tunnel. Defaults to localhost and the listen port."`
	LocalTunnelHost      string        `arg:"--localtunnel-host,env:LOCALTUNNEL_HOST" default:"https://localtunnel.me"`
	LocalTunnelSubdomain string        `arg:"--localtunnel-subdomain,env:LOCALTUNNEL_SUBDOMAIN" default:""`
	CloudflaredPath      string        `arg:"--cloudflared-path,env:CLOUDFLARED_PATH" default:"cloudflared"`
	NgrokAuthToken       string        `arg:"--ngrok-authtoken,env:NGROK_AUTHTOKEN" default:"" help:"Auth token for the ngrok provider."`
	NgrokDomain          string        `arg:"--ngrok-domain,env:NGROK_DOMAIN" default:"" help:"Reserved ngrok domain; empty picks a random one."`
	StaticURL            string        `arg:"--static-url,env:STATIC_URL" default:"" help:"Public URL for the static provider (port forwarding, dynamic DNS)."`
	TunnelConnectTimeout time.Duration `arg:"--tunnel-connect-timeout,env:TUNNEL_CONNECT_TIMEOUT" default:"30s"`
	TunnelHealthInterval time.Duration `arg:"--tunnel-health-interval,env:TUNNEL_HEALTH_INTERVAL" default:"30s"`
	TunnelMaxMissed      int           `arg:"--tunnel-max-missed,env:TUNNEL_MAX_MISSED" default:"2"`
	TunnelCooldown       time.Duration `arg:"--tunnel-cooldown,env:TUNNEL_COOLDOWN" default:"2m"`
	TunnelMaxBackoff     time.Duration `arg:"--tunnel-max-backoff,env:TUNNEL_MAX_BACKOFF" default:"5m"`

	ClientTimeout     time.Duration `arg:"--client-timeout,env:CLIENT_TIMEOUT" default:"90s" help:"Realtime clients idle for longer are detached."`
	ClientSendBuffer  int           `arg:"--client-send-buffer,env:CLIENT_SEND_BUFFER" default:"256"`
	ClientActionRate  float64       `arg:"--client-action-rate,env:CLIENT_ACTION_RATE" default:"10" help:"Inbound actions per second allowed per realtime client."`
	ClientActionBurst int           `arg:"--client-action-burst,env:CLIENT_ACTION_BURST" default:"20"`
	AckTTL            time.Duration `arg:"--ack-ttl,env:ACK_TTL" default:"2m"`
}

// DefaultPushKinds are the push-eligible kinds when none are configured.
var DefaultPushKinds = []string{"new-message", "incoming-facetime", "new-server", "scheduled-message-*"}

func LoadConfig() (*AppConfig, error) {
	var appConfig AppConfig
	arg.MustParse(&appConfig)

	if appConfig.DevMode {
		err := godotenv.Load(".env")
		if err == nil {
			// re-parse to get env vars from .env
			slog.Info("Loaded .env")
			arg.MustParse(&appConfig)
		}
	}

	if appConfig.LogLevel == "default" {
		if appConfig.DevMode {
			logLevel.Set(slog.LevelDebug)
		} else {
			logLevel.Set(slog.LevelInfo)
		}
	} else {
		intendedLevel := strings.ToLower(appConfig.LogLevel)
		switch intendedLevel {
		case "debug":
			logLevel.Set(slog.LevelDebug)
		case "info":
			logLevel.Set(slog.LevelInfo)
		case "warn", "warning":
			logLevel.Set(slog.LevelWarn)
		default:
			slog.Error("Unable to configure log level", "level", appConfig.LogLevel)
		}
	}

	appConfig.applyDefaults()
	return &appConfig, nil
}

func (c *AppConfig) applyDefaults() {
	if len(c.PushKinds) == 0 {
		c.PushKinds = append([]string(nil), DefaultPushKinds...)
	}
	if c.TunnelLocalAddr == "" {
		c.TunnelLocalAddr = fmt.Sprintf("localhost:%d", c.Port)
	}
	if c.WebhookConcurrency <= 0 {
		c.WebhookConcurrency = 1
	}
	if c.ActionMaxAttempts <= 0 {
		c.ActionMaxAttempts = 1
	}
}
