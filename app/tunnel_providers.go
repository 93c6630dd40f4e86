package app

import (
	"fmt"
	"strings"

	"github.com/sweater-ventures/courier/config"
)

// TunnelProvidersFromConfig builds the configured providers in priority
// order. Unknown names are a configuration error.
func TunnelProvidersFromConfig(cfg *config.AppConfig) ([]TunnelProvider, error) {
	var providers []TunnelProvider
	seen := make(map[string]bool)
	for _, name := range cfg.TunnelProviders {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		switch name {
		case "localtunnel":
			providers = append(providers, NewLocalTunnelProvider(cfg.LocalTunnelHost, cfg.LocalTunnelSubdomain, cfg.TunnelConnectTimeout))
		case "cloudflared":
			providers = append(providers, NewCloudflaredProvider(cfg.CloudflaredPath, cfg.TunnelConnectTimeout))
		case "ngrok":
			if cfg.NgrokAuthToken == "" {
				return nil, &ConfigurationError{Op: "tunnel providers", Err: fmt.Errorf("ngrok provider needs --ngrok-authtoken")}
			}
			providers = append(providers, NewNgrokProvider(cfg.NgrokAuthToken, cfg.NgrokDomain, cfg.TunnelConnectTimeout))
		case "static":
			if cfg.StaticURL == "" {
				return nil, &ConfigurationError{Op: "tunnel providers", Err: fmt.Errorf("static provider needs --static-url")}
			}
			providers = append(providers, NewStaticProvider(cfg.StaticURL, cfg.TunnelConnectTimeout))
		default:
			return nil, &ConfigurationError{Op: "tunnel providers", Err: fmt.Errorf("unknown provider %q", name)}
		}
	}
	return providers, nil
}
