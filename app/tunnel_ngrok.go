package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// ngrokForwarder is the part of ngrok.Forwarder the provider relies on.
type ngrokForwarder interface {
	URL() string
	Wait() error
	Close() error
}

type ngrokListenFunc func(ctx context.Context, backend *url.URL, authToken, domain string) (ngrokForwarder, error)

// NgrokProvider opens an HTTP endpoint on the ngrok edge and forwards it to
// the local server.
type NgrokProvider struct {
	AuthToken string
	Domain    string
	Client    *http.Client

	listen ngrokListenFunc
}

func NewNgrokProvider(authToken, domain string, timeout time.Duration) *NgrokProvider {
	return &NgrokProvider{
		AuthToken: authToken,
		Domain:    domain,
		Client:    &http.Client{Timeout: timeout},
		listen:    listenNgrok,
	}
}

func listenNgrok(ctx context.Context, backend *url.URL, authToken, domain string) (ngrokForwarder, error) {
	var opts []config.HTTPEndpointOption
	if domain != "" {
		opts = append(opts, config.WithDomain(domain))
	}
	return ngrok.ListenAndForward(ctx, backend, config.HTTPEndpoint(opts...), ngrok.WithAuthtoken(authToken))
}

func (p *NgrokProvider) Name() string { return "ngrok" }

func (p *NgrokProvider) Connect(ctx context.Context, localAddr string) (TunnelConn, error) {
	if p.AuthToken == "" {
		return nil, &ConfigurationError{Op: "connect ngrok", Err: errors.New("ngrok auth token is not set")}
	}
	backend, err := url.Parse("http://" + localAddr)
	if err != nil {
		return nil, &ConfigurationError{Op: "connect ngrok", Err: err}
	}

	fwd, err := p.listen(ctx, backend, p.AuthToken, p.Domain)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientTransportError{Op: "connect ngrok", Err: err}
	}

	public := strings.TrimRight(fwd.URL(), "/")
	logger := slog.Default().With("component", "tunnel", "provider", p.Name(), "url", public)
	conn := newHTTPTunnelConn(public, p.Client, func() { _ = fwd.Close() })
	go func() {
		err := fwd.Wait()
		logger.Info("ngrok forwarder stopped", "error", err)
		_ = conn.Close()
	}()
	return conn, nil
}
