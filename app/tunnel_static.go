package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// StaticProvider serves a fixed public URL, such as a forwarded port or a
// dynamic DNS name. Connecting only verifies that the URL reaches us.
type StaticProvider struct {
	URL    string
	Client *http.Client
}

func NewStaticProvider(url string, timeout time.Duration) *StaticProvider {
	return &StaticProvider{URL: strings.TrimRight(url, "/"), Client: &http.Client{Timeout: timeout}}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Connect(ctx context.Context, _ string) (TunnelConn, error) {
	if p.URL == "" {
		return nil, &ConfigurationError{Op: "connect static", Err: errors.New("static url is not set")}
	}
	if err := pingURL(ctx, p.Client, p.URL); err != nil {
		return nil, err
	}
	return newHTTPTunnelConn(p.URL, p.Client, nil), nil
}

// httpTunnelConn health-checks a public URL through GET /api/ping.
type httpTunnelConn struct {
	url     string
	client  *http.Client
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newHTTPTunnelConn(url string, client *http.Client, onClose func()) *httpTunnelConn {
	return &httpTunnelConn{url: url, client: client, done: make(chan struct{}), onClose: onClose}
}

func (c *httpTunnelConn) PublicURL() string { return c.url }

func (c *httpTunnelConn) Healthy(ctx context.Context) error {
	return pingURL(ctx, c.client, c.url)
}

func (c *httpTunnelConn) Done() <-chan struct{} { return c.done }

func (c *httpTunnelConn) Close() error {
	c.once.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
		close(c.done)
	})
	return nil
}

func pingURL(ctx context.Context, client *http.Client, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/ping", nil)
	if err != nil {
		return &ConfigurationError{Op: "tunnel health check", Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return &TransientTransportError{Op: "tunnel health check", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &TransientTransportError{Op: "tunnel health check", Err: fmt.Errorf("%s/api/ping responded %d", base, resp.StatusCode)}
	}
	return nil
}
