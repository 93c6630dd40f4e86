package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// maxLocalTunnelConns caps the proxy sockets opened per session.
const maxLocalTunnelConns = 10

// LocalTunnelProvider speaks the localtunnel protocol: ask the server for a
// tunnel, then keep max_conn_count TCP sockets open to it, each proxied to
// the local address.
type LocalTunnelProvider struct {
	Host      string
	Subdomain string
	Client    *http.Client
	Dialer    net.Dialer
}

func NewLocalTunnelProvider(host, subdomain string, timeout time.Duration) *LocalTunnelProvider {
	return &LocalTunnelProvider{
		Host:      strings.TrimRight(host, "/"),
		Subdomain: subdomain,
		Client:    &http.Client{Timeout: timeout},
		Dialer:    net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
	}
}

func (p *LocalTunnelProvider) Name() string { return "localtunnel" }

type localTunnelGrant struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	Message      string `json:"message"`
}

func (p *LocalTunnelProvider) Connect(ctx context.Context, localAddr string) (TunnelConn, error) {
	base, err := url.Parse(p.Host)
	if err != nil || base.Hostname() == "" {
		return nil, &ConfigurationError{Op: "connect localtunnel", Err: fmt.Errorf("invalid host %q", p.Host)}
	}

	grant, err := p.requestTunnel(ctx)
	if err != nil {
		return nil, err
	}
	remote := net.JoinHostPort(base.Hostname(), fmt.Sprint(grant.Port))

	// One socket must open before the session counts as established.
	first, err := p.Dialer.DialContext(ctx, "tcp", remote)
	if err != nil {
		return nil, &TransientTransportError{Op: "connect localtunnel", Err: err}
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	conn := &localTunnelConn{
		httpTunnelConn: newHTTPTunnelConn(strings.TrimRight(grant.URL, "/"), p.Client, cancel),
		logger:         slog.Default().With("component", "tunnel", "provider", p.Name(), "tunnel_id", grant.ID),
	}

	slots := min(max(grant.MaxConnCount, 1), maxLocalTunnelConns)
	var wg sync.WaitGroup
	for i := range slots {
		wg.Add(1)
		var initial net.Conn
		if i == 0 {
			initial = first
		}
		go func() {
			defer wg.Done()
			conn.serveSlot(sessionCtx, &p.Dialer, remote, localAddr, initial)
		}()
	}
	go func() {
		wg.Wait()
		_ = conn.Close()
	}()
	return conn, nil
}

func (p *LocalTunnelProvider) requestTunnel(ctx context.Context) (localTunnelGrant, error) {
	endpoint := p.Host + "/?new"
	if p.Subdomain != "" {
		endpoint = p.Host + "/" + url.PathEscape(p.Subdomain)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return localTunnelGrant{}, &ConfigurationError{Op: "request localtunnel", Err: err}
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return localTunnelGrant{}, &TransientTransportError{Op: "request localtunnel", Err: err}
	}
	defer resp.Body.Close()

	var grant localTunnelGrant
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&grant); err != nil {
		return localTunnelGrant{}, &TransientTransportError{Op: "request localtunnel", Err: fmt.Errorf("decoding grant (status %d): %w", resp.StatusCode, err)}
	}
	if resp.StatusCode != http.StatusOK || grant.Port == 0 || grant.URL == "" {
		msg := grant.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return localTunnelGrant{}, &TransientTransportError{Op: "request localtunnel", Err: errors.New(msg)}
	}
	return grant, nil
}

type localTunnelConn struct {
	*httpTunnelConn
	logger *slog.Logger
}

// serveSlot keeps one proxy socket alive. Three consecutive failures to
// reach the tunnel server end the slot.
func (c *localTunnelConn) serveSlot(ctx context.Context, dialer *net.Dialer, remote, local string, initial net.Conn) {
	failures := 0
	for ctx.Err() == nil && failures < 3 {
		rc := initial
		initial = nil
		if rc == nil {
			var err error
			rc, err = dialer.DialContext(ctx, "tcp", remote)
			if err != nil {
				failures++
				c.logger.Debug("Failed to open tunnel socket", "error", err, "failures", failures)
				select {
				case <-ctx.Done():
				case <-time.After(calculateBackoff(failures-1, 500*time.Millisecond, 5*time.Second)):
				}
				continue
			}
		}
		failures = 0
		c.proxy(ctx, dialer, rc, local)
	}
}

// proxy pipes one remote socket to a fresh local connection and returns
// once either side closes.
func (c *localTunnelConn) proxy(ctx context.Context, dialer *net.Dialer, rc net.Conn, local string) {
	defer rc.Close()
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer stop()

	// Wait for the server to hand us a request before dialing locally.
	buf := make([]byte, 32*1024)
	n, err := rc.Read(buf)
	if err != nil {
		return
	}
	lc, err := dialer.DialContext(ctx, "tcp", local)
	if err != nil {
		c.logger.Warn("Failed to reach local server through tunnel", "local_addr", local, "error", err)
		return
	}
	defer lc.Close()
	if _, err := lc.Write(buf[:n]); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(lc, rc)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(rc, lc)
		done <- struct{}{}
	}()
	<-done
}
