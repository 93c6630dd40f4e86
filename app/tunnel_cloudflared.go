package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"regexp"
	"time"
)

var trycloudflareURL = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// CloudflaredProvider runs a quick tunnel through the cloudflared binary.
type CloudflaredProvider struct {
	Path   string
	Client *http.Client
}

func NewCloudflaredProvider(path string, timeout time.Duration) *CloudflaredProvider {
	if path == "" {
		path = "cloudflared"
	}
	return &CloudflaredProvider{Path: path, Client: &http.Client{Timeout: timeout}}
}

func (p *CloudflaredProvider) Name() string { return "cloudflared" }

func (p *CloudflaredProvider) Connect(ctx context.Context, localAddr string) (TunnelConn, error) {
	bin, err := exec.LookPath(p.Path)
	if err != nil {
		return nil, &ConfigurationError{Op: "connect cloudflared", Err: err}
	}

	// The process outlives the connect attempt, so it is not bound to ctx.
	cmd := exec.Command(bin, "tunnel", "--no-autoupdate", "--url", "http://"+localAddr)
	stderr, stderrW := io.Pipe()
	cmd.Stderr = stderrW
	cmd.Stdout = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stderrW.Close()
		return nil, &ConfigurationError{Op: "connect cloudflared", Err: fmt.Errorf("starting %s: %w", bin, err)}
	}

	logger := slog.Default().With("component", "tunnel", "provider", p.Name(), "pid", cmd.Process.Pid)
	found := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		announced := false
		for scanner.Scan() {
			line := scanner.Text()
			if !announced {
				if u := trycloudflareURL.FindString(line); u != "" {
					announced = true
					found <- u
				}
			}
			logger.Debug("cloudflared", "line", line)
		}
		_, _ = io.Copy(io.Discard, stderr)
	}()

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		_ = stderrW.Close()
		close(exited)
	}()

	kill := func() {
		_ = cmd.Process.Kill()
		<-exited
	}

	select {
	case u := <-found:
		conn := newHTTPTunnelConn(u, p.Client, kill)
		go func() {
			<-exited
			logger.Info("cloudflared exited", "error", waitErr)
			_ = conn.Close()
		}()
		return conn, nil
	case <-exited:
		if waitErr == nil {
			waitErr = errors.New("exited before announcing a url")
		}
		return nil, &TransientTransportError{Op: "connect cloudflared", Err: waitErr}
	case <-ctx.Done():
		kill()
		return nil, ctx.Err()
	}
}
