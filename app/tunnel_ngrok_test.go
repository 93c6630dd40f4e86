package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeForwarder struct {
	url     string
	stopped chan struct{}
	once    sync.Once
	closes  int
	mu      sync.Mutex
}

func newFakeForwarder(url string) *fakeForwarder {
	return &fakeForwarder{url: url, stopped: make(chan struct{})}
}

func (f *fakeForwarder) URL() string { return f.url }

func (f *fakeForwarder) Wait() error {
	<-f.stopped
	return errors.New("session closed")
}

func (f *fakeForwarder) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.drop()
	return nil
}

func (f *fakeForwarder) drop() { f.once.Do(func() { close(f.stopped) }) }

func pingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ping" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"message":"pong"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNgrokProvider_ForwardsToLocalAddr(t *testing.T) {
	srv := pingServer(t)
	fwd := newFakeForwarder(srv.URL + "/")

	var gotBackend *url.URL
	var gotToken, gotDomain string
	p := NewNgrokProvider("token", "courier.ngrok.app", time.Second)
	p.listen = func(_ context.Context, backend *url.URL, authToken, domain string) (ngrokForwarder, error) {
		gotBackend, gotToken, gotDomain = backend, authToken, domain
		return fwd, nil
	}

	conn, err := p.Connect(context.Background(), "localhost:3000")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", gotBackend.String())
	assert.Equal(t, "token", gotToken)
	assert.Equal(t, "courier.ngrok.app", gotDomain)
	assert.Equal(t, srv.URL, conn.PublicURL())
	assert.NoError(t, conn.Healthy(context.Background()))

	require.NoError(t, conn.Close())
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done is closed after Close")
	}
	fwd.mu.Lock()
	assert.Equal(t, 1, fwd.closes)
	fwd.mu.Unlock()
}

func TestNgrokProvider_DoneWhenForwarderStops(t *testing.T) {
	fwd := newFakeForwarder("https://abc.ngrok.app")
	p := NewNgrokProvider("token", "", time.Second)
	p.listen = func(context.Context, *url.URL, string, string) (ngrokForwarder, error) {
		return fwd, nil
	}

	conn, err := p.Connect(context.Background(), "localhost:3000")
	require.NoError(t, err)

	fwd.drop()
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed when the forwarder stopped")
	}
}

func TestNgrokProvider_ConnectErrors(t *testing.T) {
	var cfgErr *ConfigurationError
	_, err := NewNgrokProvider("", "", time.Second).Connect(context.Background(), "localhost:3000")
	assert.ErrorAs(t, err, &cfgErr)

	p := NewNgrokProvider("token", "", time.Second)
	p.listen = func(context.Context, *url.URL, string, string) (ngrokForwarder, error) {
		return nil, errors.New("authentication failed")
	}
	_, err = p.Connect(context.Background(), "localhost:3000")
	var transient *TransientTransportError
	assert.ErrorAs(t, err, &transient)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.listen = func(ctx context.Context, _ *url.URL, _, _ string) (ngrokForwarder, error) {
		return nil, ctx.Err()
	}
	_, err = p.Connect(ctx, "localhost:3000")
	assert.ErrorIs(t, err, context.Canceled)
}
